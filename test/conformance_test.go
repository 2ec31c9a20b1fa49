// Package conformance runs the same Feeny programs through the
// tree-walking interpreter and the compile-and-run bytecode pipeline
// and checks their stdout matches byte for byte. This is the
// conformance-oracle property: pkg/interp exists specifically so the
// bytecode VM has something independent to be checked against.
package conformance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/feeny/pkg/compiler"
	"github.com/kristofer/feeny/pkg/interp"
	"github.com/kristofer/feeny/pkg/parser"
	"github.com/kristofer/feeny/pkg/vm"
)

func runInterp(t *testing.T, source string) string {
	t.Helper()
	prog, err := parser.Parse(source)
	require.NoError(t, err)
	var buf strings.Builder
	ip := interp.New(interp.WithWriter(&buf))
	require.NoError(t, ip.Run(prog))
	return buf.String()
}

func runVM(t *testing.T, source string, opts ...vm.Option) string {
	t.Helper()
	prog, err := parser.Parse(source)
	require.NoError(t, err)
	compiled, err := compiler.Compile(prog)
	require.NoError(t, err)
	var buf strings.Builder
	allOpts := append([]vm.Option{vm.WithWriter(&buf)}, opts...)
	machine, err := vm.New(compiled, allOpts...)
	require.NoError(t, err)
	defer machine.Close()
	require.NoError(t, machine.Run())
	return buf.String()
}

// assertConforms runs source through both engines and checks they agree
// with each other and with want.
func assertConforms(t *testing.T, source, want string) {
	t.Helper()
	interpOut := runInterp(t, source)
	vmOut := runVM(t, source)
	assert.Equal(t, want, interpOut, "interpreter output")
	assert.Equal(t, want, vmOut, "VM output")
}

func TestConformancePrintfLiteral(t *testing.T) {
	assertConforms(t, `printf("hello world\n")`+"\n", "hello world\n")
}

func TestConformanceArithmetic(t *testing.T) {
	src := "var x = 1 + 2\n" +
		"printf(\"~\\n\", x)\n"
	assertConforms(t, src, "3\n")
}

func TestConformanceFibonacciRecursion(t *testing.T) {
	src := "defn fib(n):\n" +
		"    if n < 2:\n" +
		"        n\n" +
		"    else:\n" +
		"        fib(n - 1) + fib(n - 2)\n" +
		"printf(\"~\\n\", fib(10))\n"
	assertConforms(t, src, "55\n")
}

func TestConformanceArrayIndexing(t *testing.T) {
	src := "var a = array(3, 0)\n" +
		"a[0] = 10\n" +
		"a[1] = 20\n" +
		"a[2] = 30\n" +
		"printf(\"~ ~ ~\\n\", a[0], a[1], a[2])\n"
	assertConforms(t, src, "10 20 30\n")
}

func TestConformancePrototypeParentMethodDispatch(t *testing.T) {
	src := "var p = object:\n" +
		"    var x = 1\n" +
		"    method get_x(): this.x\n" +
		"var c = object p:\n" +
		"    var y = 2\n" +
		"    method sum(): this.get_x() + this.y\n" +
		"printf(\"~\\n\", c.sum())\n"
	assertConforms(t, src, "3\n")
}

// TestConformanceGCStress proves the GC reclaims unreachable arrays and
// that heap growth converges: it allocates many large arrays in a loop,
// keeping only the last one reachable, under a heap far smaller than
// the cumulative allocation volume would require without collection.
// The scenario this is grounded on (§8 scenario 6) calls for 10,000
// one-million-word arrays; that volume is scaled down here to keep the
// test fast while preserving the property it checks (bounded memory
// under sustained allocation pressure, not a single giant one-shot
// allocation) — the ratio of iterations to heap size is what matters,
// not the absolute numbers.
func TestConformanceGCStress(t *testing.T) {
	src := "var i = 0\n" +
		"var last = null\n" +
		"while i < 2000:\n" +
		"    last = array(256, i)\n" +
		"    i = i + 1\n" +
		"printf(\"~\\n\", last.length())\n" +
		"printf(\"~\\n\", last[0])\n"

	interpOut := runInterp(t, src)
	assert.Equal(t, "256\n1999\n", interpOut)

	vmOut := runVM(t, src, vm.WithHeapSize(64*1024))
	assert.Equal(t, "256\n1999\n", vmOut)

	assert.Equal(t, interpOut, vmOut)
}

func TestConformanceWhileLoopSideEffects(t *testing.T) {
	src := "var i = 0\n" +
		"while i < 5:\n" +
		"    printf(\"~\\n\", i)\n" +
		"    i = i + 1\n"
	assertConforms(t, src, "0\n1\n2\n3\n4\n")
}

func TestConformanceDivisionByZeroErrorsOnBothEngines(t *testing.T) {
	prog, err := parser.Parse("1 / 0\n")
	require.NoError(t, err)

	ip := interp.New(interp.WithWriter(&strings.Builder{}))
	interpErr := ip.Run(prog)
	require.Error(t, interpErr)

	compiled, err := compiler.Compile(prog)
	require.NoError(t, err)
	machine, err := vm.New(compiled, vm.WithWriter(&strings.Builder{}))
	require.NoError(t, err)
	defer machine.Close()
	vmErr := machine.Run()
	require.Error(t, vmErr)
}
