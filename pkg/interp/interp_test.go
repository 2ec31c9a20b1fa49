package interp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/feeny/pkg/parser"
)

func runSource(t *testing.T, source string) string {
	t.Helper()
	prog, err := parser.Parse(source)
	require.NoError(t, err)

	var buf strings.Builder
	ip := New(WithWriter(&buf))
	err = ip.Run(prog)
	require.NoError(t, err)
	return buf.String()
}

func TestPrintfLiteral(t *testing.T) {
	out := runSource(t, `printf("hello ~\n", 42)`+"\n")
	require.Equal(t, "hello 42\n", out)
}

func TestArithmetic(t *testing.T) {
	out := runSource(t, `printf("~\n", 1 + 2 * 3)`+"\n")
	require.Equal(t, "7\n", out)
}

func TestComparisonTruthiness(t *testing.T) {
	out := runSource(t, "if 1 < 2:\n    printf(\"yes\\n\")\nelse:\n    printf(\"no\\n\")\n")
	require.Equal(t, "yes\n", out)
}

func TestWhileLoop(t *testing.T) {
	src := "var i = 0\n" +
		"while i < 3:\n" +
		"    printf(\"~\\n\", i)\n" +
		"    i = i + 1\n"
	out := runSource(t, src)
	require.Equal(t, "0\n1\n2\n", out)
}

func TestArrayGetSet(t *testing.T) {
	src := "var a = array(3, 0)\n" +
		"a[1] = 9\n" +
		"printf(\"~\\n\", a[1])\n" +
		"printf(\"~\\n\", a.length())\n"
	out := runSource(t, src)
	require.Equal(t, "9\n3\n", out)
}

func TestArraySetYieldsNull(t *testing.T) {
	// array set writes the slot and yields the null word, not the value
	// just assigned, so using its result as a printf argument is a
	// type error, not an echo of the stored value.
	prog, err := parser.Parse("var a = array(1, 0)\nprintf(\"~\\n\", a.set(0, 5))\n")
	require.NoError(t, err)
	ip := New(WithWriter(&strings.Builder{}))
	err = ip.Run(prog)
	require.Error(t, err)
}

func TestSetSlotYieldsNull(t *testing.T) {
	// SetSlot pops its value rather than pushing it back, so using a
	// slot assignment as an expression yields null, not the value just
	// stored, matching pkg/vm's SetSlot/SetLocal stack-discipline split.
	prog, err := parser.Parse("var o = object:\n    var x = 1\nprintf(\"~\\n\", o.x = 5)\n")
	require.NoError(t, err)
	ip := New(WithWriter(&strings.Builder{}))
	err = ip.Run(prog)
	require.Error(t, err)
}

func TestObjectMethodDispatchAndInheritance(t *testing.T) {
	src := "var base = object:\n" +
		"    method greet():\n" +
		"        printf(\"base\\n\")\n" +
		"var child = object base:\n" +
		"    method hi():\n" +
		"        this.greet()\n" +
		"child.hi()\n"
	out := runSource(t, src)
	require.Equal(t, "base\n", out)
}

func TestFunctionCallAndRecursion(t *testing.T) {
	src := "defn fact(n):\n" +
		"    if n == 0:\n" +
		"        1\n" +
		"    else:\n" +
		"        n * fact(n - 1)\n" +
		"printf(\"~\\n\", fact(5))\n"
	out := runSource(t, src)
	require.Equal(t, "120\n", out)
}

func TestDivisionByZeroErrors(t *testing.T) {
	prog, err := parser.Parse("1 / 0\n")
	require.NoError(t, err)
	ip := New(WithWriter(&strings.Builder{}))
	err = ip.Run(prog)
	require.Error(t, err)
}

func TestUndefinedVariableErrors(t *testing.T) {
	prog, err := parser.Parse("x\n")
	require.NoError(t, err)
	ip := New(WithWriter(&strings.Builder{}))
	err = ip.Run(prog)
	require.Error(t, err)
}

func TestReadingMethodSlotYieldsNull(t *testing.T) {
	src := "var o = object:\n" +
		"    method m():\n" +
		"        1\n" +
		"printf(\"~\\n\", o.m)\n"
	_, err := runSourceOrErr(src)
	require.Error(t, err) // printf rejects a non-integer null argument
}

func runSourceOrErr(source string) (string, error) {
	prog, err := parser.Parse(source)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	ip := New(WithWriter(&buf))
	err = ip.Run(prog)
	return buf.String(), err
}
