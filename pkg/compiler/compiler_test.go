package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/feeny/pkg/bytecode"
	"github.com/kristofer/feeny/pkg/parser"
)

func compileSource(t *testing.T, source string) *bytecode.Program {
	t.Helper()
	prog, err := parser.Parse(source)
	require.NoError(t, err)
	compiled, err := Compile(prog)
	require.NoError(t, err)
	return compiled
}

func entryCode(t *testing.T, prog *bytecode.Program) []bytecode.Instruction {
	t.Helper()
	mv := prog.Values[prog.EntryIndex].Method
	require.NotNil(t, mv)
	return mv.Code
}

func opSequence(code []bytecode.Instruction) []bytecode.Opcode {
	ops := make([]bytecode.Opcode, len(code))
	for i, ins := range code {
		ops[i] = ins.Op
	}
	return ops
}

func TestCompileIntLiteralPushesAndReturns(t *testing.T) {
	prog := compileSource(t, "42\n")
	code := entryCode(t, prog)
	assert.Equal(t, []bytecode.Opcode{bytecode.OpLit, bytecode.OpReturn}, opSequence(code))
	assert.Equal(t, int32(42), prog.Values[code[0].Index].Int)
}

func TestCompileEmptyProgramPushesImplicitNull(t *testing.T) {
	prog := compileSource(t, "")
	code := entryCode(t, prog)
	require.Len(t, code, 2)
	assert.Equal(t, bytecode.OpLit, code[0].Op)
	assert.Equal(t, bytecode.KindNull, prog.Values[code[0].Index].Kind)
}

func TestCompileArithmeticDesugarsToCallSlot(t *testing.T) {
	prog := compileSource(t, "1 + 2\n")
	code := entryCode(t, prog)
	var callSlot *bytecode.Instruction
	for i := range code {
		if code[i].Op == bytecode.OpCallSlot {
			callSlot = &code[i]
		}
	}
	require.NotNil(t, callSlot)
	assert.Equal(t, "add", prog.Values[callSlot.Index].Str)
	assert.Equal(t, 2, callSlot.Arity) // receiver + one argument
}

func TestCompileConstantPoolDeduplicatesIntegers(t *testing.T) {
	prog := compileSource(t, "var a = 5\nvar b = 5\n")
	count := 0
	for _, v := range prog.Values {
		if v.Kind == bytecode.KindInt && v.Int == 5 {
			count++
		}
	}
	assert.Equal(t, 1, count, "the two literal 5s should share one pool entry")
}

func TestCompileMethodsWithDifferentNamesAreNotDeduplicated(t *testing.T) {
	// f and g have identical bodies but different names, so they are
	// distinct values even though their code is byte-for-byte the same.
	prog := compileSource(t, "defn f():\n    1\ndefn g():\n    1\n")
	methodCount := 0
	for _, v := range prog.Values {
		if v.Kind == bytecode.KindMethod {
			methodCount++
		}
	}
	// entry + f + g
	assert.Equal(t, 3, methodCount)
}

func TestCompileIdenticalMethodsAreDeduplicated(t *testing.T) {
	// Two object literals each declaring a same-named, same-bodied
	// method dedupe to a single pool entry, per spec's structural-
	// equality rule (name + nargs + nlocals + code).
	src := "var a = object:\n" +
		"    method get(): 1\n" +
		"var b = object:\n" +
		"    method get(): 1\n"
	prog := compileSource(t, src)
	methodCount := 0
	for _, v := range prog.Values {
		if v.Kind == bytecode.KindMethod && v.Method.NameIndex >= 0 && prog.Values[v.Method.NameIndex].Str == "get" {
			methodCount++
		}
	}
	assert.Equal(t, 1, methodCount, "identical get() methods on two separate objects should share one pool entry")
}

func TestCompileIdenticalClassesAreDeduplicated(t *testing.T) {
	src := "var a = object:\n" +
		"    var x = 1\n" +
		"var b = object:\n" +
		"    var x = 1\n"
	prog := compileSource(t, src)
	classCount := 0
	for _, v := range prog.Values {
		if v.Kind == bytecode.KindClass {
			classCount++
		}
	}
	assert.Equal(t, 1, classCount, "two objects with the same slot shape should share one class entry")
}

func TestCompileTopLevelVarBecomesGlobalSlot(t *testing.T) {
	prog := compileSource(t, "var x = 1\nx\n")
	code := entryCode(t, prog)
	var sawSetGlobal, sawGetGlobal bool
	for _, ins := range code {
		switch ins.Op {
		case bytecode.OpSetGlobal:
			sawSetGlobal = true
		case bytecode.OpGetGlobal:
			sawGetGlobal = true
		}
	}
	assert.True(t, sawSetGlobal, "top-level var should compile to SetGlobal")
	assert.True(t, sawGetGlobal, "a later reference should compile to GetGlobal")
	assert.Len(t, prog.GlobalSlotIndices, 1)
}

func TestCompileLocalVarUsesLocalSlots(t *testing.T) {
	prog := compileSource(t, "defn f():\n    var x = 1\n    x\n")
	var mv *bytecode.MethodValue
	for _, v := range prog.Values {
		if v.Kind == bytecode.KindMethod && v.Method.NameIndex >= 0 && prog.Values[v.Method.NameIndex].Str == "f" {
			mv = v.Method
		}
	}
	require.NotNil(t, mv)
	var sawSetLocal, sawGetLocal bool
	for _, ins := range mv.Code {
		switch ins.Op {
		case bytecode.OpSetLocal:
			sawSetLocal = true
		case bytecode.OpGetLocal:
			sawGetLocal = true
		}
	}
	assert.True(t, sawSetLocal)
	assert.True(t, sawGetLocal)
	assert.Equal(t, 1, mv.NLocals)
}

func TestCompileIfBranchesShareOuterLocalSlots(t *testing.T) {
	// A local declared inside one `if` branch and a different one declared
	// in a sibling branch still share the same contiguous index space: the
	// method's nlocals counter is never reset between branches.
	prog := compileSource(t, "defn f():\n    if 1:\n        var a = 1\n        a\n    else:\n        var b = 2\n        b\n")
	var mv *bytecode.MethodValue
	for _, v := range prog.Values {
		if v.Kind == bytecode.KindMethod && v.Method.NameIndex >= 0 && prog.Values[v.Method.NameIndex].Str == "f" {
			mv = v.Method
		}
	}
	require.NotNil(t, mv)
	assert.Equal(t, 2, mv.NLocals, "each branch's local should get its own frame slot")
}

func TestCompileObjectLiteralProducesClassValue(t *testing.T) {
	prog := compileSource(t, "object:\n    var x = 1\n    method m():\n        this.x\n")
	var classVal *bytecode.Value
	for i := range prog.Values {
		if prog.Values[i].Kind == bytecode.KindClass {
			classVal = &prog.Values[i]
		}
	}
	require.NotNil(t, classVal)
	assert.Len(t, classVal.Class.SlotIndices, 2)
}

func TestCompileMethodPrependsImplicitThis(t *testing.T) {
	prog := compileSource(t, "object:\n    method m(a):\n        a\n")
	var mv *bytecode.MethodValue
	for _, v := range prog.Values {
		if v.Kind == bytecode.KindMethod && v.Method.NameIndex >= 0 && prog.Values[v.Method.NameIndex].Str == "m" {
			mv = v.Method
		}
	}
	require.NotNil(t, mv)
	assert.Equal(t, 2, mv.NArgs, "this + a")
}

func TestCompileIdenticalObjectLiteralsShareOneClassAndMethod(t *testing.T) {
	// Class dedup depends on method dedup having already collapsed the
	// two get() methods to one pool entry: this exercises the two-kind
	// fixed point, not just a single round of matching.
	src := "var a = object:\n" +
		"    method get(): 1\n" +
		"var b = object:\n" +
		"    method get(): 1\n"
	prog := compileSource(t, src)
	methodCount, classCount := 0, 0
	for _, v := range prog.Values {
		switch v.Kind {
		case bytecode.KindMethod:
			if v.Method.NameIndex >= 0 && prog.Values[v.Method.NameIndex].Str == "get" {
				methodCount++
			}
		case bytecode.KindClass:
			classCount++
		}
	}
	assert.Equal(t, 1, methodCount)
	assert.Equal(t, 1, classCount)
}

func TestCompileUndefinedVariableErrors(t *testing.T) {
	prog, err := parser.Parse("x\n")
	require.NoError(t, err)
	_, err = Compile(prog)
	require.Error(t, err)
}

func TestCompilePrintfArityMismatchErrors(t *testing.T) {
	prog, err := parser.Parse(`printf("~ ~\n", 1)` + "\n")
	require.NoError(t, err)
	_, err = Compile(prog)
	require.Error(t, err)
}

func TestCompileDuplicateSlotNameErrors(t *testing.T) {
	prog, err := parser.Parse("object:\n    var x = 1\n    var x = 2\n")
	require.NoError(t, err)
	_, err = Compile(prog)
	require.Error(t, err)
}

func TestCompileWhileNeverPushesAValue(t *testing.T) {
	prog := compileSource(t, "while 0:\n    1\n")
	code := entryCode(t, prog)
	// The implicit null after the while expression means exactly one
	// OpLit immediately precedes the final OpReturn.
	require.True(t, len(code) >= 2)
	assert.Equal(t, bytecode.OpReturn, code[len(code)-1].Op)
	assert.Equal(t, bytecode.OpLit, code[len(code)-2].Op)
	assert.Equal(t, bytecode.KindNull, prog.Values[code[len(code)-2].Index].Kind)
}

func TestCompileGlobalSlotIndicesPreserveDeclarationOrder(t *testing.T) {
	prog := compileSource(t, "var a = 1\nvar b = 2\ndefn f():\n    1\n")
	require.Len(t, prog.GlobalSlotIndices, 3)
	nameAt := func(idx int) string {
		v := prog.Values[idx]
		if v.Kind == bytecode.KindSlot {
			return prog.Values[v.Slot.NameIndex].Str
		}
		return prog.Values[v.Method.NameIndex].Str
	}
	assert.Equal(t, "a", nameAt(prog.GlobalSlotIndices[0]))
	assert.Equal(t, "b", nameAt(prog.GlobalSlotIndices[1]))
	assert.Equal(t, "f", nameAt(prog.GlobalSlotIndices[2]))
}
