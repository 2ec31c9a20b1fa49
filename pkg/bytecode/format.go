// Package bytecode also provides a disassembly text format for compiled
// Feeny programs.
//
// Disassembly Format:
//
// `feeny disasm` compiles a source file and prints its constant pool
// followed by, for each method in the pool, its instruction stream as
// compiled (branch and goto targets are still label-name pool indices,
// since the VM resolves labels only when it runs a method). This mirrors the debug dump the original Feeny implementation
// produces while developing the compiler, generalized into a reusable
// function instead of an ad hoc printf sprinkled through the compiler.
//
// Example:
//
//	Source: var x = 1 + 2
//
//	Constants:
//	  [0] "x"
//	  [1] slot[#0]
//	  [2] 1
//	  [3] 2
//	  [4] "add"
//	  [5] method[nargs=0,nlocals=0]
//
//	Method #5 (entry):
//	     0: lit #2/1
//	     1: lit #3/2
//	     2: call-slot #4/"add"/2
//	     3: set-global #0/"x"
//	     4: return
package bytecode

import (
	"fmt"
	"io"
)

// Disassemble writes a human-readable listing of prog to w: the constant
// pool in index order, then every method's instruction stream. Branch and
// goto lines print the instruction's Target field as it stands: a label
// name's pool index until the VM has resolved that method's labels.
func Disassemble(prog *Program, w io.Writer) error {
	if _, err := fmt.Fprintln(w, "Constants:"); err != nil {
		return err
	}
	for i, v := range prog.Values {
		if _, err := fmt.Fprintf(w, "  [%d] %s\n", i, v.String()); err != nil {
			return err
		}
	}

	for i, v := range prog.Values {
		if v.Kind != KindMethod {
			continue
		}
		label := fmt.Sprintf("Method #%d", i)
		if i == prog.EntryIndex {
			label += " (entry)"
		}
		if _, err := fmt.Fprintf(w, "\n%s:\n", label); err != nil {
			return err
		}
		if err := disassembleMethod(prog, v.Method, w); err != nil {
			return err
		}
	}
	return nil
}

func disassembleMethod(prog *Program, m *MethodValue, w io.Writer) error {
	for pc, ins := range m.Code {
		text, err := instructionText(prog, ins)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  %4d: %s\n", pc, text); err != nil {
			return err
		}
	}
	return nil
}

func instructionText(prog *Program, ins Instruction) (string, error) {
	poolName := func(idx int) string {
		if idx < 0 || idx >= len(prog.Values) {
			return fmt.Sprintf("#%d", idx)
		}
		return fmt.Sprintf("#%d/%s", idx, prog.Values[idx].String())
	}

	switch ins.Op {
	case OpLit, OpObject, OpSlot, OpSetSlot, OpGetGlobal, OpSetGlobal, OpLabel:
		return fmt.Sprintf("%s %s", ins.Op, poolName(ins.Index)), nil
	case OpPrintf:
		return fmt.Sprintf("%s %s/%d", ins.Op, poolName(ins.Index), ins.Arity), nil
	case OpCallSlot, OpCall:
		return fmt.Sprintf("%s %s/%d", ins.Op, poolName(ins.Index), ins.Arity), nil
	case OpGetLocal, OpSetLocal:
		return fmt.Sprintf("%s %d", ins.Op, ins.Local), nil
	case OpGoto, OpBranch:
		return fmt.Sprintf("%s %d", ins.Op, ins.Target), nil
	case OpArray, OpReturn, OpDrop:
		return ins.Op.String(), nil
	default:
		return "", fmt.Errorf("unknown opcode %d", ins.Op)
	}
}
