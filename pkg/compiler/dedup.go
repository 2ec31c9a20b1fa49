package compiler

import (
	"fmt"
	"strings"

	"github.com/kristofer/feeny/pkg/bytecode"
)

// indexBearing reports whether instr.Index is a meaningful constant-pool
// reference for op, as opposed to Local or Arity, which never index the
// pool.
func indexBearing(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpLit, bytecode.OpPrintf, bytecode.OpObject, bytecode.OpSlot,
		bytecode.OpSetSlot, bytecode.OpCallSlot, bytecode.OpCall,
		bytecode.OpGetGlobal, bytecode.OpSetGlobal, bytecode.OpLabel:
		return true
	default:
		return false
	}
}

// targetBearing reports whether instr.Target is still a constant-pool
// reference to a label name rather than a resolved instruction offset.
// dedupPool always runs directly on the compiler's output, before the VM
// has lazily resolved any method's labels (see pkg/vm's resolveLabels),
// so every Goto/Branch Target at this point is a pool index, not yet an
// offset, and needs remapping exactly like any other pool reference.
func targetBearing(op bytecode.Opcode) bool {
	return op == bytecode.OpGoto || op == bytecode.OpBranch
}

// dedupPool merges structurally identical Method and Class pool entries
// once compilation is finished, mirroring compiler.c's addConstantValue/
// compare (spec §3.2, §4.1): two methods with the same name, arity,
// local count, and code are the same value, and so are two classes with
// the same slot shape.
//
// This can't happen at insertion time the way it does for every other
// value kind: compileObject reserves a placeholder pool slot for every
// sibling method before compiling any of their bodies, so that mutually
// calling siblings can be registered regardless of declaration order.
// By the time a method's Code is actually known, the slot an identical
// twin would want to share has already been handed out under its own
// index. Running the comparison once more, after every body is filled
// in and every index is final, recovers the dedup the reserve-then-fill
// scheme defers.
func dedupPool(prog *bytecode.Program) {
	n := len(prog.Values)
	canon := make([]int, n)
	for i := range canon {
		canon[i] = i
	}

	key := func(i int) string {
		v := prog.Values[i]
		var b strings.Builder
		switch v.Kind {
		case bytecode.KindMethod:
			name := v.Method.NameIndex
			if name >= 0 {
				name = canon[name]
			}
			fmt.Fprintf(&b, "m:%d:%d:%d:", name, v.Method.NArgs, v.Method.NLocals)
			for _, ins := range v.Method.Code {
				fmt.Fprintf(&b, "[%d,%d,%d", ins.Op, ins.Local, ins.Arity)
				switch {
				case indexBearing(ins.Op):
					fmt.Fprintf(&b, ",%d]", canon[ins.Index])
				case targetBearing(ins.Op):
					fmt.Fprintf(&b, ",%d]", canon[ins.Target])
				default:
					b.WriteString("]")
				}
			}
		case bytecode.KindClass:
			b.WriteString("c:")
			for _, s := range v.Class.SlotIndices {
				fmt.Fprintf(&b, "%d,", canon[s])
			}
		default:
			// Null, Int, String, and Slot values are already
			// deduplicated at insertion time; they never regroup here.
		}
		return b.String()
	}

	// Repeatedly refine the partition until a pass merges nothing new.
	// A later round can only merge things the previous round couldn't,
	// since merging strictly reduces the number of canonical roots, so
	// this always terminates.
	for {
		changed := false
		groups := map[string][]int{}
		for i, v := range prog.Values {
			if v.Kind != bytecode.KindMethod && v.Kind != bytecode.KindClass {
				continue
			}
			if canon[i] != i {
				continue
			}
			groups[key(i)] = append(groups[key(i)], i)
		}
		for _, idxs := range groups {
			if len(idxs) < 2 {
				continue
			}
			rep := idxs[0]
			for _, i := range idxs[1:] {
				if canon[i] != rep {
					canon[i] = rep
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}

	// Compact: keep exactly the canonical roots, in original order, and
	// compute where each one lands.
	newIndex := make([]int, n)
	newPool := make([]bytecode.Value, 0, n)
	for i := 0; i < n; i++ {
		if canon[i] == i {
			newIndex[i] = len(newPool)
			newPool = append(newPool, prog.Values[i])
		}
	}
	finalIdx := func(i int) int { return newIndex[canon[i]] }

	for i := range newPool {
		v := &newPool[i]
		switch v.Kind {
		case bytecode.KindSlot:
			v.Slot = &bytecode.SlotValue{NameIndex: finalIdx(v.Slot.NameIndex)}
		case bytecode.KindMethod:
			name := v.Method.NameIndex
			if name >= 0 {
				name = finalIdx(name)
			}
			code := make([]bytecode.Instruction, len(v.Method.Code))
			for j, ins := range v.Method.Code {
				if indexBearing(ins.Op) {
					ins.Index = finalIdx(ins.Index)
				}
				if targetBearing(ins.Op) {
					ins.Target = finalIdx(ins.Target)
				}
				code[j] = ins
			}
			v.Method = &bytecode.MethodValue{
				NameIndex: name,
				NArgs:     v.Method.NArgs,
				NLocals:   v.Method.NLocals,
				Code:      code,
			}
		case bytecode.KindClass:
			slots := make([]int, len(v.Class.SlotIndices))
			for j, s := range v.Class.SlotIndices {
				slots[j] = finalIdx(s)
			}
			v.Class = &bytecode.ClassValue{SlotIndices: slots}
		}
	}

	prog.Values = newPool
	prog.EntryIndex = finalIdx(prog.EntryIndex)
	globals := make([]int, len(prog.GlobalSlotIndices))
	for i, g := range prog.GlobalSlotIndices {
		globals[i] = finalIdx(g)
	}
	prog.GlobalSlotIndices = globals
}
