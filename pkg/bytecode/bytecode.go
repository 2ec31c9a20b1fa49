// Package bytecode defines the constant pool and instruction set that the
// Feeny compiler emits and the Feeny virtual machine (VM) executes.
//
// The bytecode is the low-level intermediate representation between the
// AST and the VM. A compiled program is a constant pool of Values plus an
// index into the pool identifying the synthetic entry method; every other
// method, slot name, and class reachable from the program lives in the
// pool too, referenced by index rather than embedded inline.
//
// Architecture:
//
// The VM is a stack machine:
//  1. Values are pushed onto and popped from a single operand stack shared
//     by every call frame.
//  2. Instructions consume operands from the stack and push results back.
//  3. Locals live in the current frame; globals live in slots on a single
//     prototype object created at start-up.
//  4. Method dispatch walks an object's prototype-parent chain, consulting
//     a template class built once per Class value in the pool.
//
// Example compilation:
//
//	Source:
//	  var x = 10
//	  x.add(5)
//
//	Pool:     [0]="x"  [1]=Slot(#0)  [2]=Int(10)  [3]=Int(5)  [4]="add"
//	          [5]=Method(entry)
//	Code:
//	  Lit 2           ; push Int(10)
//	  SetGlobal 0     ; store to global x, leave value on stack
//	  Drop            ; discard the peeked value; it is unused here
//	  GetGlobal 0     ; push x
//	  Lit 3           ; push Int(5)
//	  CallSlot 4 2    ; "add", arity 2 (receiver plus one argument)
//	  Return
//
// Instruction format:
//
// Every instruction is an opcode plus whatever operand it needs: a pool
// index, a local-frame slot index, a branch target, or an arity. Unlike a
// byte-packed format, operands here are typed per opcode (see Instruction)
// since the compiler and VM run in the same address space and there is no
// benefit to a packed binary encoding until bytecode actually needs to be
// written to disk (see format.go for the disassembly text form used by
// `feeny disasm`).
package bytecode

import "fmt"

// Opcode identifies which operation an Instruction performs.
type Opcode byte

// Instruction opcodes, grouped by what they touch.
const (
	// === Literal and Resolution Operations ===

	// OpLit pushes Pool[Index] onto the operand stack.
	OpLit Opcode = iota

	// OpPrintf pops Arity words (all must be integers), substitutes them
	// for '~' placeholders in Pool[Index]'s format string in order, and
	// writes the result to the VM's configured output. Pushes nothing.
	OpPrintf

	// OpArray pops an init value then a length (must be an integer),
	// allocates an array of that length with every slot seeded to init,
	// and pushes the tagged pointer.
	OpArray

	// OpObject pops one initializer word per var slot of Pool[Index]'s
	// class (in reverse declaration order; method slots take none) then a
	// parent value, allocates an
	// instance of the template class for Pool[Index], and pushes the
	// tagged pointer.
	OpObject

	// === Slot Operations ===

	// OpSlot pops a receiver (must be a heap object), looks up the field
	// named Pool[Index] via the receiver's template class, and pushes its
	// value.
	OpSlot

	// OpSetSlot pops a value then a receiver, writes the value into the
	// field named Pool[Index], and pushes nothing (the value is not
	// re-pushed).
	OpSetSlot

	// OpCallSlot pops Arity-1 arguments then a receiver and invokes the
	// operation named Pool[Index]. Integer and array receivers dispatch
	// to built-in primitives (see §4.4); any other receiver dispatches to
	// a method found by walking its prototype-parent chain. Always
	// pushes exactly one result.
	OpCallSlot

	// === Variable Operations ===

	// OpCall invokes the global function named Pool[Index] with Arity
	// arguments popped off the stack. Pushes one result.
	OpCall

	// OpGetLocal pushes frame.Locals[Index].
	OpGetLocal

	// OpSetLocal pops a value, writes it to frame.Locals[Index], and
	// pushes the same value back (it remains usable as an expression).
	OpSetLocal

	// OpGetGlobal pushes the global object's field named Pool[Index].
	OpGetGlobal

	// OpSetGlobal pops a value, writes it to the global object's field
	// named Pool[Index], and pushes the same value back.
	OpSetGlobal

	// === Control Flow Operations ===

	// OpLabel marks a jump target named Pool[Index]; it has no runtime
	// effect and is resolved away into branch offsets the first time a
	// method is invoked (see pkg/vm's lazy label resolution).
	OpLabel

	// OpGoto unconditionally transfers control to Target.
	OpGoto

	// OpBranch pops a value and transfers control to Target unless the
	// value is null.
	OpBranch

	// OpReturn pops the current frame and resumes the caller at its
	// saved return address. The value left on top of the stack by the
	// returning frame's body becomes the call's result.
	OpReturn

	// OpDrop discards the top of the operand stack.
	OpDrop
)

var opcodeNames = map[Opcode]string{
	OpLit:      "lit",
	OpPrintf:   "printf",
	OpArray:    "array",
	OpObject:   "object",
	OpSlot:     "slot",
	OpSetSlot:  "set-slot",
	OpCallSlot: "call-slot",
	OpCall:     "call",
	OpGetLocal: "get-local",
	OpSetLocal: "set-local",
	OpGetGlobal: "get-global",
	OpSetGlobal: "set-global",
	OpLabel:    "label",
	OpGoto:     "goto",
	OpBranch:   "branch",
	OpReturn:   "return",
	OpDrop:     "drop",
}

// String returns a human-readable mnemonic, used by the disassembler.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "unknown"
}

// Instruction is a single bytecode instruction. Only the operand fields
// relevant to Op are meaningful; the others are zero.
type Instruction struct {
	Op Opcode

	// Index is a constant-pool index, used by Lit, Printf, Object, Slot,
	// SetSlot, CallSlot, Call, GetGlobal, SetGlobal, and Label (where it
	// names the label rather than indexing anything at run time).
	Index int

	// Local is a frame-local slot index, used by GetLocal and SetLocal.
	Local int

	// Arity is an argument count, used by Printf, CallSlot, and Call.
	Arity int

	// Target is a resolved instruction offset, used by Goto and Branch.
	// It starts life as a label name (an Index into the pool) and is
	// rewritten to a concrete offset the first time its owning method
	// runs; see pkg/vm.
	Target int
}

// Value is the sum type stored in the constant pool. Exactly one of the
// typed fields is meaningful, selected by Kind.
type ValueKind byte

const (
	KindNull ValueKind = iota
	KindInt
	KindString
	KindMethod
	KindSlot
	KindClass
)

// Value is a constant-pool entry: a literal, an interned name, or the
// compiled body of a method or object layout.
type Value struct {
	Kind ValueKind

	Int int32  // KindInt
	Str string // KindString: interned name or printf format text

	Method *MethodValue // KindMethod
	Slot   *SlotValue   // KindSlot
	Class  *ClassValue  // KindClass
}

// MethodValue is a compiled function or method body.
type MethodValue struct {
	// NameIndex is the pool index of this method's name, or -1 for the
	// synthetic top-level entry method.
	NameIndex int
	NArgs     int
	NLocals   int
	Code      []Instruction

	// Processed is set once Target fields in Code have been rewritten
	// from label names to resolved offsets; see pkg/vm.
	Processed bool
}

// SlotValue names a field or method slot declared inside an object
// literal; NameIndex points at the interned name in the pool.
type SlotValue struct {
	NameIndex int
}

// ClassValue is the compiled shape of an object literal: the pool indices
// of its declared slots (SlotValue entries for fields, MethodValue entries
// for methods), in declaration order. The VM
// builds one template class per ClassValue found in the pool (see
// pkg/runtime).
type ClassValue struct {
	SlotIndices []int
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindMethod:
		return fmt.Sprintf("method[nargs=%d,nlocals=%d]", v.Method.NArgs, v.Method.NLocals)
	case KindSlot:
		return fmt.Sprintf("slot[#%d]", v.Slot.NameIndex)
	case KindClass:
		return fmt.Sprintf("class%v", v.Class.SlotIndices)
	default:
		return "?"
	}
}

// Equal reports structural equality, used by the compiler's constant-pool
// deduplication (see pkg/compiler).
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.Int == other.Int
	case KindString:
		return v.Str == other.Str
	case KindSlot:
		return v.Slot.NameIndex == other.Slot.NameIndex
	case KindMethod, KindClass:
		// Method and Class values are never deduplicated by this
		// insertion-time check: the compiler reserves their pool slot
		// before their contents (Code, SlotIndices) are known, so there
		// is nothing yet to compare structurally. pkg/compiler's
		// dedupPool runs the real comparison in a post-compile pass,
		// once every entry is filled in.
		return false
	default:
		return false
	}
}

// Program is a fully compiled unit: the constant pool plus the index of
// the synthetic entry method that runs the top-level statements.
type Program struct {
	Values     []Value
	EntryIndex int

	// GlobalSlotIndices lists, in first-declaration order, the pool
	// indices of every name declared at top-level scope: a KindSlot
	// entry for each `var`, a KindMethod entry directly for each
	// top-level `defn`. The VM builds the GLOBAL template class from
	// this list exactly as it builds any other template class from a
	// ClassValue's SlotIndices.
	GlobalSlotIndices []int
}
