// Package vm implements the bytecode virtual machine for Feeny.
//
// The VM is a stack-based interpreter that runs a compiled bytecode.Program.
// It is the final stage of the bytecode execution pipeline:
//
//	Source -> Lexer -> Parser -> AST -> Compiler -> Program -> VM -> stdout
//
// Architecture:
//
//  1. Operand stack: a single LIFO of tagged runtime.Words shared by every
//     call frame (pkg/runtime.OperandStack).
//  2. Call frames: a linked list of runtime.Frame, each owning a slice of
//     locals (arguments followed by declared locals).
//  3. The global prototype: a single heap instance of the synthetic
//     GLOBAL template class, holding every top-level `var`.
//  4. Template classes: one per Class value in the constant pool plus the
//     GLOBAL template at index 0, built once at VM init and never mutated.
//  5. The heap (pkg/gc.Heap): all allocation and collection.
//
// Dispatch loop:
//
//	for ip != -1 || frame != nil {
//	    instr := frame.Method.Code[ip]
//	    execute(instr)     // advances ip by one unless it branches/returns
//	}
//
// Label resolution is lazy and per-method: the first time a method's
// frame is created, its Branch/Goto Target fields (still label-name pool
// indices at that point) are rewritten in place to concrete offsets, and
// MethodValue.Processed is set so the rewrite never runs twice.
package vm

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kristofer/feeny/pkg/bytecode"
	"github.com/kristofer/feeny/pkg/gc"
	"github.com/kristofer/feeny/pkg/runtime"
)

// VM holds all state for one execution of a compiled program.
type VM struct {
	program *bytecode.Program
	classes *runtime.ClassTable
	heap    *gc.Heap

	global runtime.Word
	cur    *runtime.Frame
	ip     int
	stack  *runtime.OperandStack

	// out is line-buffered: Printf flushes on each '\n' it writes rather
	// than after every instruction, matching a terminal's own buffering
	// instead of syscalling per character.
	out *bufio.Writer

	log              *slog.Logger
	heapSizeOverride uint64
}

// Option configures a VM at construction time.
type Option func(*VM)

// WithLogger installs a logger for `-v` tracing; without it, a
// LevelWarn logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(v *VM) { v.log = logger }
}

// WithWriter redirects Printf output, primarily for tests that want to
// capture output without touching a real file descriptor.
func WithWriter(w io.Writer) Option {
	return func(v *VM) { v.out = bufio.NewWriter(w) }
}

// WithHeapSize overrides gc.DefaultHeapSize.
func WithHeapSize(size uint64) Option {
	return func(v *VM) { v.heapSizeOverride = size }
}

func (v *VM) heapSize() uint64 {
	if v.heapSizeOverride != 0 {
		return v.heapSizeOverride
	}
	return gc.DefaultHeapSize
}

// New builds a Machine from a compiled Program: it builds the template
// class table, maps the heap, allocates the global prototype, and pushes
// a frame for the entry method (see spec §4.2).
func New(program *bytecode.Program, opts ...Option) (*VM, error) {
	v := &VM{program: program, stack: runtime.NewOperandStack(), ip: 0}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if v.out == nil {
		v.out = bufio.NewWriter(os.Stdout)
	}

	v.classes = buildClassTable(program)

	heap, err := gc.NewHeap(v.heapSize(), v.classes)
	if err != nil {
		return nil, err
	}
	v.heap = heap

	globalTemplate := v.classes.ByType(runtime.GlobalType)
	globalAddr, err := v.alloc(runtime.InstanceWords(len(globalTemplate.VarNames)))
	if err != nil {
		return nil, err
	}
	v.initInstance(globalAddr, runtime.GlobalType, runtime.Null, len(globalTemplate.VarNames))
	v.global = runtime.NewPointer(globalAddr)

	entry := program.Values[program.EntryIndex].Method
	v.pushFrame(entry, program.EntryIndex, -1)

	return v, nil
}

// --- gc.Roots implementation ---

func (v *VM) Global() runtime.Word       { return v.global }
func (v *VM) SetGlobal(w runtime.Word)   { v.global = w }
func (v *VM) TopFrame() *runtime.Frame   { return v.cur }
func (v *VM) Stack() *runtime.OperandStack { return v.stack }

func (v *VM) alloc(words int) (uint64, error) {
	return v.heap.Alloc(words, v)
}

func buildClassTable(program *bytecode.Program) *runtime.ClassTable {
	ct := &runtime.ClassTable{}

	globalVars, globalMethods := slotInfo(program, program.GlobalSlotIndices)
	ct.Classes = append(ct.Classes, &runtime.TemplateClass{
		Type:     runtime.GlobalType,
		VarNames: globalVars,
		Methods:  globalMethods,
	})

	for i, val := range program.Values {
		if val.Kind != bytecode.KindClass {
			continue
		}
		typ := runtime.ObjectTypeBase + int32(len(ct.Classes)-1)
		vars, methods := slotInfo(program, val.Class.SlotIndices)
		ct.Classes = append(ct.Classes, &runtime.TemplateClass{
			Type:      typ,
			VarNames:  vars,
			Methods:   methods,
			PoolIndex: i,
		})
	}
	return ct
}

// slotInfo splits a ClassValue's (or the GLOBAL's) slot index list into
// var names (KindSlot entries) and a method dispatch table (KindMethod
// entries), matching addSlotInfo's SLOT_VAL/METHOD_VAL split.
func slotInfo(program *bytecode.Program, indices []int) ([]string, map[string]int) {
	var vars []string
	methods := map[string]int{}
	for _, idx := range indices {
		v := program.Values[idx]
		switch v.Kind {
		case bytecode.KindSlot:
			vars = append(vars, program.Values[v.Slot.NameIndex].Str)
		case bytecode.KindMethod:
			methods[program.Values[v.Method.NameIndex].Str] = idx
		}
	}
	return vars, methods
}

// pushFrame creates a frame for method (at program.Values[poolIdx]),
// resolving its labels on first use, and makes it the current frame.
func (v *VM) pushFrame(method *bytecode.MethodValue, poolIdx int, returnAddr int) {
	if !method.Processed {
		resolveLabels(v.program, method)
	}
	frame := &runtime.Frame{
		Parent: v.cur,
		Return: returnAddr,
		Method: &runtime.MethodRef{PoolIndex: poolIdx},
		Locals: make([]runtime.Word, method.NArgs+method.NLocals),
	}
	for i := range frame.Locals {
		frame.Locals[i] = runtime.Null
	}
	v.cur = frame
	v.ip = 0
}

// resolveLabels rewrites method.Code's Branch/Goto Target fields from
// label-name pool indices to instruction offsets, once.
func resolveLabels(program *bytecode.Program, method *bytecode.MethodValue) {
	offsets := map[string]int{}
	for i, ins := range method.Code {
		if ins.Op == bytecode.OpLabel {
			offsets[program.Values[ins.Index].Str] = i
		}
	}
	for i := range method.Code {
		ins := &method.Code[i]
		if ins.Op == bytecode.OpGoto || ins.Op == bytecode.OpBranch {
			name := program.Values[ins.Target].Str
			off, ok := offsets[name]
			if !ok {
				panic(fmt.Sprintf("vm: unresolved label %q", name))
			}
			ins.Target = off
		}
	}
	method.Processed = true
}

func (v *VM) method(poolIdx int) *bytecode.MethodValue {
	return v.program.Values[poolIdx].Method
}

func (v *VM) curMethod() *bytecode.MethodValue {
	return v.method(v.cur.Method.PoolIndex)
}

// Run drives the dispatch loop to completion, returning the first
// RuntimeError or gc.FatalError encountered.
func (v *VM) Run() error {
	for {
		if v.ip == -1 && v.cur == nil {
			return nil
		}
		code := v.curMethod().Code
		if v.ip < 0 || v.ip >= len(code) {
			return v.fatalf("instruction pointer %d out of bounds", v.ip)
		}
		instr := code[v.ip]
		v.log.Debug("exec", "op", instr.Op.String(), "trace", v.Trace())
		if err := v.step(instr); err != nil {
			return err
		}
	}
}

func (v *VM) step(instr bytecode.Instruction) error {
	switch instr.Op {
	case bytecode.OpLabel:
		v.ip++
	case bytecode.OpLit:
		return v.execLit(instr)
	case bytecode.OpPrintf:
		return v.execPrintf(instr)
	case bytecode.OpArray:
		return v.execArray()
	case bytecode.OpObject:
		return v.execObject(instr)
	case bytecode.OpSlot:
		return v.execSlot(instr)
	case bytecode.OpSetSlot:
		return v.execSetSlot(instr)
	case bytecode.OpCallSlot:
		return v.execCallSlot(instr)
	case bytecode.OpCall:
		return v.execCall(instr)
	case bytecode.OpGetLocal:
		v.stack.Push(v.cur.Locals[instr.Local])
		v.ip++
	case bytecode.OpSetLocal:
		w := v.stack.Pop()
		v.cur.Locals[instr.Local] = w
		v.stack.Push(w)
		v.ip++
	case bytecode.OpGetGlobal:
		return v.execGetGlobal(instr)
	case bytecode.OpSetGlobal:
		return v.execSetGlobal(instr)
	case bytecode.OpGoto:
		v.ip = instr.Target
	case bytecode.OpBranch:
		w := v.stack.Pop()
		if !w.IsNull() {
			v.ip = instr.Target
		} else {
			v.ip++
		}
	case bytecode.OpReturn:
		v.execReturn()
	case bytecode.OpDrop:
		v.stack.Pop()
		v.ip++
	default:
		return v.fatalf("unknown opcode %v", instr.Op)
	}
	return nil
}

func (v *VM) execLit(instr bytecode.Instruction) error {
	val := v.program.Values[instr.Index]
	switch val.Kind {
	case bytecode.KindInt:
		v.stack.Push(runtime.NewInt(val.Int))
	case bytecode.KindNull:
		v.stack.Push(runtime.Null)
	default:
		return v.fatalf("lit: pool[%d] is not an int or null", instr.Index)
	}
	v.ip++
	return nil
}

func (v *VM) execPrintf(instr bytecode.Instruction) error {
	args := make([]int32, instr.Arity)
	for i := instr.Arity - 1; i >= 0; i-- {
		w := v.stack.Pop()
		if !w.IsInt() {
			return v.fatalf("printf: argument %d is not an integer", i)
		}
		args[i] = w.Int()
	}
	format := v.program.Values[instr.Index].Str
	var b strings.Builder
	argIdx := 0
	for _, r := range format {
		if r == '~' {
			if argIdx >= len(args) {
				return v.fatalf("printf: format %q expects more arguments than the %d provided", format, len(args))
			}
			fmt.Fprintf(&b, "%d", args[argIdx])
			argIdx++
		} else {
			b.WriteRune(r)
		}
	}
	v.emit(b.String())
	v.ip++
	return nil
}

// emit writes s to the output buffer, flushing once s contains a
// newline so output interleaves correctly with anything written
// directly to the same stream (e.g. a RuntimeError printed to stderr).
func (v *VM) emit(s string) {
	v.out.WriteString(s)
	if strings.ContainsRune(s, '\n') {
		v.out.Flush()
	}
}

func (v *VM) execArray() error {
	initVal := v.stack.Pop()
	lengthVal := v.stack.Pop()
	if !lengthVal.IsInt() {
		return v.fatalf("array: length must be an integer")
	}
	n := lengthVal.Int()
	if n < 0 {
		return v.fatalf("array: negative length %d", n)
	}
	// Re-push init so the GC root scan sees it while Alloc may collect.
	v.stack.Push(initVal)
	addr, err := v.alloc(2 + int(n))
	if err != nil {
		return err
	}
	initVal = v.stack.Pop()
	runtime.SetHeader(v.heap.Bytes(), addr, runtime.ArrayType)
	runtime.WriteWord(v.heap.Bytes(), addr+runtime.WordSize, runtime.NewInt(n))
	for i := int32(0); i < n; i++ {
		runtime.WriteWord(v.heap.Bytes(), runtime.ArrayElemAddr(addr, i), initVal)
	}
	v.stack.Push(runtime.NewPointer(addr))
	v.ip++
	return nil
}

func (v *VM) execObject(instr bytecode.Instruction) error {
	classVal := v.program.Values[instr.Index]
	if classVal.Kind != bytecode.KindClass {
		return v.fatalf("object: pool[%d] is not a class", instr.Index)
	}
	tc := v.classes.ByPoolIndex(instr.Index)
	if tc == nil {
		return v.fatalf("object: no template for pool[%d]", instr.Index)
	}
	n := len(tc.VarNames)
	addr, err := v.alloc(runtime.InstanceWords(n))
	if err != nil {
		return err
	}
	slots := make([]runtime.Word, n)
	for i := n - 1; i >= 0; i-- {
		slots[i] = v.stack.Pop()
	}
	parent := v.stack.Pop()
	v.initInstance(addr, tc.Type, parent, 0)
	for i, w := range slots {
		runtime.WriteWord(v.heap.Bytes(), runtime.InstanceSlotAddr(addr, i), w)
	}
	v.stack.Push(runtime.NewPointer(addr))
	v.ip++
	return nil
}

func (v *VM) initInstance(addr uint64, typ int32, parent runtime.Word, nSlots int) {
	buf := v.heap.Bytes()
	runtime.SetHeader(buf, addr, typ)
	runtime.WriteWord(buf, runtime.InstanceParentAddr(addr), parent)
	for i := 0; i < nSlots; i++ {
		runtime.WriteWord(buf, runtime.InstanceSlotAddr(addr, i), runtime.Null)
	}
}

func (v *VM) execSlot(instr bytecode.Instruction) error {
	recv := v.stack.Pop()
	tc, addr, err := v.instanceTemplate(recv)
	if err != nil {
		return err
	}
	name := v.program.Values[instr.Index].Str
	idx := tc.SlotIndex(name)
	if idx < 0 {
		return v.fatalf("slot: no field %q on type %d", name, tc.Type)
	}
	v.stack.Push(runtime.ReadWord(v.heap.Bytes(), runtime.InstanceSlotAddr(addr, idx)))
	v.ip++
	return nil
}

func (v *VM) execSetSlot(instr bytecode.Instruction) error {
	value := v.stack.Pop()
	recv := v.stack.Pop()
	tc, addr, err := v.instanceTemplate(recv)
	if err != nil {
		return err
	}
	name := v.program.Values[instr.Index].Str
	idx := tc.SlotIndex(name)
	if idx < 0 {
		return v.fatalf("set-slot: no field %q on type %d", name, tc.Type)
	}
	runtime.WriteWord(v.heap.Bytes(), runtime.InstanceSlotAddr(addr, idx), value)
	v.ip++
	return nil
}

// instanceTemplate validates recv is a heap pointer to a class instance
// (not an array) and returns its template and address.
func (v *VM) instanceTemplate(recv runtime.Word) (*runtime.TemplateClass, uint64, error) {
	if !recv.IsPointer() {
		return nil, 0, v.fatalf("slot access requires an object receiver")
	}
	addr := recv.Address()
	typ := runtime.Header(v.heap.Bytes(), addr)
	if typ < runtime.ObjectTypeBase && typ != runtime.GlobalType {
		return nil, 0, v.fatalf("slot access requires a class instance, not an array")
	}
	tc := v.classes.ByType(typ)
	if tc == nil {
		return nil, 0, v.fatalf("no template for type %d", typ)
	}
	return tc, addr, nil
}

func (v *VM) execCallSlot(instr bytecode.Instruction) error {
	nArgs := instr.Arity - 1
	args := v.popArgs(nArgs)
	recv := v.stack.Pop()
	name := v.program.Values[instr.Index].Str

	if recv.IsInt() {
		return v.execIntPrimitive(recv, name, args)
	}
	if !recv.IsPointer() {
		return v.fatalf("cannot invoke %q on null", name)
	}
	addr := recv.Address()
	typ := runtime.Header(v.heap.Bytes(), addr)
	if typ == runtime.ArrayType {
		return v.execArrayPrimitive(addr, name, args)
	}
	return v.dispatchMethod(recv, typ, name, args)
}

// popArgs pops n words off the stack and returns them in declaration
// (push) order: the first popped word is the last-declared argument.
func (v *VM) popArgs(n int) []runtime.Word {
	args := make([]runtime.Word, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = v.stack.Pop()
	}
	return args
}

func (v *VM) dispatchMethod(recv runtime.Word, typ int32, name string, args []runtime.Word) error {
	for t := typ; ; {
		tc := v.classes.ByType(t)
		if tc == nil {
			return v.fatalf("no template for type %d", t)
		}
		if poolIdx, ok := tc.Methods[name]; ok {
			method := v.method(poolIdx)
			if method.NArgs != len(args)+1 {
				return v.fatalf("wrong number of arguments for %q: want %d, got %d", name, method.NArgs-1, len(args))
			}
			v.pushFrame(method, poolIdx, v.ip+1)
			v.cur.Locals[0] = recv
			for i, a := range args {
				v.cur.Locals[1+i] = a
			}
			return nil
		}
		parent := runtime.ReadWord(v.heap.Bytes(), runtime.InstanceParentAddr(recv.Address()))
		if parent.IsNull() {
			return v.fatalf("undefined method %q", name)
		}
		if !parent.IsPointer() {
			return v.fatalf("invalid parent pointer resolving %q", name)
		}
		recv = parent
		t = runtime.Header(v.heap.Bytes(), recv.Address())
	}
}

func (v *VM) execCall(instr bytecode.Instruction) error {
	name := v.program.Values[instr.Index].Str
	globalTC := v.classes.ByType(runtime.GlobalType)
	poolIdx, ok := globalTC.Methods[name]
	if !ok {
		return v.fatalf("undefined function %q", name)
	}
	method := v.method(poolIdx)
	if method.NArgs != instr.Arity {
		return v.fatalf("wrong number of arguments for %q: want %d, got %d", name, method.NArgs, instr.Arity)
	}
	args := v.popArgs(instr.Arity)
	v.pushFrame(method, poolIdx, v.ip+1)
	for i, a := range args {
		v.cur.Locals[i] = a
	}
	return nil
}

func (v *VM) execGetGlobal(instr bytecode.Instruction) error {
	name := v.program.Values[instr.Index].Str
	idx := v.classes.ByType(runtime.GlobalType).SlotIndex(name)
	if idx < 0 {
		return v.fatalf("undefined global %q", name)
	}
	v.stack.Push(runtime.ReadWord(v.heap.Bytes(), runtime.InstanceSlotAddr(v.global.Address(), idx)))
	v.ip++
	return nil
}

func (v *VM) execSetGlobal(instr bytecode.Instruction) error {
	name := v.program.Values[instr.Index].Str
	idx := v.classes.ByType(runtime.GlobalType).SlotIndex(name)
	if idx < 0 {
		return v.fatalf("undefined global %q", name)
	}
	w := v.stack.Pop()
	runtime.WriteWord(v.heap.Bytes(), runtime.InstanceSlotAddr(v.global.Address(), idx), w)
	v.stack.Push(w)
	v.ip++
	return nil
}

func (v *VM) execReturn() {
	cur := v.cur
	v.cur = cur.Parent
	v.ip = cur.Return
}

// Close flushes any buffered output and releases the VM's heap.
// Callers should defer this after New succeeds.
func (v *VM) Close() error {
	v.out.Flush()
	return v.heap.Close()
}

// HeapStats exposes collector statistics for `-v` tracing.
func (v *VM) HeapStats() (collections int, bytesCollected uint64) {
	return v.heap.Stats()
}

func (v *VM) fatalf(format string, args ...interface{}) error {
	return newRuntimeError(fmt.Sprintf(format, args...), v.stackTrace())
}

func (v *VM) stackTrace() []StackFrame {
	var frames []StackFrame
	ip := v.ip
	for f := v.cur; f != nil; f = f.Parent {
		name := "<entry>"
		if f.Method != nil {
			m := v.method(f.Method.PoolIndex)
			if m.NameIndex >= 0 {
				name = v.program.Values[m.NameIndex].Str
			}
		}
		frames = append(frames, StackFrame{Name: name, IP: ip})
		ip = f.Return
	}
	return frames
}
