// Package compiler compiles Feeny's AST into bytecode.
//
// Compilation is single-pass and tracks two independent chains of
// context as it walks the tree (see spec §4.1):
//
//   - scopeContext resolves local-variable names. Every function and
//     method body starts a fresh chain with its own frame; nested `if`
//     and `while` bodies push a scope that shares the enclosing
//     function's instruction stream and local-variable counter (so a
//     branch's locals still occupy frame slots in the enclosing method)
//     but keeps its own name table (so a sibling branch cannot see a
//     branch's locals once that branch ends).
//   - objContext resolves instance-slot names. Compiling an object
//     literal's methods and field initializers pushes a new objContext
//     listing that object's own declared names, chained to whatever
//     objContext was active when the literal was written (so a nested
//     object literal's methods can still reach an enclosing object's
//     slots by bare name, mirroring the AST's lexical nesting).
//
// A bare name resolves in that order: the innermost scopeContext chain
// (a local), then the objContext chain (an instance slot reached through
// the implicit "this"), and only once both are exhausted is it treated
// as a global.
package compiler

import (
	"fmt"
	"strings"

	"github.com/kristofer/feeny/pkg/ast"
	"github.com/kristofer/feeny/pkg/bytecode"
)

type scopeFlag int

const (
	scopeLocal scopeFlag = iota
	scopeGlobal
)

// scopeContext tracks local-variable resolution for one lexical scope.
type scopeContext struct {
	args         []string
	nargs        int
	locals       map[string]int
	nlocals      *int
	instructions *[]bytecode.Instruction
	flag         scopeFlag
	prev         *scopeContext
}

// newFunctionScope starts a fresh frame for a function, method, or the
// top-level program: its own instruction stream and local counter,
// neither shared with any enclosing scope.
func newFunctionScope(args []string) *scopeContext {
	nlocals := 0
	instructions := []bytecode.Instruction{}
	return &scopeContext{
		args:         args,
		nargs:        len(args),
		locals:       map[string]int{},
		nlocals:      &nlocals,
		instructions: &instructions,
		flag:         scopeLocal,
	}
}

// newNestedScope starts the scope for an `if` branch or `while` body:
// it shares the enclosing function's instruction stream, local counter,
// arguments, and global-vs-local flag, but keeps its own name table so
// locals it declares aren't visible once the branch ends.
func newNestedScope(prev *scopeContext) *scopeContext {
	return &scopeContext{
		args:         prev.args,
		nargs:        prev.nargs,
		locals:       map[string]int{},
		nlocals:      prev.nlocals,
		instructions: prev.instructions,
		flag:         prev.flag,
		prev:         prev,
	}
}

func findLocal(scope *scopeContext, name string) (int, bool) {
	for i, a := range scope.args {
		if a == name {
			return i, true
		}
	}
	for s := scope; s != nil; s = s.prev {
		if idx, ok := s.locals[name]; ok {
			return idx, true
		}
	}
	return 0, false
}

func declareLocal(scope *scopeContext, name string) int {
	idx := scope.nargs + *scope.nlocals
	scope.locals[name] = idx
	*scope.nlocals++
	return idx
}

func emit(scope *scopeContext, ins bytecode.Instruction) {
	*scope.instructions = append(*scope.instructions, ins)
}

// objContext tracks instance-slot resolution for one object literal.
type objContext struct {
	names []string
	prev  *objContext
}

func inObjChain(obj *objContext, name string) bool {
	for o := obj; o != nil; o = o.prev {
		for _, n := range o.names {
			if n == name {
				return true
			}
		}
	}
	return false
}

// compileInfo holds state shared across the whole compilation: the
// constant pool, global-slot registry, and label counter.
type compileInfo struct {
	pool         []bytecode.Value
	globalByName map[string]int // name -> pool index of its interned string
	globalSlot   map[string]int // name -> pool index already registered as a global slot/method
	globalOrder  []int
	labelCount   int
	nullIdx      int
}

func newCompileInfo() *compileInfo {
	info := &compileInfo{
		globalByName: map[string]int{},
		globalSlot:   map[string]int{},
		nullIdx:      -1,
	}
	return info
}

// addConstant interns v, deduplicating by structural equality except for
// methods and classes, which always get their own fresh pool entry here
// and are deduplicated later by dedupPool once their contents are final.
func (info *compileInfo) addConstant(v bytecode.Value) int {
	if v.Kind != bytecode.KindMethod && v.Kind != bytecode.KindClass {
		for i, existing := range info.pool {
			if existing.Equal(v) {
				return i
			}
		}
	}
	info.pool = append(info.pool, v)
	return len(info.pool) - 1
}

func (info *compileInfo) internString(s string) int {
	return info.addConstant(bytecode.Value{Kind: bytecode.KindString, Str: s})
}

func (info *compileInfo) internNull() int {
	if info.nullIdx < 0 {
		info.nullIdx = info.addConstant(bytecode.Value{Kind: bytecode.KindNull})
	}
	return info.nullIdx
}

// declareGlobalVar registers name as a global variable: it gets a
// KindSlot entry in the pool and a place in globalOrder, and becomes
// resolvable by lookupGlobal from this point on. Top-level `var`
// declarations are the only callers; a name must be declared before any
// reference to it compiles, mirroring how a function's locals must be
// declared before use (see spec §4.1, name resolution).
func (info *compileInfo) declareGlobalVar(name string) int {
	nameIdx, ok := info.globalByName[name]
	if !ok {
		nameIdx = info.internString(name)
		info.globalByName[name] = nameIdx
	}
	slotIdx, ok := info.globalSlot[name]
	if !ok {
		slotIdx = info.addConstant(bytecode.Value{Kind: bytecode.KindSlot, Slot: &bytecode.SlotValue{NameIndex: nameIdx}})
		info.globalSlot[name] = slotIdx
		info.globalOrder = append(info.globalOrder, slotIdx)
	}
	return nameIdx
}

// lookupGlobal reports whether name has been declared as a global
// variable, returning the pool index of its interned name for use as a
// GetGlobal/SetGlobal operand. Top-level functions are NOT resolvable
// this way: they are dispatched purely by name at call time (Call never
// resolves a callee at compile time), so a bare reference to a
// function's name as a value is a compile error, same as any other
// undeclared identifier.
func (info *compileInfo) lookupGlobal(name string) (int, bool) {
	if _, declared := info.globalSlot[name]; !declared {
		return 0, false
	}
	idx, ok := info.globalByName[name]
	return idx, ok
}

// registerGlobalFunc records that a top-level `defn` occupies a slot in
// the GLOBAL template's method table, without making its name
// resolvable by lookupGlobal (see lookupGlobal).
func (info *compileInfo) registerGlobalFunc(methodIdx int) {
	info.globalOrder = append(info.globalOrder, methodIdx)
}

// reserveMethod creates a placeholder method pool entry so nested object
// literals and mutually-referencing siblings can be registered by name
// before their bodies are compiled.
func (info *compileInfo) reserveMethod(nameIdx int) int {
	return info.addConstant(bytecode.Value{Kind: bytecode.KindMethod, Method: &bytecode.MethodValue{NameIndex: nameIdx}})
}

func (info *compileInfo) genLabel() string {
	info.labelCount++
	return fmt.Sprintf("L%d", info.labelCount)
}

// Compile translates a parsed program into a bytecode.Program.
func Compile(prog *ast.Program) (*bytecode.Program, error) {
	info := newCompileInfo()
	root := newFunctionScope(nil)
	root.flag = scopeGlobal

	pushed, err := compileScopeStmt(info, root, nil, prog.Top)
	if err != nil {
		return nil, err
	}
	if !pushed {
		emit(root, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
	}
	emit(root, bytecode.Instruction{Op: bytecode.OpReturn})

	entryIdx := info.addConstant(bytecode.Value{
		Kind: bytecode.KindMethod,
		Method: &bytecode.MethodValue{
			NameIndex: -1,
			NArgs:     0,
			NLocals:   *root.nlocals,
			Code:      *root.instructions,
		},
	})

	program := &bytecode.Program{
		Values:            info.pool,
		EntryIndex:        entryIdx,
		GlobalSlotIndices: info.globalOrder,
	}
	dedupPool(program)
	return program, nil
}

// compileMethodBody compiles params/body into a fresh function scope and
// fills in the placeholder method value at methodIdx. prependThis adds
// an implicit "this" as argument zero, for object-literal methods.
func (info *compileInfo) compileMethodBody(methodIdx int, params []string, body ast.ScopeStatement, obj *objContext, prependThis bool) error {
	args := params
	if prependThis {
		args = append([]string{"this"}, params...)
	}
	fn := newFunctionScope(args)

	pushed, err := compileScopeStmt(info, fn, obj, body)
	if err != nil {
		return err
	}
	if !pushed {
		emit(fn, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
	}
	emit(fn, bytecode.Instruction{Op: bytecode.OpReturn})

	mv := info.pool[methodIdx].Method
	mv.NArgs = len(args)
	mv.NLocals = *fn.nlocals
	mv.Code = *fn.instructions
	return nil
}

// compileScopeStmt compiles one scope statement (possibly a ScopeSeq
// chain) and reports whether it left a value on top of the stack.
func compileScopeStmt(info *compileInfo, scope *scopeContext, obj *objContext, stmt ast.ScopeStatement) (bool, error) {
	switch s := stmt.(type) {
	case *ast.ScopeVar:
		// A global's name is declared before its initializer compiles
		// (mirroring the original compiler), so a var may legally refer
		// to itself; a local must already exist in scope before use, so
		// it is declared afterward instead.
		if scope.flag == scopeGlobal {
			nameIdx := info.declareGlobalVar(s.Name)
			pushed, err := compileExpr(info, scope, obj, s.Init)
			if err != nil {
				return false, err
			}
			if !pushed {
				emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
			}
			emit(scope, bytecode.Instruction{Op: bytecode.OpSetGlobal, Index: nameIdx})
			return true, nil
		}
		pushed, err := compileExpr(info, scope, obj, s.Init)
		if err != nil {
			return false, err
		}
		if !pushed {
			emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
		}
		idx := declareLocal(scope, s.Name)
		emit(scope, bytecode.Instruction{Op: bytecode.OpSetLocal, Local: idx})
		return true, nil

	case *ast.ScopeFn:
		nameIdx := info.internString(s.Name)
		methodIdx := info.reserveMethod(nameIdx)
		if err := info.compileMethodBody(methodIdx, s.Params, s.Body, nil, false); err != nil {
			return false, err
		}
		if scope.flag == scopeGlobal {
			// Registered only as a GLOBAL-template method slot: Call
			// resolves callees purely by name at run time, so a
			// function's own visibility never depends on declaration
			// order, but a bare reference to its name as a value is
			// still undefined (see lookupGlobal).
			info.registerGlobalFunc(methodIdx)
		}
		return false, nil

	case *ast.ScopeSeq:
		pushedA, err := compileScopeStmt(info, scope, obj, s.A)
		if err != nil {
			return false, err
		}
		if pushedA {
			emit(scope, bytecode.Instruction{Op: bytecode.OpDrop})
		}
		return compileScopeStmt(info, scope, obj, s.B)

	case *ast.ScopeExp:
		return compileExpr(info, scope, obj, s.Exp)

	default:
		return false, fmt.Errorf("compiler: unknown scope statement %T", stmt)
	}
}

// compileExpr compiles e and reports whether it left a value on the
// stack (every expression does except While, Printf, SetSlot, and an
// assignment that resolves to an instance slot, which run purely for
// effect).
func compileExpr(info *compileInfo, scope *scopeContext, obj *objContext, e ast.Expression) (bool, error) {
	switch expr := e.(type) {
	case *ast.IntLit:
		idx := info.addConstant(bytecode.Value{Kind: bytecode.KindInt, Int: expr.Value})
		emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: idx})
		return true, nil

	case *ast.NullLit:
		emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
		return true, nil

	case *ast.Printf:
		placeholders := strings.Count(expr.Format, "~")
		if placeholders != len(expr.Args) {
			return false, fmt.Errorf("compiler: printf format %q expects %d arguments, got %d", expr.Format, placeholders, len(expr.Args))
		}
		for _, a := range expr.Args {
			pushed, err := compileExpr(info, scope, obj, a)
			if err != nil {
				return false, err
			}
			if !pushed {
				emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
			}
		}
		fmtIdx := info.internString(expr.Format)
		emit(scope, bytecode.Instruction{Op: bytecode.OpPrintf, Index: fmtIdx, Arity: len(expr.Args)})
		return false, nil

	case *ast.Array:
		if err := compilePushed(info, scope, obj, expr.Length); err != nil {
			return false, err
		}
		if err := compilePushed(info, scope, obj, expr.Init); err != nil {
			return false, err
		}
		emit(scope, bytecode.Instruction{Op: bytecode.OpArray})
		return true, nil

	case *ast.Object:
		return compileObject(info, scope, obj, expr)

	case *ast.Slot:
		if err := compilePushed(info, scope, obj, expr.Receiver); err != nil {
			return false, err
		}
		nameIdx := info.internString(expr.Name)
		emit(scope, bytecode.Instruction{Op: bytecode.OpSlot, Index: nameIdx})
		return true, nil

	case *ast.SetSlot:
		if err := compilePushed(info, scope, obj, expr.Receiver); err != nil {
			return false, err
		}
		if err := compilePushed(info, scope, obj, expr.Value); err != nil {
			return false, err
		}
		nameIdx := info.internString(expr.Name)
		emit(scope, bytecode.Instruction{Op: bytecode.OpSetSlot, Index: nameIdx})
		return false, nil

	case *ast.CallSlot:
		if err := compilePushed(info, scope, obj, expr.Receiver); err != nil {
			return false, err
		}
		for _, a := range expr.Args {
			if err := compilePushed(info, scope, obj, a); err != nil {
				return false, err
			}
		}
		nameIdx := info.internString(expr.Name)
		// Arity counts the receiver too, matching how CallSlot pops it
		// off the stack alongside the arguments (see pkg/vm).
		emit(scope, bytecode.Instruction{Op: bytecode.OpCallSlot, Index: nameIdx, Arity: len(expr.Args) + 1})
		return true, nil

	case *ast.Call:
		for _, a := range expr.Args {
			if err := compilePushed(info, scope, obj, a); err != nil {
				return false, err
			}
		}
		nameIdx := info.internString(expr.Name)
		emit(scope, bytecode.Instruction{Op: bytecode.OpCall, Index: nameIdx, Arity: len(expr.Args)})
		return true, nil

	case *ast.Set:
		return compileSet(info, scope, obj, expr.Name, expr.Value)

	case *ast.Ref:
		return compileRef(info, scope, obj, expr.Name)

	case *ast.If:
		return compileIf(info, scope, obj, expr)

	case *ast.While:
		return compileWhile(info, scope, obj, expr)

	default:
		return false, fmt.Errorf("compiler: unknown expression %T", e)
	}
}

// compilePushed compiles e and normalizes a missing result to null, for
// contexts (array bounds, call arguments, slot values) that always need
// exactly one word regardless of whether e is value-producing.
func compilePushed(info *compileInfo, scope *scopeContext, obj *objContext, e ast.Expression) error {
	pushed, err := compileExpr(info, scope, obj, e)
	if err != nil {
		return err
	}
	if !pushed {
		emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
	}
	return nil
}

func compileRef(info *compileInfo, scope *scopeContext, obj *objContext, name string) (bool, error) {
	if idx, ok := findLocal(scope, name); ok {
		emit(scope, bytecode.Instruction{Op: bytecode.OpGetLocal, Local: idx})
		return true, nil
	}
	if inObjChain(obj, name) {
		emit(scope, bytecode.Instruction{Op: bytecode.OpGetLocal, Local: 0})
		nameIdx := info.internString(name)
		emit(scope, bytecode.Instruction{Op: bytecode.OpSlot, Index: nameIdx})
		return true, nil
	}
	if nameIdx, ok := info.lookupGlobal(name); ok {
		emit(scope, bytecode.Instruction{Op: bytecode.OpGetGlobal, Index: nameIdx})
		return true, nil
	}
	return false, fmt.Errorf("compiler: undefined variable %q", name)
}

func compileSet(info *compileInfo, scope *scopeContext, obj *objContext, name string, value ast.Expression) (bool, error) {
	if idx, ok := findLocal(scope, name); ok {
		if err := compilePushed(info, scope, obj, value); err != nil {
			return false, err
		}
		emit(scope, bytecode.Instruction{Op: bytecode.OpSetLocal, Local: idx})
		return true, nil
	}
	if inObjChain(obj, name) {
		emit(scope, bytecode.Instruction{Op: bytecode.OpGetLocal, Local: 0})
		if err := compilePushed(info, scope, obj, value); err != nil {
			return false, err
		}
		nameIdx := info.internString(name)
		emit(scope, bytecode.Instruction{Op: bytecode.OpSetSlot, Index: nameIdx})
		return false, nil
	}
	if nameIdx, ok := info.lookupGlobal(name); ok {
		if err := compilePushed(info, scope, obj, value); err != nil {
			return false, err
		}
		emit(scope, bytecode.Instruction{Op: bytecode.OpSetGlobal, Index: nameIdx})
		return true, nil
	}
	return false, fmt.Errorf("compiler: undefined variable %q in assignment", name)
}

func compileIf(info *compileInfo, scope *scopeContext, obj *objContext, e *ast.If) (bool, error) {
	if err := compilePushed(info, scope, obj, e.Cond); err != nil {
		return false, err
	}
	lThen := info.genLabel()
	lEnd := info.genLabel()
	thenIdx := info.internString(lThen)
	endIdx := info.internString(lEnd)

	emit(scope, bytecode.Instruction{Op: bytecode.OpBranch, Target: thenIdx})

	elseScope := newNestedScope(scope)
	pushedElse, err := compileScopeStmt(info, elseScope, obj, e.Else)
	if err != nil {
		return false, err
	}
	if !pushedElse {
		emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
	}
	emit(scope, bytecode.Instruction{Op: bytecode.OpGoto, Target: endIdx})

	emit(scope, bytecode.Instruction{Op: bytecode.OpLabel, Index: thenIdx})
	thenScope := newNestedScope(scope)
	pushedThen, err := compileScopeStmt(info, thenScope, obj, e.Then)
	if err != nil {
		return false, err
	}
	if !pushedThen {
		emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
	}

	emit(scope, bytecode.Instruction{Op: bytecode.OpLabel, Index: endIdx})
	return true, nil
}

func compileWhile(info *compileInfo, scope *scopeContext, obj *objContext, e *ast.While) (bool, error) {
	lCond := info.genLabel()
	lBody := info.genLabel()
	condIdx := info.internString(lCond)
	bodyIdx := info.internString(lBody)

	emit(scope, bytecode.Instruction{Op: bytecode.OpGoto, Target: condIdx})
	emit(scope, bytecode.Instruction{Op: bytecode.OpLabel, Index: bodyIdx})

	bodyScope := newNestedScope(scope)
	pushed, err := compileScopeStmt(info, bodyScope, obj, e.Body)
	if err != nil {
		return false, err
	}
	if pushed {
		emit(scope, bytecode.Instruction{Op: bytecode.OpDrop})
	}

	emit(scope, bytecode.Instruction{Op: bytecode.OpLabel, Index: condIdx})
	if err := compilePushed(info, scope, obj, e.Cond); err != nil {
		return false, err
	}
	emit(scope, bytecode.Instruction{Op: bytecode.OpBranch, Target: bodyIdx})
	return false, nil
}

func compileObject(info *compileInfo, scope *scopeContext, obj *objContext, e *ast.Object) (bool, error) {
	if e.Parent != nil {
		if err := compilePushed(info, scope, obj, e.Parent); err != nil {
			return false, err
		}
	} else {
		emit(scope, bytecode.Instruction{Op: bytecode.OpLit, Index: info.internNull()})
	}

	newObj := &objContext{prev: obj}

	type pendingSlot struct {
		poolIdx  int
		isMethod bool
		method   *ast.SlotMethod
		variable *ast.SlotVar
	}
	var pending []pendingSlot
	var classSlots []int

	declared := map[string]bool{}

	for _, st := range e.Slots {
		switch sv := st.(type) {
		case *ast.SlotVar:
			if declared[sv.Name] {
				return false, fmt.Errorf("compiler: slot %q already defined in this object", sv.Name)
			}
			declared[sv.Name] = true
			nameIdx := info.internString(sv.Name)
			slotIdx := info.addConstant(bytecode.Value{Kind: bytecode.KindSlot, Slot: &bytecode.SlotValue{NameIndex: nameIdx}})
			newObj.names = append(newObj.names, sv.Name)
			classSlots = append(classSlots, slotIdx)
			pending = append(pending, pendingSlot{poolIdx: slotIdx, variable: sv})
		case *ast.SlotMethod:
			if declared[sv.Name] {
				return false, fmt.Errorf("compiler: slot %q already defined in this object", sv.Name)
			}
			declared[sv.Name] = true
			nameIdx := info.internString(sv.Name)
			methodIdx := info.reserveMethod(nameIdx)
			newObj.names = append(newObj.names, sv.Name)
			classSlots = append(classSlots, methodIdx)
			pending = append(pending, pendingSlot{poolIdx: methodIdx, isMethod: true, method: sv})
		default:
			return false, fmt.Errorf("compiler: unknown slot statement %T", st)
		}
	}

	for _, p := range pending {
		if p.isMethod {
			if err := info.compileMethodBody(p.poolIdx, p.method.Params, p.method.Body, newObj, true); err != nil {
				return false, err
			}
			continue
		}
		if err := compilePushed(info, scope, newObj, p.variable.Init); err != nil {
			return false, err
		}
	}

	classIdx := info.addConstant(bytecode.Value{Kind: bytecode.KindClass, Class: &bytecode.ClassValue{SlotIndices: classSlots}})
	emit(scope, bytecode.Instruction{Op: bytecode.OpObject, Index: classIdx})
	return true, nil
}
