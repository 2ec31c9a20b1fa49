package vm

import "github.com/kristofer/feeny/pkg/runtime"

// execIntPrimitive dispatches a CallSlot against an integer receiver:
// add, sub, mul, div, mod, lt, gt, le, ge, eq. Comparisons follow
// Feeny's truthiness convention directly: true is the tagged integer
// zero, false is null, matching how OpBranch treats "not null" as the
// only truthy test.
func (v *VM) execIntPrimitive(recv runtime.Word, name string, args []runtime.Word) error {
	if len(args) != 1 {
		return v.fatalf("integer primitive %q takes exactly one argument, got %d", name, len(args))
	}
	rhs := args[0]
	if !rhs.IsInt() {
		return v.fatalf("integer primitive %q requires an integer argument", name)
	}

	switch name {
	case "add":
		v.stack.Push(recv.Add(rhs))
	case "sub":
		v.stack.Push(recv.Sub(rhs))
	case "mul":
		v.stack.Push(runtime.NewInt(recv.Int() * rhs.Int()))
	case "div":
		if rhs.Int() == 0 {
			return v.fatalf("division by zero")
		}
		v.stack.Push(runtime.NewInt(recv.Int() / rhs.Int()))
	case "mod":
		if rhs.Int() == 0 {
			return v.fatalf("division by zero")
		}
		v.stack.Push(runtime.NewInt(recv.Int() % rhs.Int()))
	case "lt":
		v.stack.Push(boolWord(recv.Int() < rhs.Int()))
	case "gt":
		v.stack.Push(boolWord(recv.Int() > rhs.Int()))
	case "le":
		v.stack.Push(boolWord(recv.Int() <= rhs.Int()))
	case "ge":
		v.stack.Push(boolWord(recv.Int() >= rhs.Int()))
	case "eq":
		v.stack.Push(boolWord(recv.Int() == rhs.Int()))
	default:
		return v.fatalf("undefined integer operation %q", name)
	}
	v.ip++
	return nil
}

// boolWord encodes a primitive comparison result: true as the tagged
// integer zero, false as null.
func boolWord(cond bool) runtime.Word {
	if cond {
		return runtime.NewInt(0)
	}
	return runtime.Null
}

// execArrayPrimitive dispatches a CallSlot against an array receiver:
// get(i), set(i, v), length().
func (v *VM) execArrayPrimitive(addr uint64, name string, args []runtime.Word) error {
	buf := v.heap.Bytes()
	length := runtime.ArrayLength(buf, addr)

	switch name {
	case "get":
		if len(args) != 1 {
			return v.fatalf("array get takes exactly one argument, got %d", len(args))
		}
		idx := args[0]
		if !idx.IsInt() {
			return v.fatalf("array get requires an integer index")
		}
		i := idx.Int()
		if i < 0 || i >= length {
			return v.fatalf("array index %d out of bounds (length %d)", i, length)
		}
		v.stack.Push(runtime.ReadWord(buf, runtime.ArrayElemAddr(addr, i)))
	case "set":
		if len(args) != 2 {
			return v.fatalf("array set takes exactly two arguments, got %d", len(args))
		}
		idx, val := args[0], args[1]
		if !idx.IsInt() {
			return v.fatalf("array set requires an integer index")
		}
		i := idx.Int()
		if i < 0 || i >= length {
			return v.fatalf("array index %d out of bounds (length %d)", i, length)
		}
		runtime.WriteWord(buf, runtime.ArrayElemAddr(addr, i), val)
		v.stack.Push(runtime.Null)
	case "length":
		if len(args) != 0 {
			return v.fatalf("array length takes no arguments, got %d", len(args))
		}
		v.stack.Push(runtime.NewInt(length))
	default:
		return v.fatalf("undefined array operation %q", name)
	}
	v.ip++
	return nil
}
