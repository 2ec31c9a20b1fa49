// Package gc implements Feeny's heap: a Cheney-style two-space copying
// collector with forwarding-pointer ("broken heart") relocation.
//
// Both spaces are anonymous, private memory mappings obtained with
// golang.org/x/sys/unix's Mmap, matching the original implementation's
// mmap-backed heap rather than a plain Go slice — Go's own garbage
// collector never sees Feeny objects, since they are just bytes the VM
// interprets through pkg/runtime's tagged-word accessors.
//
// Collection algorithm (see spec §4.6):
//  1. Copy every root (the global object, every frame's locals, every
//     operand-stack slot) from from-space into to-space, leaving a
//     forwarding pointer ("broken heart") behind in from-space.
//  2. Scan to-space from the start: for each object already copied,
//     rewrite its internal pointers by copying whatever they still
//     point at in from-space, advancing past it once done. This
//     naturally reaches every object transitively reachable from a
//     root, because copying an object appends it to the very region
//     the scan cursor is walking.
//  3. Swap the space labels: to-space becomes the new from-space.
//
// If live data does not fit in to-space, the heap doubles: two fresh,
// larger mappings replace the old ones once their contents have been
// copied across.
package gc

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kristofer/feeny/pkg/runtime"
)

// DefaultHeapSize is the initial size, in bytes, of each heap space.
const DefaultHeapSize = 64 * 1024 * 1024

// Roots gives the collector access to every place a live pointer can be
// rooted, without the gc package depending on the VM itself.
type Roots interface {
	// Global returns the VM's single global prototype object.
	Global() runtime.Word
	// SetGlobal installs the (possibly relocated) global object.
	SetGlobal(runtime.Word)
	// TopFrame returns the innermost active call frame, or nil.
	TopFrame() *runtime.Frame
	// Stack returns the shared operand stack.
	Stack() *runtime.OperandStack
}

// Heap is a two-space copying collector over mmap'd memory.
type Heap struct {
	from, to       []byte
	size           uint64 // size of each space, in bytes
	allocPtr       uint64 // bump pointer into from-space
	classes        *runtime.ClassTable
	collections    int
	bytesCollected uint64
}

// NewHeap maps two fresh spaces of size bytes each and returns a Heap
// ready to allocate from. classes must be populated (or later assigned)
// before any allocation, since object sizing depends on it.
func NewHeap(size uint64, classes *runtime.ClassTable) (*Heap, error) {
	from, err := mmapSpace(size)
	if err != nil {
		return nil, &FatalError{Op: "init from-space", Err: err}
	}
	to, err := mmapSpace(size)
	if err != nil {
		unix.Munmap(from)
		return nil, &FatalError{Op: "init to-space", Err: err}
	}
	return &Heap{from: from, to: to, size: size, classes: classes}, nil
}

func mmapSpace(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// SetClasses installs the template class table once the VM has built it
// from the program's constant pool.
func (h *Heap) SetClasses(classes *runtime.ClassTable) { h.classes = classes }

// Bytes returns the from-space buffer backing every live object's
// fields. Callers (pkg/vm) read and write object contents directly
// through pkg/runtime's accessors against this slice.
func (h *Heap) Bytes() []byte { return h.from }

// Stats reports collector activity, surfaced by `-v` tracing.
func (h *Heap) Stats() (collections int, bytesCollected uint64) {
	return h.collections, h.bytesCollected
}

// Alloc reserves words tagged words worth of space for a new object,
// collecting (and growing the heap, if still insufficient) as needed,
// and returns its from-space address. It does not initialize the
// object's contents; callers must write the header and fields
// immediately, before any value that could trigger another collection
// is computed.
func (h *Heap) Alloc(words int, roots Roots) (uint64, error) {
	nbytes := uint64(words) * runtime.WordSize
	if h.allocPtr+nbytes > h.size {
		h.collect(roots)
		if h.allocPtr+nbytes > h.size {
			if err := h.grow(roots); err != nil {
				return 0, err
			}
			if h.allocPtr+nbytes > h.size {
				return 0, &FatalError{Op: "alloc", Err: fmt.Errorf("object of %d words exceeds heap capacity after growth", words)}
			}
		}
	}
	addr := h.allocPtr
	h.allocPtr += nbytes
	return addr, nil
}

// collect runs one full copying collection in place, without growing
// the heap.
func (h *Heap) collect(roots Roots) {
	before := h.allocPtr
	h.runCollection(roots)
	h.collections++
	if before > h.allocPtr {
		h.bytesCollected += before - h.allocPtr
	}
}

// runCollection performs the copy/scan/flip sequence described in the
// package doc comment.
func (h *Heap) runCollection(roots Roots) {
	toPtr := uint64(0)

	copyWord := func(w runtime.Word) runtime.Word {
		if !w.IsPointer() {
			return w
		}
		addr := w.Address()
		if runtime.IsBrokenHeart(h.from, addr) {
			return runtime.NewPointer(runtime.ForwardAddress(h.from, addr))
		}
		sz := uint64(runtime.ObjectWords(h.from, addr, h.classes)) * runtime.WordSize
		newAddr := toPtr
		copy(h.to[newAddr:newAddr+sz], h.from[addr:addr+sz])
		toPtr += sz
		runtime.SetForward(h.from, addr, newAddr)
		return runtime.NewPointer(newAddr)
	}

	roots.SetGlobal(copyWord(roots.Global()))
	for f := roots.TopFrame(); f != nil; f = f.Parent {
		for i := range f.Locals {
			f.Locals[i] = copyWord(f.Locals[i])
		}
	}
	stack := roots.Stack()
	for i := 0; i < stack.Len(); i++ {
		stack.Set(i, copyWord(stack.At(i)))
	}

	scan := uint64(0)
	for scan < toPtr {
		typ := runtime.Header(h.to, scan)
		if typ == runtime.ArrayType {
			n := runtime.ArrayLength(h.to, scan)
			for i := int32(0); i < n; i++ {
				ea := runtime.ArrayElemAddr(scan, i)
				runtime.WriteWord(h.to, ea, copyWord(runtime.ReadWord(h.to, ea)))
			}
			scan += uint64(2+int(n)) * runtime.WordSize
			continue
		}
		tc := h.classes.ByType(typ)
		nSlots := 0
		if tc != nil {
			nSlots = len(tc.VarNames)
		}
		pa := runtime.InstanceParentAddr(scan)
		runtime.WriteWord(h.to, pa, copyWord(runtime.ReadWord(h.to, pa)))
		for i := 0; i < nSlots; i++ {
			sa := runtime.InstanceSlotAddr(scan, i)
			runtime.WriteWord(h.to, sa, copyWord(runtime.ReadWord(h.to, sa)))
		}
		scan += uint64(2+nSlots) * runtime.WordSize
	}

	h.from, h.to = h.to, h.from
	h.allocPtr = toPtr
}

// grow doubles the heap: a fresh, larger to-space receives a collection
// from the current (smaller) from-space, then both old mappings are
// unmapped and replaced with a matching larger pair.
func (h *Heap) grow(roots Roots) error {
	newSize := h.size * 2
	biggerTo, err := mmapSpace(newSize)
	if err != nil {
		return &FatalError{Op: "grow heap", Err: err}
	}
	oldTo := h.to
	h.to = biggerTo
	h.size = newSize
	h.runCollection(roots) // from(oldSize) -> biggerTo(newSize); flips in place

	unix.Munmap(oldTo) // the pre-grow to-space was never populated
	unix.Munmap(h.to)  // post-flip "to" is the old (smaller) active from-space

	freshTo, err := mmapSpace(newSize)
	if err != nil {
		return &FatalError{Op: "grow heap", Err: err}
	}
	h.to = freshTo
	return nil
}

// Close releases both heap spaces. The VM calls this once on exit.
func (h *Heap) Close() error {
	if err := unix.Munmap(h.from); err != nil {
		return err
	}
	return unix.Munmap(h.to)
}
