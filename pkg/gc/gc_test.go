package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristofer/feeny/pkg/runtime"
)

// objType is a single test object type: header + parent + one slot.
const objType int32 = runtime.ObjectTypeBase

func testClasses() *runtime.ClassTable {
	return &runtime.ClassTable{Classes: []*runtime.TemplateClass{
		{Type: runtime.GlobalType, VarNames: nil, Methods: map[string]int{}},
		{Type: objType, VarNames: []string{"next"}, Methods: map[string]int{}},
	}}
}

// fakeRoots is a minimal gc.Roots: a single global word, no frames, and
// an explicit operand stack, enough to exercise Alloc/collect/grow
// without constructing a real VM.
type fakeRoots struct {
	global runtime.Word
	stack  *runtime.OperandStack
}

func newFakeRoots() *fakeRoots {
	return &fakeRoots{global: runtime.Null, stack: runtime.NewOperandStack()}
}

func (r *fakeRoots) Global() runtime.Word     { return r.global }
func (r *fakeRoots) SetGlobal(w runtime.Word) { r.global = w }
func (r *fakeRoots) TopFrame() *runtime.Frame { return nil }
func (r *fakeRoots) Stack() *runtime.OperandStack { return r.stack }

func allocNode(t *testing.T, h *Heap, roots *fakeRoots, next runtime.Word) uint64 {
	t.Helper()
	addr, err := h.Alloc(runtime.InstanceWords(1), roots)
	require.NoError(t, err)
	runtime.SetHeader(h.Bytes(), addr, objType)
	runtime.WriteWord(h.Bytes(), runtime.InstanceParentAddr(addr), runtime.Null)
	runtime.WriteWord(h.Bytes(), runtime.InstanceSlotAddr(addr, 0), next)
	return addr
}

func TestHeapAllocWritesReadableObject(t *testing.T) {
	h, err := NewHeap(4096, testClasses())
	require.NoError(t, err)
	defer h.Close()

	roots := newFakeRoots()
	addr := allocNode(t, h, roots, runtime.NewInt(7))

	assert.Equal(t, objType, runtime.Header(h.Bytes(), addr))
	assert.Equal(t, runtime.NewInt(7), runtime.ReadWord(h.Bytes(), runtime.InstanceSlotAddr(addr, 0)))
}

func TestHeapCollectReclaimsUnreachableObjects(t *testing.T) {
	// Word size per node: header+parent+1 slot = 3 words = 24 bytes.
	// A heap of 240 bytes holds 10 nodes before it must collect.
	h, err := NewHeap(240, testClasses())
	require.NoError(t, err)
	defer h.Close()

	roots := newFakeRoots()
	// Only the very last allocated node stays reachable (rooted from
	// the fake global); everything else is immediately garbage, so
	// repeated allocation should collect rather than exhaust the heap.
	for i := 0; i < 50; i++ {
		addr := allocNode(t, h, roots, runtime.Null)
		roots.global = runtime.NewPointer(addr)
	}

	collections, _ := h.Stats()
	assert.Greater(t, collections, 0, "allocating past capacity with garbage behind it should trigger a collection")

	// The surviving node (rooted via global) must still read back its
	// slot correctly after being relocated by collection.
	finalAddr := roots.global.Address()
	assert.Equal(t, objType, runtime.Header(h.Bytes(), finalAddr))
	assert.True(t, runtime.ReadWord(h.Bytes(), runtime.InstanceSlotAddr(finalAddr, 0)).IsNull())
}

func TestHeapCollectionPreservesReachableChain(t *testing.T) {
	h, err := NewHeap(240, testClasses())
	require.NoError(t, err)
	defer h.Close()

	roots := newFakeRoots()

	// Build a short chain: head -> mid -> tail, all reachable only
	// through roots.global -> head's "next" slot chasing.
	tail := allocNode(t, h, roots, runtime.Null)
	mid := allocNode(t, h, roots, runtime.NewPointer(tail))
	head := allocNode(t, h, roots, runtime.NewPointer(mid))
	roots.global = runtime.NewPointer(head)

	// Force a collection by allocating enough garbage to exceed the
	// heap's capacity.
	for i := 0; i < 20; i++ {
		allocNode(t, h, roots, runtime.Null)
	}

	// Walk the chain from the (possibly relocated) root and confirm it
	// is still intact and in order.
	cur := roots.global
	require.True(t, cur.IsPointer())
	midWord := runtime.ReadWord(h.Bytes(), runtime.InstanceSlotAddr(cur.Address(), 0))
	require.True(t, midWord.IsPointer())
	tailWord := runtime.ReadWord(h.Bytes(), runtime.InstanceSlotAddr(midWord.Address(), 0))
	require.True(t, tailWord.IsPointer())
	endWord := runtime.ReadWord(h.Bytes(), runtime.InstanceSlotAddr(tailWord.Address(), 0))
	assert.True(t, endWord.IsNull())
}

func TestHeapGrowsWhenLiveDataExceedsCapacity(t *testing.T) {
	h, err := NewHeap(64, testClasses()) // 64 bytes: ~2 nodes
	require.NoError(t, err)
	defer h.Close()

	roots := newFakeRoots()
	// Keep every node reachable by chaining each onto the last, so
	// collection alone can never make room and growth is the only way
	// forward. The link to the previous head is read from roots.global
	// after Alloc returns, since a collection inside Alloc relocates it.
	for i := 0; i < 20; i++ {
		addr := allocNode(t, h, roots, runtime.Null)
		runtime.WriteWord(h.Bytes(), runtime.InstanceSlotAddr(addr, 0), roots.global)
		roots.global = runtime.NewPointer(addr)
	}

	// If we got here without an error, the heap grew at least once;
	// the chain should still be fully walkable.
	count := 0
	cur := roots.global
	for cur.IsPointer() {
		count++
		cur = runtime.ReadWord(h.Bytes(), runtime.InstanceSlotAddr(cur.Address(), 0))
	}
	assert.Equal(t, 20, count)
}

func TestHeapAllocOperandStackRootsSurviveCollection(t *testing.T) {
	h, err := NewHeap(240, testClasses())
	require.NoError(t, err)
	defer h.Close()

	roots := newFakeRoots()
	addr := allocNode(t, h, roots, runtime.NewInt(3))
	roots.stack.Push(runtime.NewPointer(addr))

	for i := 0; i < 20; i++ {
		allocNode(t, h, roots, runtime.Null)
	}

	relocated := roots.stack.Peek()
	require.True(t, relocated.IsPointer())
	assert.Equal(t, runtime.NewInt(3), runtime.ReadWord(h.Bytes(), runtime.InstanceSlotAddr(relocated.Address(), 0)))
}

func TestHeapCloseUnmapsBothSpaces(t *testing.T) {
	h, err := NewHeap(4096, testClasses())
	require.NoError(t, err)
	assert.NoError(t, h.Close())
}
