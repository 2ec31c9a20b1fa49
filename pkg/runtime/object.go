package runtime

import "encoding/binary"

// WordSize is the size in bytes of a single tagged Word, matching the
// machine's native pointer width that the tagging scheme assumes.
const WordSize = 8

// Heap object type tags, stored untagged (as a plain int32) in an
// object's header word. GlobalType identifies the single prototype
// object holding every global variable; ArrayType identifies arrays;
// every user-defined object literal gets its own tag starting at
// ObjectTypeBase, one per compiled Class value, assigned in the order
// those classes are discovered (see pkg/vm's template-class builder).
const (
	GlobalType     int32 = 0
	ArrayType      int32 = 3
	ObjectTypeBase int32 = 4

	// BrokenHeart overwrites an object's header during collection once
	// it has been copied to to-space; the word immediately following
	// the header then holds the forwarding pointer instead of whatever
	// field used to live there.
	BrokenHeart int32 = -1
)

// ReadWord decodes the Word stored at byte offset addr in buf.
func ReadWord(buf []byte, addr uint64) Word {
	return Word(binary.LittleEndian.Uint64(buf[addr : addr+WordSize]))
}

// WriteWord encodes w at byte offset addr in buf.
func WriteWord(buf []byte, addr uint64, w Word) {
	binary.LittleEndian.PutUint64(buf[addr:addr+WordSize], uint64(w))
}

// Header reads an object's type tag (its header word, untagged).
func Header(buf []byte, addr uint64) int32 {
	return ReadWord(buf, addr).Int()
}

// SetHeader writes an object's type tag as its header word.
func SetHeader(buf []byte, addr uint64, typ int32) {
	WriteWord(buf, addr, NewInt(typ))
}

// IsBrokenHeart reports whether the object at addr has already been
// copied to to-space during the current collection.
func IsBrokenHeart(buf []byte, addr uint64) bool {
	return Header(buf, addr) == BrokenHeart
}

// ForwardAddress returns the to-space address an already-copied object
// was relocated to. Callers must check IsBrokenHeart first.
func ForwardAddress(buf []byte, addr uint64) uint64 {
	return ReadWord(buf, addr+WordSize).Address()
}

// SetForward marks the object at addr as relocated to newAddr.
func SetForward(buf []byte, addr uint64, newAddr uint64) {
	SetHeader(buf, addr, BrokenHeart)
	WriteWord(buf, addr+WordSize, NewPointer(newAddr))
}

// Array layout: [header=ArrayType][length][elem_0]...[elem_{n-1}]

// ArrayLength returns the element count of the array at addr.
func ArrayLength(buf []byte, addr uint64) int32 {
	return ReadWord(buf, addr+WordSize).Int()
}

// ArrayElemAddr returns the byte offset of element i of the array at
// addr.
func ArrayElemAddr(addr uint64, i int32) uint64 {
	return addr + 2*WordSize + uint64(i)*WordSize
}

// ArrayWords returns the total size in words of the array at addr,
// including its header and length field.
func ArrayWords(buf []byte, addr uint64) int {
	return 2 + int(ArrayLength(buf, addr))
}

// Object instance layout: [header=type][parent][slot_0]...[slot_{k-1}]

// InstanceParentAddr returns the byte offset of an instance's parent
// field.
func InstanceParentAddr(addr uint64) uint64 { return addr + WordSize }

// InstanceSlotAddr returns the byte offset of slot i of the instance at
// addr (i is 0-based, after the parent field).
func InstanceSlotAddr(addr uint64, i int) uint64 {
	return addr + 2*WordSize + uint64(i)*WordSize
}

// InstanceWords returns the total size in words of an instance with
// nSlots declared fields, including its header and parent field.
func InstanceWords(nSlots int) int { return 2 + nSlots }

// TemplateClass is the VM's runtime view of a compiled ClassValue: the
// field/method names a class declares and which pool index each method
// body lives at. Built once per class at VM start-up (see pkg/vm), then
// consulted on every Slot/SetSlot/CallSlot dispatch and by the GC to
// learn how many words an instance occupies.
type TemplateClass struct {
	Type int32

	// VarNames are the declared field names, in slot order; len(VarNames)
	// is the instance's slot count.
	VarNames []string

	// Methods maps a declared method name to its pool index.
	Methods map[string]int

	// PoolIndex is the constant-pool index of the ClassValue this
	// template was built from; 0 for the synthetic GLOBAL template,
	// which has no backing ClassValue.
	PoolIndex int
}

// ClassTable holds every TemplateClass, indexed by Type. Index 0 is
// always the GLOBAL template.
type ClassTable struct {
	Classes []*TemplateClass
}

// ByType returns the template class for a given type tag, or nil if none
// is registered (a malformed program or a corrupted heap object).
func (ct *ClassTable) ByType(typ int32) *TemplateClass {
	for _, c := range ct.Classes {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// ByPoolIndex returns the template class built from the ClassValue at
// the given pool index, or nil if none matches (poolIndex 0 never
// matches a real class since GLOBAL's PoolIndex is always 0 too but
// GLOBAL is looked up via ByType instead).
func (ct *ClassTable) ByPoolIndex(poolIndex int) *TemplateClass {
	for _, c := range ct.Classes {
		if c.Type != GlobalType && c.PoolIndex == poolIndex {
			return c
		}
	}
	return nil
}

// SlotIndex returns the declared index of a field (var slot) name within
// a template class, or -1 if no field of that name is declared there;
// method names are not searched.
func (tc *TemplateClass) SlotIndex(name string) int {
	for i, n := range tc.VarNames {
		if n == name {
			return i
		}
	}
	return -1
}

// ObjectWords returns the total size in words of the object at addr,
// dispatching on its header type: arrays carry their own length, plain
// instances consult the class table for their declared slot count.
func ObjectWords(buf []byte, addr uint64, classes *ClassTable) int {
	typ := Header(buf, addr)
	if typ == ArrayType {
		return ArrayWords(buf, addr)
	}
	tc := classes.ByType(typ)
	if tc == nil {
		return 2
	}
	return InstanceWords(len(tc.VarNames))
}
