package image

import "fmt"

// A GOTAllocator hands out global-offset-table slots. Slot returns the
// mapped address of the slot holding the symbol's resolved address,
// allocating one if the symbol has none yet.
type GOTAllocator interface {
	Slot(sym *Symbol) (uint64, error)
}

// A SimpleGOT allocates consecutive pointer-size slots from a reserved
// region of one object, filling each new slot with the symbol's resolved
// address.
type SimpleGOT struct {
	Owner *Object
	Next  uint64 // RVA of the next free slot
	Limit uint64 // RVA one past the reserved region

	slots map[*Symbol]uint64
}

// Slot implements GOTAllocator.
func (g *SimpleGOT) Slot(sym *Symbol) (uint64, error) {
	if rva, ok := g.slots[sym]; ok {
		return g.Owner.MappedFromRVA(rva), nil
	}
	width := uint64(g.Owner.PtrSize)
	if g.Next+width > g.Limit {
		return 0, fmt.Errorf("GOT region exhausted allocating a slot for %q", sym.Name)
	}
	rva := g.Next
	if err := g.Owner.Mem.PutWord(rva, sym.Mapped(), g.Owner.PtrSize); err != nil {
		return 0, err
	}
	g.Next += width
	if g.slots == nil {
		g.slots = make(map[*Symbol]uint64)
	}
	g.slots[sym] = rva
	return g.Owner.MappedFromRVA(rva), nil
}
