package reloc

// PE base relocations and import fixups.
//
// Base relocations are directory-driven deltas, not symbol references: each
// entry names an RVA and a type tag, and the value applied is always the
// image's load delta. The addend is implicit in every case, read from the
// bytes already stored at the site, so these kinds translate the stored
// linked address to its mapped equivalent rather than doing symbol
// arithmetic. The import pseudo-kind is the one exception: it writes a
// resolved symbol address verbatim into an import-table slot.

// valuePEHighLow rebases the stored 32-bit linked address.
func (r *Relocation) valuePEHighLow() (uint64, error) {
	org, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	return r.Owner.MappedFromLinked(org) & 0xFFFFFFFF, nil
}

// valuePEDir64 rebases the stored 64-bit linked address.
func (r *Relocation) valuePEDir64() (uint64, error) {
	org, err := r.origWord(8)
	if err != nil {
		return 0, err
	}
	return r.Owner.MappedFromLinked(org), nil
}

// valuePEHigh rebases the high half of an address whose low half is taken
// to be zero: the stored 16 bits shift into place, the delta applies, and
// bits [31:16] of the result go back.
func (r *Relocation) valuePEHigh() (uint64, error) {
	org, err := r.origWord(2)
	if err != nil {
		return 0, err
	}
	return r.Owner.MappedFromLinked(org<<16) >> 16 & 0xFFFF, nil
}

// valuePELow rebases the stored value and keeps bits [15:0].
func (r *Relocation) valuePELow() (uint64, error) {
	org, err := r.origWord(2)
	if err != nil {
		return 0, err
	}
	return r.Owner.MappedFromLinked(org) & 0xFFFF, nil
}

// valuePEHighAdj rebases the high word of an address whose low word arrives
// in the companion directory entry. The stored 16 bits are the high half of
// a linked address; the companion supplies the rounding adjustment, which
// participates in the rebase exactly once and is then discarded.
func (r *Relocation) valuePEHighAdj() (uint64, error) {
	org, err := r.origWord(2)
	if err != nil {
		return 0, err
	}
	linked := org<<16 + r.AdjustRVA&0xFFFF
	return r.Owner.MappedFromLinked(linked) >> 16 & 0xFFFF, nil
}
