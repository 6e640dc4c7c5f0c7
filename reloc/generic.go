package reloc

import "encoding/binary"

// This file holds the generic relocation categories: value formulas shared
// by many concrete kinds, with no architecture-specific bit layout. S is
// the resolved symbol address, A the addend, P the patch location and B the
// owner's load bias; arithmetic wraps modulo 2^64 and narrower kinds mask
// at store time.

// valueAbsolute computes (S + A), optionally folding in the Thumb bit.
func (r *Relocation) valueAbsolute(thumb bool) (uint64, error) {
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	s := r.target()
	v := s + a
	if thumb {
		v |= isThumbFunc(r.ResolvedBy, s)
	}
	return v, nil
}

// valuePCRelative computes (S + A) - P, optionally folding in the Thumb bit.
func (r *Relocation) valuePCRelative(thumb bool) (uint64, error) {
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	s := r.target()
	v := s + a
	if thumb {
		v |= isThumbFunc(r.ResolvedBy, s)
	}
	return v - r.place(), nil
}

// valueRelative computes B + A. These kinds are purely positional: a symbol
// reference on the record is a configuration error.
func (r *Relocation) valueRelative() (uint64, error) {
	if r.Ref.Name != "" || r.Ref.Ordinal != 0 {
		return 0, &ConfigError{r.Kind, r.Owner.Name, r.Addr, "positional relocation carries a symbol"}
	}
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	return r.Owner.MappedBase + a, nil
}

// valueJumpslot writes the resolved address verbatim; the addend is
// ignored. Used for PLT and import-table stub fixups.
func (r *Relocation) valueJumpslot() (uint64, error) {
	return r.target(), nil
}

// valueTLSModID is the TLS module ID of the defining object, or of the
// owner itself for records with no symbol.
func (r *Relocation) valueTLSModID() (uint64, error) {
	module := r.Owner
	if r.ResolvedBy != nil {
		module = r.ResolvedBy.Owner
	}
	return uint64(module.TLSModuleID), nil
}

// valueTLSDoffset is the symbol's offset within its module's TLS block.
func (r *Relocation) valueTLSDoffset() (uint64, error) {
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	return r.ResolvedBy.TLSOffset + a, nil
}

// valueTLSOffset is the offset from the thread pointer to the symbol.
func (r *Relocation) valueTLSOffset() (uint64, error) {
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	return r.ResolvedBy.Owner.TLSBlockOffset + r.ResolvedBy.TLSOffset + a, nil
}

// valueGotPrel computes GOT(S) + A - P, requesting a global-offset-table
// slot for the symbol if none exists yet. The result is stored as 32 bits.
func (r *Relocation) valueGotPrel() (uint64, error) {
	if r.GOT == nil {
		return 0, &ConfigError{r.Kind, r.Owner.Name, r.Addr, "no GOT allocator attached"}
	}
	slot, err := r.GOT.Slot(r.ResolvedBy)
	if err != nil {
		return 0, err
	}
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	v := slot + a - r.place()
	r.truncCheck32(v)
	return v, nil
}

// valuePrel32 computes S + A - P for a 32-bit field in a 64-bit address
// space.
func (r *Relocation) valuePrel32() (uint64, error) {
	v, err := r.valuePCRelative(false)
	if err != nil {
		return 0, err
	}
	r.truncCheck32(v)
	return v, nil
}

// truncCheck32 logs when narrowing a value to 32 bits loses bits. The value
// is still stored; the loss is a diagnostic, not a failure.
func (r *Relocation) truncCheck32(v uint64) {
	if hi := v >> 32; hi != 0 && hi != 0xFFFFFFFF {
		log.Warnf("%s: %s at 0x%x: value 0x%x truncated to 32 bits", r.Owner.Name, r.Kind, r.Addr, v)
	}
}

// applyCopy copies the symbol's declared size in bytes from its defining
// object into the patch site.
func (r *Relocation) applyCopy() (bool, error) {
	sym := r.ResolvedBy
	data, err := sym.Owner.Mem.Load(sym.Value, int(sym.Size))
	if err != nil {
		return false, err
	}
	if err := r.Owner.Mem.Store(r.Addr, data); err != nil {
		return false, err
	}
	log.Debugf("%s: copied %d bytes of %q to 0x%x", r.Owner.Name, len(data), sym.Name, r.Addr)
	return len(data) > 0, nil
}

// applyTLSDesc builds a two-word TLS descriptor: the architecture's fixed
// resolver entry point, then the module-relative offset the resolver hands
// back. Both words are stored in one write so a failure touches nothing.
func (r *Relocation) applyTLSDesc() (bool, error) {
	a, err := r.addend()
	if err != nil {
		return false, err
	}
	var off uint64
	if r.ResolvedBy != nil {
		off = r.ResolvedBy.TLSOffset
	}
	var desc [16]byte
	binary.LittleEndian.PutUint64(desc[:8], a64TLSDescResolver)
	binary.LittleEndian.PutUint64(desc[8:], off+a)
	if err := r.Owner.Mem.Store(r.Addr, desc[:]); err != nil {
		return false, err
	}
	return true, nil
}
