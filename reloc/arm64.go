package reloc

// AArch64 encoders.
//
// Reference: https://github.com/ARM-software/abi-aa/blob/main/aaelf64/aaelf64.rst
//
// Every instruction-patching kind here follows the same shape: read the
// existing 4-byte word, mask out exactly the bits the relocation owns, OR
// in the new field, and leave the opcode bits alone. There is no Thumb-style
// mode bit; the full-word kinds delegate entirely to the generic formulas.

// a64TLSDescResolver is the well-known runtime entry point written into the
// first word of a TLS descriptor.
const a64TLSDescResolver = 0xFFFF_FFFF_FFFF_FE00

// valueBranch26 handles the unconditional branch and call: S + A - P,
// stored as a word-aligned imm26 under the top 6 opcode bits. Targets
// outside ±2^27 are logged, not fatal; wrapped branches may still be
// reached through trampolines.
func (r *Relocation) valueBranch26() (uint64, error) {
	v, err := r.valuePCRelative(false)
	if err != nil {
		return 0, err
	}
	if sv := int64(v); sv < -(1<<27) || sv >= 1<<27 {
		log.Warnf("%s: %s at 0x%x: branch target 0x%x out of the ±2^27 window", r.Owner.Name, r.Kind, r.Addr, v)
	}
	w, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	instr := uint32(w) & 0b1111_1100_0000_0000_0000_0000_0000_0000
	imm := uint32(v>>2) & 0x03FFFFFF
	return uint64(instr | imm), nil
}

// valueAdrPage21 handles ADRP: Page(S + A) - Page(P), where Page truncates
// to a 4KiB boundary. The 21-bit page count splits into a 2-bit immlo group
// at [30:29] and a 19-bit immhi group at [23:5].
func (r *Relocation) valueAdrPage21() (uint64, error) {
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	v := (r.target()+a)&^uint64(0xFFF) - r.place()&^uint64(0xFFF)
	if sv := int64(v); sv < -(1<<32) || sv >= 1<<32 {
		log.Warnf("%s: %s at 0x%x: page delta 0x%x out of range", r.Owner.Name, r.Kind, r.Addr, v)
	}
	w, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	instr := uint32(w) & 0b1001_1111_0000_0000_0000_0000_0001_1111
	imm := uint32(v>>12) & 0x1FFFFF
	immlo := imm & 0b11
	immhi := imm >> 2
	return uint64(instr | immhi<<5 | immlo<<29), nil
}

// valueLo12 handles the low-12-bit absolute family: S + A, with the low 12
// bits right-shifted by the access size's log2 scale and stored at [21:10].
func (r *Relocation) valueLo12(scale uint) (uint64, error) {
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	v := r.target() + a
	w, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	instr := uint32(w) & 0b1111_1111_1100_0000_0000_0011_1111_1111
	imm := uint32(v&0xFFF) >> scale
	return uint64(instr | imm<<10), nil
}
