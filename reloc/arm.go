package reloc

// 32-bit ARM and Thumb encoders.
//
// Reference: https://github.com/ARM-software/abi-aa/blob/main/aaelf32/aaelf32.rst
//
// Instruction immediates on ARM are rarely contiguous: the value formulas
// below compute a target and then scatter it across the documented fields,
// leaving every other bit of the instruction untouched. Thumb adds two
// twists: a function symbol at an odd address selects the Thumb instruction
// set (the T bit below), and 4-byte Thumb-2 instructions are stored as two
// little-endian 2-byte halves that must be de-interleaved before the fields
// mean anything.

import "moria.us/relo/image"

// isThumbFunc returns the T bit: 1 when the resolved address has its low
// bit set and the symbol names code. An odd address on a data symbol is
// just an odd address.
func isThumbFunc(sym *image.Symbol, addr uint64) uint64 {
	if addr%2 == 1 && sym != nil && sym.IsFunction() {
		return 1
	}
	return 0
}

// applyMasked merges value into the bits of inst selected by mask. A value
// that does not fit the mask is logged and the fixed fallback word 0 is
// returned, leaving the site for the caller to hook manually; branch
// targets routinely land in trampolines the static encoder cannot reach,
// so this is not treated as a failure.
func (r *Relocation) applyMasked(inst, value, mask uint32) uint32 {
	if value&^mask != 0 {
		log.Warnf("%s: %s at 0x%x: value 0x%x does not fit mask 0x%x", r.Owner.Name, r.Kind, r.Addr, value, mask)
		return 0
	}
	return inst&^mask | value&mask
}

// signExtend sign-extends the low bits of v from the given width.
func signExtend(v uint64, bits uint) uint64 {
	if v&(1<<(bits-1)) != 0 {
		v |= ^uint64(0) << bits
	}
	return v
}

// valueArmCall handles the branch-24 family (PC24, CALL, JUMP24):
// ((S + (A<<2)) | T) - P, patched as a word-aligned imm24. When the target
// is Thumb code the instruction is rewritten into the interworking BLX
// form: opcode byte 0xFA with the halfword bit folded in.
func (r *Relocation) valueArmCall() (uint64, error) {
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	inst := uint32(a)
	if inst&0x00800000 != 0 {
		a |= 0xFF000000 // sign extend the 24-bit field
	}
	s := r.target()
	t := isThumbFunc(r.ResolvedBy, s)
	result := ((s + a<<2) | t) - r.place()
	imm24 := uint32(result&0x03FFFFFE) >> 2

	if t != 0 {
		bitH := uint32(result&0x02) >> 1
		return uint64(r.applyMasked(inst, (0xFA|bitH)<<24, 0xFF000000)), nil
	}
	return uint64(r.applyMasked(inst, imm24, 0x00FFFFFF)), nil
}

// valueArmPrel31 handles the 31-bit PC-relative data relocation:
// ((S + A) | T) - P with the addend sign-extended from 31 bits and the
// stored word's top bit preserved.
func (r *Relocation) valueArmPrel31() (uint64, error) {
	w, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	a, err := r.addend()
	if err != nil {
		return 0, err
	}
	a = signExtend(a&0x7FFFFFFF, 31)
	s := r.target()
	t := isThumbFunc(r.ResolvedBy, s)
	result := ((s + a) | t) - r.place()
	return uint64(r.applyMasked(uint32(w), uint32(result)&0x7FFFFFFF, 0x7FFFFFFF)), nil
}

// movImmediate reconstitutes the 16-bit literal scattered across an ARM
// MOVW/MOVT instruction: a 4-bit group at [19:16] and a 12-bit group at
// [11:0], interpreted as signed.
func movImmediate(inst uint32) uint64 {
	a := uint64(inst&0xF0000)>>4 | uint64(inst&0xFFF)
	return signExtend(a, 16)
}

// movMerge scatters a 16-bit immediate back into the MOVW/MOVT fields,
// clearing the old groups first.
func movMerge(inst uint32, imm uint32) uint32 {
	inst &= 0xFFF0F000
	inst |= imm << 4 & 0xF0000
	inst |= imm & 0xFFF
	return inst
}

// valueArmMovw handles MOVW: X = (S + A) | T, low 16 bits of X re-encoded
// into the split immediate. The addend comes from the instruction itself.
func (r *Relocation) valueArmMovw() (uint64, error) {
	w, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	inst := uint32(w)
	s := r.target()
	x := (s + movImmediate(inst)) | isThumbFunc(r.ResolvedBy, s)
	return uint64(movMerge(inst, uint32(x&0xFFFF))), nil
}

// valueArmMovt handles MOVT: X = S + A, bits [31:16] of X re-encoded. The
// low half of the target is carried by a separate MOVW, so only the high
// half of X is taken.
func (r *Relocation) valueArmMovt() (uint64, error) {
	w, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	inst := uint32(w)
	x := r.target() + movImmediate(inst)
	return uint64(movMerge(inst, uint32(x>>16&0xFFFF))), nil
}

// thumbInst de-interleaves a 4-byte Thumb-2 instruction: the raw bytes are
// ordered <LE16 hi-half> <LE16 lo-half>, so the logical word is built from
// the halves swapped relative to a plain LE32 read.
func thumbInst(raw uint64) uint32 {
	return uint32(raw&0xFFFF)<<16 | uint32(raw>>16&0xFFFF)
}

// thumbRaw re-interleaves a logical Thumb-2 word back into its stored
// little-endian form.
func thumbRaw(inst uint32) uint64 {
	return uint64(inst>>16&0xFFFF) | uint64(inst&0xFFFF)<<16
}

// valueThumbCall handles the Thumb-2 BL/BLX encoding: a 23-bit signed
// offset scattered over a sign bit, two J bits each XORed with the
// complement of the sign, and two contiguous groups. A target outside the
// ±2^23 window is a hard failure: there is no encodable fallback, the
// loader simply placed the code out of reach.
func (r *Relocation) valueThumbCall() (uint64, error) {
	raw, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	inst := thumbInst(raw)

	var a uint64
	if r.HasAddend {
		a = uint64(r.Addend)
	} else {
		a |= uint64(inst&0x7FF) << 1         // A[11:1]  = inst[10:0]
		a |= uint64(inst>>16&0x3FF) << 12    // A[21:12] = inst[25:16]
		sign := inst >> 26 & 1               // inst[26]
		j1 := (inst>>13&1 ^ sign ^ 1) & 1    // J1 = inst[13] ^ !sign
		j2 := (inst>>11&1 ^ sign ^ 1) & 1    // J2 = inst[11] ^ !sign
		a |= uint64(j1)<<23 | uint64(j2)<<22 // A[23], A[22]
		if sign != 0 {
			a |= 0xFF000000 // sign extend the 25-bit field
		}
	}

	s := r.target()
	t := isThumbFunc(r.ResolvedBy, s)
	x := (((s + a) | t) - r.place()) & 0xFFFFFFFF

	if hi := x & 0xFF800000; hi != 0 && hi != 0xFF800000 {
		return 0, &RangeError{r.Kind, r.Owner.Name, r.Addr, x}
	}

	//                 offset     1 2  offset
	//          11110S [21:12]  11J?J  [11:1]     (? is 1 for BL, 0 for BLX)
	inst &^= 0b0000_0111_1111_1111_0010_1111_1111_1111
	sign := uint32(x >> 24 & 1)
	j1 := (uint32(x>>23)&1 ^ sign ^ 1) & 1
	j2 := (uint32(x>>22)&1 ^ sign ^ 1) & 1
	inst |= sign << 26
	inst |= j1<<13 | j2<<11
	inst |= uint32(x >> 1 & 0x7FF)
	inst |= uint32(x>>12&0x3FF) << 16

	return thumbRaw(inst), nil
}

// thumbMovImmediate reconstitutes the 16-bit literal of a Thumb MOVW/MOVT:
// four non-contiguous fields at [19:16], [26], [14:12] and [7:0], signed.
// The field map is the exact inverse of thumbMovMerge.
func thumbMovImmediate(inst uint32) uint64 {
	a := uint64(inst>>16&0xF) << 12
	a |= uint64(inst>>26&1) << 11
	a |= uint64(inst>>12&0x7) << 8
	a |= uint64(inst & 0xFF)
	return signExtend(a, 16)
}

// thumbMovMerge scatters a 16-bit immediate over the four Thumb MOVW/MOVT
// fields.
func thumbMovMerge(inst uint32, imm uint32) uint32 {
	inst &= 0b1111_1011_1111_0000_1000_1111_0000_0000
	inst |= imm >> 12 & 0xF << 16
	inst |= imm >> 11 & 0x1 << 26
	inst |= imm >> 8 & 0x7 << 12
	inst |= imm & 0xFF
	return inst
}

// valueThumbMov handles Thumb MOVW (low half, with the T bit) and MOVT
// (high half). Same split-immediate idea as the ARM pair, a different and
// wider scatter, plus the half-word de-interleave of all 4-byte Thumb
// instructions.
func (r *Relocation) valueThumbMov(high bool) (uint64, error) {
	raw, err := r.origWord(4)
	if err != nil {
		return 0, err
	}
	inst := thumbInst(raw)
	s := r.target()
	x := s + thumbMovImmediate(inst)
	var imm uint32
	if high {
		imm = uint32(x >> 16 & 0xFFFF)
	} else {
		x |= isThumbFunc(r.ResolvedBy, s)
		imm = uint32(x & 0xFFFF)
	}
	return thumbRaw(thumbMovMerge(inst, imm)), nil
}
