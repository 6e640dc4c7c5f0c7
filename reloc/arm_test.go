package reloc_test

import (
	"errors"
	"testing"

	"moria.us/relo/image"
	"moria.us/relo/reloc"
)

func TestArmCall(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0, 0, 4)
	defFunc(def, "f", 0x2000)
	// BL with imm24 = 0 at 0x1000, targeting 0x2000.
	owner.Mem.PutWord(0x1000, 0xEB000000, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmCall,
		Addr: 0x1000, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	if got := word(t, owner, 0x1000); got != 0xEB000400 {
		t.Errorf("CALL: got 0x%08x, expected 0xeb000400", got)
	}
}

func TestArmCallBackward(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0, 0, 4)
	defFunc(def, "f", 0x2000)
	// Encoded addend -2 words; bit 23 set, so the field sign-extends.
	owner.Mem.PutWord(0x1000, 0xEBFFFFFE, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmCall,
		Addr: 0x1000, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// (0x2000 - 8) - 0x1000 = 0xff8, imm24 = 0x3fe
	if got := word(t, owner, 0x1000); got != 0xEB0003FE {
		t.Errorf("CALL backward: got 0x%08x, expected 0xeb0003fe", got)
	}
}

func TestArmCallThumbTarget(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0, 0, 4)
	defFunc(def, "f", 0x2001) // Thumb function
	owner.Mem.PutWord(0x1000, 0xEB000000, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmCall,
		Addr: 0x1000, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// Rewritten into the interworking BLX form.
	if got := word(t, owner, 0x1000); got != 0xFA000000 {
		t.Errorf("CALL to Thumb: got 0x%08x, expected 0xfa000000", got)
	}

	// An odd halfword offset sets the H bit.
	defFunc(def, "g", 0x2003)
	owner.Mem.PutWord(0x1004, 0xEB000000, 4)
	rec = &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmCall,
		Addr: 0x1004, Ref: image.Ref{Name: "g"},
	}
	apply(t, rec, []*image.Object{owner, def})
	if got := word(t, owner, 0x1004); got != 0xFB000000 {
		t.Errorf("CALL to Thumb+2: got 0x%08x, expected 0xfb000000", got)
	}
}

func TestArmPrel31(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0, 0, 4)
	defFunc(def, "f", 0x2000)

	// The stored top bit is not part of the field and survives the patch.
	owner.Mem.PutWord(0x1000, 0x80000000, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmPrel31,
		Addr: 0x1000, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	if got := word(t, owner, 0x1000); got != 0x80001000 {
		t.Errorf("PREL31: got 0x%08x, expected 0x80001000", got)
	}

	// A negative 31-bit addend: 0x7ffffffc is -4.
	owner.Mem.PutWord(0x1004, 0x7FFFFFFC, 4)
	rec = &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmPrel31,
		Addr: 0x1004, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// (0x2000 - 4) - 0x1004 = 0xff8
	if got := word(t, owner, 0x1004); got != 0x00000FF8 {
		t.Errorf("PREL31 negative: got 0x%08x, expected 0x00000ff8", got)
	}
}

func TestArmMovwMovt(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0x12340000, 0, 4)
	defFunc(def, "f", 0x5678)
	solist := []*image.Object{owner, def}

	owner.Mem.PutWord(0x1000, 0xE3000000, 4) // MOVW r0, #0
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmMovwAbsNC,
		Addr: 0x1000, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, solist)
	if got := word(t, owner, 0x1000); got != 0xE3050678 {
		t.Errorf("MOVW: got 0x%08x, expected 0xe3050678", got)
	}

	owner.Mem.PutWord(0x1004, 0xE3400000, 4) // MOVT r0, #0
	rec = &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmMovtAbs,
		Addr: 0x1004, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, solist)
	if got := word(t, owner, 0x1004); got != 0xE3410234 {
		t.Errorf("MOVT: got 0x%08x, expected 0xe3410234", got)
	}

	// MOVW with an encoded addend of -4 across the split immediate.
	owner.Mem.PutWord(0x1008, 0xE30F0FFC, 4)
	rec = &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmMovwAbsNC,
		Addr: 0x1008, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, solist)
	if got := word(t, owner, 0x1008); got != 0xE3050674 {
		t.Errorf("MOVW addend: got 0x%08x, expected 0xe3050674", got)
	}
}

func TestThumbCall(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0, 0, 4)
	defFunc(def, "f", 0x2005) // Thumb function
	// BL #0, stored as two little-endian halfwords: f0 00, d0 00.
	owner.Mem.PutWord(0x1000, 0xD000F000, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmThmCall,
		Addr: 0x1000, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// offset 0x1005: imm10 = 1, imm11 = 2, S = 0, J1 = J2 = 1
	if got := word(t, owner, 0x1000); got != 0xF802F001 {
		t.Errorf("THM_CALL: got 0x%08x, expected 0xf802f001", got)
	}
}

func TestThumbCallImplicitAddend(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0, 0, 4)
	defFunc(def, "f", 0x2001)
	// BL with an encoded offset of -4: raw halves ff f7 fe ff.
	owner.Mem.PutWord(0x1000, 0xFFFEF7FF, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmThmCall,
		Addr: 0x1000, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// ((0x2001 - 4) | 1) - 0x1000 = 0xffd
	if got := word(t, owner, 0x1000); got != 0xFFFEF000 {
		t.Errorf("THM_CALL implicit: got 0x%08x, expected 0xfffef000", got)
	}
}

func TestThumbCallOutOfRange(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0x2000000, 0, 4)
	defFunc(def, "f", 1)
	owner.Mem.PutWord(0x1000, 0xD000F000, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmThmCall,
		Addr: 0x1000, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	var res image.Resolver
	if !rec.Resolve(&res, []*image.Object{owner, def}) {
		t.Fatal("Resolve: did not resolve")
	}
	_, err := rec.Apply()
	var re *reloc.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("Apply: got %v, expected a RangeError", err)
	}
	// A hard failure leaves the instruction untouched.
	if got := word(t, owner, 0x1000); got != 0xD000F000 {
		t.Errorf("memory modified on error: got 0x%08x", got)
	}
}

func TestThumbMovwMovt(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0x12340000, 0, 4)
	def.AddSymbol(&image.Symbol{Name: "d", Value: 0x8765, Kind: image.SymObject})
	solist := []*image.Object{owner, def}

	owner.Mem.PutWord(0x1000, 0x0000F240, 4) // MOVW w0, #0 (T3)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmThmMovwAbsNC,
		Addr: 0x1000, Ref: image.Ref{Name: "d"},
	}
	apply(t, rec, solist)
	if got := word(t, owner, 0x1000); got != 0x7065F248 {
		t.Errorf("THM_MOVW: got 0x%08x, expected 0x7065f248", got)
	}

	owner.Mem.PutWord(0x1004, 0x0000F2C0, 4) // MOVT
	rec = &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmThmMovtAbs,
		Addr: 0x1004, Ref: image.Ref{Name: "d"},
	}
	apply(t, rec, solist)
	if got := word(t, owner, 0x1004); got != 0x2034F2C1 {
		t.Errorf("THM_MOVT: got 0x%08x, expected 0x2034f2c1", got)
	}
}

func TestThumbMovwEncodedAddend(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 4)
	def := testObject("b.so", 0, 0x12340000, 0, 4)
	def.AddSymbol(&image.Symbol{Name: "d", Value: 0x8765, Kind: image.SymObject})
	// MOVW with all four immediate fields populated: imm16 = 0xfffc (-4),
	// so the decoded addend must survive the scatter round-trip bit-exact.
	owner.Mem.PutWord(0x1000, 0x70FCF64F, 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.ARM, Kind: reloc.ArmThmMovwAbsNC,
		Addr: 0x1000, Ref: image.Ref{Name: "d"},
	}
	solist := []*image.Object{owner, def}
	apply(t, rec, solist)
	// (0x12348765 - 4) & 0xffff = 0x8761
	if got := word(t, owner, 0x1000); got != 0x7061F248 {
		t.Errorf("THM_MOVW addend: got 0x%08x, expected 0x7061f248", got)
	}
	// Re-applying decodes the memoized pre-patch word, not the patched one.
	apply(t, rec, solist)
	if got := word(t, owner, 0x1000); got != 0x7061F248 {
		t.Errorf("THM_MOVW re-apply: got 0x%08x, expected 0x7061f248", got)
	}
}
