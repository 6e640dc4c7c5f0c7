package reloc_test

import (
	"testing"

	"moria.us/relo/image"
	"moria.us/relo/reloc"
)

func TestA64Abs64(t *testing.T) {
	owner := testObject("a.so", 0, 0x10000, 32, 8)
	def := testObject("b.so", 0, 0x20000, 0, 8)
	defFunc(def, "f", 4)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64Abs64,
		Addr: 8, Addend: 8, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	got, err := owner.Mem.Word(8, 8)
	if err != nil {
		t.Fatal("Word:", err)
	}
	if got != 0x2000c {
		t.Errorf("ABS64: got 0x%x, expected 0x2000c", got)
	}
}

func TestA64Prel32(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 8)
	def := testObject("b.so", 0, 0, 0, 8)
	defFunc(def, "f", 0x2000)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64Prel32,
		Addr: 0x10, Addend: -0x10, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// Only 4 bytes are written.
	if got := word(t, owner, 0x10); got != 0x1FE0 {
		t.Errorf("PREL32: got 0x%x, expected 0x1fe0", got)
	}
	if got := word(t, owner, 0x14); got != 0 {
		t.Errorf("PREL32 spilled into the next word: 0x%x", got)
	}
}

func TestA64Call26(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 8)
	def := testObject("b.so", 0, 0, 0, 8)
	defFunc(def, "f", 0x2000)
	owner.Mem.PutWord(0x1000, 0x94000000, 4) // BL #0
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64Call26,
		Addr: 0x1000, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	if got := word(t, owner, 0x1000); got != 0x94000400 {
		t.Errorf("CALL26: got 0x%08x, expected 0x94000400", got)
	}
}

func TestA64Jump26Backward(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 8)
	def := testObject("b.so", 0, 0, 0, 8)
	defFunc(def, "f", 0x800)
	owner.Mem.PutWord(0x1000, 0x14000000, 4) // B #0
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64Jump26,
		Addr: 0x1000, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// -0x800 bytes is imm26 = 0x3fffe00
	if got := word(t, owner, 0x1000); got != 0x17FFFE00 {
		t.Errorf("JUMP26: got 0x%08x, expected 0x17fffe00", got)
	}
}

func TestA64AdrPage21(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 8)
	def := testObject("b.so", 0, 0, 0, 8)
	defFunc(def, "f", 0x3800)
	owner.Mem.PutWord(0x1000, 0x90000000, 4) // ADRP x0
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64AdrPage21,
		Addr: 0x1000, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// Page(0x3800) - Page(0x1000) is two pages: immlo = 2, immhi = 0.
	if got := word(t, owner, 0x1000); got != 0xD0000000 {
		t.Errorf("ADRP: got 0x%08x, expected 0xd0000000", got)
	}

	defFunc(def, "g", 0x405000)
	owner.Mem.PutWord(0x1004, 0x90000000, 4)
	rec = &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64AdrPage21,
		Addr: 0x1004, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "g"},
	}
	apply(t, rec, []*image.Object{owner, def})
	// 0x404 pages: immlo = 0, immhi = 0x101.
	if got := word(t, owner, 0x1004); got != 0x90002020 {
		t.Errorf("ADRP far: got 0x%08x, expected 0x90002020", got)
	}
}

func TestA64Lo12(t *testing.T) {
	owner := testObject("a.so", 0, 0, 0x2000, 8)
	def := testObject("b.so", 0, 0, 0, 8)
	defFunc(def, "f", 0x3238)
	solist := []*image.Object{owner, def}

	owner.Mem.PutWord(0x1000, 0x91000000, 4) // ADD x0, x0, #0
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64AddLo12,
		Addr: 0x1000, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, solist)
	if got := word(t, owner, 0x1000); got != 0x9108E000 {
		t.Errorf("ADD_LO12: got 0x%08x, expected 0x9108e000", got)
	}

	// 32-bit load: the low 12 bits scale by the access size.
	owner.Mem.PutWord(0x1004, 0xB9400000, 4) // LDR w0, [x0]
	rec = &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64Ldst32Lo12,
		Addr: 0x1004, Addend: 0, HasAddend: true, Ref: image.Ref{Name: "f"},
	}
	apply(t, rec, solist)
	if got := word(t, owner, 0x1004); got != 0xB9423800 {
		t.Errorf("LDST32_LO12: got 0x%08x, expected 0xb9423800", got)
	}
}

func TestA64TLSDesc(t *testing.T) {
	owner := testObject("a.so", 0, 0x10000, 32, 8)
	def := testObject("b.so", 0, 0x20000, 0, 8)
	def.TLSUsed = true
	def.AddSymbol(&image.Symbol{Name: "tv", Kind: image.SymTLS, TLSOffset: 0x10})
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64TLSDesc,
		Addr: 8, Addend: 4, HasAddend: true, Ref: image.Ref{Name: "tv"},
	}
	apply(t, rec, []*image.Object{owner, def})
	resolver, _ := owner.Mem.Word(8, 8)
	off, _ := owner.Mem.Word(16, 8)
	if resolver != 0xFFFF_FFFF_FFFF_FE00 {
		t.Errorf("TLSDESC resolver: got 0x%x", resolver)
	}
	if off != 0x14 {
		t.Errorf("TLSDESC offset: got 0x%x, expected 0x14", off)
	}
}

func TestA64TLSDescNoSymbol(t *testing.T) {
	owner := testObject("a.so", 0, 0x10000, 32, 8)
	rec := &reloc.Relocation{
		Owner: owner, Arch: reloc.AArch64, Kind: reloc.A64TLSDesc,
		Addr: 8, Addend: 8, HasAddend: true,
	}
	apply(t, rec, []*image.Object{owner})
	off, _ := owner.Mem.Word(16, 8)
	if off != 8 {
		t.Errorf("TLSDESC offset: got 0x%x, expected 0x8", off)
	}
}
