package reloc

import "moria.us/relo/image"

// An Arch identifies the relocation dialect a record belongs to.
type Arch int

const (
	ARM     Arch = iota + 1 // 32-bit ARM and Thumb
	AArch64                 // 64-bit ARM
	PE32                    // PE base relocations, 32-bit image
	PE64                    // PE base relocations, 64-bit image
)

func (a Arch) String() string {
	switch a {
	case ARM:
		return "arm"
	case AArch64:
		return "aarch64"
	case PE32:
		return "pe32"
	case PE64:
		return "pe64"
	}
	return "unknown"
}

// wordSize is the width of an implicit addend for the architecture.
func (a Arch) wordSize() int {
	switch a {
	case AArch64, PE64:
		return 8
	}
	return 4
}

// A Kind is one concrete relocation type. Each kind pairs a value formula
// with the bit layout it is patched through.
type Kind int

const (
	Invalid Kind = iota

	// 32-bit ARM and Thumb.
	ArmAbs32        // (S + A) | T, full word
	ArmRel32        // ((S + A) | T) - P, full word
	ArmCall         // ((S + (A<<2)) | T) - P, imm24; also covers PC24 and JUMP24
	ArmPrel31       // ((S + A) | T) - P, 31-bit field
	ArmMovwAbsNC    // (S + A) | T, low half, split 4+12 immediate
	ArmMovtAbs      // S + A, high half, split 4+12 immediate
	ArmThmCall      // ((S + A) | T) - P, Thumb-2 BL/BLX; also covers THM_JUMP24/19/6
	ArmThmMovwAbsNC // (S + A) | T, low half, 4-field Thumb immediate
	ArmThmMovtAbs   // S + A, high half, 4-field Thumb immediate
	ArmCopy
	ArmGlobDat
	ArmJumpSlot
	ArmRelative
	ArmAbs32NOI // S + A without the Thumb bit
	ArmRel32NOI // S + A - P without the Thumb bit
	ArmTLSDTPMod32
	ArmTLSDTPOff32
	ArmTLSTPOff32
	ArmGotPrel // GOT(S) + A - P, truncated to 32 bits

	// AArch64.
	A64Abs64
	A64Prel32
	A64Copy
	A64GlobDat
	A64JumpSlot
	A64Relative
	A64IRelative
	A64TLSDTPMod
	A64TLSDTPRel
	A64TLSTPRel
	A64TLSDesc
	A64Jump26    // S + A - P, imm26
	A64Call26    // S + A - P, imm26
	A64AdrPage21 // Page(S + A) - Page(P), immlo/immhi split
	A64AddLo12
	A64Ldst8Lo12
	A64Ldst16Lo12
	A64Ldst32Lo12
	A64Ldst64Lo12
	A64Ldst128Lo12

	// PE base relocations and import fixups.
	PEAbsolute // type 0, accepted and ignored
	PEHigh
	PELow
	PEHighLow
	PEHighAdj // paired with a companion directory entry
	PEDir64
	PEImport // import-table fixup, resolved address written verbatim
)

var kindNames = map[Kind]string{
	ArmAbs32:        "R_ARM_ABS32",
	ArmRel32:        "R_ARM_REL32",
	ArmCall:         "R_ARM_CALL",
	ArmPrel31:       "R_ARM_PREL31",
	ArmMovwAbsNC:    "R_ARM_MOVW_ABS_NC",
	ArmMovtAbs:      "R_ARM_MOVT_ABS",
	ArmThmCall:      "R_ARM_THM_CALL",
	ArmThmMovwAbsNC: "R_ARM_THM_MOVW_ABS_NC",
	ArmThmMovtAbs:   "R_ARM_THM_MOVT_ABS",
	ArmCopy:         "R_ARM_COPY",
	ArmGlobDat:      "R_ARM_GLOB_DAT",
	ArmJumpSlot:     "R_ARM_JUMP_SLOT",
	ArmRelative:     "R_ARM_RELATIVE",
	ArmAbs32NOI:     "R_ARM_ABS32_NOI",
	ArmRel32NOI:     "R_ARM_REL32_NOI",
	ArmTLSDTPMod32:  "R_ARM_TLS_DTPMOD32",
	ArmTLSDTPOff32:  "R_ARM_TLS_DTPOFF32",
	ArmTLSTPOff32:   "R_ARM_TLS_TPOFF32",
	ArmGotPrel:      "R_ARM_GOT_PREL",
	A64Abs64:        "R_AARCH64_ABS64",
	A64Prel32:       "R_AARCH64_PREL32",
	A64Copy:         "R_AARCH64_COPY",
	A64GlobDat:      "R_AARCH64_GLOB_DAT",
	A64JumpSlot:     "R_AARCH64_JUMP_SLOT",
	A64Relative:     "R_AARCH64_RELATIVE",
	A64IRelative:    "R_AARCH64_IRELATIVE",
	A64TLSDTPMod:    "R_AARCH64_TLS_DTPMOD",
	A64TLSDTPRel:    "R_AARCH64_TLS_DTPREL",
	A64TLSTPRel:     "R_AARCH64_TLS_TPREL",
	A64TLSDesc:      "R_AARCH64_TLSDESC",
	A64Jump26:       "R_AARCH64_JUMP26",
	A64Call26:       "R_AARCH64_CALL26",
	A64AdrPage21:    "R_AARCH64_ADR_PREL_PG_HI21",
	A64AddLo12:      "R_AARCH64_ADD_ABS_LO12_NC",
	A64Ldst8Lo12:    "R_AARCH64_LDST8_ABS_LO12_NC",
	A64Ldst16Lo12:   "R_AARCH64_LDST16_ABS_LO12_NC",
	A64Ldst32Lo12:   "R_AARCH64_LDST32_ABS_LO12_NC",
	A64Ldst64Lo12:   "R_AARCH64_LDST64_ABS_LO12_NC",
	A64Ldst128Lo12:  "R_AARCH64_LDST128_ABS_LO12_NC",
	PEAbsolute:      "IMAGE_REL_BASED_ABSOLUTE",
	PEHigh:          "IMAGE_REL_BASED_HIGH",
	PELow:           "IMAGE_REL_BASED_LOW",
	PEHighLow:       "IMAGE_REL_BASED_HIGHLOW",
	PEHighAdj:       "IMAGE_REL_BASED_HIGHADJ",
	PEDir64:         "IMAGE_REL_BASED_DIR64",
	PEImport:        "DllImport",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "invalid"
}

// armTable maps ELF ARM relocation codes to kinds. Codes 1 (deprecated
// PC24) and 29 (JUMP24) share the CALL handler: a Thumb target on JUMP24
// would be a linker bug, and treating it as a call is the least-wrong
// reading. Thumb codes 30, 51 and 52 reuse the Thumb call encoder; the
// encoding is approximate for those types.
var armTable = map[uint32]Kind{
	1:  ArmCall, // R_ARM_PC24
	2:  ArmAbs32,
	3:  ArmRel32,
	10: ArmThmCall,
	17: ArmTLSDTPMod32,
	18: ArmTLSDTPOff32,
	19: ArmTLSTPOff32,
	20: ArmCopy,
	21: ArmGlobDat,
	22: ArmJumpSlot,
	23: ArmRelative,
	28: ArmCall,
	29: ArmCall,    // R_ARM_JUMP24
	30: ArmThmCall, // R_ARM_THM_JUMP24, approximated
	42: ArmPrel31,
	43: ArmMovwAbsNC,
	44: ArmMovtAbs,
	47: ArmThmMovwAbsNC,
	48: ArmThmMovtAbs,
	51: ArmThmCall, // R_ARM_THM_JUMP19, approximated
	52: ArmThmCall, // R_ARM_THM_JUMP6, approximated
	55: ArmAbs32NOI,
	56: ArmRel32NOI,
	96: ArmGotPrel,
}

var aarch64Table = map[uint32]Kind{
	257:  A64Abs64,
	261:  A64Prel32,
	275:  A64AdrPage21,
	277:  A64AddLo12,
	278:  A64Ldst8Lo12,
	282:  A64Jump26,
	283:  A64Call26,
	284:  A64Ldst16Lo12,
	285:  A64Ldst32Lo12,
	286:  A64Ldst64Lo12,
	299:  A64Ldst128Lo12,
	1024: A64Copy,
	1025: A64GlobDat,
	1026: A64JumpSlot,
	1027: A64Relative,
	1028: A64TLSDTPMod,
	1029: A64TLSDTPRel,
	1030: A64TLSTPRel,
	1031: A64TLSDesc,
	1032: A64IRelative,
}

// peTable maps base-relocation type tags (the high 4 bits of a directory
// entry) to kinds. The PEImport pseudo-kind has no tag; import fixups are
// constructed directly.
var peTable = map[uint32]Kind{
	0:  PEAbsolute,
	1:  PEHigh,
	2:  PELow,
	3:  PEHighLow,
	4:  PEHighAdj,
	10: PEDir64,
}

// Lookup finds the kind handling a numeric relocation type for an
// architecture. It reports false for types the engine does not implement.
func Lookup(arch Arch, typ uint32) (Kind, bool) {
	var t map[uint32]Kind
	switch arch {
	case ARM:
		t = armTable
	case AArch64:
		t = aarch64Table
	case PE32, PE64:
		t = peTable
	default:
		return Invalid, false
	}
	k, ok := t[typ]
	return k, ok
}

// New constructs a relocation record from a decoded directory entry. It
// reports false when the type is not implemented for the architecture.
func New(owner *image.Object, arch Arch, typ uint32, addr uint64, addend int64, hasAddend bool, ref image.Ref) (*Relocation, bool) {
	k, ok := Lookup(arch, typ)
	if !ok {
		log.Debugf("%s: no handler for %s relocation type %d at 0x%x", owner.Name, arch, typ, addr)
		return nil, false
	}
	return &Relocation{
		Owner:     owner,
		Arch:      arch,
		Kind:      k,
		Addr:      addr,
		Addend:    addend,
		HasAddend: hasAddend,
		Ref:       ref,
	}, true
}
