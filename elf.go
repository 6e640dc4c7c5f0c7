package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"path/filepath"

	"github.com/pkg/errors"

	"moria.us/relo/image"
	"moria.us/relo/reloc"
)

// readELF loads an ARM or AArch64 ELF object: it maps the PT_LOAD segments
// into a backing image, registers the symbol tables, and turns the
// SHT_REL/SHT_RELA sections into relocation records.
func readELF(name string, base uint64) (*image.Object, []*reloc.Relocation, error) {
	f, err := elf.Open(name)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var arch reloc.Arch
	var ptrSize int
	switch {
	case f.Machine == elf.EM_ARM && f.Class == elf.ELFCLASS32:
		arch, ptrSize = reloc.ARM, 4
	case f.Machine == elf.EM_AARCH64 && f.Class == elf.ELFCLASS64:
		arch, ptrSize = reloc.AArch64, 8
	default:
		return nil, nil, errors.Errorf("ELF has machine %s class %s, which is unsupported", f.Machine, f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, nil, errors.Errorf("ELF has data %s, expected %s", f.Data, elf.ELFDATA2LSB)
	}

	// Map the loadable segments into one contiguous backing image.
	lo, hi, found := uint64(0), uint64(0), false
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < lo {
			lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; !found || end > hi {
			hi = end
		}
		found = true
	}
	if !found {
		return nil, nil, errors.New("no loadable segments")
	}
	linkedBase := uint64(0)
	if f.Type == elf.ET_EXEC {
		linkedBase = lo
	}
	data := make([]byte, hi-lo)
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if _, err := p.ReadAt(data[p.Vaddr-lo:p.Vaddr-lo+p.Filesz], 0); err != nil {
			return nil, nil, errors.Wrapf(err, "segment %d", i)
		}
	}

	mapped := base
	if mapped == 0 {
		mapped = linkedBase
	}
	obj := &image.Object{
		Name:       filepath.Base(name),
		Provides:   filepath.Base(name),
		LinkedBase: linkedBase,
		MappedBase: mapped,
		PtrSize:    ptrSize,
		Mem:        image.NewMemory(lo-linkedBase, data),
	}

	for _, p := range f.Progs {
		if p.Type == elf.PT_TLS {
			obj.TLSUsed = true
			obj.TLSDataStart = obj.RVAFromLinked(p.Vaddr)
			obj.TLSDataSize = p.Filesz
			obj.TLSBlockSize = p.Memsz
			// TLSBlockOffset stays zero: placing the block relative to the
			// thread pointer is the thread manager's job, not the reader's.
		}
	}

	dynsyms, _ := f.DynamicSymbols()
	syms, _ := f.Symbols()
	for _, list := range [][]elf.Symbol{dynsyms, syms} {
		for _, es := range list {
			if es.Name == "" {
				continue
			}
			obj.AddSymbol(elfSymbol(es, linkedBase))
		}
	}

	var got image.GOTAllocator
	if g := f.Section(".got"); g != nil {
		got = &image.SimpleGOT{
			Owner: obj,
			Next:  obj.RVAFromLinked(g.Addr),
			Limit: obj.RVAFromLinked(g.Addr + g.Size),
		}
	}

	var recs []*reloc.Relocation
	for i, sec := range f.Sections {
		if sec.Type != elf.SHT_REL && sec.Type != elf.SHT_RELA {
			continue
		}
		symtab := dynsyms
		if int(sec.Link) < len(f.Sections) && f.Sections[sec.Link].Name == ".symtab" {
			symtab = syms
		}
		raw, err := sec.Data()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "section %d %q", i, sec.Name)
		}
		batch, err := readRelocationSection(obj, arch, sec.Type, raw, symtab, got)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "section %d %q", i, sec.Name)
		}
		recs = append(recs, batch...)
	}
	return obj, recs, nil
}

// elfSymbol converts one ELF symbol table entry. TLS symbols carry their
// block offset in the value field rather than an address.
func elfSymbol(es elf.Symbol, linkedBase uint64) *image.Symbol {
	s := &image.Symbol{
		Name:   es.Name,
		Size:   es.Size,
		Weak:   elf.ST_BIND(es.Info) == elf.STB_WEAK,
		Import: es.Section == elf.SHN_UNDEF,
	}
	s.Export = !s.Import
	switch elf.ST_TYPE(es.Info) {
	case elf.STT_FUNC:
		s.Kind = image.SymFunc
	case elf.STT_OBJECT:
		s.Kind = image.SymObject
	case elf.STT_TLS:
		s.Kind = image.SymTLS
	}
	if s.Kind == image.SymTLS {
		s.TLSOffset = es.Value
	} else if !s.Import {
		s.Value = es.Value - linkedBase
	}
	return s
}

// readRelocationSection decodes the raw entries of one REL or RELA section
// into relocation records. Entries whose target falls outside the mapped
// image (a discarded segment) are skipped, as are types the engine has no
// handler for.
func readRelocationSection(obj *image.Object, arch reloc.Arch, st elf.SectionType, raw []byte, symtab []elf.Symbol, got image.GOTAllocator) ([]*reloc.Relocation, error) {
	type entry struct {
		off       uint64
		typ       uint32
		sym       uint32
		addend    int64
		hasAddend bool
	}
	var entries []entry
	r := bytes.NewReader(raw)
	switch {
	case arch == reloc.ARM && st == elf.SHT_REL:
		if len(raw)%8 != 0 {
			return nil, errors.New("REL section length is not a multiple of 8")
		}
		for r.Len() > 0 {
			var rel elf.Rel32
			if err := binary.Read(r, binary.LittleEndian, &rel); err != nil {
				return nil, errors.Wrap(err, "REL entry")
			}
			entries = append(entries, entry{uint64(rel.Off), elf.R_TYPE32(rel.Info), elf.R_SYM32(rel.Info), 0, false})
		}
	case arch == reloc.ARM && st == elf.SHT_RELA:
		if len(raw)%12 != 0 {
			return nil, errors.New("RELA section length is not a multiple of 12")
		}
		for r.Len() > 0 {
			var rel elf.Rela32
			if err := binary.Read(r, binary.LittleEndian, &rel); err != nil {
				return nil, errors.Wrap(err, "RELA entry")
			}
			entries = append(entries, entry{uint64(rel.Off), elf.R_TYPE32(rel.Info), elf.R_SYM32(rel.Info), int64(rel.Addend), true})
		}
	case arch == reloc.AArch64 && st == elf.SHT_RELA:
		if len(raw)%24 != 0 {
			return nil, errors.New("RELA section length is not a multiple of 24")
		}
		for r.Len() > 0 {
			var rel elf.Rela64
			if err := binary.Read(r, binary.LittleEndian, &rel); err != nil {
				return nil, errors.Wrap(err, "RELA entry")
			}
			entries = append(entries, entry{rel.Off, elf.R_TYPE64(rel.Info), elf.R_SYM64(rel.Info), rel.Addend, true})
		}
	default:
		return nil, errors.Errorf("unsupported relocation section type %s for %s", st, arch)
	}

	var recs []*reloc.Relocation
	for _, e := range entries {
		rva := obj.RVAFromLinked(e.off)
		if !obj.Mem.Contains(rva, 4) {
			// The segment holding this relocation was not loaded.
			continue
		}
		var ref image.Ref
		if e.sym != 0 {
			if int(e.sym) > len(symtab) {
				return nil, errors.Errorf("symbol reference %d out of bounds", e.sym)
			}
			ref.Name = symtab[e.sym-1].Name
		}
		rec, ok := reloc.New(obj, arch, e.typ, rva, e.addend, e.hasAddend, ref)
		if !ok {
			continue
		}
		rec.GOT = got
		recs = append(recs, rec)
	}
	return recs, nil
}
