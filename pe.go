package main

import (
	"debug/pe"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"moria.us/relo/image"
	"moria.us/relo/reloc"
)

var log = logrus.WithField("component", "load")

// Data directory slots in the PE optional header.
const (
	peDirExport    = 0
	peDirImport    = 1
	peDirBaseReloc = 5
	peDirTLS       = 9
)

// readPE loads a PE image: headers and sections are mapped at their virtual
// addresses, the export table becomes symbols, and the import and
// base-relocation directories become relocation records.
func readPE(name string, base uint64) (*image.Object, []*reloc.Relocation, error) {
	f, err := pe.Open(name)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var arch reloc.Arch
	var ptrSize int
	var imageBase, sizeOfImage, sizeOfHeaders uint64
	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		arch, ptrSize = reloc.PE32, 4
		imageBase = uint64(oh.ImageBase)
		sizeOfImage = uint64(oh.SizeOfImage)
		sizeOfHeaders = uint64(oh.SizeOfHeaders)
		dirs = oh.DataDirectory[:]
	case *pe.OptionalHeader64:
		arch, ptrSize = reloc.PE64, 8
		imageBase = oh.ImageBase
		sizeOfImage = uint64(oh.SizeOfImage)
		sizeOfHeaders = uint64(oh.SizeOfHeaders)
		dirs = oh.DataDirectory[:]
	default:
		return nil, nil, errors.New("PE file has no optional header")
	}

	// Map headers and sections at their virtual addresses.
	data := make([]byte, sizeOfImage)
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, nil, err
	}
	if sizeOfHeaders > uint64(len(raw)) {
		sizeOfHeaders = uint64(len(raw))
	}
	copy(data, raw[:sizeOfHeaders])
	for _, sec := range f.Sections {
		sd, err := sec.Data()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "section %q", sec.Name)
		}
		if uint64(sec.VirtualAddress) >= sizeOfImage {
			continue
		}
		n := uint64(len(sd))
		if max := sizeOfImage - uint64(sec.VirtualAddress); n > max {
			n = max
		}
		if vs := uint64(sec.VirtualSize); vs != 0 && n > vs {
			n = vs
		}
		copy(data[sec.VirtualAddress:], sd[:n])
	}

	mapped := base
	if mapped == 0 {
		mapped = imageBase
	}
	obj := &image.Object{
		Name:       filepath.Base(name),
		Provides:   filepath.Base(name),
		LinkedBase: imageBase,
		MappedBase: mapped,
		PtrSize:    ptrSize,
		Mem:        image.NewMemory(0, data),
	}

	if err := readPEExports(obj, dirs); err != nil {
		return nil, nil, err
	}
	if err := readPETLS(obj, dirs, ptrSize); err != nil {
		return nil, nil, err
	}
	recs, err := readPEImports(obj, dirs, ptrSize)
	if err != nil {
		return nil, nil, err
	}
	baserecs := readBaseRelocs(obj, arch, dirs)
	return obj, append(recs, baserecs...), nil
}

// peDirectory returns the RVA and size of a data directory slot, or false
// when the image has no such directory.
func peDirectory(dirs []pe.DataDirectory, slot int) (uint64, uint64, bool) {
	if slot >= len(dirs) || dirs[slot].VirtualAddress == 0 || dirs[slot].Size == 0 {
		return 0, 0, false
	}
	return uint64(dirs[slot].VirtualAddress), uint64(dirs[slot].Size), true
}

// cstring reads a NUL-terminated string out of the mapped image.
func cstring(m *image.Memory, rva uint64) (string, error) {
	var b []byte
	for {
		c, err := m.Word(rva+uint64(len(b)), 1)
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(b), nil
		}
		b = append(b, byte(c))
	}
}

// readBaseRelocs walks the base-relocation directory. Blocks are a page RVA
// and byte size followed by packed 2-byte entries, type tag in the high four
// bits. A truncated or corrupt block ends the walk with a warning rather
// than an error; everything decoded so far is kept.
func readBaseRelocs(obj *image.Object, arch reloc.Arch, dirs []pe.DataDirectory) []*reloc.Relocation {
	dirRVA, dirSize, ok := peDirectory(dirs, peDirBaseReloc)
	if !ok {
		return nil
	}
	var recs []*reloc.Relocation
	pos := dirRVA
	end := dirRVA + dirSize
	for pos+8 <= end {
		pageRVA, err1 := obj.Mem.Word(pos, 4)
		blockSize, err2 := obj.Mem.Word(pos+4, 4)
		if err1 != nil || err2 != nil || blockSize < 8 || pos+blockSize > end {
			log.Warnf("%s: base relocation directory truncated at 0x%x", obj.Name, pos)
			break
		}
		entries := (blockSize - 8) / 2
		for i := uint64(0); i < entries; i++ {
			e, err := obj.Mem.Word(pos+8+2*i, 2)
			if err != nil {
				log.Warnf("%s: base relocation block at 0x%x truncated", obj.Name, pos)
				break
			}
			typ := uint32(e >> 12)
			target := pageRVA + e&0xFFF
			rec, ok := reloc.New(obj, arch, typ, target, 0, false, image.Ref{})
			if !ok {
				continue
			}
			if rec.Kind == reloc.PEHighAdj {
				// The adjustment rides in a companion entry.
				if i+1 >= entries {
					log.Warnf("%s: HIGHADJ at 0x%x has no companion entry", obj.Name, target)
					continue
				}
				adj, err := obj.Mem.Word(pos+8+2*(i+1), 2)
				if err != nil {
					break
				}
				i++
				rec.AdjustRVA = adj
			}
			recs = append(recs, rec)
		}
		pos += blockSize
	}
	return recs
}

// readPEImports decodes the import directory into PEImport records, one per
// thunk slot. Each record resolves against the named DLL only and writes the
// resolved address over the slot.
func readPEImports(obj *image.Object, dirs []pe.DataDirectory, ptrSize int) ([]*reloc.Relocation, error) {
	dirRVA, _, ok := peDirectory(dirs, peDirImport)
	if !ok {
		return nil, nil
	}
	ordinalFlag := uint64(0x80000000)
	arch := reloc.PE32
	if ptrSize == 8 {
		ordinalFlag = 0x8000000000000000
		arch = reloc.PE64
	}
	var recs []*reloc.Relocation
	for desc := dirRVA; ; desc += 20 {
		origFirst, err := obj.Mem.Word(desc, 4)
		if err != nil {
			return nil, errors.Wrap(err, "import directory")
		}
		nameRVA, _ := obj.Mem.Word(desc+12, 4)
		first, _ := obj.Mem.Word(desc+16, 4)
		if origFirst == 0 && nameRVA == 0 && first == 0 {
			break
		}
		dll, err := cstring(obj.Mem, nameRVA)
		if err != nil {
			return nil, errors.Wrap(err, "import descriptor name")
		}
		obj.Deps = append(obj.Deps, dll)
		// The lookup table names the imports; the thunk table is what
		// gets patched. Older linkers leave the lookup table empty.
		lookups := origFirst
		if lookups == 0 {
			lookups = first
		}
		for i := uint64(0); ; i++ {
			thunk, err := obj.Mem.Word(lookups+i*uint64(ptrSize), ptrSize)
			if err != nil {
				return nil, errors.Wrapf(err, "import thunks for %s", dll)
			}
			if thunk == 0 {
				break
			}
			ref := image.Ref{ResolveWith: dll}
			if thunk&ordinalFlag != 0 {
				ref.Ordinal = int(thunk & 0xFFFF)
			} else {
				name, err := cstring(obj.Mem, thunk+2)
				if err != nil {
					return nil, errors.Wrapf(err, "import name for %s", dll)
				}
				ref.Name = name
			}
			recs = append(recs, &reloc.Relocation{
				Owner: obj,
				Arch:  arch,
				Kind:  reloc.PEImport,
				Addr:  first + i*uint64(ptrSize),
				Ref:   ref,
			})
		}
	}
	return recs, nil
}

// readPEExports reads the export directory into symbols. A function RVA that
// points back inside the export directory is a forwarder string, not code.
func readPEExports(obj *image.Object, dirs []pe.DataDirectory) error {
	dirRVA, dirSize, ok := peDirectory(dirs, peDirExport)
	if !ok {
		return nil
	}
	ordBase, _ := obj.Mem.Word(dirRVA+16, 4)
	numFuncs, _ := obj.Mem.Word(dirRVA+20, 4)
	numNames, _ := obj.Mem.Word(dirRVA+24, 4)
	funcsRVA, _ := obj.Mem.Word(dirRVA+28, 4)
	namesRVA, _ := obj.Mem.Word(dirRVA+32, 4)
	ordsRVA, _ := obj.Mem.Word(dirRVA+36, 4)

	// Names cover a subset of the ordinal range.
	names := make(map[uint64]string, numNames)
	for i := uint64(0); i < numNames; i++ {
		nameRVA, err := obj.Mem.Word(namesRVA+4*i, 4)
		if err != nil {
			return errors.Wrap(err, "export name table")
		}
		name, err := cstring(obj.Mem, nameRVA)
		if err != nil {
			return errors.Wrap(err, "export name")
		}
		ordIdx, err := obj.Mem.Word(ordsRVA+2*i, 2)
		if err != nil {
			return errors.Wrap(err, "export ordinal table")
		}
		names[ordIdx] = name
	}
	for i := uint64(0); i < numFuncs; i++ {
		funcRVA, err := obj.Mem.Word(funcsRVA+4*i, 4)
		if err != nil {
			return errors.Wrap(err, "export address table")
		}
		if funcRVA == 0 {
			continue
		}
		s := &image.Symbol{
			Name:    names[i],
			Ordinal: int(ordBase + i),
			Kind:    image.SymFunc,
			Export:  true,
		}
		if funcRVA >= dirRVA && funcRVA < dirRVA+dirSize {
			fwd, err := cstring(obj.Mem, funcRVA)
			if err != nil {
				return errors.Wrap(err, "export forwarder")
			}
			s.Forwarder = fwd
		} else {
			s.Value = funcRVA
		}
		obj.AddSymbol(s)
	}
	return nil
}

// readPETLS fills in the thread-local block description from the TLS
// directory. The directory records linked addresses, not RVAs.
func readPETLS(obj *image.Object, dirs []pe.DataDirectory, ptrSize int) error {
	dirRVA, _, ok := peDirectory(dirs, peDirTLS)
	if !ok {
		return nil
	}
	p := uint64(ptrSize)
	start, err := obj.Mem.Word(dirRVA, ptrSize)
	if err != nil {
		return errors.Wrap(err, "TLS directory")
	}
	end, _ := obj.Mem.Word(dirRVA+p, ptrSize)
	zeroFill, _ := obj.Mem.Word(dirRVA+4*p, 4)
	if start == 0 || end < start {
		log.Warnf("%s: ignoring malformed TLS directory", obj.Name)
		return nil
	}
	obj.TLSUsed = true
	obj.TLSDataStart = obj.RVAFromLinked(start)
	obj.TLSDataSize = end - start
	obj.TLSBlockSize = obj.TLSDataSize + zeroFill
	return nil
}
