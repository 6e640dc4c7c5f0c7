package main

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"moria.us/relo/image"
	"moria.us/relo/reloc"
)

// A session owns the state of one load pass: the objects loaded so far, in
// load order, and the relocation records built for them. Parsed objects are
// cached per session rather than process-wide, so independent loads never
// share mutable state.
type session struct {
	objects []*image.Object
	records []*reloc.Relocation
	cache   map[string]*image.Object
	tls     image.TLSRegistry
	res     image.Resolver
}

func newSession() *session {
	return &session{cache: make(map[string]*image.Object)}
}

// load parses the named file, mapping it at base (0 keeps the linked base),
// and queues its relocation records. A path loaded earlier in the session
// is reused as-is.
func (s *session) load(name string, base uint64) (*image.Object, error) {
	if obj, ok := s.cache[name]; ok {
		return obj, nil
	}
	magic, err := readMagic(name)
	if err != nil {
		return nil, err
	}
	var obj *image.Object
	var recs []*reloc.Relocation
	switch {
	case magic == elfMagic:
		obj, recs, err = readELF(name, base)
	case magic&0xFFFF == mzMagic:
		obj, recs, err = readPE(name, base)
	default:
		err = errors.Errorf("unrecognized file magic 0x%08x", magic)
	}
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if _, err := s.tls.Register(obj); err != nil {
		return nil, errors.Wrap(err, name)
	}
	s.cache[name] = obj
	s.objects = append(s.objects, obj)
	s.records = append(s.records, recs...)
	return obj, nil
}

const (
	elfMagic = 0x464c457f // "\x7fELF", little endian
	mzMagic  = 0x5a4d     // "MZ"
)

func readMagic(name string) (uint32, error) {
	fp, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer fp.Close()
	var b [4]byte
	if _, err := io.ReadFull(fp, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
