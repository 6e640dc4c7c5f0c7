package image

import (
	"encoding/binary"
	"fmt"
)

// A Memory is an RVA-addressed backing store for a loaded object. Accesses
// are byte-range exact: a load or store that runs past the backed region is
// an error, never a short or zero-filled transfer.
type Memory struct {
	base uint64 // RVA of the first backed byte
	data []byte
}

// NewMemory returns a Memory backed by data, whose first byte sits at the
// given RVA. The slice is owned by the Memory afterwards.
func NewMemory(base uint64, data []byte) *Memory {
	return &Memory{base: base, data: data}
}

// Size returns the number of backed bytes.
func (m *Memory) Size() int {
	return len(m.data)
}

// Contains reports whether the n bytes at rva are backed.
func (m *Memory) Contains(rva uint64, n int) bool {
	return rva >= m.base && rva-m.base+uint64(n) <= uint64(len(m.data))
}

func (m *Memory) slice(rva uint64, n int) ([]byte, error) {
	off := rva - m.base
	if rva < m.base || off+uint64(n) > uint64(len(m.data)) {
		return nil, fmt.Errorf("memory access [0x%x, 0x%x) outside backed range [0x%x, 0x%x)",
			rva, rva+uint64(n), m.base, m.base+uint64(len(m.data)))
	}
	return m.data[off : off+uint64(n)], nil
}

// Load returns a copy of n bytes starting at the given RVA.
func (m *Memory) Load(rva uint64, n int) ([]byte, error) {
	s, err := m.slice(rva, n)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, s)
	return b, nil
}

// Store writes b at the given RVA.
func (m *Memory) Store(rva uint64, b []byte) error {
	s, err := m.slice(rva, len(b))
	if err != nil {
		return err
	}
	copy(s, b)
	return nil
}

// Word loads a little-endian integer of the given byte width (1, 2, 4 or 8).
func (m *Memory) Word(rva uint64, size int) (uint64, error) {
	s, err := m.slice(rva, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(s[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(s)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(s)), nil
	case 8:
		return binary.LittleEndian.Uint64(s), nil
	}
	return 0, fmt.Errorf("unsupported word size %d", size)
}

// PutWord stores a little-endian integer of the given byte width.
func (m *Memory) PutWord(rva uint64, v uint64, size int) error {
	s, err := m.slice(rva, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		s[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(s, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(s, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(s, v)
	default:
		return fmt.Errorf("unsupported word size %d", size)
	}
	return nil
}
