// Package image models loaded object files: their backing memory, the
// translation between the address spaces a loader deals in, and the symbols
// they define or import.
//
// Three address spaces are involved. A linked address is what the file
// records statically. A relative address (RVA) is an offset from the image
// base and is independent of where the object ends up. A mapped address is
// the final runtime address after the loader has chosen a load bias.
package image

// An Object is one loaded object file: a backing image plus the bases needed
// to translate between its address spaces.
type Object struct {
	Name       string
	LinkedBase uint64 // image base recorded in the file
	MappedBase uint64 // image base chosen by the loader
	PtrSize    int    // pointer width in bytes, 4 or 8
	Mem        *Memory

	Deps     []string // names of objects this one imports from
	Provides string   // name this object is known by to its importers

	// Thread-local storage block description, valid when TLSUsed is set.
	// TLSModuleID is assigned by a TLSRegistry at load time.
	TLSUsed        bool
	TLSModuleID    int
	TLSBlockOffset uint64 // offset of this object's block from the thread pointer
	TLSDataStart   uint64 // RVA of the initialization data
	TLSDataSize    uint64 // initialized byte count
	TLSBlockSize   uint64 // full block size including zero fill

	symbols  map[string]*Symbol
	ordinals map[int]*Symbol
}

// LoadBias returns the difference between where the object was mapped and
// where it was linked to run.
func (o *Object) LoadBias() uint64 {
	return o.MappedBase - o.LinkedBase
}

// MappedFromRVA converts a relative address to a mapped address.
func (o *Object) MappedFromRVA(rva uint64) uint64 {
	return o.MappedBase + rva
}

// RVAFromMapped converts a mapped address back to a relative address.
func (o *Object) RVAFromMapped(addr uint64) uint64 {
	return addr - o.MappedBase
}

// MappedFromLinked rebases a linked address to its mapped address.
func (o *Object) MappedFromLinked(lva uint64) uint64 {
	return lva + o.LoadBias()
}

// RVAFromLinked converts a linked address to a relative address.
func (o *Object) RVAFromLinked(lva uint64) uint64 {
	return lva - o.LinkedBase
}

// AddSymbol records a symbol as owned by this object. Symbols with a name
// are indexed by name; exported symbols with an ordinal are also indexed by
// ordinal.
func (o *Object) AddSymbol(s *Symbol) {
	s.Owner = o
	if s.Name != "" {
		if o.symbols == nil {
			o.symbols = make(map[string]*Symbol)
		}
		o.symbols[s.Name] = s
	}
	if s.Ordinal != 0 {
		if o.ordinals == nil {
			o.ordinals = make(map[int]*Symbol)
		}
		o.ordinals[s.Ordinal] = s
	}
}

// Symbol returns the named symbol, or nil.
func (o *Object) Symbol(name string) *Symbol {
	return o.symbols[name]
}

// Ordinal returns the symbol exported under the given ordinal, or nil.
func (o *Object) Ordinal(n int) *Symbol {
	return o.ordinals[n]
}
