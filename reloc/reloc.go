// Package reloc resolves and applies relocations: given a record describing
// one unresolved reference and the address its symbol resolved to, it
// computes a value and patches it into the owning object's memory, either as
// a whole word or scattered across instruction bitfields.
//
// Severities follow a fixed policy. Values that do not fit their destination
// field are logged and patched with a deterministic fallback, because
// loaders may deliberately place thunks where the static encoder cannot
// reach. Conditions with no safe fallback (a Thumb call beyond its ±2^23
// window) fail hard with a typed error and leave memory untouched. A record
// whose symbol cannot be found is not an error: it stays unapplied and is
// reported back to the caller.
package reloc

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"moria.us/relo/image"
)

var log = logrus.WithField("component", "reloc")

// A RangeError reports a computed target outside the encodable window of a
// relocation kind that has no safe fallback.
type RangeError struct {
	Kind   Kind
	Object string
	Addr   uint64 // RVA of the patch site
	Value  uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s in %s at 0x%x: target 0x%x out of range", e.Kind, e.Object, e.Addr, e.Value)
}

// A ConfigError reports a structurally invalid record, such as a RELATIVE
// relocation carrying a symbol reference.
type ConfigError struct {
	Kind   Kind
	Object string
	Addr   uint64
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s in %s at 0x%x: %s", e.Kind, e.Object, e.Addr, e.Reason)
}

// A Relocation is one unresolved reference in an object: the location to
// patch, the addend, and the symbol the patched value should point at.
type Relocation struct {
	Owner *image.Object
	Arch  Arch
	Kind  Kind
	Addr  uint64 // patch location, as an RVA within Owner

	// Addend is the explicit addend of RELA-style records. When HasAddend
	// is false the addend is implicit: the word already stored at Addr.
	Addend    int64
	HasAddend bool

	Ref        image.Ref     // the referenced symbol; zero for positional kinds
	ResolvedBy *image.Symbol // binding, set by Resolve; nil for positional kinds

	// AdjustRVA is the companion directory entry of a PEHighAdj record.
	AdjustRVA uint64

	// GOT supplies global-offset-table slots to the GOT-indirect kinds.
	GOT image.GOTAllocator

	resolved bool
	orig     *uint64 // pre-patch word at Addr, memoized so re-apply is stable
	origSize int
}

// selfResolving reports whether the kind needs no symbol binding: the
// positional kinds, the PE base-relocation kinds, and a module-ID record
// referencing its own module.
func (r *Relocation) selfResolving() bool {
	switch r.Kind {
	case ArmRelative, A64Relative, A64IRelative,
		PEAbsolute, PEHigh, PELow, PEHighLow, PEHighAdj, PEDir64:
		return true
	case ArmTLSDTPMod32, A64TLSDTPMod, A64TLSDesc:
		return r.Ref.Name == "" && r.Ref.Ordinal == 0
	}
	return false
}

// Resolved reports whether the record is ready to apply.
func (r *Relocation) Resolved() bool {
	return r.resolved
}

// Resolve binds the record's symbol reference against solist. It reports
// false when the symbol could not be found; the record is left unresolved
// and may be retried after more objects are loaded.
func (r *Relocation) Resolve(res *image.Resolver, solist []*image.Object) bool {
	if r.resolved {
		return true
	}
	if r.selfResolving() {
		r.resolved = true
		return true
	}
	ref := r.Ref
	if r.Kind == ArmThmCall {
		ref.Thumb = true
	}
	sym, ok := res.Resolve(ref, solist)
	if !ok {
		return false
	}
	r.ResolvedBy = sym
	r.resolved = true
	return true
}

// place returns P, the mapped address of the patch site.
func (r *Relocation) place() uint64 {
	return r.Owner.MappedFromRVA(r.Addr)
}

// target returns S, the mapped address of the resolved symbol.
func (r *Relocation) target() uint64 {
	return r.ResolvedBy.Mapped()
}

// origWord reads the word at the patch site, memoized so that a re-apply
// with the same binding sees the pre-patch bytes and writes the same result.
// A narrower request than the cached read is served from the cached word's
// low bytes.
func (r *Relocation) origWord(size int) (uint64, error) {
	if r.orig == nil || size > r.origSize {
		w, err := r.Owner.Mem.Word(r.Addr, size)
		if err != nil {
			return 0, err
		}
		r.orig = &w
		r.origSize = size
	}
	w := *r.orig
	if size < r.origSize {
		w &= 1<<(8*uint(size)) - 1
	}
	return w, nil
}

// addend returns A: the explicit addend, or for REL-style records the word
// already stored at the patch site.
func (r *Relocation) addend() (uint64, error) {
	if r.HasAddend {
		return uint64(r.Addend), nil
	}
	return r.origWord(r.Arch.wordSize())
}

// width returns the number of bytes the kind patches.
func (r *Relocation) width() int {
	switch r.Kind {
	case PEHigh, PELow, PEHighAdj:
		return 2
	case A64Abs64, A64GlobDat, A64JumpSlot, A64Relative, A64IRelative,
		A64TLSDTPMod, A64TLSDTPRel, A64TLSTPRel, PEDir64:
		return 8
	case PEImport:
		return r.Owner.PtrSize
	}
	return 4
}

// Value computes the word this record will store, as a pure function of the
// patch location, the addend, and the resolved binding. It requires a prior
// successful Resolve. Kinds that patch something other than a single word
// (copy, TLS descriptors) report a ConfigError here and are handled wholly
// inside Apply.
func (r *Relocation) Value() (uint64, error) {
	if !r.resolved {
		return 0, &ConfigError{r.Kind, r.Owner.Name, r.Addr, "value requested before resolution"}
	}
	switch r.Kind {
	case ArmAbs32, ArmAbs32NOI:
		return r.valueAbsolute(r.Kind == ArmAbs32)
	case ArmRel32, ArmRel32NOI:
		return r.valuePCRelative(r.Kind == ArmRel32)
	case ArmCall:
		return r.valueArmCall()
	case ArmPrel31:
		return r.valueArmPrel31()
	case ArmMovwAbsNC:
		return r.valueArmMovw()
	case ArmMovtAbs:
		return r.valueArmMovt()
	case ArmThmCall:
		return r.valueThumbCall()
	case ArmThmMovwAbsNC:
		return r.valueThumbMov(false)
	case ArmThmMovtAbs:
		return r.valueThumbMov(true)
	case ArmGlobDat, ArmJumpSlot, A64GlobDat, A64JumpSlot, PEImport:
		return r.valueJumpslot()
	case ArmRelative, A64Relative, A64IRelative:
		return r.valueRelative()
	case ArmTLSDTPMod32, A64TLSDTPMod:
		return r.valueTLSModID()
	case ArmTLSDTPOff32, A64TLSDTPRel:
		return r.valueTLSDoffset()
	case ArmTLSTPOff32, A64TLSTPRel:
		return r.valueTLSOffset()
	case ArmGotPrel:
		return r.valueGotPrel()
	case A64Abs64:
		return r.valueAbsolute(false)
	case A64Prel32:
		return r.valuePrel32()
	case A64Jump26, A64Call26:
		return r.valueBranch26()
	case A64AdrPage21:
		return r.valueAdrPage21()
	case A64AddLo12:
		return r.valueLo12(0)
	case A64Ldst8Lo12:
		return r.valueLo12(0)
	case A64Ldst16Lo12:
		return r.valueLo12(1)
	case A64Ldst32Lo12:
		return r.valueLo12(2)
	case A64Ldst64Lo12:
		return r.valueLo12(3)
	case A64Ldst128Lo12:
		return r.valueLo12(4)
	case PEHigh:
		return r.valuePEHigh()
	case PELow:
		return r.valuePELow()
	case PEHighLow:
		return r.valuePEHighLow()
	case PEHighAdj:
		return r.valuePEHighAdj()
	case PEDir64:
		return r.valuePEDir64()
	}
	return 0, &ConfigError{r.Kind, r.Owner.Name, r.Addr, "kind has no scalar value"}
}

// Apply computes the record's value and patches it into the owner's memory.
// It reports whether a byte-level change was made: false when the record is
// still unresolved or the kind is an accepted no-op. On error the
// destination bytes are left unmodified.
func (r *Relocation) Apply() (bool, error) {
	if !r.resolved {
		return false, nil
	}
	switch r.Kind {
	case PEAbsolute:
		return false, nil
	case ArmCopy, A64Copy:
		return r.applyCopy()
	case A64TLSDesc:
		return r.applyTLSDesc()
	}
	v, err := r.Value()
	if err != nil {
		return false, err
	}
	if err := r.Owner.Mem.PutWord(r.Addr, v, r.width()); err != nil {
		return false, err
	}
	log.Debugf("%s: applied %s at 0x%x -> 0x%x", r.Owner.Name, r.Kind, r.Addr, v)
	return true, nil
}

// ApplyAll resolves every record and applies the resolved ones. Symbol
// lookups all happen before the parallel phase. Records are then grouped by
// owner object: groups run concurrently, records within one group in order,
// so paired entries and read-modify-write encodings never race on a shared
// word. Copy records are the one kind that touches a second object's
// memory, so they run in a sequential phase after the groups join, reading
// source bytes the defining object has finished patching. Records that
// could not be resolved are returned so the caller can decide whether
// missing externals are acceptable.
func ApplyAll(res *image.Resolver, solist []*image.Object, recs []*Relocation, workers int) ([]*Relocation, error) {
	var unresolved []*Relocation
	var copies []*Relocation
	groups := make(map[*image.Object][]*Relocation)
	var order []*image.Object
	for _, rec := range recs {
		if !rec.Resolve(res, solist) {
			unresolved = append(unresolved, rec)
			continue
		}
		if rec.Kind == ArmCopy || rec.Kind == A64Copy {
			copies = append(copies, rec)
			continue
		}
		if _, ok := groups[rec.Owner]; !ok {
			order = append(order, rec.Owner)
		}
		groups[rec.Owner] = append(groups[rec.Owner], rec)
	}
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, owner := range order {
		batch := groups[owner]
		g.Go(func() error {
			for _, rec := range batch {
				if _, err := rec.Apply(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return unresolved, err
	}
	for _, rec := range copies {
		if _, err := rec.Apply(); err != nil {
			return unresolved, err
		}
	}
	return unresolved, nil
}
