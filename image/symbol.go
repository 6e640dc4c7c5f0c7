package image

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "image")

// A SymKind classifies a symbol. The function/data split decides whether an
// odd address selects the Thumb instruction set on 32-bit ARM.
type SymKind int

const (
	SymNone SymKind = iota
	SymFunc
	SymObject
	SymTLS
)

// A Symbol is a named or ordinal-numbered address in one object.
type Symbol struct {
	Name      string
	Ordinal   int    // export ordinal, 0 if none
	Value     uint64 // RVA of the definition
	Size      uint64 // declared size in bytes
	Kind      SymKind
	Weak      bool
	Import    bool
	Export    bool
	Forwarder string // "lib.Name" or "lib.#ordinal" alias target, "" if none
	TLSOffset uint64 // offset within the owner's TLS block, for SymTLS
	Owner     *Object
}

// Defined reports whether the symbol carries a definition in its owner.
func (s *Symbol) Defined() bool {
	return !s.Import && s.Forwarder == ""
}

// IsFunction reports whether the symbol names code.
func (s *Symbol) IsFunction() bool {
	return s.Kind == SymFunc
}

// Mapped returns the symbol's rebased runtime address.
func (s *Symbol) Mapped() uint64 {
	return s.Owner.MappedFromRVA(s.Value)
}

// A Ref names a symbol to be resolved against a set of loaded objects.
type Ref struct {
	Name        string
	Ordinal     int    // resolve by ordinal when Name is ""
	ResolveWith string // restrict the search to this dependency, "" for all
	Thumb       bool   // the referencing instruction expects a Thumb entry
}

// A Resolver searches loaded objects, in load order, for a symbol binding.
// The zero value is ready to use.
type Resolver struct {
	// MaxForward bounds forwarder-chain traversal. Zero means the default
	// of 8 hops.
	MaxForward int
}

func (r *Resolver) maxForward() int {
	if r.MaxForward > 0 {
		return r.MaxForward
	}
	return 8
}

// providesName matches an object against a dependency name, ignoring case
// and a missing ".dll" suffix on the dependency side.
func providesName(o *Object, dep string) bool {
	p := strings.ToLower(o.Provides)
	if p == "" {
		p = strings.ToLower(o.Name)
	}
	d := strings.ToLower(dep)
	return p == d || p == d+".dll" || strings.TrimSuffix(p, ".dll") == d
}

func lookup(o *Object, ref Ref) *Symbol {
	if ref.Name != "" {
		return o.Symbol(ref.Name)
	}
	if ref.Ordinal != 0 {
		return o.Ordinal(ref.Ordinal)
	}
	return nil
}

// Resolve searches solist for the referenced symbol. The first strong
// definition in load order wins; a weak definition is kept as a fallback.
// Forwarder aliases are followed transitively. The boolean result is false
// when no binding was found.
func (r *Resolver) Resolve(ref Ref, solist []*Object) (*Symbol, bool) {
	var weak *Symbol
	for _, o := range solist {
		if ref.ResolveWith != "" && !providesName(o, ref.ResolveWith) {
			continue
		}
		s := lookup(o, ref)
		if s == nil || s.Import {
			continue
		}
		if s.Forwarder != "" {
			if fwd, ok := r.forward(s, solist, r.maxForward()); ok {
				return fwd, true
			}
			continue
		}
		if s.Weak {
			if weak == nil {
				weak = s
			}
			continue
		}
		return s, true
	}
	if weak != nil {
		return weak, true
	}
	return nil, false
}

// forward follows one forwarder alias, recursing while the target is itself
// a forwarder.
func (r *Resolver) forward(s *Symbol, solist []*Object, depth int) (*Symbol, bool) {
	if depth <= 0 {
		log.Warnf("forwarder chain for %q exceeds depth limit", s.Name)
		return nil, false
	}
	lib, target, ok := strings.Cut(s.Forwarder, ".")
	if !ok {
		log.Warnf("malformed forwarder %q on %q", s.Forwarder, s.Name)
		return nil, false
	}
	next := Ref{ResolveWith: lib}
	if n, err := strconv.Atoi(strings.TrimPrefix(target, "#")); err == nil && strings.HasPrefix(target, "#") {
		next.Ordinal = n
	} else {
		next.Name = target
	}
	for _, o := range solist {
		if !providesName(o, lib) {
			continue
		}
		t := lookup(o, next)
		if t == nil || t.Import {
			continue
		}
		if t.Forwarder != "" {
			return r.forward(t, solist, depth-1)
		}
		return t, true
	}
	return nil, false
}
