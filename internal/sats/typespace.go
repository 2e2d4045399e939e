package sats

import "fmt"

// Typespace is an arena of AlgebraicType nodes addressed by Ref. Product and
// Sum types elsewhere in the system refer into it rather than nesting types
// inline, so that recursive types (a table referring to itself) can be
// represented at all.
type Typespace struct {
	types []AlgebraicType
}

// NewTypespace returns an empty typespace.
func NewTypespace() *Typespace {
	return &Typespace{}
}

// Add appends t to the arena and returns its Ref.
func (ts *Typespace) Add(t AlgebraicType) Ref {
	ts.types = append(ts.types, t)
	return Ref(len(ts.types) - 1)
}

// Get returns the type stored at r, unmodified (it may itself be a Ref).
func (ts *Typespace) Get(r Ref) (AlgebraicType, error) {
	if int(r) < 0 || int(r) >= len(ts.types) {
		return AlgebraicType{}, fmt.Errorf("sats: ref %d out of range (len %d)", r, len(ts.types))
	}
	return ts.types[r], nil
}

// Set overwrites the type stored at r. Used while building up a typespace
// where a later type needs to close a cycle back to an earlier slot.
func (ts *Typespace) Set(r Ref, t AlgebraicType) error {
	if int(r) < 0 || int(r) >= len(ts.types) {
		return fmt.Errorf("sats: ref %d out of range (len %d)", r, len(ts.types))
	}
	ts.types[r] = t
	return nil
}

// Len returns the number of slots in the typespace.
func (ts *Typespace) Len() int { return len(ts.types) }

// Resolve follows a chain of Ref types starting at t until it reaches a
// non-Ref type, detecting cycles along the way. A type is allowed to be
// cyclic only through a Product/Sum element (i.e. indirectly, via a
// pointer-like container boundary) — a direct Ref -> Ref -> ... -> Ref loop
// with no intervening container is a malformed typespace.
func (ts *Typespace) Resolve(t AlgebraicType) (AlgebraicType, error) {
	touching := make(map[Ref]struct{})
	for t.Kind == KindRef {
		if _, seen := touching[t.Ref]; seen {
			return AlgebraicType{}, fmt.Errorf("sats: cyclic ref chain through %d", t.Ref)
		}
		touching[t.Ref] = struct{}{}
		next, err := ts.Get(t.Ref)
		if err != nil {
			return AlgebraicType{}, err
		}
		t = next
	}
	return t, nil
}

// ResolveRef is a convenience wrapper around Resolve starting from a Ref.
func (ts *Typespace) ResolveRef(r Ref) (AlgebraicType, error) {
	t, err := ts.Get(r)
	if err != nil {
		return AlgebraicType{}, err
	}
	return ts.Resolve(t)
}

// Contract performs chain contraction: every Ref type in the arena that
// points directly at another Ref is rewritten to point at the final
// non-Ref type in the chain. This keeps Get callers from having to loop
// over intermediate Ref hops once the typespace is finalized.
//
// Contract is idempotent: running it twice produces the same arena as
// running it once.
func (ts *Typespace) Contract() error {
	resolved := make([]Ref, len(ts.types))
	for i := range resolved {
		resolved[i] = -1
	}

	var resolveIdx func(r Ref, touching map[Ref]struct{}) (Ref, error)
	resolveIdx = func(r Ref, touching map[Ref]struct{}) (Ref, error) {
		if resolved[r] >= 0 {
			return resolved[r], nil
		}
		if _, seen := touching[r]; seen {
			return -1, fmt.Errorf("sats: cyclic ref chain through %d", r)
		}
		touching[r] = struct{}{}
		t, err := ts.Get(r)
		if err != nil {
			return -1, err
		}
		if t.Kind != KindRef {
			resolved[r] = r
			return r, nil
		}
		final, err := resolveIdx(t.Ref, touching)
		if err != nil {
			return -1, err
		}
		resolved[r] = final
		return final, nil
	}

	for i := range ts.types {
		if ts.types[i].Kind == KindRef {
			final, err := resolveIdx(Ref(i), make(map[Ref]struct{}))
			if err != nil {
				return err
			}
			ts.types[i] = RefTo(final)
		}
	}
	return nil
}

// CanonicalOrder returns the deterministic element ordering used when a
// Product or Sum was built without an explicit CustomOrder pin: fields stay
// in declaration order. SpacetimeDB's wire and storage formats both assume
// declaration order is canonical order unless a type opts out, so this is
// effectively the identity — it exists as a named hook so callers that need
// to assert "is this type already in canonical order" have one place to
// ask, rather than re-deriving the rule at each call site.
func CanonicalOrder(t AlgebraicType) []int {
	var n int
	switch t.Kind {
	case KindProduct:
		n = len(t.Elements)
	case KindSum:
		n = len(t.Variants)
	default:
		return nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// IsCanonicalOrder reports whether t's declared element order is already
// its canonical order: true unless CustomOrder is set. A type with
// CustomOrder set reports false whether or not its slice was actually
// permuted (this package never permutes one on its own).
func IsCanonicalOrder(t AlgebraicType) bool {
	return !t.CustomOrder
}
