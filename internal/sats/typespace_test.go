package sats

import "testing"

func TestChainContractionIdempotent(t *testing.T) {
	ts := NewTypespace()
	def := ts.Add(U64())
	r3 := ts.Add(RefTo(def))
	r2 := ts.Add(RefTo(r3))
	r1 := ts.Add(RefTo(r2))

	if err := ts.Contract(); err != nil {
		t.Fatalf("contract: %v", err)
	}
	check := func(r Ref) {
		got, err := ts.Get(r)
		if err != nil {
			t.Fatalf("get %d: %v", r, err)
		}
		if got.Kind != KindRef || got.Ref != def {
			t.Fatalf("ref %d did not contract to def: %+v", r, got)
		}
	}
	check(r1)
	check(r2)
	check(r3)

	before := make([]AlgebraicType, ts.Len())
	copy(before, ts.types)
	if err := ts.Contract(); err != nil {
		t.Fatalf("second contract: %v", err)
	}
	for i := range before {
		if before[i].Kind != ts.types[i].Kind || before[i].Ref != ts.types[i].Ref {
			t.Fatalf("contract not idempotent at slot %d", i)
		}
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	ts := NewTypespace()
	a := ts.Add(Unit())
	b := ts.Add(RefTo(a))
	if err := ts.Set(a, RefTo(b)); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err := ts.ResolveRef(a)
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestMetaTypespaceSelfDescribes(t *testing.T) {
	ts := MetaTypespace()
	got, err := ts.Get(MetaTypeRef)
	if err != nil {
		t.Fatalf("get meta type: %v", err)
	}
	if got.Kind != KindSum {
		t.Fatalf("meta type should be a Sum, got %s", got.Kind)
	}
	found := false
	for _, variant := range got.Variants {
		if variant.Name != nil && *variant.Name == "product" {
			found = true
			// The product variant's "elements" field should be an array of
			// a named-elem product that refers back to slot 0.
			elemsField := variant.Type.Elements[0]
			if elemsField.Type.Kind != KindArray {
				t.Fatalf("product.elements should be an array, got %s", elemsField.Type.Kind)
			}
		}
	}
	if !found {
		t.Fatal("meta type missing 'product' variant")
	}
}
