package sats

import (
	"reflect"
	"testing"
)

func roundTripType(t *testing.T, want AlgebraicType) {
	t.Helper()
	v := ValueFromType(want)
	got, err := TypeFromValue(v)
	if err != nil {
		t.Fatalf("TypeFromValue: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("type round trip mismatch:\n want %+v\n  got %+v", want, got)
	}
}

func TestValueFromTypeRoundTripsPrimitives(t *testing.T) {
	for _, ty := range []AlgebraicType{
		Bool(), I8(), U8(), I16(), U16(), I32(), U32(), I64(), U64(),
		I128(), U128(), I256(), U256(), F32(), F64(), StringT(),
	} {
		roundTripType(t, ty)
	}
}

func TestValueFromTypeRoundTripsContainers(t *testing.T) {
	roundTripType(t, ArrayOf(U32()))
	roundTripType(t, MapOf(StringT(), U64()))
	roundTripType(t, RefTo(7))
}

func TestValueFromTypeRoundTripsProductAndSum(t *testing.T) {
	roundTripType(t, Product(
		Field("id", U64()),
		Field("name", StringT()),
		UnnamedField(Bool()),
	))
	roundTripType(t, Option(U32()))
	roundTripType(t, Sum(
		Variant("some", ArrayOf(StringT())),
		Variant("none", Unit()),
	))
}

func TestValueFromTypeRoundTripsNested(t *testing.T) {
	roundTripType(t, Product(
		Field("tags", ArrayOf(StringT())),
		Field("meta", MapOf(StringT(), Product(Field("count", U32())))),
		Field("choice", Sum(Variant("a", I32()), Variant("b", RefTo(3)))),
	))
}

func TestValueFromTypeTagFitsMetaType(t *testing.T) {
	// ValueFromType's outer tag must name one of the meta type's own
	// variants, the precondition for encoding the result against the
	// Ref(0) fixpoint. Only the tag range is checked here.
	ts := MetaTypespace()
	want := Product(Field("id", U64()), Field("tag", Option(StringT())))

	v := ValueFromType(want)
	metaType, err := ts.Get(MetaTypeRef)
	if err != nil {
		t.Fatalf("get meta type: %v", err)
	}
	if v.Kind != KindSum || int(v.SumTag) >= len(metaType.Variants) {
		t.Fatalf("ValueFromType produced a value incompatible with the meta type's variant count")
	}
}
