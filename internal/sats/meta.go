package sats

// MetaTypespace builds the self-describing typespace: a typespace whose
// slot 0 holds the AlgebraicType definition written as a SATS value, i.e.
// the type that describes types. AlgebraicType is recursive (a Product
// element's type is itself an AlgebraicType), so the definition closes over
// slot 0 through a Ref rather than nesting infinitely.
//
// This fixpoint is what a module's __describe_module__ export returns in
// serialized form: the host decodes it using nothing but the hand-built
// bootstrap in this file, then uses the result to decode everything else
// the module describes.
func MetaTypespace() *Typespace {
	ts := NewTypespace()

	// Reserve slot 0 for AlgebraicType itself before building the variants,
	// since several variants (Array, Map, Product, Sum) need to refer back
	// to it.
	self := ts.Add(Unit()) // placeholder, overwritten below

	namedElem := Product(
		Field("name", Option(StringT())),
		Field("algebraic_type", RefTo(self)),
	)

	productType := Product(
		Field("elements", ArrayOf(namedElem)),
	)

	sumType := Product(
		Field("variants", ArrayOf(namedElem)),
	)

	arrayType := Product(
		Field("elem_ty", RefTo(self)),
	)

	mapType := Product(
		Field("key_ty", RefTo(self)),
		Field("ty", RefTo(self)),
	)

	algebraicType := Sum(
		Variant("ref", U32()),
		Variant("sum", sumType),
		Variant("product", productType),
		Variant("array", arrayType),
		Variant("map", mapType),
		Variant("bool", Unit()),
		Variant("i8", Unit()),
		Variant("u8", Unit()),
		Variant("i16", Unit()),
		Variant("u16", Unit()),
		Variant("i32", Unit()),
		Variant("u32", Unit()),
		Variant("i64", Unit()),
		Variant("u64", Unit()),
		Variant("i128", Unit()),
		Variant("u128", Unit()),
		Variant("i256", Unit()),
		Variant("u256", Unit()),
		Variant("f32", Unit()),
		Variant("f64", Unit()),
		Variant("string", Unit()),
	)

	if err := ts.Set(self, algebraicType); err != nil {
		// self was just reserved above; this can only fail if Add/Set
		// disagree about the arena length, which would be a bug in this
		// package rather than recoverable caller input.
		panic(err)
	}
	return ts
}

// MetaTypeRef is the well-known slot the self-describing AlgebraicType
// definition lives at within the typespace MetaTypespace returns.
const MetaTypeRef Ref = 0
