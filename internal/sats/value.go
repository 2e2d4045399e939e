package sats

// Value is a tagged union holding one instance of some AlgebraicType. It
// mirrors the AlgebraicType shape exactly: a Value's Kind and its payload
// field are meaningful together, the rest are zero.
type Value struct {
	Kind Kind

	B    bool
	I8   int8
	U8   uint8
	I16  int16
	U16  uint16
	I32  int32
	U32  uint32
	I64  int64
	U64  uint64
	I128 Int128
	U128 Uint128
	I256 Int256
	U256 Uint256
	F32  float32
	F64  float64
	Str  string

	Arr []Value    // Array elements, in order
	M   []MapEntry // Map entries, in insertion order (BSATN has no canonical map order)

	Prod []Value // Product elements, positional, matching AlgebraicType.Elements order

	SumTag byte  // Sum: index of the chosen variant
	SumVal *Value // Sum: payload of the chosen variant
}

// MapEntry is one key/value pair of a Map value.
type MapEntry struct {
	Key Value
	Val Value
}

func BoolVal(b bool) Value  { return Value{Kind: KindBool, B: b} }
func I8Val(v int8) Value    { return Value{Kind: KindI8, I8: v} }
func U8Val(v uint8) Value   { return Value{Kind: KindU8, U8: v} }
func I16Val(v int16) Value  { return Value{Kind: KindI16, I16: v} }
func U16Val(v uint16) Value { return Value{Kind: KindU16, U16: v} }
func I32Val(v int32) Value  { return Value{Kind: KindI32, I32: v} }
func U32Val(v uint32) Value { return Value{Kind: KindU32, U32: v} }
func I64Val(v int64) Value  { return Value{Kind: KindI64, I64: v} }
func U64Val(v uint64) Value { return Value{Kind: KindU64, U64: v} }
func F32Val(v float32) Value { return Value{Kind: KindF32, F32: v} }
func F64Val(v float64) Value { return Value{Kind: KindF64, F64: v} }
func StringVal(s string) Value { return Value{Kind: KindString, Str: s} }

func BytesVal(b []byte) Value {
	elems := make([]Value, len(b))
	for i, c := range b {
		elems[i] = U8Val(c)
	}
	return Value{Kind: KindArray, Arr: elems}
}

func ArrayVal(elems ...Value) Value {
	return Value{Kind: KindArray, Arr: elems}
}

func ProductVal(elems ...Value) Value {
	return Value{Kind: KindProduct, Prod: elems}
}

func UnitVal() Value { return ProductVal() }

func SumVal(tag byte, val Value) Value {
	v := val
	return Value{Kind: KindSum, SumTag: tag, SumVal: &v}
}

// SomeVal and NoneVal build values of the canonical Option<T> shape, where
// "some" is variant 0 and "none" is variant 1 (see Option in types.go).
func SomeVal(val Value) Value { return SumVal(0, val) }
func NoneVal() Value          { return SumVal(1, UnitVal()) }
