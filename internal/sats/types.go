// Package sats implements SpacetimeDB's Algebraic Type System: a typespace of
// product/sum/primitive/array/map/ref types shared by table schemas and
// on-the-wire values.
package sats

import "fmt"

// Kind discriminates an AlgebraicType.
type Kind uint8

const (
	KindBool Kind = iota
	KindI8
	KindU8
	KindI16
	KindU16
	KindI32
	KindU32
	KindI64
	KindU64
	KindI128
	KindU128
	KindI256
	KindU256
	KindF32
	KindF64
	KindString
	KindArray
	KindMap
	KindProduct
	KindSum
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "Bool"
	case KindI8:
		return "I8"
	case KindU8:
		return "U8"
	case KindI16:
		return "I16"
	case KindU16:
		return "U16"
	case KindI32:
		return "I32"
	case KindU32:
		return "U32"
	case KindI64:
		return "I64"
	case KindU64:
		return "U64"
	case KindI128:
		return "I128"
	case KindU128:
		return "U128"
	case KindI256:
		return "I256"
	case KindU256:
		return "U256"
	case KindF32:
		return "F32"
	case KindF64:
		return "F64"
	case KindString:
		return "String"
	case KindArray:
		return "Array"
	case KindMap:
		return "Map"
	case KindProduct:
		return "Product"
	case KindSum:
		return "Sum"
	case KindRef:
		return "Ref"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsInteger reports whether k is one of the signed/unsigned integer kinds.
func (k Kind) IsInteger() bool {
	return k >= KindI8 && k <= KindU256
}

// ProductElem is one named (or anonymous) field of a Product type.
type ProductElem struct {
	Name *string
	Type AlgebraicType
}

// SumVariant is one named (or anonymous) arm of a Sum type.
type SumVariant struct {
	Name *string
	Type AlgebraicType
}

// AlgebraicType is a single node of the typespace: a primitive, a container,
// a named-field product/sum, or a reference to another typespace slot.
type AlgebraicType struct {
	Kind Kind

	// Array / Map payloads.
	Elem *AlgebraicType // Array element type
	Key  *AlgebraicType // Map key type
	Val  *AlgebraicType // Map value type

	// Product / Sum payloads.
	Elements []ProductElem
	Variants []SumVariant

	// Ref payload.
	Ref Ref

	// CustomOrder, when true, means the element ordering of a Product/Sum was
	// explicitly pinned and must not be treated as a canonical-order mismatch.
	CustomOrder bool
}

// Ref addresses a single entry in a Typespace.
type Ref int

func namePtr(s string) *string { return &s }

// Bool / primitive constructors. These are cheap value constructors, not
// typespace entries — callers add() them to a Typespace to get a Ref.
func Bool() AlgebraicType   { return AlgebraicType{Kind: KindBool} }
func I8() AlgebraicType     { return AlgebraicType{Kind: KindI8} }
func U8() AlgebraicType     { return AlgebraicType{Kind: KindU8} }
func I16() AlgebraicType    { return AlgebraicType{Kind: KindI16} }
func U16() AlgebraicType    { return AlgebraicType{Kind: KindU16} }
func I32() AlgebraicType    { return AlgebraicType{Kind: KindI32} }
func U32() AlgebraicType    { return AlgebraicType{Kind: KindU32} }
func I64() AlgebraicType    { return AlgebraicType{Kind: KindI64} }
func U64() AlgebraicType    { return AlgebraicType{Kind: KindU64} }
func I128() AlgebraicType   { return AlgebraicType{Kind: KindI128} }
func U128() AlgebraicType   { return AlgebraicType{Kind: KindU128} }
func I256() AlgebraicType   { return AlgebraicType{Kind: KindI256} }
func U256() AlgebraicType   { return AlgebraicType{Kind: KindU256} }
func F32() AlgebraicType    { return AlgebraicType{Kind: KindF32} }
func F64() AlgebraicType    { return AlgebraicType{Kind: KindF64} }
func StringT() AlgebraicType { return AlgebraicType{Kind: KindString} }

func ArrayOf(elem AlgebraicType) AlgebraicType {
	e := elem
	return AlgebraicType{Kind: KindArray, Elem: &e}
}

func BytesT() AlgebraicType { return ArrayOf(U8()) }

func MapOf(key, val AlgebraicType) AlgebraicType {
	k, v := key, val
	return AlgebraicType{Kind: KindMap, Key: &k, Val: &v}
}

func Product(elems ...ProductElem) AlgebraicType {
	return AlgebraicType{Kind: KindProduct, Elements: elems}
}

func Field(name string, t AlgebraicType) ProductElem {
	return ProductElem{Name: namePtr(name), Type: t}
}

func UnnamedField(t AlgebraicType) ProductElem {
	return ProductElem{Type: t}
}

func Sum(variants ...SumVariant) AlgebraicType {
	return AlgebraicType{Kind: KindSum, Variants: variants}
}

func Variant(name string, t AlgebraicType) SumVariant {
	return SumVariant{Name: namePtr(name), Type: t}
}

// Unit is the canonical empty Product, the unit type "()".
func Unit() AlgebraicType { return Product() }

// Option builds the canonical SpacetimeDB sum {some(T), none(())}.
func Option(t AlgebraicType) AlgebraicType {
	return Sum(Variant("some", t), Variant("none", Unit()))
}

// RefTo builds a Ref type pointing at typespace slot idx.
func RefTo(idx Ref) AlgebraicType {
	return AlgebraicType{Kind: KindRef, Ref: idx}
}

// IsEmptySum reports whether t is the uninhabited sum with zero variants.
func (t AlgebraicType) IsEmptySum() bool {
	return t.Kind == KindSum && len(t.Variants) == 0
}
