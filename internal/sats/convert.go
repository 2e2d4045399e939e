package sats

import "fmt"

// ValueFromType encodes t as a Value conforming to the self-describing
// meta type MetaTypespace builds at MetaTypeRef, so a typespace can be
// transmitted as ordinary BSATN data the same way __describe_module__
// transmits a module's own typespace — the fixpoint meta.go documents,
// driven in the value direction instead of the type direction.
func ValueFromType(t AlgebraicType) Value {
	switch t.Kind {
	case KindRef:
		return SumVal(0, U32Val(uint32(t.Ref)))
	case KindSum:
		return SumVal(1, ProductVal(namedListVal(sumVariantNames(t.Variants))))
	case KindProduct:
		return SumVal(2, ProductVal(namedListVal(productElemNames(t.Elements))))
	case KindArray:
		return SumVal(3, ProductVal(ValueFromType(*t.Elem)))
	case KindMap:
		return SumVal(4, ProductVal(ValueFromType(*t.Key), ValueFromType(*t.Val)))
	case KindBool:
		return SumVal(5, UnitVal())
	case KindI8:
		return SumVal(6, UnitVal())
	case KindU8:
		return SumVal(7, UnitVal())
	case KindI16:
		return SumVal(8, UnitVal())
	case KindU16:
		return SumVal(9, UnitVal())
	case KindI32:
		return SumVal(10, UnitVal())
	case KindU32:
		return SumVal(11, UnitVal())
	case KindI64:
		return SumVal(12, UnitVal())
	case KindU64:
		return SumVal(13, UnitVal())
	case KindI128:
		return SumVal(14, UnitVal())
	case KindU128:
		return SumVal(15, UnitVal())
	case KindI256:
		return SumVal(16, UnitVal())
	case KindU256:
		return SumVal(17, UnitVal())
	case KindF32:
		return SumVal(18, UnitVal())
	case KindF64:
		return SumVal(19, UnitVal())
	case KindString:
		return SumVal(20, UnitVal())
	default:
		return SumVal(20, UnitVal())
	}
}

// namedElem is the (optional name, type) pair ValueFromType/TypeFromValue
// shuttle Product elements and Sum variants through uniformly, since the
// meta type describes both the same way (see meta.go's namedElem).
type namedElem struct {
	Name *string
	Type AlgebraicType
}

func productElemNames(elems []ProductElem) []namedElem {
	out := make([]namedElem, len(elems))
	for i, e := range elems {
		out[i] = namedElem{Name: e.Name, Type: e.Type}
	}
	return out
}

func sumVariantNames(variants []SumVariant) []namedElem {
	out := make([]namedElem, len(variants))
	for i, v := range variants {
		out[i] = namedElem{Name: v.Name, Type: v.Type}
	}
	return out
}

func namedListVal(elems []namedElem) Value {
	vals := make([]Value, len(elems))
	for i, e := range elems {
		vals[i] = ProductVal(optionStringVal(e.Name), ValueFromType(e.Type))
	}
	return ArrayVal(vals...)
}

func optionStringVal(name *string) Value {
	if name == nil {
		return NoneVal()
	}
	return SomeVal(StringVal(*name))
}

// TypeFromValue is the inverse of ValueFromType: it reads a Value shaped
// like the meta type's algebraicType sum back into a native AlgebraicType.
func TypeFromValue(v Value) (AlgebraicType, error) {
	if v.Kind != KindSum || v.SumVal == nil {
		return AlgebraicType{}, fmt.Errorf("sats: expected an algebraic-type sum value, got kind %s", v.Kind)
	}
	payload := *v.SumVal
	switch v.SumTag {
	case 0:
		return RefTo(Ref(payload.U32)), nil
	case 1:
		variants, err := namedListFromValue(singleField(payload))
		if err != nil {
			return AlgebraicType{}, err
		}
		if len(variants) == 0 {
			return Sum(), nil
		}
		out := make([]SumVariant, len(variants))
		for i, e := range variants {
			out[i] = SumVariant{Name: e.Name, Type: e.Type}
		}
		return Sum(out...), nil
	case 2:
		elems, err := namedListFromValue(singleField(payload))
		if err != nil {
			return AlgebraicType{}, err
		}
		if len(elems) == 0 {
			return Product(), nil
		}
		out := make([]ProductElem, len(elems))
		for i, e := range elems {
			out[i] = ProductElem{Name: e.Name, Type: e.Type}
		}
		return Product(out...), nil
	case 3:
		elem, err := TypeFromValue(singleField(payload))
		if err != nil {
			return AlgebraicType{}, err
		}
		return ArrayOf(elem), nil
	case 4:
		if payload.Kind != KindProduct || len(payload.Prod) != 2 {
			return AlgebraicType{}, fmt.Errorf("sats: malformed map-type payload")
		}
		key, err := TypeFromValue(payload.Prod[0])
		if err != nil {
			return AlgebraicType{}, err
		}
		val, err := TypeFromValue(payload.Prod[1])
		if err != nil {
			return AlgebraicType{}, err
		}
		return MapOf(key, val), nil
	case 5:
		return Bool(), nil
	case 6:
		return I8(), nil
	case 7:
		return U8(), nil
	case 8:
		return I16(), nil
	case 9:
		return U16(), nil
	case 10:
		return I32(), nil
	case 11:
		return U32(), nil
	case 12:
		return I64(), nil
	case 13:
		return U64(), nil
	case 14:
		return I128(), nil
	case 15:
		return U128(), nil
	case 16:
		return I256(), nil
	case 17:
		return U256(), nil
	case 18:
		return F32(), nil
	case 19:
		return F64(), nil
	case 20:
		return StringT(), nil
	default:
		return AlgebraicType{}, fmt.Errorf("sats: unknown algebraic-type variant tag %d", v.SumTag)
	}
}

// singleField returns the sole Product element of a single-field wrapper
// payload (arrayType, sumType, productType all wrap their one or two
// fields in a Product per meta.go's shape).
func singleField(v Value) Value {
	if v.Kind == KindProduct && len(v.Prod) == 1 {
		return v.Prod[0]
	}
	return v
}

func namedListFromValue(v Value) ([]namedElem, error) {
	out := make([]namedElem, len(v.Arr))
	for i, e := range v.Arr {
		if e.Kind != KindProduct || len(e.Prod) != 2 {
			return nil, fmt.Errorf("sats: malformed named-element value at index %d", i)
		}
		var name *string
		nameOpt := e.Prod[0]
		if nameOpt.Kind == KindSum && nameOpt.SumTag == 0 && nameOpt.SumVal != nil {
			s := nameOpt.SumVal.Str
			name = &s
		}
		t, err := TypeFromValue(e.Prod[1])
		if err != nil {
			return nil, err
		}
		out[i] = namedElem{Name: name, Type: t}
	}
	return out, nil
}
