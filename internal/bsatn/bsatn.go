// Package bsatn implements the compact binary encoding used to move SATS
// values on the wire and in the WAL: little-endian integers, u32 lengths,
// one-byte sum tags, no alignment padding.
package bsatn

import (
	"encoding/binary"
	"math"

	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
)

// Encode serializes v, which must have type t, into its BSATN byte form.
func Encode(v sats.Value, t sats.AlgebraicType, ts *sats.Typespace) ([]byte, error) {
	var buf []byte
	buf, err := appendValue(buf, v, t, ts)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v sats.Value, t sats.AlgebraicType, ts *sats.Typespace) ([]byte, error) {
	if t.Kind == sats.KindRef {
		resolved, err := ts.Get(t.Ref)
		if err != nil {
			return nil, errs.Wrap(errs.Decode, err)
		}
		return appendValue(buf, v, resolved, ts)
	}

	switch t.Kind {
	case sats.KindBool:
		if v.B {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case sats.KindI8:
		return append(buf, byte(v.I8)), nil
	case sats.KindU8:
		return append(buf, v.U8), nil
	case sats.KindI16:
		return appendUint16(buf, uint16(v.I16)), nil
	case sats.KindU16:
		return appendUint16(buf, v.U16), nil
	case sats.KindI32:
		return appendUint32(buf, uint32(v.I32)), nil
	case sats.KindU32:
		return appendUint32(buf, v.U32), nil
	case sats.KindI64:
		return appendUint64(buf, uint64(v.I64)), nil
	case sats.KindU64:
		return appendUint64(buf, v.U64), nil
	case sats.KindI128:
		return append(buf, v.I128[:]...), nil
	case sats.KindU128:
		return append(buf, v.U128[:]...), nil
	case sats.KindI256:
		return append(buf, v.I256[:]...), nil
	case sats.KindU256:
		return append(buf, v.U256[:]...), nil
	case sats.KindF32:
		return appendUint32(buf, math.Float32bits(v.F32)), nil
	case sats.KindF64:
		return appendUint64(buf, math.Float64bits(v.F64)), nil
	case sats.KindString:
		return appendBytes(buf, []byte(v.Str)), nil

	case sats.KindArray:
		buf = appendUint32(buf, uint32(len(v.Arr)))
		for _, elem := range v.Arr {
			var err error
			buf, err = appendValue(buf, elem, *t.Elem, ts)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil

	case sats.KindMap:
		buf = appendUint32(buf, uint32(len(v.M)))
		for _, entry := range v.M {
			var err error
			buf, err = appendValue(buf, entry.Key, *t.Key, ts)
			if err != nil {
				return nil, err
			}
			buf, err = appendValue(buf, entry.Val, *t.Val, ts)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil

	case sats.KindProduct:
		if len(v.Prod) != len(t.Elements) {
			return nil, errs.Newf(errs.Decode, "bsatn: product arity mismatch: value has %d elements, type has %d", len(v.Prod), len(t.Elements))
		}
		for i, elem := range t.Elements {
			var err error
			buf, err = appendValue(buf, v.Prod[i], elem.Type, ts)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil

	case sats.KindSum:
		if int(v.SumTag) >= len(t.Variants) {
			return nil, errs.Newf(errs.Decode, "bsatn: sum tag %d out of range (%d variants)", v.SumTag, len(t.Variants))
		}
		buf = append(buf, v.SumTag)
		if v.SumVal == nil {
			return nil, errs.Newf(errs.Decode, "bsatn: sum value missing payload for tag %d", v.SumTag)
		}
		return appendValue(buf, *v.SumVal, t.Variants[v.SumTag].Type, ts)

	default:
		return nil, errs.Newf(errs.Decode, "bsatn: unsupported type kind %s", t.Kind)
	}
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}
