package bsatn

import (
	"encoding/binary"
	"math"

	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
)

// DecodeError distinguishes the specific ways a BSATN payload can fail to
// parse, beyond the generic errs.Decode tag.
type DecodeError struct {
	Reason string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "bsatn: " + e.Reason
	}
	return "bsatn: " + e.Reason + ": " + e.Detail
}

func (e *DecodeError) Is(target error) bool {
	return target == errs.Decode
}

const (
	ReasonWrongTag        = "wrong sum tag"
	ReasonMissingField    = "missing product field"
	ReasonUnknownField    = "unknown field name"
	ReasonLengthOverflow  = "length prefix overflow"
	ReasonTrailingBytes   = "trailing bytes"
	ReasonUnexpectedEOF   = "unexpected end of input"
)

func decodeErr(reason, detail string) error {
	return &DecodeError{Reason: reason, Detail: detail}
}

// Decode parses buf as a value of type t, using ts to resolve Ref types.
// Decode requires the entire buffer to be consumed; leftover bytes are a
// ReasonTrailingBytes error.
func Decode(buf []byte, t sats.AlgebraicType, ts *sats.Typespace) (sats.Value, error) {
	d := &decoder{buf: buf}
	v, err := d.value(t, ts)
	if err != nil {
		return sats.Value{}, err
	}
	if d.pos != len(d.buf) {
		return sats.Value{}, decodeErr(ReasonTrailingBytes, "")
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) need(n int) error {
	if len(d.buf)-d.pos < n {
		return decodeErr(ReasonUnexpectedEOF, "")
	}
	return nil
}

func (d *decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) bytesN(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.bytesN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.bytesN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.bytesN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// maxLenPrefix bounds a single length-prefixed allocation. BSATN length
// prefixes are u32 and a hostile or corrupt payload claiming e.g. 4 billion
// elements should fail fast rather than attempt the allocation.
const maxLenPrefix = 1 << 28

func (d *decoder) lenPrefix() (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if n > maxLenPrefix {
		return 0, decodeErr(ReasonLengthOverflow, "")
	}
	if int(n) > len(d.buf)-d.pos {
		return 0, decodeErr(ReasonLengthOverflow, "")
	}
	return int(n), nil
}

func (d *decoder) value(t sats.AlgebraicType, ts *sats.Typespace) (sats.Value, error) {
	if t.Kind == sats.KindRef {
		resolved, err := ts.Get(t.Ref)
		if err != nil {
			return sats.Value{}, errs.Wrap(errs.Decode, err)
		}
		return d.value(resolved, ts)
	}

	switch t.Kind {
	case sats.KindBool:
		b, err := d.byte()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.BoolVal(b != 0), nil
	case sats.KindI8:
		b, err := d.byte()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.I8Val(int8(b)), nil
	case sats.KindU8:
		b, err := d.byte()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.U8Val(b), nil
	case sats.KindI16:
		v, err := d.u16()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.I16Val(int16(v)), nil
	case sats.KindU16:
		v, err := d.u16()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.U16Val(v), nil
	case sats.KindI32:
		v, err := d.u32()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.I32Val(int32(v)), nil
	case sats.KindU32:
		v, err := d.u32()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.U32Val(v), nil
	case sats.KindI64:
		v, err := d.u64()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.I64Val(int64(v)), nil
	case sats.KindU64:
		v, err := d.u64()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.U64Val(v), nil
	case sats.KindI128:
		b, err := d.bytesN(16)
		if err != nil {
			return sats.Value{}, err
		}
		var w sats.Int128
		copy(w[:], b)
		return sats.Value{Kind: sats.KindI128, I128: w}, nil
	case sats.KindU128:
		b, err := d.bytesN(16)
		if err != nil {
			return sats.Value{}, err
		}
		var w sats.Uint128
		copy(w[:], b)
		return sats.Value{Kind: sats.KindU128, U128: w}, nil
	case sats.KindI256:
		b, err := d.bytesN(32)
		if err != nil {
			return sats.Value{}, err
		}
		var w sats.Int256
		copy(w[:], b)
		return sats.Value{Kind: sats.KindI256, I256: w}, nil
	case sats.KindU256:
		b, err := d.bytesN(32)
		if err != nil {
			return sats.Value{}, err
		}
		var w sats.Uint256
		copy(w[:], b)
		return sats.Value{Kind: sats.KindU256, U256: w}, nil
	case sats.KindF32:
		v, err := d.u32()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.F32Val(math.Float32frombits(v)), nil
	case sats.KindF64:
		v, err := d.u64()
		if err != nil {
			return sats.Value{}, err
		}
		return sats.F64Val(math.Float64frombits(v)), nil
	case sats.KindString:
		n, err := d.lenPrefix()
		if err != nil {
			return sats.Value{}, err
		}
		b, err := d.bytesN(n)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.StringVal(string(b)), nil

	case sats.KindArray:
		n, err := d.lenPrefix()
		if err != nil {
			return sats.Value{}, err
		}
		elems := make([]sats.Value, n)
		for i := 0; i < n; i++ {
			elems[i], err = d.value(*t.Elem, ts)
			if err != nil {
				return sats.Value{}, err
			}
		}
		return sats.Value{Kind: sats.KindArray, Arr: elems}, nil

	case sats.KindMap:
		n, err := d.lenPrefix()
		if err != nil {
			return sats.Value{}, err
		}
		entries := make([]sats.MapEntry, n)
		for i := 0; i < n; i++ {
			k, err := d.value(*t.Key, ts)
			if err != nil {
				return sats.Value{}, err
			}
			v, err := d.value(*t.Val, ts)
			if err != nil {
				return sats.Value{}, err
			}
			entries[i] = sats.MapEntry{Key: k, Val: v}
		}
		return sats.Value{Kind: sats.KindMap, M: entries}, nil

	case sats.KindProduct:
		elems := make([]sats.Value, len(t.Elements))
		for i, elem := range t.Elements {
			v, err := d.value(elem.Type, ts)
			if err != nil {
				if elem.Name != nil {
					return sats.Value{}, decodeErr(ReasonMissingField, *elem.Name)
				}
				return sats.Value{}, err
			}
			elems[i] = v
		}
		return sats.Value{Kind: sats.KindProduct, Prod: elems}, nil

	case sats.KindSum:
		tag, err := d.byte()
		if err != nil {
			return sats.Value{}, err
		}
		if int(tag) >= len(t.Variants) {
			return sats.Value{}, decodeErr(ReasonWrongTag, "")
		}
		payload, err := d.value(t.Variants[tag].Type, ts)
		if err != nil {
			return sats.Value{}, err
		}
		return sats.SumVal(tag, payload), nil

	default:
		return sats.Value{}, errs.Newf(errs.Decode, "bsatn: unsupported type kind %s", t.Kind)
	}
}
