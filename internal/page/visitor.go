package page

import (
	"encoding/binary"
	"math"

	"github.com/spacetimedb/hostd/internal/blob"
	"github.com/spacetimedb/hostd/internal/bsatn"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
)

// encodeVarField and decodeVarField delegate a var-len field's bytes to the
// BSATN codec: the granule chain stores exactly what would cross the wire
// for that field, so a row's storage representation and its subscription
// delta representation are byte-identical.
func encodeVarField(t sats.AlgebraicType, v sats.Value, ts *sats.Typespace) ([]byte, error) {
	return bsatn.Encode(v, t, ts)
}

func decodeVarField(t sats.AlgebraicType, data []byte, ts *sats.Typespace) (sats.Value, error) {
	return bsatn.Decode(data, t, ts)
}

// varLenRefWidth is the constant frame width reserved for a VarLenRef:
// length(4) + first_granule(4) + in_blob(1) + blob_hash(32).
const varLenRefWidth = 4 + 4 + 1 + 32

// fieldOp is one step of a row type's compiled visitor program: either a
// fixed-width field written/read directly at a frame offset, or a var-len
// field whose frame slot holds a VarLenRef.
type fieldOp struct {
	offset  uint32
	size    uint32
	varLen  bool
	colType sats.AlgebraicType
}

// Program is the compiled visitor for one row type: a fixed frame layout
// plus the ordered list of fields to walk on write/read. The order here is
// the only order write_row/read_row may use — a mismatch between them is
// the one thing this package's contract explicitly forbids.
type Program struct {
	frameSize uint32
	ops       []fieldOp
	rowType   sats.AlgebraicType
	ts        *sats.Typespace
}

// Compile builds a Program for rowType, which must resolve to a Product.
func Compile(rowType sats.AlgebraicType, ts *sats.Typespace) (*Program, error) {
	resolved, err := ts.Resolve(rowType)
	if err != nil {
		return nil, err
	}
	if resolved.Kind != sats.KindProduct {
		return nil, errs.Newf(errs.Validation, "page: row type must be a Product, got %s", resolved.Kind)
	}

	p := &Program{rowType: rowType, ts: ts}
	var offset uint32
	for _, elem := range resolved.Elements {
		size, fixed, err := fixedWidth(elem.Type, ts)
		if err != nil {
			return nil, err
		}
		if fixed {
			p.ops = append(p.ops, fieldOp{offset: offset, size: size, colType: elem.Type})
			offset += size
		} else {
			p.ops = append(p.ops, fieldOp{offset: offset, size: varLenRefWidth, varLen: true, colType: elem.Type})
			offset += varLenRefWidth
		}
	}
	p.frameSize = offset
	return p, nil
}

// fixedWidth reports the byte width of t if it has one statically, i.e. it
// contains no String/Array/Map/Sum anywhere in its structure.
func fixedWidth(t sats.AlgebraicType, ts *sats.Typespace) (uint32, bool, error) {
	resolved, err := ts.Resolve(t)
	if err != nil {
		return 0, false, err
	}
	switch resolved.Kind {
	case sats.KindBool, sats.KindI8, sats.KindU8:
		return 1, true, nil
	case sats.KindI16, sats.KindU16:
		return 2, true, nil
	case sats.KindI32, sats.KindU32, sats.KindF32:
		return 4, true, nil
	case sats.KindI64, sats.KindU64, sats.KindF64:
		return 8, true, nil
	case sats.KindI128, sats.KindU128:
		return 16, true, nil
	case sats.KindI256, sats.KindU256:
		return 32, true, nil
	case sats.KindProduct:
		var total uint32
		for _, elem := range resolved.Elements {
			w, fixed, err := fixedWidth(elem.Type, ts)
			if err != nil {
				return 0, false, err
			}
			if !fixed {
				return 0, false, nil
			}
			total += w
		}
		return total, true, nil
	default:
		// String, Array, Map, and Sum (tag may select variable-width
		// variants) are always treated as var-len fields.
		return 0, false, nil
	}
}

// FrameSize is the constant byte width of this row type's fixed-part slot.
func (p *Program) FrameSize() uint32 { return p.frameSize }

// WriteRow encodes value (which must match p's row type) into pg's
// fixed-part region at a freshly allocated slot, chaining var-len fields
// into granules. On any failure all var-len allocations made so far for
// this row are rolled back and the fixed slot is freed before the error is
// returned.
func (p *Program) WriteRow(pg *Page, bs *blob.Store, value sats.Value) (Offset, error) {
	if len(value.Prod) != len(p.ops) {
		return 0, errs.Newf(errs.Validation, "page: row has %d fields, type has %d", len(value.Prod), len(p.ops))
	}

	off := pg.AllocFixed(p.frameSize)
	frame := make([]byte, p.frameSize)

	var varRefsWritten []VarLenRef
	rollbackVar := func() {
		for _, ref := range varRefsWritten {
			pg.FreeVar(ref, bs)
		}
		pg.FreeFixed(off, p.frameSize)
	}

	for i, op := range p.ops {
		fv := value.Prod[i]
		if !op.varLen {
			if err := writeFixed(frame[op.offset:op.offset+op.size], op.colType, fv); err != nil {
				rollbackVar()
				return 0, err
			}
			continue
		}
		encoded, err := encodeVarField(op.colType, fv, p.ts)
		if err != nil {
			rollbackVar()
			return 0, err
		}
		ref, _, err := pg.AllocVar(encoded, bs)
		if err != nil {
			rollbackVar()
			return 0, err
		}
		varRefsWritten = append(varRefsWritten, ref)
		putVarLenRef(frame[op.offset:op.offset+op.size], ref)
	}

	pg.writeFrame(off, frame)
	return off, nil
}

// ReadRow is the inverse of WriteRow: it must visit fields in exactly the
// same order WriteRow did, or the var-len granule chain positions would
// desynchronize from the frame's VarLenRef slots.
func (p *Program) ReadRow(pg *Page, bs *blob.Store, off Offset) (sats.Value, error) {
	frame := pg.readFrame(off, p.frameSize)
	elems := make([]sats.Value, len(p.ops))
	for i, op := range p.ops {
		if !op.varLen {
			v, err := readFixed(frame[op.offset:op.offset+op.size], op.colType)
			if err != nil {
				return sats.Value{}, err
			}
			elems[i] = v
			continue
		}
		ref := getVarLenRef(frame[op.offset : op.offset+op.size])
		raw, err := pg.ReadVar(ref, bs)
		if err != nil {
			return sats.Value{}, err
		}
		v, err := decodeVarField(op.colType, raw, p.ts)
		if err != nil {
			return sats.Value{}, err
		}
		elems[i] = v
	}
	return sats.Value{Kind: sats.KindProduct, Prod: elems}, nil
}

// FreeRow releases off's fixed slot and every var-len chain/blob it owns.
func (p *Program) FreeRow(pg *Page, bs *blob.Store, off Offset) error {
	frame := pg.readFrame(off, p.frameSize)
	for _, op := range p.ops {
		if !op.varLen {
			continue
		}
		ref := getVarLenRef(frame[op.offset : op.offset+op.size])
		if err := pg.FreeVar(ref, bs); err != nil {
			return err
		}
	}
	pg.FreeFixed(off, p.frameSize)
	return nil
}

func writeFixed(dst []byte, t sats.AlgebraicType, v sats.Value) error {
	switch t.Kind {
	case sats.KindBool:
		if v.B {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case sats.KindI8:
		dst[0] = byte(v.I8)
	case sats.KindU8:
		dst[0] = v.U8
	case sats.KindI16:
		binary.LittleEndian.PutUint16(dst, uint16(v.I16))
	case sats.KindU16:
		binary.LittleEndian.PutUint16(dst, v.U16)
	case sats.KindI32:
		binary.LittleEndian.PutUint32(dst, uint32(v.I32))
	case sats.KindU32:
		binary.LittleEndian.PutUint32(dst, v.U32)
	case sats.KindF32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v.F32))
	case sats.KindI64:
		binary.LittleEndian.PutUint64(dst, uint64(v.I64))
	case sats.KindU64:
		binary.LittleEndian.PutUint64(dst, v.U64)
	case sats.KindF64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v.F64))
	case sats.KindI128:
		copy(dst, v.I128[:])
	case sats.KindU128:
		copy(dst, v.U128[:])
	case sats.KindI256:
		copy(dst, v.I256[:])
	case sats.KindU256:
		copy(dst, v.U256[:])
	default:
		return errs.Newf(errs.Validation, "page: %s is not a fixed-width field", t.Kind)
	}
	return nil
}

func readFixed(src []byte, t sats.AlgebraicType) (sats.Value, error) {
	switch t.Kind {
	case sats.KindBool:
		return sats.BoolVal(src[0] != 0), nil
	case sats.KindI8:
		return sats.I8Val(int8(src[0])), nil
	case sats.KindU8:
		return sats.U8Val(src[0]), nil
	case sats.KindI16:
		return sats.I16Val(int16(binary.LittleEndian.Uint16(src))), nil
	case sats.KindU16:
		return sats.U16Val(binary.LittleEndian.Uint16(src)), nil
	case sats.KindI32:
		return sats.I32Val(int32(binary.LittleEndian.Uint32(src))), nil
	case sats.KindU32:
		return sats.U32Val(binary.LittleEndian.Uint32(src)), nil
	case sats.KindF32:
		return sats.F32Val(math.Float32frombits(binary.LittleEndian.Uint32(src))), nil
	case sats.KindI64:
		return sats.I64Val(int64(binary.LittleEndian.Uint64(src))), nil
	case sats.KindU64:
		return sats.U64Val(binary.LittleEndian.Uint64(src)), nil
	case sats.KindF64:
		return sats.F64Val(math.Float64frombits(binary.LittleEndian.Uint64(src))), nil
	case sats.KindI128:
		var w sats.Int128
		copy(w[:], src)
		return sats.Value{Kind: sats.KindI128, I128: w}, nil
	case sats.KindU128:
		var w sats.Uint128
		copy(w[:], src)
		return sats.Value{Kind: sats.KindU128, U128: w}, nil
	case sats.KindI256:
		var w sats.Int256
		copy(w[:], src)
		return sats.Value{Kind: sats.KindI256, I256: w}, nil
	case sats.KindU256:
		var w sats.Uint256
		copy(w[:], src)
		return sats.Value{Kind: sats.KindU256, U256: w}, nil
	default:
		return sats.Value{}, errs.Newf(errs.Validation, "page: %s is not a fixed-width field", t.Kind)
	}
}

func putVarLenRef(dst []byte, ref VarLenRef) {
	binary.LittleEndian.PutUint32(dst[0:4], ref.Length)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(ref.FirstGranule))
	if ref.InBlob {
		dst[8] = 1
	}
	copy(dst[9:41], ref.BlobHash[:])
}

func getVarLenRef(src []byte) VarLenRef {
	var ref VarLenRef
	ref.Length = binary.LittleEndian.Uint32(src[0:4])
	ref.FirstGranule = GranuleIdx(binary.LittleEndian.Uint32(src[4:8]))
	ref.InBlob = src[8] != 0
	copy(ref.BlobHash[:], src[9:41])
	return ref
}
