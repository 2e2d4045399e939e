package bsatn

import (
	"bytes"
	"testing"

	"github.com/spacetimedb/hostd/internal/sats"
)

func TestProductRoundTrip(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(
		sats.Field("id", sats.U64()),
		sats.Field("name", sats.StringT()),
	)

	value := sats.ProductVal(sats.U64Val(42), sats.StringVal("ada"))

	got, err := Encode(value, rowType, ts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{
		0x2A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x61, 0x64, 0x61,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("encode mismatch:\n got  % x\n want % x", got, want)
	}

	decoded, err := Decode(got, rowType, ts)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Prod[0].U64 != 42 || decoded.Prod[1].Str != "ada" {
		t.Fatalf("decode mismatch: %+v", decoded)
	}
}

func TestOptionSumRoundTrip(t *testing.T) {
	ts := sats.NewTypespace()
	optU32 := sats.Option(sats.U32())

	some7, err := Encode(sats.SomeVal(sats.U32Val(7)), optU32, ts)
	if err != nil {
		t.Fatalf("encode some: %v", err)
	}
	if !bytes.Equal(some7, []byte{0x00, 0x07, 0x00, 0x00, 0x00}) {
		t.Fatalf("some(7) encoding mismatch: % x", some7)
	}

	none, err := Encode(sats.NoneVal(), optU32, ts)
	if err != nil {
		t.Fatalf("encode none: %v", err)
	}
	if !bytes.Equal(none, []byte{0x01}) {
		t.Fatalf("none encoding mismatch: % x", none)
	}

	decodedSome, err := Decode(some7, optU32, ts)
	if err != nil {
		t.Fatalf("decode some: %v", err)
	}
	if decodedSome.SumTag != 0 || decodedSome.SumVal.U32 != 7 {
		t.Fatalf("decode some mismatch: %+v", decodedSome)
	}

	decodedNone, err := Decode(none, optU32, ts)
	if err != nil {
		t.Fatalf("decode none: %v", err)
	}
	if decodedNone.SumTag != 1 {
		t.Fatalf("decode none mismatch: %+v", decodedNone)
	}
}

func TestDecodeTrailingBytesRejected(t *testing.T) {
	ts := sats.NewTypespace()
	_, err := Decode([]byte{0x01, 0xFF}, sats.Bool(), ts)
	if err == nil {
		t.Fatal("expected trailing-bytes error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonTrailingBytes {
		t.Fatalf("expected ReasonTrailingBytes, got %v", err)
	}
}

func TestDecodeWrongSumTag(t *testing.T) {
	ts := sats.NewTypespace()
	optU32 := sats.Option(sats.U32())
	_, err := Decode([]byte{0x02}, optU32, ts)
	if err == nil {
		t.Fatal("expected wrong-tag error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonWrongTag {
		t.Fatalf("expected ReasonWrongTag, got %v", err)
	}
}

func TestArrayRoundTrip(t *testing.T) {
	ts := sats.NewTypespace()
	byteArr := sats.BytesT()
	v := sats.BytesVal([]byte{1, 2, 3})

	enc, err := Encode(v, byteArr, ts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x03, 0x00, 0x00, 0x00, 1, 2, 3}
	if !bytes.Equal(enc, want) {
		t.Fatalf("array encoding mismatch: % x", enc)
	}

	dec, err := Decode(enc, byteArr, ts)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dec.Arr) != 3 || dec.Arr[1].U8 != 2 {
		t.Fatalf("array decode mismatch: %+v", dec)
	}
}
