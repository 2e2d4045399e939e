package page

import (
	"bytes"
	"testing"

	"github.com/spacetimedb/hostd/internal/blob"
	"github.com/spacetimedb/hostd/internal/sats"
)

func newTestPool(t *testing.T, rowType sats.AlgebraicType, ts *sats.Typespace) *Pool {
	t.Helper()
	bs, err := blob.Open(":memory:")
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	t.Cleanup(func() { bs.Close() })
	pool, err := NewPool(rowType, ts, bs)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool
}

func TestInsertGetRoundTrip(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(
		sats.Field("id", sats.U64()),
		sats.Field("name", sats.StringT()),
		sats.Field("active", sats.Bool()),
	)
	pool := newTestPool(t, rowType, ts)

	ptr, err := pool.Insert(sats.ProductVal(sats.U64Val(7), sats.StringVal("ferris"), sats.BoolVal(true)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := pool.Get(ptr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Prod[0].U64 != 7 || got.Prod[1].Str != "ferris" || !got.Prod[2].B {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestInsertLargeValueOffloadsToBlob(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(sats.Field("payload", sats.BytesT()))
	pool := newTestPool(t, rowType, ts)

	big := bytes.Repeat([]byte{0xAB}, BlobThreshold+100)
	ptr, err := pool.Insert(sats.ProductVal(sats.BytesVal(big)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := pool.Get(ptr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Prod[0].Arr) != len(big) {
		t.Fatalf("payload length mismatch: got %d want %d", len(got.Prod[0].Arr), len(big))
	}
	for i, b := range big {
		if got.Prod[0].Arr[i].U8 != b {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}

func TestDeleteFreesSlot(t *testing.T) {
	ts := sats.NewTypespace()
	rowType := sats.Product(sats.Field("id", sats.U32()), sats.Field("tag", sats.StringT()))
	pool := newTestPool(t, rowType, ts)

	ptr, err := pool.Insert(sats.ProductVal(sats.U32Val(1), sats.StringVal("x")))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pool.Delete(ptr); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
