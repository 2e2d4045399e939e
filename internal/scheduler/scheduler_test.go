package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/schema"
	"github.com/spacetimedb/hostd/internal/storage"
)

func timestampVal(unixMicro int64) sats.Value {
	return sats.ProductVal(sats.I64Val(unixMicro))
}

func newTestStore(t *testing.T) (*storage.Store, sats.AlgebraicType) {
	t.Helper()
	dir := t.TempDir()
	ts := sats.NewTypespace()
	rowType := sats.Product(
		sats.Field("at", sats.Product(sats.Field("micros", sats.I64()))),
		sats.Field("payload", sats.U64()),
	)
	store, err := storage.Open(dir, ts, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.RegisterTable(1, rowType); err != nil {
		t.Fatalf("register table: %v", err)
	}
	return store, rowType
}

func TestFiresEarliestDueRowAndDeletesIt(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now().UnixMicro()

	tx := store.BeginTx()
	if _, err := tx.Insert(1, sats.ProductVal(timestampVal(now+1_000_000), sats.U64Val(2))); err != nil {
		t.Fatalf("insert future row: %v", err)
	}
	if _, err := tx.Insert(1, sats.ProductVal(timestampVal(now-2_000_000), sats.U64Val(1))); err != nil {
		t.Fatalf("insert due row: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	var mu sync.Mutex
	var fired []uint64
	invoke := func(ctx context.Context, reducerName string, row sats.Value) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, row.Prod[1].U64)
		return nil
	}

	s := New(store, invoke, time.Hour, zerolog.Nop())
	s.Register(1, schema.Schedule{Column: 0, ReducerName: "on_due"})
	s.PollOnce(context.Background())

	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("expected only the due row (payload 1) to fire, got %v", fired)
	}

	check := store.BeginTx()
	rows, err := check.Scan(1)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 || rows[0].Prod[1].U64 != 2 {
		t.Fatalf("expected only the future row left, got %+v", rows)
	}
}

func TestFailedReducerLeavesRowForRetry(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now().UnixMicro()

	tx := store.BeginTx()
	if _, err := tx.Insert(1, sats.ProductVal(timestampVal(now-1_000_000), sats.U64Val(9))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	calls := 0
	invoke := func(ctx context.Context, reducerName string, row sats.Value) error {
		calls++
		return errors.New("reducer trapped")
	}

	s := New(store, invoke, time.Hour, zerolog.Nop())
	s.Register(1, schema.Schedule{Column: 0, ReducerName: "on_due"})
	s.PollOnce(context.Background())

	if calls != 1 {
		t.Fatalf("expected exactly one invocation before giving up, got %d", calls)
	}

	check := store.BeginTx()
	rows, err := check.Scan(1)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected the failed row to remain for retry, got %d rows", len(rows))
	}
}

// TestRecurringReducerReinsertingDoesNotBlockDeletion reproduces the
// normal recurring-job pattern: the fired reducer itself writes to the
// same scheduled table (re-inserting its own next-fire row) rather than
// just appending to a slice. The due row must still be deleted — a
// wildcard scan left open across the reducer's own commit would make
// every such recurring reducer's due row un-deletable forever.
func TestRecurringReducerReinsertingDoesNotBlockDeletion(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now().UnixMicro()

	tx := store.BeginTx()
	if _, err := tx.Insert(1, sats.ProductVal(timestampVal(now-1_000_000), sats.U64Val(1))); err != nil {
		t.Fatalf("insert due row: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	calls := 0
	invoke := func(ctx context.Context, reducerName string, row sats.Value) error {
		calls++
		// Mimic a recurring reducer scheduling its own next run by
		// writing a new row into the very table the scheduler polls.
		inner := store.BeginTx()
		if _, err := inner.Insert(1, sats.ProductVal(timestampVal(now+1_000_000), sats.U64Val(2))); err != nil {
			inner.Rollback()
			return err
		}
		_, err := inner.Commit()
		return err
	}

	s := New(store, invoke, time.Hour, zerolog.Nop())
	s.Register(1, schema.Schedule{Column: 0, ReducerName: "on_due_recurring"})
	s.PollOnce(context.Background())

	if calls != 1 {
		t.Fatalf("expected exactly one invocation, got %d", calls)
	}

	check := store.BeginTx()
	rows, err := check.Scan(1)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 || rows[0].Prod[1].U64 != 2 {
		t.Fatalf("expected the due row deleted and only the reinserted next-fire row left, got %+v", rows)
	}
}

func TestNoDueRowsFiresNothing(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now().UnixMicro()

	tx := store.BeginTx()
	if _, err := tx.Insert(1, sats.ProductVal(timestampVal(now+1_000_000), sats.U64Val(1))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	invoke := func(ctx context.Context, reducerName string, row sats.Value) error {
		t.Fatalf("reducer should not fire for a future row")
		return nil
	}

	s := New(store, invoke, time.Hour, zerolog.Nop())
	s.Register(1, schema.Schedule{Column: 0, ReducerName: "on_due"})
	s.PollOnce(context.Background())
}
