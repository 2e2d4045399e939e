package host

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/schema"
	"github.com/spacetimedb/hostd/internal/storage"
)

// fakeModule stands in for a wasmer Guest so Runtime's calling discipline
// can be tested without a compiled wasm binary.
type fakeModule struct {
	result []byte
	err    error

	calledTx     *storage.Tx
	calledID     uint32
	calledSender Identity
	calledAddr   ConnectionId
	calledArgs   []byte
}

func (f *fakeModule) DescribeModule(ctx context.Context) ([]byte, error) {
	return f.result, f.err
}

func (f *fakeModule) CallReducer(ctx context.Context, tx *storage.Tx, id uint32, sender Identity, addr ConnectionId, timestamp uint64, args []byte) ([]byte, error) {
	f.calledTx = tx
	f.calledID = id
	f.calledSender = sender
	f.calledAddr = addr
	f.calledArgs = args
	return f.result, f.err
}

func newTestRuntime(t *testing.T, module ModuleInstance, def *schema.ModuleDef) (*Runtime, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	ts := sats.NewTypespace()
	store, err := storage.Open(dir, ts, 10)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRuntime(store, module, def, zerolog.Nop()), store
}

func TestInvokeCommitsOnEmptyResult(t *testing.T) {
	fake := &fakeModule{result: nil, err: nil}
	def := &schema.ModuleDef{Typespace: sats.NewTypespace(), Reducers: []schema.Reducer{{Name: "add", Params: sats.Product()}}}
	r, _ := newTestRuntime(t, fake, def)

	if err := r.Invoke(context.Background(), 0, Identity{}, ConnectionId{}, nil); err != nil {
		t.Fatalf("expected commit, got error: %v", err)
	}
	if fake.calledID != 0 {
		t.Fatalf("expected reducer id 0, got %d", fake.calledID)
	}
	if fake.calledTx == nil {
		t.Fatalf("expected CallReducer to receive a bound transaction")
	}
}

func TestInvokeRollsBackOnNonEmptyResult(t *testing.T) {
	fake := &fakeModule{result: []byte("boom"), err: nil}
	def := &schema.ModuleDef{Typespace: sats.NewTypespace(), Reducers: []schema.Reducer{{Name: "add", Params: sats.Product()}}}
	r, _ := newTestRuntime(t, fake, def)

	err := r.Invoke(context.Background(), 0, Identity{}, ConnectionId{}, nil)
	if err == nil {
		t.Fatalf("expected rollback error, got nil")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestInvokeRollsBackOnGuestTrap(t *testing.T) {
	fake := &fakeModule{result: nil, err: errors.New("guest panicked")}
	def := &schema.ModuleDef{Typespace: sats.NewTypespace(), Reducers: []schema.Reducer{{Name: "add", Params: sats.Product()}}}
	r, _ := newTestRuntime(t, fake, def)

	if err := r.Invoke(context.Background(), 0, Identity{}, ConnectionId{}, nil); err == nil {
		t.Fatalf("expected an error surfaced for a guest trap")
	}
}

func TestInvokeByNameResolvesReducerID(t *testing.T) {
	fake := &fakeModule{}
	def := &schema.ModuleDef{
		Typespace: sats.NewTypespace(),
		Reducers: []schema.Reducer{
			{Name: "first", Params: sats.Product()},
			{Name: "second", Params: sats.Product()},
		},
	}
	r, _ := newTestRuntime(t, fake, def)

	if err := r.InvokeByName(context.Background(), "second", Identity{}, ConnectionId{}, nil); err != nil {
		t.Fatalf("invoke by name: %v", err)
	}
	if fake.calledID != 1 {
		t.Fatalf("expected reducer id 1 for %q, got %d", "second", fake.calledID)
	}
}

func TestInvokeByNameUnknownReducer(t *testing.T) {
	fake := &fakeModule{}
	def := &schema.ModuleDef{Typespace: sats.NewTypespace()}
	r, _ := newTestRuntime(t, fake, def)

	if err := r.InvokeByName(context.Background(), "missing", Identity{}, ConnectionId{}, nil); err == nil {
		t.Fatalf("expected an error for an unknown reducer name")
	}
}

func TestInvokeScheduledRowEncodesRowAsSoleArgument(t *testing.T) {
	fake := &fakeModule{}
	rowType := sats.Product(sats.Field("id", sats.U64()))
	def := &schema.ModuleDef{
		Typespace: sats.NewTypespace(),
		Reducers:  []schema.Reducer{{Name: "on_due", Params: sats.Product(sats.Field("row", rowType))}},
	}
	r, _ := newTestRuntime(t, fake, def)

	row := sats.ProductVal(sats.U64Val(42))
	if err := r.InvokeScheduledRow(context.Background(), "on_due", row); err != nil {
		t.Fatalf("invoke scheduled row: %v", err)
	}
	if len(fake.calledArgs) == 0 {
		t.Fatalf("expected non-empty encoded args for the scheduled row")
	}
	if fake.calledSender != (Identity{}) || fake.calledAddr != (ConnectionId{}) {
		t.Fatalf("expected a scheduled invocation to use the zero identity and no connection")
	}
}

func TestIdentityLanesRoundTrip(t *testing.T) {
	var want Identity
	for i := range want {
		want[i] = byte(i + 1)
	}
	l0, l1, l2, l3 := want.Lanes()
	got := IdentityFromLanes(l0, l1, l2, l3)
	if got != want {
		t.Fatalf("identity lane round trip mismatch: got %v, want %v", got, want)
	}
}

func TestConnectionIdLanesRoundTripAndIsNone(t *testing.T) {
	if !(ConnectionId{}).IsNone() {
		t.Fatalf("expected the zero ConnectionId to report IsNone")
	}
	var want ConnectionId
	for i := range want {
		want[i] = byte(i + 10)
	}
	a0, a1 := want.Lanes()
	got := ConnectionIdFromLanes(a0, a1)
	if got != want {
		t.Fatalf("connection id lane round trip mismatch: got %v, want %v", got, want)
	}
	if got.IsNone() {
		t.Fatalf("expected a non-zero ConnectionId to not report IsNone")
	}
}

func TestBytesSourceReadsToExhaustion(t *testing.T) {
	src := NewBytesSource([]byte("hello"))
	buf := make([]byte, 3)

	n, status := src.Read(buf)
	if n != 3 || status != 0 {
		t.Fatalf("expected first read of 3 bytes with status 0, got n=%d status=%d", n, status)
	}
	n, status = src.Read(buf)
	if n != 2 || status != 0 {
		t.Fatalf("expected second read of 2 remaining bytes with status 0, got n=%d status=%d", n, status)
	}
	n, status = src.Read(buf)
	if n != 0 || status != -1 {
		t.Fatalf("expected an exhausted read to report n=0 status=-1, got n=%d status=%d", n, status)
	}
}

func TestSourceTableOpenGetClose(t *testing.T) {
	table := NewSourceTable()
	handle := table.Open([]byte("payload"))

	src, ok := table.Get(handle)
	if !ok || src == nil {
		t.Fatalf("expected the just-opened handle to be present")
	}
	table.Close(handle)
	if _, ok := table.Get(handle); ok {
		t.Fatalf("expected the handle to be gone after Close")
	}
}

func TestBufferTableAllocAndTake(t *testing.T) {
	table := NewBufferTable()

	if data, ok := table.Take(0); ok || data != nil {
		t.Fatalf("expected handle 0 to report ok=false, matching an empty ABI return buffer")
	}

	handle := table.Alloc([]byte("result"))
	data, ok := table.Take(handle)
	if !ok || string(data) != "result" {
		t.Fatalf("expected Take to return the allocated bytes, got %q ok=%v", data, ok)
	}
	if _, ok := table.Take(handle); ok {
		t.Fatalf("expected a second Take of the same handle to report ok=false")
	}
}
