// Package scheduler drives timer-fired reducer calls for tables that
// declare a schedule: each registered table is polled for rows whose due
// timestamp has passed, and the earliest such row is fired into its named
// reducer in its own transaction.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
	"github.com/spacetimedb/hostd/internal/schema"
	"github.com/spacetimedb/hostd/internal/storage"
)

// Invoke runs the named reducer with row as its argument, inside its own
// transaction. The host wires this to its module ABI dispatch; the
// scheduler itself never touches wasm.
type Invoke func(ctx context.Context, reducerName string, row sats.Value) error

type scheduledTable struct {
	tableID uint32
	sched   schema.Schedule
}

// Scheduler polls a fixed set of scheduled tables at a fixed interval.
// Firing policy is fire-once: a due row's reducer runs exactly once, and
// the row is deleted on success. A reducer that returns an error leaves
// the row in place to be retried on the next tick.
type Scheduler struct {
	store    *storage.Store
	invoke   Invoke
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	tables []scheduledTable

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Scheduler that polls store every interval, invoking due
// reducers through invoke.
func New(store *storage.Store, invoke Invoke, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		invoke:   invoke,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds tableID to the set of tables polled for due rows. sched's
// Column must be the Timestamp column validated by schema.Validate.
func (s *Scheduler) Register(tableID uint32, sched schema.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = append(s.tables, scheduledTable{tableID: tableID, sched: sched})
}

// Start begins the poll loop in its own goroutine.
func (s *Scheduler) Start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Stop signals the poll loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.PollOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// PollOnce runs a single poll cycle over every registered table, firing
// and deleting every row whose schedule column is due as of now. Errors
// firing one table are logged and do not stop the remaining tables.
func (s *Scheduler) PollOnce(ctx context.Context) {
	s.mu.Lock()
	tables := append([]scheduledTable(nil), s.tables...)
	s.mu.Unlock()

	now := time.Now().UnixMicro()
	for _, t := range tables {
		if err := s.pollTable(ctx, t, now); err != nil {
			s.logger.Error().Err(err).Uint32("table_id", t.tableID).Str("reducer", t.sched.ReducerName).Msg("scheduled poll failed")
		}
	}
}

// pollTable fires every due row of one table, one commit per row, stopping
// at the first row whose due time is still in the future.
func (s *Scheduler) pollTable(ctx context.Context, t scheduledTable, now int64) error {
	for {
		fired, err := s.fireNextDue(ctx, t, now)
		if err != nil {
			return err
		}
		if !fired {
			return nil
		}
	}
}

// fireNextDue finds the earliest-due row in t's table, invokes its
// reducer, and deletes the row on success. It returns false if no row is
// currently due.
//
// The scan and the delete run in two separate transactions bracketing
// the reducer call, rather than one transaction held open across it.
// s.invoke (wired to host.Runtime.InvokeScheduledRow) commits its own,
// independent transaction against the same store; a reducer firing on a
// scheduled table commonly re-inserts its own next-fire row into that
// same table (a recurring job), which lands in the commit history as a
// write to t.tableID. If the scan above stayed open as a single
// transaction spanning the reducer call, its ScanWithKeys read would
// still be holding a whole-table wildcard read (tx.go's
// wildcardReads), and the reducer's own commit touching that table
// would always be seen as an overlapping write — so the delete's
// Commit would return ErrConflict on every recurring reducer, and the
// due row would never be removed. Scanning read-only up front, then
// reopening a fresh transaction afterward that only Gets the one row it
// means to delete, means the delete's own read-set is a single key: it
// only conflicts with a write to that exact row, not any write
// elsewhere in the table.
func (s *Scheduler) fireNextDue(ctx context.Context, t scheduledTable, now int64) (bool, error) {
	scanTx := s.store.BeginTx()
	keys, rows, err := scanTx.ScanWithKeys(t.tableID)
	scanTx.Rollback()
	if err != nil {
		return false, err
	}

	bestIdx := -1
	var bestDue int64
	for i, row := range rows {
		due, err := dueAt(row, t.sched.Column)
		if err != nil {
			return false, err
		}
		if due > now {
			continue
		}
		if bestIdx == -1 || due < bestDue {
			bestIdx = i
			bestDue = due
		}
	}
	if bestIdx == -1 {
		return false, nil
	}

	row := rows[bestIdx]
	key := keys[bestIdx]

	if err := s.invoke(ctx, t.sched.ReducerName, row); err != nil {
		return false, errs.Wrap(errs.Storage, err)
	}

	delTx := s.store.BeginTx()
	if _, ok, err := delTx.Get(t.tableID, key); err != nil {
		delTx.Rollback()
		return false, err
	} else if !ok {
		// The reducer (or a concurrent poll) already removed this row.
		delTx.Rollback()
		return true, nil
	}
	if err := delTx.Delete(t.tableID, key); err != nil {
		delTx.Rollback()
		return false, err
	}
	if _, err := delTx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// dueAt reads the microseconds-since-epoch value out of row's Timestamp
// column, which is always a Product wrapping a single i64.
func dueAt(row sats.Value, column uint32) (int64, error) {
	if row.Kind != sats.KindProduct || int(column) >= len(row.Prod) {
		return 0, errs.Newf(errs.Storage, "scheduler: row missing schedule column %d", column)
	}
	ts := row.Prod[column]
	if ts.Kind != sats.KindProduct || len(ts.Prod) != 1 {
		return 0, errs.Newf(errs.Storage, "scheduler: schedule column %d is not a Timestamp", column)
	}
	inner := ts.Prod[0]
	if inner.Kind != sats.KindI64 {
		return 0, errs.Newf(errs.Storage, "scheduler: schedule column %d is not a Timestamp", column)
	}
	return inner.I64, nil
}
