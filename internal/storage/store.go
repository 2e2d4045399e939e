package storage

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/spacetimedb/hostd/internal/blob"
	"github.com/spacetimedb/hostd/internal/bsatn"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/metrics"
	"github.com/spacetimedb/hostd/internal/page"
	"github.com/spacetimedb/hostd/internal/sats"
)

// Table is one table's live page pool plus its committed key index.
type Table struct {
	ID        uint32
	RowType   sats.AlgebraicType
	pool      *page.Pool
	committed map[string]rowEntry
}

type rowEntry struct {
	ptr           page.Pointer
	commitVersion uint64
}

type tableKey struct {
	TableID uint32
	Key     string
}

type commitHistoryEntry struct {
	version  uint64
	touched  map[tableKey]struct{}
	tables   map[uint32]struct{}
}

// CommitResult is returned by a successful Tx.Commit. Frozen is non-nil
// only on the commit that crossed the batch threshold and triggered a WAL
// flush.
type CommitResult struct {
	Version uint64
	Frozen  *Commit
	Deltas  []RowDelta
}

// RowDelta is one row-level effect of a committed transaction, decoded
// back to a sats.Value so a broadcaster can re-encode it per subscriber
// without re-reading the store. Produced alongside the Write it mirrors,
// not read back from it, since a delete's row value no longer exists in
// the table once Commit applies it.
type RowDelta struct {
	TableID uint32
	Op      Op
	Row     sats.Value
}

// Store is the transactional engine for one database: a page pool per
// table, a shared blob store for large var-len and large-row offload, and
// a WAL of frozen commits.
type Store struct {
	mu sync.Mutex

	ts        *sats.Typespace
	blobStore *blob.Store
	wal       *WAL

	tables map[uint32]*Table

	commitCounter  uint64
	lastHash       [32]byte
	unwritten      []Transaction
	batchThreshold int
	history        []commitHistoryEntry

	database string
	logger   zerolog.Logger
}

// Open opens (or creates) the blob store and WAL under dataDir. Call
// RegisterTable for every table before calling Recover. The store logs
// nothing and attributes metrics to an empty database name until Observe
// is called.
func Open(dataDir string, ts *sats.Typespace, batchThreshold int) (*Store, error) {
	if batchThreshold < 1 {
		batchThreshold = 1
	}
	bs, err := blob.Open(filepath.Join(dataDir, "blobs.sqlite"))
	if err != nil {
		return nil, err
	}
	wal, err := OpenWAL(filepath.Join(dataDir, "commit.wal"), zerolog.Nop())
	if err != nil {
		bs.Close()
		return nil, err
	}
	return &Store{
		ts:             ts,
		blobStore:      bs,
		wal:            wal,
		tables:         make(map[uint32]*Table),
		batchThreshold: batchThreshold,
		logger:         zerolog.Nop(),
	}, nil
}

// Observe attaches the database name and logger commit/conflict/rollback
// events and internal/metrics counters are tagged with. A host process
// calls this once, right after Open, with the database's own name and
// component logger; a Store left unobserved (as in most unit tests) just
// logs nothing and counts against an empty database name.
func (s *Store) Observe(database string, logger zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.database = database
	s.logger = logger.With().Str("component", "storage").Logger()
	s.wal.logger = logger.With().Str("component", "wal").Logger()
}

func tableTag(tableID uint32) string {
	return strconv.FormatUint(uint64(tableID), 10)
}

// recordCommit logs and counts a successful commit touching tables.
func (s *Store) recordCommit(version uint64, tables map[uint32]struct{}) {
	for tableID := range tables {
		metrics.IncOp(s.database, tableTag(tableID), "commit")
	}
	s.logger.Debug().Uint64("version", version).Int("tables", len(tables)).Msg("commit")
}

// recordConflict logs and counts a commit rejected by read-set validation.
func (s *Store) recordConflict(tx *Tx) {
	tables := make(map[uint32]struct{}, len(tx.wildcardReads))
	for tableID := range tx.wildcardReads {
		tables[tableID] = struct{}{}
	}
	for tk := range tx.readSet {
		tables[tk.TableID] = struct{}{}
	}
	for tableID := range tables {
		metrics.IncOp(s.database, tableTag(tableID), "conflict")
	}
	s.logger.Warn().Uint64("begin_version", tx.beginVersion).Int("tables", len(tables)).Msg("commit conflict")
}

// recordRollback logs and counts a transaction discarded instead of
// committed, attributed to every table it staged a write against.
func (s *Store) recordRollback(tx *Tx) {
	tables := make(map[uint32]struct{}, len(tx.writeSet))
	for _, w := range tx.writeSet {
		tables[w.TableID] = struct{}{}
	}
	for tableID := range tables {
		metrics.IncOp(s.database, tableTag(tableID), "rollback")
	}
	s.logger.Debug().Int("staged_writes", len(tx.writeSet)).Msg("rollback")
}

func (s *Store) Close() error {
	walErr := s.wal.Close()
	blobErr := s.blobStore.Close()
	if walErr != nil {
		return walErr
	}
	return blobErr
}

// RegisterTable creates an empty page pool for tableID. Must be called
// before Recover and before any transaction references the table.
func (s *Store) RegisterTable(tableID uint32, rowType sats.AlgebraicType) error {
	pool, err := page.NewPool(rowType, s.ts, s.blobStore)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[tableID] = &Table{ID: tableID, RowType: rowType, pool: pool, committed: make(map[string]rowEntry)}
	return nil
}

// Recover replays the WAL from the start, rebuilding every registered
// table's committed index and resuming the commit counter and chain hash
// from the last fully-parsed record.
func (s *Store) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Replay(func(commit *Commit) error {
		for _, txn := range commit.Txns {
			version := s.commitCounter + 1
			for _, w := range txn.Writes {
				table, ok := s.tables[w.TableID]
				if !ok {
					return errs.Newf(errs.Storage, "storage: WAL references unregistered table %d", w.TableID)
				}
				switch w.Op {
				case OpInsert:
					rowBytes, err := rowBytesOf(w.Key, s.blobStore)
					if err != nil {
						return err
					}
					value, err := bsatn.Decode(rowBytes, table.RowType, s.ts)
					if err != nil {
						return errs.Wrap(errs.Decode, err)
					}
					ptr, err := table.pool.Insert(value)
					if err != nil {
						return err
					}
					table.committed[w.Key.String()] = rowEntry{ptr: ptr, commitVersion: version}
				case OpDelete:
					if entry, ok := table.committed[w.Key.String()]; ok {
						if err := table.pool.Delete(entry.ptr); err != nil {
							return err
						}
						delete(table.committed, w.Key.String())
					}
				}
			}
			s.commitCounter = version
		}
		s.lastHash = commit.Hash
		return nil
	})
}
