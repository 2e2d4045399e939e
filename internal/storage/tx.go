package storage

import (
	"github.com/spacetimedb/hostd/internal/bsatn"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/page"
	"github.com/spacetimedb/hostd/internal/sats"
)

// Tx is a single transaction's view of the store: a snapshot taken at
// BeginTx, a read-set and write-set accumulated as operations run, and
// local overlays so a transaction observes its own uncommitted writes.
type Tx struct {
	store *Store

	beginVersion uint64
	writeSet     []Write

	readSet       map[tableKey]struct{}
	wildcardReads map[uint32]struct{}

	localInserted map[tableKey]page.Pointer
	localDeleted  map[tableKey]struct{}

	done bool
}

// BeginTx snapshots the store's current commit version and returns a fresh
// Tx with empty read-set and write-set.
func (s *Store) BeginTx() *Tx {
	s.mu.Lock()
	version := s.commitCounter
	s.mu.Unlock()
	return &Tx{
		store:         s,
		beginVersion:  version,
		readSet:       make(map[tableKey]struct{}),
		wildcardReads: make(map[uint32]struct{}),
		localInserted: make(map[tableKey]page.Pointer),
		localDeleted:  make(map[tableKey]struct{}),
	}
}

func (tx *Tx) table(tableID uint32) (*Table, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	t, ok := tx.store.tables[tableID]
	if !ok {
		return nil, errs.Newf(errs.Storage, "storage: unknown table %d", tableID)
	}
	return t, nil
}

// Insert encodes value, stages it for this transaction's commit, and
// eagerly writes it into the table's page pool so later reads in the same
// transaction observe it. The physical write is rolled back if the
// transaction is later rolled back instead of committed.
func (tx *Tx) Insert(tableID uint32, value sats.Value) (DataKey, error) {
	if tx.done {
		return DataKey{}, errs.New(errs.Storage, "storage: tx already finished")
	}
	table, err := tx.table(tableID)
	if err != nil {
		return DataKey{}, err
	}
	rowBytes, err := bsatn.Encode(value, table.RowType, tx.store.ts)
	if err != nil {
		return DataKey{}, errs.Wrap(errs.Decode, err)
	}
	key, err := buildDataKey(rowBytes, tx.store.blobStore)
	if err != nil {
		return DataKey{}, err
	}
	ptr, err := table.pool.Insert(value)
	if err != nil {
		return DataKey{}, err
	}
	tk := tableKey{TableID: tableID, Key: key.String()}
	tx.localInserted[tk] = ptr
	delete(tx.localDeleted, tk)
	tx.writeSet = append(tx.writeSet, Write{TableID: tableID, Op: OpInsert, Key: key})
	return key, nil
}

// Delete stages key for removal at commit. It is visible immediately to
// this transaction's own Get/Scan calls.
func (tx *Tx) Delete(tableID uint32, key DataKey) error {
	if tx.done {
		return errs.New(errs.Storage, "storage: tx already finished")
	}
	tk := tableKey{TableID: tableID, Key: key.String()}
	tx.localDeleted[tk] = struct{}{}
	delete(tx.localInserted, tk)
	tx.writeSet = append(tx.writeSet, Write{TableID: tableID, Op: OpDelete, Key: key})
	return nil
}

// Get reads key from tableID, preferring this transaction's own staged
// writes over the committed snapshot taken at BeginTx. The read is
// recorded in the read-set for conflict validation at commit.
func (tx *Tx) Get(tableID uint32, key DataKey) (sats.Value, bool, error) {
	table, err := tx.table(tableID)
	if err != nil {
		return sats.Value{}, false, err
	}
	tk := tableKey{TableID: tableID, Key: key.String()}
	tx.readSet[tk] = struct{}{}

	if _, deleted := tx.localDeleted[tk]; deleted {
		return sats.Value{}, false, nil
	}
	if ptr, ok := tx.localInserted[tk]; ok {
		v, err := table.pool.Get(ptr)
		return v, true, err
	}

	tx.store.mu.Lock()
	entry, ok := table.committed[key.String()]
	tx.store.mu.Unlock()
	if !ok || entry.commitVersion > tx.beginVersion {
		return sats.Value{}, false, nil
	}
	v, err := table.pool.Get(entry.ptr)
	return v, true, err
}

// Scan returns every row visible to this transaction in tableID: the
// committed snapshot taken at BeginTx, overlaid with this transaction's own
// inserts and deletes. It records a whole-table wildcard read, since any
// concurrent insert or delete into the table could change the scan's
// result set.
func (tx *Tx) Scan(tableID uint32) ([]sats.Value, error) {
	_, values, err := tx.ScanWithKeys(tableID)
	return values, err
}

// ScanWithKeys is Scan, additionally returning each row's DataKey so a
// caller can Delete or re-Get a specific scanned row without recomputing
// its key by re-encoding the value.
func (tx *Tx) ScanWithKeys(tableID uint32) ([]DataKey, []sats.Value, error) {
	table, err := tx.table(tableID)
	if err != nil {
		return nil, nil, err
	}
	tx.wildcardReads[tableID] = struct{}{}

	tx.store.mu.Lock()
	snapshot := make(map[string]rowEntry, len(table.committed))
	for k, v := range table.committed {
		if v.commitVersion <= tx.beginVersion {
			snapshot[k] = v
		}
	}
	tx.store.mu.Unlock()

	var keys []DataKey
	var out []sats.Value
	for k, entry := range snapshot {
		tk := tableKey{TableID: tableID, Key: k}
		if _, deleted := tx.localDeleted[tk]; deleted {
			continue
		}
		key, err := parseDataKey(k)
		if err != nil {
			return nil, nil, err
		}
		v, err := table.pool.Get(entry.ptr)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		out = append(out, v)
	}
	for tk, ptr := range tx.localInserted {
		if tk.TableID != tableID {
			continue
		}
		key, err := parseDataKey(tk.Key)
		if err != nil {
			return nil, nil, err
		}
		v, err := table.pool.Get(ptr)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		out = append(out, v)
	}
	return keys, out, nil
}

// Commit validates this transaction's read-set against every commit that
// landed after BeginTx; on overlap it returns ErrConflict and the
// transaction's staged writes never take effect. Otherwise the writes are
// applied, appended to the unwritten-commit batch, and — once the batch
// threshold is reached — frozen, hashed, and appended to the WAL.
func (tx *Tx) Commit() (*CommitResult, error) {
	if tx.done {
		return nil, errs.New(errs.Storage, "storage: tx already finished")
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.done = true

	for _, h := range s.history {
		if h.version <= tx.beginVersion {
			continue
		}
		for tk := range tx.readSet {
			if _, hit := h.touched[tk]; hit {
				s.recordConflict(tx)
				return nil, ErrConflict
			}
		}
		for tableID := range tx.wildcardReads {
			if _, hit := h.tables[tableID]; hit {
				s.recordConflict(tx)
				return nil, ErrConflict
			}
		}
	}

	if len(tx.writeSet) == 0 {
		return &CommitResult{Version: s.commitCounter}, nil
	}

	version := s.commitCounter + 1
	touched := make(map[tableKey]struct{}, len(tx.writeSet))
	tablesTouched := make(map[uint32]struct{})
	deltas := make([]RowDelta, 0, len(tx.writeSet))

	for _, w := range tx.writeSet {
		tk := tableKey{TableID: w.TableID, Key: w.Key.String()}
		touched[tk] = struct{}{}
		tablesTouched[w.TableID] = struct{}{}
		table := s.tables[w.TableID]
		switch w.Op {
		case OpInsert:
			ptr := tx.localInserted[tk]
			if row, err := table.pool.Get(ptr); err == nil {
				deltas = append(deltas, RowDelta{TableID: w.TableID, Op: OpInsert, Row: row})
			}
			table.committed[tk.Key] = rowEntry{ptr: ptr, commitVersion: version}
		case OpDelete:
			if entry, ok := table.committed[tk.Key]; ok {
				if row, err := table.pool.Get(entry.ptr); err == nil {
					deltas = append(deltas, RowDelta{TableID: w.TableID, Op: OpDelete, Row: row})
				}
				if err := table.pool.Delete(entry.ptr); err != nil {
					return nil, err
				}
				delete(table.committed, tk.Key)
			}
		}
	}

	s.commitCounter = version
	s.history = append(s.history, commitHistoryEntry{version: version, touched: touched, tables: tablesTouched})
	s.unwritten = append(s.unwritten, Transaction{Writes: tx.writeSet})
	s.recordCommit(version, tablesTouched)

	result := &CommitResult{Version: version, Deltas: deltas}
	if len(s.unwritten) >= s.batchThreshold {
		commit := &Commit{ParentHash: s.lastHash, Txns: s.unwritten}
		commit.Hash = HashCommit(commit)
		if err := s.wal.Append(commit, version); err != nil {
			return nil, err
		}
		s.lastHash = commit.Hash
		s.unwritten = nil
		result.Frozen = commit
	}
	return result, nil
}

// Rollback discards this transaction's staged writes and releases the
// physical storage eagerly allocated by Insert.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	for tk, ptr := range tx.localInserted {
		table, err := tx.table(tk.TableID)
		if err != nil {
			return err
		}
		if err := table.pool.Delete(ptr); err != nil {
			return err
		}
	}
	tx.store.recordRollback(tx)
	return nil
}
