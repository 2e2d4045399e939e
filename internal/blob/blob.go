// Package blob implements the content-addressed object store large var-len
// values are offloaded into: a mapping from a 32-byte digest to an
// immutable byte slice, reference-counted so a value survives as long as
// any committed row or live transaction still points at its hash.
package blob

import (
	"crypto/sha256"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/spacetimedb/hostd/internal/errs"
)

// Hash is a content digest: sha256 of the stored bytes.
type Hash [32]byte

func HashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Store is a crash-consistent, refcounted content-addressed blob store
// backed by a single SQLite table. A row's refcount reaching zero does not
// immediately delete the blob — callers call Release explicitly, and a
// background sweep (Vacuum) is left to the caller's cadence rather than run
// implicitly on every Release, since Release happens inside hot
// transaction-commit paths.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the blob store at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			hash     BLOB PRIMARY KEY,
			data     BLOB NOT NULL,
			refcount INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Storage, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put stores data under its hash if not already present, and bumps the
// refcount by one. Returns the computed hash.
func (s *Store) Put(data []byte) (Hash, error) {
	h := HashOf(data)
	_, err := s.db.Exec(`
		INSERT INTO blobs (hash, data, refcount) VALUES (?, ?, 1)
		ON CONFLICT(hash) DO UPDATE SET refcount = refcount + 1
	`, h[:], data)
	if err != nil {
		return Hash{}, errs.Wrap(errs.Storage, err)
	}
	return h, nil
}

// Get returns the bytes stored under hash, or (nil, false) if absent.
func (s *Store) Get(hash Hash) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE hash = ?`, hash[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrap(errs.Storage, err)
	}
	return data, true, nil
}

// Contains reports whether hash is present without fetching its bytes.
func (s *Store) Contains(hash Hash) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM blobs WHERE hash = ?`, hash[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.Storage, err)
	}
	return true, nil
}

// Retain increments hash's refcount. Used when a value is copied into a
// second owner (e.g. duplicated during a migration) without re-deriving the
// bytes.
func (s *Store) Retain(hash Hash) error {
	res, err := s.db.Exec(`UPDATE blobs SET refcount = refcount + 1 WHERE hash = ?`, hash[:])
	if err != nil {
		return errs.Wrap(errs.Storage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.Storage, "blob: retain of unknown hash %s", hash)
	}
	return nil
}

// Release decrements hash's refcount. A refcount that reaches zero is left
// in the table (not deleted) until Vacuum runs, so a Release racing a
// concurrent Get never observes a torn row.
func (s *Store) Release(hash Hash) error {
	_, err := s.db.Exec(`UPDATE blobs SET refcount = refcount - 1 WHERE hash = ? AND refcount > 0`, hash[:])
	if err != nil {
		return errs.Wrap(errs.Storage, err)
	}
	return nil
}

// Vacuum deletes every blob whose refcount has reached zero. Intended to be
// called periodically by the storage engine's background maintenance loop,
// not inline with a transaction commit.
func (s *Store) Vacuum() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM blobs WHERE refcount <= 0`)
	if err != nil {
		return 0, errs.Wrap(errs.Storage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
