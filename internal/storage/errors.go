package storage

import (
	"github.com/spacetimedb/hostd/internal/blob"
	"github.com/spacetimedb/hostd/internal/errs"
)

// ErrConflict is returned by Tx.Commit when the transaction's read-set
// overlaps a concurrently committed write. It is non-fatal: the caller may
// retry with a fresh transaction.
var ErrConflict = errs.New(errs.Storage, "storage: commit conflict")

// ErrWALCorrupt marks WAL damage discovered past the last fully parsed
// record; the store treats this as fatal per the failure semantics this
// package implements.
var ErrWALCorrupt = errs.New(errs.Storage, "storage: WAL corrupt past truncation point")

func errBlobMissing(hash blob.Hash) error {
	return errs.Newf(errs.Storage, "storage: blob %s missing during replay", hash)
}

func errBadDataKeyString(s string) error {
	return errs.Newf(errs.Storage, "storage: malformed data key %q", s)
}
