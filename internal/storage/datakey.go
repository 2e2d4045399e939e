// Package storage implements the transactional row store: multi-version
// snapshot isolation at begin_tx, serializable validation at commit_tx, an
// append-only WAL of frozen commits, and recovery by WAL replay.
package storage

import (
	"encoding/hex"

	"github.com/spacetimedb/hostd/internal/blob"
)

// InlineThreshold is the encoded-row byte length above which a write's
// DataKey offloads the row bytes to the blob store instead of inlining
// them in the WAL record.
const InlineThreshold = 256

// DataKeyKind discriminates an inline vs. blob-backed DataKey.
type DataKeyKind uint8

const (
	KindInline DataKeyKind = iota
	KindHashed
)

// DataKey is both the durable WAL encoding of a write's row bytes and the
// handle a transaction gets back from Insert to later Get or Delete that
// row — small rows are addressed by their own bytes, large rows by the
// hash under which those bytes were offloaded to the blob store.
type DataKey struct {
	Kind   DataKeyKind
	Inline []byte
	Hash   blob.Hash
}

// String gives DataKey a stable map-key representation.
func (k DataKey) String() string {
	if k.Kind == KindInline {
		return "i:" + string(k.Inline)
	}
	return "h:" + hex.EncodeToString(k.Hash[:])
}

// parseDataKey inverts DataKey.String, recovering a DataKey from the
// string form stored as a table's map key. It never touches the blob
// store: a Hashed key's bytes are only fetched lazily via rowBytesOf.
func parseDataKey(s string) (DataKey, error) {
	if len(s) >= 2 && s[:2] == "i:" {
		return DataKey{Kind: KindInline, Inline: []byte(s[2:])}, nil
	}
	if len(s) >= 2 && s[:2] == "h:" {
		raw, err := hex.DecodeString(s[2:])
		if err != nil {
			return DataKey{}, err
		}
		var hash blob.Hash
		copy(hash[:], raw)
		return DataKey{Kind: KindHashed, Hash: hash}, nil
	}
	return DataKey{}, errBadDataKeyString(s)
}

// buildDataKey offloads rowBytes to blobStore and returns a Hashed key if
// rowBytes exceeds InlineThreshold, otherwise returns an Inline key holding
// a private copy of rowBytes.
func buildDataKey(rowBytes []byte, blobStore *blob.Store) (DataKey, error) {
	if len(rowBytes) > InlineThreshold {
		hash, err := blobStore.Put(rowBytes)
		if err != nil {
			return DataKey{}, err
		}
		return DataKey{Kind: KindHashed, Hash: hash}, nil
	}
	cp := make([]byte, len(rowBytes))
	copy(cp, rowBytes)
	return DataKey{Kind: KindInline, Inline: cp}, nil
}

// rowBytesOf recovers the encoded row for key, fetching from blobStore for a
// Hashed key.
func rowBytesOf(key DataKey, blobStore *blob.Store) ([]byte, error) {
	if key.Kind == KindInline {
		return key.Inline, nil
	}
	data, ok, err := blobStore.Get(key.Hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errBlobMissing(key.Hash)
	}
	return data, nil
}
