// Package metrics provides lightweight in-memory counters for the host
// process: transaction commits/conflicts/rollbacks per database/table,
// and a gauge of active subscription connections.
package metrics

import (
	"sync/atomic"
	"time"
)

type key struct {
	database, table, op string
}

var (
	opCounts    syncMap[key, uint64]
	activeSubs  atomic.Int64
	activeConns atomic.Int64
)

// syncMap is a tiny generic copy-on-write map wrapper, cheap enough for
// counters incremented far more often than they're read.
type syncMap[K comparable, V any] struct{ m atomic.Value }

func (s *syncMap[K, V]) load() map[K]V {
	if v := s.m.Load(); v != nil {
		return v.(map[K]V)
	}
	return map[K]V{}
}

func (s *syncMap[K, V]) swap(m map[K]V) { s.m.Store(m) }

// IncOp increments the named operation counter for a database/table pair.
// op is one of "commit", "conflict", or "rollback".
func IncOp(database, table, op string) {
	for {
		cur := opCounts.load()
		next := make(map[key]uint64, len(cur)+1)
		for k, v := range cur {
			next[k] = v
		}
		k := key{database: database, table: table, op: op}
		next[k] = next[k] + 1
		opCounts.swap(next)
		return
	}
}

// SubscriptionOpened/SubscriptionClosed track the active-subscription
// gauge exposed in Export.
func SubscriptionOpened() { activeSubs.Add(1) }
func SubscriptionClosed() { activeSubs.Add(-1) }

// ConnectionOpened/ConnectionClosed track the active-WebSocket-connection
// gauge exposed in Export.
func ConnectionOpened() { activeConns.Add(1) }
func ConnectionClosed() { activeConns.Add(-1) }

// Snapshot is a point-in-time readout of every counter and gauge.
type Snapshot struct {
	Timestamp       time.Time         `json:"ts"`
	Ops             map[string]uint64 `json:"ops"`
	Subscriptions   int64             `json:"subscriptions"`
	Connections     int64             `json:"connections"`
}

// Export flattens the current counters into a Snapshot suitable for a
// diagnostics endpoint or periodic log line.
func Export() Snapshot {
	cur := opCounts.load()
	flat := make(map[string]uint64, len(cur))
	for k, v := range cur {
		flat[k.database+"/"+k.table+"/"+k.op] = v
	}
	return Snapshot{
		Timestamp:     time.Now(),
		Ops:           flat,
		Subscriptions: activeSubs.Load(),
		Connections:   activeConns.Load(),
	}
}
