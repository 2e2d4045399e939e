// Package broadcast fans committed row-delta payloads out to every
// subscriber whose query overlaps a commit, applying a per-connection
// byte budget so one slow consumer cannot force the hub to buffer
// unboundedly on its behalf.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/spacetimedb/hostd/internal/errs"
)

// DefaultByteBudget is the per-subscriber queued-bytes ceiling before a
// subscriber is dropped as a SlowConsumer.
const DefaultByteBudget = 8 << 20

// DefaultQueueDepth bounds how many pending messages a subscription's
// channel buffers before Publish's non-blocking send would otherwise
// stall the publisher.
const DefaultQueueDepth = 256

// ErrSlowConsumer is returned by a Subscription's Recv once its consumer
// has been evicted for exceeding its byte budget.
var ErrSlowConsumer = errs.New(errs.Transport, "broadcast: subscriber exceeded its byte budget")

// Subscription is one subscriber's inbox, returned by Hub.Subscribe.
type Subscription struct {
	id          string
	ch          chan []byte
	queuedBytes int64
	budget      int64
	hub         *Hub
}

// Recv blocks for the next payload. ok is false once the subscription
// has been closed, either by Unsubscribe or by hitting its byte budget
// (distinguishable via Err).
func (s *Subscription) Recv() (payload []byte, ok bool) {
	payload, ok = <-s.ch
	if ok {
		atomic.AddInt64(&s.queuedBytes, -int64(len(payload)))
	}
	return payload, ok
}

// Err reports why the subscription ended, if it ended abnormally.
func (s *Subscription) Err() error {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.hub.evicted[s.id]
}

// Close unsubscribes and releases the subscription's channel.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if cur, ok := s.hub.subs[s.id]; ok && cur == s {
		close(s.ch)
		for range s.ch {
		}
		delete(s.hub.subs, s.id)
	}
}

// Hub holds the live set of subscriptions for one database connection's
// worth of subscribe traffic (in practice, one Hub per database).
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	evicted map[string]error
	budget  int64
}

// New returns an empty Hub enforcing budget bytes of queued-but-unread
// payload per subscriber before evicting it as a SlowConsumer. A
// non-positive budget falls back to DefaultByteBudget.
func New(budget int64) *Hub {
	if budget <= 0 {
		budget = DefaultByteBudget
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		evicted: make(map[string]error),
		budget:  budget,
	}
}

// Subscribe registers a new subscription under id, replacing any prior
// subscription with the same id.
func (h *Hub) Subscribe(id string) *Subscription {
	sub := &Subscription{
		id:     id,
		ch:     make(chan []byte, DefaultQueueDepth),
		budget: h.budget,
		hub:    h,
	}
	h.mu.Lock()
	if old, ok := h.subs[id]; ok {
		close(old.ch)
	}
	delete(h.evicted, id)
	h.subs[id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes id's subscription, if any, and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		for range sub.ch {
		}
		delete(h.subs, id)
	}
}

// Publish delivers payload to every live subscriber. A subscriber whose
// queued bytes would exceed its budget is evicted instead of receiving
// the payload; Publish returns the ids evicted by this call, if any, so
// the caller can close their underlying transport connections.
func (h *Hub) Publish(payload []byte) []string {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var evicted []string
	for _, sub := range subs {
		if atomic.LoadInt64(&sub.queuedBytes)+int64(len(payload)) > sub.budget {
			h.evict(sub.id, ErrSlowConsumer)
			evicted = append(evicted, sub.id)
			continue
		}
		atomic.AddInt64(&sub.queuedBytes, int64(len(payload)))
		select {
		case sub.ch <- payload:
		default:
			// The queue depth bound was hit despite the byte budget
			// allowing it (many small messages); treat the same as a
			// slow consumer rather than blocking the publisher.
			atomic.AddInt64(&sub.queuedBytes, -int64(len(payload)))
			h.evict(sub.id, ErrSlowConsumer)
			evicted = append(evicted, sub.id)
		}
	}
	return evicted
}

func (h *Hub) evict(id string, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		for range sub.ch {
		}
		delete(h.subs, id)
		h.evicted[id] = cause
	}
}

// Len reports the current subscriber count, for tests and metrics.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
