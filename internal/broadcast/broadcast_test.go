package broadcast

import (
	"errors"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	h := New(0)
	a := h.Subscribe("a")
	b := h.Subscribe("b")

	evicted := h.Publish([]byte("delta-1"))
	if len(evicted) != 0 {
		t.Fatalf("expected no evictions, got %v", evicted)
	}

	for _, sub := range []*Subscription{a, b} {
		payload, ok := sub.Recv()
		if !ok || string(payload) != "delta-1" {
			t.Fatalf("expected to receive delta-1, got %q ok=%v", payload, ok)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(0)
	a := h.Subscribe("a")
	h.Unsubscribe("a")

	if h.Len() != 0 {
		t.Fatalf("expected no subscribers after unsubscribe, got %d", h.Len())
	}

	if _, ok := a.Recv(); ok {
		t.Fatalf("expected the unsubscribed channel to be closed")
	}
}

func TestSlowConsumerEvictedOverByteBudget(t *testing.T) {
	h := New(10)
	sub := h.Subscribe("slow")

	// First publish fits the ten-byte budget exactly.
	if evicted := h.Publish([]byte("0123456789")); len(evicted) != 0 {
		t.Fatalf("expected the first publish to fit the budget, got eviction %v", evicted)
	}

	// Without draining, a second publish pushes the subscriber over
	// budget and it should be evicted rather than buffered further.
	evicted := h.Publish([]byte("x"))
	if len(evicted) != 1 || evicted[0] != "slow" {
		t.Fatalf("expected subscriber %q to be evicted as a slow consumer, got %v", "slow", evicted)
	}

	if !errors.Is(sub.Err(), ErrSlowConsumer) {
		t.Fatalf("expected Err to report ErrSlowConsumer, got %v", sub.Err())
	}
	if _, ok := sub.Recv(); ok {
		t.Fatalf("expected the evicted subscriber's channel to be drained and closed")
	}
}

func TestResubscribeReplacesPriorSubscription(t *testing.T) {
	h := New(0)
	first := h.Subscribe("id")
	second := h.Subscribe("id")

	if h.Len() != 1 {
		t.Fatalf("expected exactly one live subscription for a reused id, got %d", h.Len())
	}

	h.Publish([]byte("hi"))
	if _, ok := first.Recv(); ok {
		t.Fatalf("expected the replaced subscription's channel to be closed")
	}
	payload, ok := second.Recv()
	if !ok || string(payload) != "hi" {
		t.Fatalf("expected the replacement subscription to receive the payload, got %q ok=%v", payload, ok)
	}
}
