package notify

import (
	"sync"
	"sync/atomic"
)

// Filter selects which keys a subscription receives.
type Filter struct {
	// Keys to deliver; nil or empty = all keys
	Keys []string
}

// subscription represents a single subscriber.
type subscription[T any] struct {
	id     uint64
	filter Filter
	fn     func(T)
	closed atomic.Bool
}

// matches checks if the key matches this subscription's filter.
func (s *subscription[T]) matches(key string) bool {
	if len(s.filter.Keys) == 0 {
		return true
	}

	for _, k := range s.filter.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Hub fans out published values to subscribers synchronously, in
// subscription order. Every matching subscriber sees every value.
type Hub[T any] struct {
	mu            sync.RWMutex
	subscriptions []*subscription[T]
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{}
}

// Publish calls every matching subscriber with v on the caller's goroutine.
// Subscribers may subscribe or cancel from inside the callback; a
// subscription cancelled during the pass is skipped.
func (h *Hub[T]) Publish(key string, v T) int {
	h.mu.RLock()
	snapshot := make([]*subscription[T], len(h.subscriptions))
	copy(snapshot, h.subscriptions)
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		if sub.closed.Load() || !sub.matches(key) {
			continue
		}
		sub.fn(v)
		delivered++
	}
	return delivered
}

// Subscribe registers fn and returns the subscription id and a cancel
// function. The cancel function is idempotent.
func (h *Hub[T]) Subscribe(filter Filter, fn func(T)) (uint64, func()) {
	sub := &subscription[T]{
		id:     h.nextID.Add(1),
		filter: filter,
		fn:     fn,
	}

	h.mu.Lock()
	h.subscriptions = append(h.subscriptions, sub)
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.id, cancel
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close cancels every subscription.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = nil
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closed.Store(true)
	}
}

// unsubscribe removes a subscription and marks it closed.
func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subscriptions {
		if sub.id == id {
			sub.closed.Store(true)
			h.subscriptions = append(h.subscriptions[:i:i], h.subscriptions[i+1:]...)
			return
		}
	}
}
