package notify

import (
	"sync"
	"testing"
)

type event struct {
	key   string
	rowid uint64
}

func TestHub_BasicSubscribePublish(t *testing.T) {
	hub := NewHub[event]()

	var got []event
	_, cancel := hub.Subscribe(Filter{}, func(e event) { got = append(got, e) })
	defer cancel()

	n := hub.Publish("k1", event{"k1", 1})

	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if len(got) != 1 || got[0].key != "k1" || got[0].rowid != 1 {
		t.Errorf("expected (k1, 1), got %v", got)
	}
}

func TestHub_FilterSpecificKey(t *testing.T) {
	hub := NewHub[event]()

	var got []event
	_, cancel := hub.Subscribe(Filter{Keys: []string{"k1"}}, func(e event) { got = append(got, e) })
	defer cancel()

	hub.Publish("k1", event{"k1", 1})
	hub.Publish("k2", event{"k2", 1})

	if len(got) != 1 || got[0].key != "k1" {
		t.Errorf("expected only k1, got %v", got)
	}
}

func TestHub_FilterMultipleKeys(t *testing.T) {
	hub := NewHub[event]()

	received := make(map[string]uint64)
	_, cancel := hub.Subscribe(Filter{Keys: []string{"k1", "k3"}}, func(e event) {
		received[e.key] = e.rowid
	})
	defer cancel()

	hub.Publish("k1", event{"k1", 1})
	hub.Publish("k2", event{"k2", 2})
	hub.Publish("k3", event{"k3", 3})

	if len(received) != 2 {
		t.Errorf("expected 2 keys, got %d", len(received))
	}
	if received["k1"] != 1 || received["k3"] != 3 {
		t.Errorf("received unexpected events: %v", received)
	}
}

func TestHub_DeliveryOrderFollowsSubscriptionOrder(t *testing.T) {
	hub := NewHub[event]()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		_, cancel := hub.Subscribe(Filter{}, func(event) { order = append(order, i) })
		defer cancel()
	}

	hub.Publish("k", event{"k", 1})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("expected [0 1 2], got %v", order)
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub[event]()

	count := 0
	_, cancel := hub.Subscribe(Filter{}, func(event) { count++ })

	hub.Publish("k", event{"k", 1})
	cancel()
	hub.Publish("k", event{"k", 2})

	if count != 1 {
		t.Errorf("expected 1 delivery before cancel, got %d", count)
	}
	if hub.Len() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", hub.Len())
	}
}

func TestHub_CancelFromCallback(t *testing.T) {
	hub := NewHub[event]()

	var cancelSecond func()
	secondCalls := 0

	_, cancelFirst := hub.Subscribe(Filter{}, func(event) { cancelSecond() })
	defer cancelFirst()
	_, cancelSecond = hub.Subscribe(Filter{}, func(event) { secondCalls++ })

	hub.Publish("k", event{"k", 1})

	if secondCalls != 0 {
		t.Errorf("subscription cancelled during publish should be skipped, got %d calls", secondCalls)
	}
}

func TestHub_SubscribeFromCallback(t *testing.T) {
	hub := NewHub[event]()

	lateCalls := 0
	subscribed := false
	_, cancel := hub.Subscribe(Filter{}, func(event) {
		if !subscribed {
			subscribed = true
			hub.Subscribe(Filter{}, func(event) { lateCalls++ })
		}
	})
	defer cancel()

	hub.Publish("k", event{"k", 1})
	if lateCalls != 0 {
		t.Errorf("subscriber added during publish should not see that value, got %d", lateCalls)
	}

	hub.Publish("k", event{"k", 2})
	if lateCalls != 1 {
		t.Errorf("expected 1 late delivery, got %d", lateCalls)
	}
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	hub := NewHub[event]()
	const numGoroutines = 10
	const numEvents = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cancel := hub.Subscribe(Filter{}, func(event) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			defer cancel()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numEvents; i++ {
			hub.Publish("k", event{"k", uint64(i)})
		}
	}()

	wg.Wait()
}

func TestHub_DoubleCancel(t *testing.T) {
	hub := NewHub[event]()

	_, cancel := hub.Subscribe(Filter{}, func(event) {})

	cancel()
	cancel()
}

func TestHub_Close(t *testing.T) {
	hub := NewHub[event]()

	count := 0
	_, cancel := hub.Subscribe(Filter{}, func(event) { count++ })

	hub.Close()
	hub.Publish("k", event{"k", 1})
	cancel()

	if count != 0 {
		t.Errorf("expected no delivery after Close, got %d", count)
	}
}

func TestHub_UniqueSubscriptionIDs(t *testing.T) {
	hub := NewHub[event]()

	const numSubs = 100
	ids := make(map[uint64]bool)
	cancels := make([]func(), numSubs)

	for i := 0; i < numSubs; i++ {
		id, cancel := hub.Subscribe(Filter{}, func(event) {})
		ids[id] = true
		cancels[i] = cancel
	}

	if len(ids) != numSubs {
		t.Errorf("expected %d unique ids, got %d", numSubs, len(ids))
	}

	for _, cancel := range cancels {
		cancel()
	}

	if hub.Len() != 0 {
		t.Errorf("expected 0 subscriptions after cancel, got %d", hub.Len())
	}
}
