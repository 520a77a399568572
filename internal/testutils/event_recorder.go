package testutils

import (
	"sync"
	"time"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/gatt"
)

// EventRecorder drains a Central subscription on its own goroutine and lets
// tests await specific events without racing the dispatcher.
type EventRecorder struct {
	sub *central.Subscription

	mu     sync.Mutex
	events []central.Event
	cond   *sync.Cond
	closed bool
}

// RecordEvents subscribes to the central and starts recording.
func RecordEvents(c *central.Central, name string) *EventRecorder {
	r := &EventRecorder{sub: c.SubscribeEvents(name)}
	r.cond = sync.NewCond(&r.mu)
	go r.drain()
	return r
}

func (r *EventRecorder) drain() {
	for ev := range r.sub.C() {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.cond.Broadcast()
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Events returns a snapshot of everything recorded so far.
func (r *EventRecorder) Events() []central.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]central.Event, len(r.events))
	copy(out, r.events)
	return out
}

// WaitFor blocks until an event matching pred has been recorded, or the
// timeout expires. Already-recorded events match too.
func (r *EventRecorder) WaitFor(pred func(central.Event) bool, timeout time.Duration) (central.Event, bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	scanned := 0
	for {
		for ; scanned < len(r.events); scanned++ {
			if pred(r.events[scanned]) {
				return r.events[scanned], true
			}
		}
		if r.closed || time.Now().After(deadline) {
			return central.Event{}, false
		}
		r.cond.Wait()
	}
}

// WaitForState waits for a lifecycle transition of the peripheral to the
// given state.
func (r *EventRecorder) WaitForState(id gatt.PeripheralID, state central.State, timeout time.Duration) bool {
	_, ok := r.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventStateChanged && ev.ID == id && ev.State == state
	}, timeout)
	return ok
}

// WaitForCompletion waits for a completed operation of the given kind.
func (r *EventRecorder) WaitForCompletion(id gatt.PeripheralID, kind gatt.OpKind, timeout time.Duration) (central.Event, bool) {
	return r.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationCompleted && ev.ID == id && ev.Op != nil && ev.Op.Kind == kind
	}, timeout)
}

// Close unsubscribes and stops recording.
func (r *EventRecorder) Close() {
	r.sub.Close()
}
