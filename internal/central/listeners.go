package central

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/gatt"
	"github.com/srg/gattq/internal/ringchan"
	"github.com/srg/gattq/internal/transport"
)

// EventKind tags an Event variant.
type EventKind int

const (
	// EventStateChanged reports a lifecycle transition.
	EventStateChanged EventKind = iota
	// EventOperationCompleted reports a successfully completed operation,
	// with payload for reads and scalar value for RSSI/MTU.
	EventOperationCompleted
	// EventOperationFailed reports an operation that completed with a
	// classified error, including operations drained on teardown.
	EventOperationFailed
	// EventUnsolicited is a peripheral-initiated data delivery. It bypasses
	// the operation queue entirely.
	EventUnsolicited
	// EventBondChanged reports a bonding-state change.
	EventBondChanged
	// EventError reports a classified connection-level error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventOperationCompleted:
		return "operation_completed"
	case EventOperationFailed:
		return "operation_failed"
	case EventUnsolicited:
		return "unsolicited"
	case EventBondChanged:
		return "bond_changed"
	case EventError:
		return "error"
	default:
		return "unknown_event"
	}
}

// Event is one observer notification. Only the fields relevant to Kind are
// populated. Events are fire-and-forget: observers cannot return values or
// influence scheduling.
type Event struct {
	Kind EventKind
	ID   gatt.PeripheralID

	State     State
	Op        *gatt.Operation
	Payload   []byte
	Value     int
	Attribute gatt.AttributeRef
	Err       *gatt.DisconnectionError

	PrevBond transport.BondState
	CurBond  transport.BondState
}

// Subscription is one registered observer. Events are delivered on C()
// through an overwrite-oldest buffer, so a slow or stuck consumer loses old
// events instead of stalling any operation queue.
type Subscription struct {
	id       uint64
	name     string
	ring     *ringchan.RingChannel[Event]
	registry *ListenerRegistry
}

// C returns the event delivery channel. It is closed when the subscription
// or the registry is closed.
func (s *Subscription) C() <-chan Event {
	return s.ring.C()
}

// Name returns the observer name given at registration.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped reports how many events were discarded because the observer fell
// behind.
func (s *Subscription) Dropped() int64 {
	return s.ring.Dropped()
}

// Close unregisters the observer and closes its channel. Safe to call while
// dispatch is in progress.
func (s *Subscription) Close() {
	s.registry.unregister(s)
}

// ListenerRegistry fans lifecycle, operation and error events out to zero
// or more observers. Registration and unregistration are safe during
// dispatch: publish iterates a lock-free snapshot of the observer set.
type ListenerRegistry struct {
	subs   *hashmap.Map[uint64, *Subscription]
	nextID atomic.Uint64
	buffer int
	closed atomic.Bool
	logger *logrus.Logger
}

// NewListenerRegistry creates a registry whose observers each get a buffer
// of the given capacity.
func NewListenerRegistry(buffer int, logger *logrus.Logger) *ListenerRegistry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ListenerRegistry{
		subs:   hashmap.New[uint64, *Subscription](),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a named observer and returns its subscription.
func (r *ListenerRegistry) Subscribe(name string) *Subscription {
	sub := &Subscription{
		id:       r.nextID.Add(1),
		name:     name,
		ring:     ringchan.New[Event](r.buffer),
		registry: r,
	}
	if r.closed.Load() {
		// Registry already torn down: hand back a closed subscription so
		// the caller's receive loop exits immediately.
		sub.ring.Close()
		return sub
	}
	r.subs.Set(sub.id, sub)
	r.logger.WithFields(logrus.Fields{
		"listener": name,
		"buffer":   r.buffer,
	}).Debug("Listener registered")
	return sub
}

func (r *ListenerRegistry) unregister(sub *Subscription) {
	if r.subs.Del(sub.id) {
		sub.ring.Close()
		r.logger.WithField("listener", sub.name).Debug("Listener unregistered")
	}
}

// publish delivers an event to every registered observer. Delivery never
// blocks: each observer has its own overwrite-oldest buffer.
func (r *ListenerRegistry) publish(ev Event) {
	r.subs.Range(func(_ uint64, sub *Subscription) bool {
		if sub.ring.Send(ev) {
			r.logger.WithFields(logrus.Fields{
				"listener": sub.name,
				"event":    ev.Kind.String(),
			}).Debug("Slow listener, oldest event dropped")
		}
		return true
	})
}

// Len returns the number of registered observers.
func (r *ListenerRegistry) Len() int {
	return r.subs.Len()
}

// Close unregisters every observer and closes their channels. Subsequent
// Subscribe calls return already-closed subscriptions.
func (r *ListenerRegistry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.subs.Range(func(id uint64, sub *Subscription) bool {
		r.subs.Del(id)
		sub.ring.Close()
		return true
	})
}
