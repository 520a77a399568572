// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics. Producers never block: when the buffer is
// full the oldest element is discarded. This is the delivery primitive for
// observer fan-out and transport signal streams, where a slow consumer must
// never stall the producer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel wraps a buffered channel and guarantees non-blocking sends.
//
// Readers use C() like a normal Go channel:
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i) // earlier values are overwritten once full
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // only the last 3 values
//	}
type RingChannel[T any] struct {
	// mu serializes senders against Close so a send can never hit an
	// already-closed channel. Receives stay lock-free.
	mu      sync.Mutex
	ch      chan T
	closed  bool
	dropped atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered element if full.
// Returns true if an element was dropped to make room. Sends after Close
// are silently ignored (the value is dropped) so late producers racing
// shutdown never panic.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.dropped.Add(1)
		return true
	}

	select {
	case rc.ch <- v:
		return false
	default:
	}

	// Full: drop the oldest, then retry once without blocking. A concurrent
	// consumer may have drained the channel in between, so the second send
	// must also be non-blocking.
	select {
	case <-rc.ch:
		rc.dropped.Add(1)
	default:
	}
	select {
	case rc.ch <- v:
	default:
		rc.dropped.Add(1)
	}
	return true
}

// TrySend attempts a non-blocking insert without displacing anything.
// Returns false if the buffer is full or closed.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		return true
	default:
		return false
	}
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Dropped returns how many elements were discarded to keep producers
// non-blocking.
func (rc *RingChannel[T]) Dropped() int64 {
	return rc.dropped.Load()
}

// Close closes the channel for readers. Safe to call more than once;
// subsequent sends are dropped rather than panicking.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}
