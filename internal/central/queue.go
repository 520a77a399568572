package central

import (
	"time"

	"github.com/srg/gattq/internal/gatt"
)

// pendingOperation is the operation currently dispatched to the transport
// for a peripheral. At most one exists per peripheral at any instant; it is
// cleared only by a matching completion, a synthesized timeout, or teardown.
type pendingOperation struct {
	seq     uint64
	op      gatt.Operation
	retried bool
	timer   *time.Timer
}

// stopTimer cancels the layered timeout, if armed.
func (p *pendingOperation) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// operationQueue is a per-peripheral FIFO of operations waiting for the
// pending slot. It is plain data: all access is serialized by the owning
// record's mutex.
//
// A transiently failed operation is retried at the head: the pending slot
// is re-armed with the same operation before anything else dispatches, so
// the queue itself never sees the retry.
type operationQueue struct {
	ops []gatt.Operation
}

// push appends an operation to the tail.
func (q *operationQueue) push(op gatt.Operation) {
	q.ops = append(q.ops, op)
}

// popHead removes and returns the head operation.
// The ok result is false when the queue is empty.
func (q *operationQueue) popHead() (gatt.Operation, bool) {
	if len(q.ops) == 0 {
		return gatt.Operation{}, false
	}
	op := q.ops[0]
	// Shift rather than re-slice so drained elements do not pin the
	// backing array.
	copy(q.ops, q.ops[1:])
	q.ops = q.ops[:len(q.ops)-1]
	return op, true
}

// drain removes and returns every queued operation in FIFO order. Used on
// teardown, where each is reported as DeviceNotConnected without being
// issued.
func (q *operationQueue) drain() []gatt.Operation {
	drained := q.ops
	q.ops = nil
	return drained
}

func (q *operationQueue) len() int {
	return len(q.ops)
}
