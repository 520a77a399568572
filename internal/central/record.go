package central

import (
	"sync"

	"github.com/srg/gattq/internal/gatt"
	"github.com/srg/gattq/internal/transport"
)

const (
	// DefaultMTU is the pre-negotiation ATT maximum transmission unit.
	DefaultMTU = 23
	// attHeaderSize is the ATT header overhead subtracted from the MTU to
	// obtain the maximum write payload.
	attHeaderSize = 3
)

// connectionRecord is the per-peripheral connection state: lifecycle state,
// operation queue, pending slot, negotiated MTU and bond state. A record is
// created once per connection attempt and destroyed on final teardown; the
// queue it owns is never carried into a new connection.
//
// All fields are guarded by mu. Records for different peripherals never
// share a lock, so peripherals make progress independently.
type connectionRecord struct {
	id gatt.PeripheralID

	mu      sync.Mutex
	state   State
	queue   operationQueue
	pending *pendingOperation
	caps    *gatt.CapabilityTable
	mtu     int
	bond    transport.BondState

	// teardownRequested marks that a disconnect was explicitly requested
	// (by the caller, or by the core escalating an operation failure), so
	// the trailing disconnect signal classifies as expected.
	teardownRequested bool
}

func newConnectionRecord(id gatt.PeripheralID) *connectionRecord {
	return &connectionRecord{
		id:    id,
		state: StateEnqueued,
		mtu:   DefaultMTU,
	}
}

// maxWritePayloadLocked returns the largest payload a single write may
// carry under the current negotiated MTU. Caller must hold mu.
func (r *connectionRecord) maxWritePayloadLocked() int {
	return r.mtu - attHeaderSize
}

// transitionLocked moves the lifecycle state, returning false for an
// illegal step. Caller must hold mu.
func (r *connectionRecord) transitionLocked(to State) bool {
	if !canTransition(r.state, to) {
		return false
	}
	r.state = to
	return true
}
