// Package transport defines the boundary between the operation core and the
// concrete radio driver. The core issues fire-and-forget requests through
// Transport; every outcome arrives later, on an independent delivery
// channel, as a Signal.
package transport

import (
	"github.com/srg/gattq/internal/gatt"
)

// SignalKind tags a Signal variant.
type SignalKind int

const (
	// SignalConnectResult reports the outcome of an IssueConnect call.
	SignalConnectResult SignalKind = iota
	// SignalDiscoveryResult reports the outcome of an IssueDiscovery call,
	// carrying the discovered capability table on success.
	SignalDiscoveryResult
	// SignalOperationResult reports the outcome of an IssueOperation call.
	SignalOperationResult
	// SignalUnsolicitedEvent is a peripheral-initiated data delivery
	// (subscription notification); it never corresponds to a pending
	// operation.
	SignalUnsolicitedEvent
	// SignalDisconnected reports a link loss, spontaneous or requested.
	SignalDisconnected
	// SignalBondStateChanged reports a change in the bonding relationship.
	SignalBondStateChanged
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnectResult:
		return "connect_result"
	case SignalDiscoveryResult:
		return "discovery_result"
	case SignalOperationResult:
		return "operation_result"
	case SignalUnsolicitedEvent:
		return "unsolicited_event"
	case SignalDisconnected:
		return "disconnected"
	case SignalBondStateChanged:
		return "bond_state_changed"
	default:
		return "unknown_signal"
	}
}

// BondState tracks the persistent trust relationship with a peripheral,
// independent of any single connection's lifecycle.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "none"
	}
}

// Signal is one asynchronous message from the transport to the core.
// Only the fields relevant to Kind are populated.
type Signal struct {
	Kind SignalKind
	ID   gatt.PeripheralID

	// Status accompanies connect/discovery/operation/disconnect signals.
	Status gatt.Status

	// Op echoes the operation an OperationResult belongs to.
	Op gatt.Operation

	// Seq correlates a synthesized completion (timeout policy) with the
	// exact dispatch it terminates. Zero for transport-originated signals.
	Seq uint64

	// Payload carries read results and unsolicited notification data.
	Payload []byte

	// Value carries scalar results: RSSI level or negotiated MTU.
	Value int

	// Attribute identifies the source of an unsolicited event.
	Attribute gatt.AttributeRef

	// Capabilities carries the discovered table on SignalDiscoveryResult.
	Capabilities *gatt.CapabilityTable

	// PrevBond/CurBond accompany SignalBondStateChanged.
	PrevBond BondState
	CurBond  BondState
}

// Transport is the issue-side interface to the radio driver. All calls are
// synchronous fire-and-forget: they return once the request has been handed
// to the driver, and the result arrives later as a Signal.
//
// The core guarantees it never calls IssueOperation for a peripheral whose
// previous operation has not completed.
type Transport interface {
	IssueConnect(id gatt.PeripheralID)
	IssueDiscovery(id gatt.PeripheralID)
	IssueOperation(id gatt.PeripheralID, op gatt.Operation)
	IssueDisconnect(id gatt.PeripheralID)

	// Signals returns the delivery channel for completion and event
	// signals. The channel is owned by the transport and closed on
	// shutdown.
	Signals() <-chan Signal

	// Close releases driver resources. Pending signals may be dropped.
	Close() error
}
