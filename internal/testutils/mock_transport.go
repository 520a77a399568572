package testutils

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/gatt"
	"github.com/srg/gattq/internal/ringchan"
	"github.com/srg/gattq/internal/transport"
)

// IssuedCall is one journal entry of a transport request the core issued.
type IssuedCall struct {
	Kind string // "connect", "discovery", "operation", "disconnect"
	ID   gatt.PeripheralID
	Op   gatt.Operation
}

// MockPeripheral is the scripted behavior of one fake peripheral.
// Configure it through the fluent builder methods, e.g.:
//
//	tr.WithPeripheral("AA:BB:CC:DD:EE:FF").
//	    WithService("180d").
//	    WithCharacteristic("2a37", "notify", []byte{0, 75}).
//	    WithRSSI(-60)
type MockPeripheral struct {
	id gatt.PeripheralID

	connectStatus   gatt.Status
	discoveryStatus gatt.Status
	caps            *gatt.CapabilityTable
	values          map[gatt.AttributeRef][]byte
	opFailures      map[string][]gatt.Status
	rssi            int
	mtu             int
	manual          bool

	lastService string
}

// WithService starts a service block; subsequent WithCharacteristic calls
// attach to it.
func (p *MockPeripheral) WithService(uuid string) *MockPeripheral {
	p.lastService = gatt.NormalizeUUID(uuid)
	p.caps.AddService(p.lastService)
	return p
}

// WithCharacteristic adds a characteristic with an initial value to the
// current service block.
func (p *MockPeripheral) WithCharacteristic(uuid, properties string, value []byte) *MockPeripheral {
	if p.lastService == "" {
		panic("testutils: WithCharacteristic requires a prior WithService")
	}
	p.caps.AddCharacteristic(p.lastService, uuid, properties)
	p.values[gatt.NewAttributeRef(p.lastService, uuid)] = value
	return p
}

// WithConnectStatus scripts the connect result status.
func (p *MockPeripheral) WithConnectStatus(status gatt.Status) *MockPeripheral {
	p.connectStatus = status
	return p
}

// WithDiscoveryStatus scripts the discovery result status.
func (p *MockPeripheral) WithDiscoveryStatus(status gatt.Status) *MockPeripheral {
	p.discoveryStatus = status
	return p
}

// WithRSSI scripts the signal strength reported for read_rssi operations.
func (p *MockPeripheral) WithRSSI(rssi int) *MockPeripheral {
	p.rssi = rssi
	return p
}

// WithMTU scripts the MTU granted on negotiation, regardless of the
// requested size.
func (p *MockPeripheral) WithMTU(mtu int) *MockPeripheral {
	p.mtu = mtu
	return p
}

// FailOperations scripts statuses returned (in order) for operations on the
// given attribute before it starts succeeding again.
func (p *MockPeripheral) FailOperations(service, char string, statuses ...gatt.Status) *MockPeripheral {
	key := gatt.NewAttributeRef(service, char).String()
	p.opFailures[key] = append(p.opFailures[key], statuses...)
	return p
}

// Manual disables automatic operation completions: the test delivers every
// operation result itself via the transport's Deliver methods.
func (p *MockPeripheral) Manual() *MockPeripheral {
	p.manual = true
	return p
}

// MockTransport implements transport.Transport with scripted peripherals
// and a journal of everything the core issued. Completions are delivered
// synchronously onto the signal channel; the core's dispatcher consumes
// them on its own goroutine exactly as with a real transport.
type MockTransport struct {
	logger  *logrus.Logger
	signals *ringchan.RingChannel[transport.Signal]

	mu          sync.Mutex
	peripherals map[gatt.PeripheralID]*MockPeripheral
	issued      []IssuedCall
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport(logger *logrus.Logger) *MockTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &MockTransport{
		logger:      logger,
		signals:     ringchan.New[transport.Signal](256),
		peripherals: make(map[gatt.PeripheralID]*MockPeripheral),
	}
}

// WithPeripheral registers (or returns) a scripted peripheral.
func (t *MockTransport) WithPeripheral(address string) *MockPeripheral {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := gatt.NewPeripheralID(address)
	if p, ok := t.peripherals[id]; ok {
		return p
	}
	p := &MockPeripheral{
		id:              id,
		connectStatus:   gatt.StatusSuccess,
		discoveryStatus: gatt.StatusSuccess,
		caps:            gatt.NewCapabilityTable(),
		values:          make(map[gatt.AttributeRef][]byte),
		opFailures:      make(map[string][]gatt.Status),
		rssi:            -50,
		mtu:             185,
	}
	t.peripherals[id] = p
	return p
}

// Signals implements transport.Transport.
func (t *MockTransport) Signals() <-chan transport.Signal {
	return t.signals.C()
}

// IssueConnect implements transport.Transport.
func (t *MockTransport) IssueConnect(id gatt.PeripheralID) {
	t.mu.Lock()
	t.issued = append(t.issued, IssuedCall{Kind: "connect", ID: id})
	p := t.peripherals[id]
	t.mu.Unlock()

	if p == nil {
		t.signals.Send(transport.Signal{Kind: transport.SignalConnectResult, ID: id, Status: gatt.StatusConnectionTimeout})
		return
	}
	if p.manual {
		return
	}
	t.signals.Send(transport.Signal{Kind: transport.SignalConnectResult, ID: id, Status: p.connectStatus})
}

// IssueDiscovery implements transport.Transport.
func (t *MockTransport) IssueDiscovery(id gatt.PeripheralID) {
	t.mu.Lock()
	t.issued = append(t.issued, IssuedCall{Kind: "discovery", ID: id})
	p := t.peripherals[id]
	t.mu.Unlock()

	if p == nil || p.manual {
		return
	}
	sig := transport.Signal{Kind: transport.SignalDiscoveryResult, ID: id, Status: p.discoveryStatus}
	if p.discoveryStatus.OK() {
		sig.Capabilities = p.caps
	}
	t.signals.Send(sig)
}

// IssueOperation implements transport.Transport.
func (t *MockTransport) IssueOperation(id gatt.PeripheralID, op gatt.Operation) {
	t.mu.Lock()
	t.issued = append(t.issued, IssuedCall{Kind: "operation", ID: id, Op: op})
	p := t.peripherals[id]
	t.mu.Unlock()

	if p == nil {
		t.signals.Send(transport.Signal{Kind: transport.SignalOperationResult, ID: id, Op: op, Status: gatt.StatusError})
		return
	}
	if p.manual {
		return
	}

	result := transport.Signal{Kind: transport.SignalOperationResult, ID: id, Op: op}

	t.mu.Lock()
	key := op.Attribute.String()
	if failures := p.opFailures[key]; len(failures) > 0 {
		result.Status = failures[0]
		p.opFailures[key] = failures[1:]
		t.mu.Unlock()
		t.signals.Send(result)
		return
	}

	switch op.Kind {
	case gatt.OpRead:
		result.Payload = p.values[op.Attribute]
	case gatt.OpWrite:
		p.values[op.Attribute] = op.Payload
	case gatt.OpReadRSSI:
		result.Value = p.rssi
	case gatt.OpRequestMTU:
		result.Value = p.mtu
	}
	t.mu.Unlock()

	result.Status = gatt.StatusSuccess
	t.signals.Send(result)
}

// IssueDisconnect implements transport.Transport.
func (t *MockTransport) IssueDisconnect(id gatt.PeripheralID) {
	t.mu.Lock()
	t.issued = append(t.issued, IssuedCall{Kind: "disconnect", ID: id})
	p := t.peripherals[id]
	t.mu.Unlock()

	if p != nil && p.manual {
		return
	}
	t.signals.Send(transport.Signal{Kind: transport.SignalDisconnected, ID: id, Status: gatt.StatusSuccess})
}

// Close implements transport.Transport.
func (t *MockTransport) Close() error {
	t.signals.Close()
	return nil
}

// ----------------------------
// Manual signal delivery
// ----------------------------

// DeliverConnectResult injects a connect result as if the radio reported it.
func (t *MockTransport) DeliverConnectResult(id gatt.PeripheralID, status gatt.Status) {
	t.signals.Send(transport.Signal{Kind: transport.SignalConnectResult, ID: id, Status: status})
}

// DeliverDiscoveryResult injects a discovery result with the peripheral's
// scripted capability table.
func (t *MockTransport) DeliverDiscoveryResult(id gatt.PeripheralID, status gatt.Status) {
	sig := transport.Signal{Kind: transport.SignalDiscoveryResult, ID: id, Status: status}
	t.mu.Lock()
	if p := t.peripherals[id]; p != nil && status.OK() {
		sig.Capabilities = p.caps
	}
	t.mu.Unlock()
	t.signals.Send(sig)
}

// DeliverOperationResult injects an operation completion.
func (t *MockTransport) DeliverOperationResult(id gatt.PeripheralID, op gatt.Operation, status gatt.Status, payload []byte) {
	t.signals.Send(transport.Signal{
		Kind:    transport.SignalOperationResult,
		ID:      id,
		Op:      op,
		Status:  status,
		Payload: payload,
	})
}

// DeliverNotification injects an unsolicited event.
func (t *MockTransport) DeliverNotification(id gatt.PeripheralID, service, char string, payload []byte) {
	t.signals.Send(transport.Signal{
		Kind:      transport.SignalUnsolicitedEvent,
		ID:        id,
		Attribute: gatt.NewAttributeRef(service, char),
		Payload:   payload,
	})
}

// DeliverDisconnected injects a link loss with the given status.
func (t *MockTransport) DeliverDisconnected(id gatt.PeripheralID, status gatt.Status) {
	t.signals.Send(transport.Signal{Kind: transport.SignalDisconnected, ID: id, Status: status})
}

// DeliverBondChange injects a bonding-state change.
func (t *MockTransport) DeliverBondChange(id gatt.PeripheralID, prev, cur transport.BondState) {
	t.signals.Send(transport.Signal{Kind: transport.SignalBondStateChanged, ID: id, PrevBond: prev, CurBond: cur})
}

// ----------------------------
// Journal accessors
// ----------------------------

// Issued returns a snapshot of the full journal.
func (t *MockTransport) Issued() []IssuedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IssuedCall, len(t.issued))
	copy(out, t.issued)
	return out
}

// IssuedOperations returns the operations issued for one peripheral, in
// issue order.
func (t *MockTransport) IssuedOperations(id gatt.PeripheralID) []gatt.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ops []gatt.Operation
	for _, call := range t.issued {
		if call.Kind == "operation" && call.ID == id {
			ops = append(ops, call.Op)
		}
	}
	return ops
}

// IssuedCount returns how many calls of the given kind were issued for the
// peripheral.
func (t *MockTransport) IssuedCount(id gatt.PeripheralID, kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, call := range t.issued {
		if call.Kind == kind && call.ID == id {
			n++
		}
	}
	return n
}

// String summarizes the journal, useful in assertion messages.
func (t *MockTransport) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("MockTransport{%d peripherals, %d issued calls}", len(t.peripherals), len(t.issued))
}
