// Package central implements the per-peripheral operation queue and
// connection lifecycle state machine: it accepts operation requests from
// arbitrary goroutines, serializes them against the transport's
// single-in-flight constraint, matches asynchronous completion signals back
// to the request that caused them, drives the connect pipeline and fans
// classified outcomes out to observers.
package central

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/gatt"
	"github.com/srg/gattq/internal/groutine"
	"github.com/srg/gattq/internal/ringchan"
	"github.com/srg/gattq/internal/transport"
)

// Options tunes a Central. The zero value is usable.
type Options struct {
	// OperationTimeout, when non-zero, synthesizes a failure completion for
	// an operation whose transport completion has not arrived in time. The
	// synthesized completion travels the same path as a real one; it never
	// bypasses the queue. Zero disables the policy: the transport's own
	// completion callback is the sole terminating signal.
	OperationTimeout time.Duration

	// ListenerBuffer is the per-observer event buffer capacity.
	ListenerBuffer int
}

// Central owns the process-wide connection registry: one connectionRecord
// per connected (or connecting) peripheral, the completion dispatcher
// consuming the transport's signal stream, and the listener fan-out.
//
// It is explicit injectable state: created at application start with its
// transport, torn down with Close. Enqueue and lifecycle requests never
// block; results arrive through subscriptions.
type Central struct {
	transport transport.Transport
	records   *hashmap.Map[string, *connectionRecord]
	listeners *ListenerRegistry
	logger    *logrus.Logger

	opTimeout time.Duration
	seq       atomic.Uint64

	// synth carries locally synthesized completions (timeout policy) into
	// the same dispatch loop that consumes transport signals.
	synth *ringchan.RingChannel[transport.Signal]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a Central over the given transport and starts its completion
// dispatcher. The transport remains owned by the caller; Close does not
// close it.
func New(t transport.Transport, logger *logrus.Logger, opts *Options) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
	}

	c := &Central{
		transport: t,
		records:   hashmap.New[string, *connectionRecord](),
		listeners: NewListenerRegistry(opts.ListenerBuffer, logger),
		logger:    logger,
		opTimeout: opts.OperationTimeout,
		synth:     ringchan.New[transport.Signal](64),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	groutine.GoWG(c.ctx, &c.wg, "central-dispatch", c.dispatchLoop)
	return c
}

// SubscribeEvents registers a named observer for lifecycle, operation and
// error events.
func (c *Central) SubscribeEvents(name string) *Subscription {
	return c.listeners.Subscribe(name)
}

// Connect requests a connection to the peripheral. It returns immediately;
// progress arrives as state-change events. A duplicate request for an
// already-connecting or already-connected peripheral reports that to the
// caller instead of re-issuing the transport connect.
func (c *Central) Connect(id gatt.PeripheralID) error {
	if id.IsZero() {
		return fmt.Errorf("peripheral address is empty")
	}
	if c.closed.Load() {
		return gatt.ErrShuttingDown
	}

	rec := newConnectionRecord(id)
	existing, loaded := c.records.GetOrInsert(id.String(), rec)
	if loaded {
		existing.mu.Lock()
		state := existing.state
		existing.mu.Unlock()
		if state == StateReady {
			return gatt.ErrAlreadyConnected
		}
		return gatt.ErrAlreadyConnecting
	}

	rec.mu.Lock()
	rec.transitionLocked(StateConnecting)
	rec.mu.Unlock()

	c.logger.WithField("peripheral", id).Info("Connecting to peripheral...")
	c.publishState(id, StateConnecting)
	c.transport.IssueConnect(id)
	return nil
}

// Enqueue appends an operation to the peripheral's queue. If the peripheral
// is Ready and idle the head dispatches immediately; operations enqueued
// before Ready are buffered, not dropped. Local violations (unknown
// peripheral, oversized write payload) are rejected synchronously and never
// reach the transport.
func (c *Central) Enqueue(id gatt.PeripheralID, op gatt.Operation) error {
	rec, ok := c.records.Get(id.String())
	if !ok {
		return gatt.ErrUnknownPeripheral
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state.Terminal() {
		return gatt.ErrUnknownPeripheral
	}
	if op.Kind == gatt.OpWrite && len(op.Payload) > rec.maxWritePayloadLocked() {
		return fmt.Errorf("%w: %d > %d", gatt.ErrPayloadTooLarge, len(op.Payload), rec.maxWritePayloadLocked())
	}

	rec.queue.push(op)
	c.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"op":         op.String(),
		"queued":     rec.queue.len(),
	}).Debug("Operation enqueued")

	if rec.state == StateReady && rec.pending == nil {
		c.dispatchNextLocked(rec)
	}
	return nil
}

// Teardown requests a disconnect. Remaining queued operations are drained
// and reported as DeviceNotConnected once the transport confirms the
// disconnect; there is no per-operation cancellation. Idempotent while the
// teardown is in flight.
func (c *Central) Teardown(id gatt.PeripheralID, reason string) error {
	rec, ok := c.records.Get(id.String())
	if !ok {
		return gatt.ErrUnknownPeripheral
	}

	rec.mu.Lock()
	already := rec.teardownRequested
	rec.teardownRequested = true
	rec.mu.Unlock()
	if already {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"peripheral": id,
		"reason":     reason,
	}).Info("Teardown requested")
	c.transport.IssueDisconnect(id)
	return nil
}

// State returns the current lifecycle state of the peripheral.
func (c *Central) State(id gatt.PeripheralID) (State, bool) {
	rec, ok := c.records.Get(id.String())
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, true
}

// Capabilities returns the table discovered for the peripheral, nil before
// discovery completes.
func (c *Central) Capabilities(id gatt.PeripheralID) (*gatt.CapabilityTable, bool) {
	rec, ok := c.records.Get(id.String())
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.caps, true
}

// MTU returns the negotiated transmission unit for the peripheral.
func (c *Central) MTU(id gatt.PeripheralID) (int, bool) {
	rec, ok := c.records.Get(id.String())
	if !ok {
		return 0, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.mtu, true
}

// BondState returns the last observed bonding state for the peripheral.
func (c *Central) BondState(id gatt.PeripheralID) (transport.BondState, bool) {
	rec, ok := c.records.Get(id.String())
	if !ok {
		return transport.BondNone, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.bond, true
}

// Close tears down every tracked peripheral, stops the dispatcher and
// closes all subscriptions. The transport is left to its owner.
func (c *Central) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.logger.Debug("Central shutting down...")

	c.records.Range(func(key string, rec *connectionRecord) bool {
		rec.mu.Lock()
		rec.teardownRequested = true
		if rec.pending != nil {
			rec.pending.stopTimer()
			rec.pending = nil
		}
		rec.transitionLocked(StateTornDown)
		drained := rec.queue.drain()
		rec.mu.Unlock()

		c.transport.IssueDisconnect(rec.id)
		c.publishState(rec.id, StateTornDown)
		c.failDrained(rec.id, drained)
		c.records.Del(key)
		return true
	})

	c.cancel()
	c.wg.Wait()
	c.listeners.Close()
	c.synth.Close()
	c.logger.Debug("Central shut down")
}

// ----------------------------
// Completion dispatcher
// ----------------------------

// dispatchLoop is the single goroutine consuming completion and event
// signals. Single-threaded consumption preserves per-peripheral signal
// order relative to issue order.
func (c *Central) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-c.transport.Signals():
			if !ok {
				c.logger.Debug("Transport signal channel closed, dispatcher exiting")
				return
			}
			c.handleSignal(sig)
		case sig, ok := <-c.synth.C():
			if !ok {
				return
			}
			c.handleSignal(sig)
		}
	}
}

func (c *Central) handleSignal(sig transport.Signal) {
	c.logger.WithFields(logrus.Fields{
		"peripheral": sig.ID,
		"signal":     sig.Kind.String(),
		"status":     int(sig.Status),
	}).Debug("Signal received")

	switch sig.Kind {
	case transport.SignalConnectResult:
		c.handleConnectResult(sig)
	case transport.SignalDiscoveryResult:
		c.handleDiscoveryResult(sig)
	case transport.SignalOperationResult:
		c.handleOperationResult(sig)
	case transport.SignalUnsolicitedEvent:
		// Unsolicited events bypass the queue entirely and never consume
		// the pending slot.
		c.listeners.publish(Event{
			Kind:      EventUnsolicited,
			ID:        sig.ID,
			Attribute: sig.Attribute,
			Payload:   sig.Payload,
		})
	case transport.SignalDisconnected:
		c.handleDisconnected(sig)
	case transport.SignalBondStateChanged:
		c.handleBondStateChanged(sig)
	default:
		c.logger.WithField("signal", int(sig.Kind)).Warn("Unknown signal kind, ignored")
	}
}

func (c *Central) handleConnectResult(sig transport.Signal) {
	rec, ok := c.records.Get(sig.ID.String())
	if !ok {
		c.logger.WithField("peripheral", sig.ID).Warn("Connect result for untracked peripheral, ignored")
		return
	}

	if !sig.Status.OK() {
		c.failBeforeReady(rec, sig.Status)
		return
	}

	rec.mu.Lock()
	if !rec.transitionLocked(StateLinkEstablished) {
		state := rec.state
		rec.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"peripheral": sig.ID,
			"state":      state,
		}).Warn("Connect result in unexpected state, ignored")
		return
	}
	rec.transitionLocked(StateDiscovering)
	rec.mu.Unlock()

	c.publishState(sig.ID, StateLinkEstablished)
	c.publishState(sig.ID, StateDiscovering)

	// Capability discovery is driven by the state machine itself; callers
	// never request it.
	c.transport.IssueDiscovery(sig.ID)
}

func (c *Central) handleDiscoveryResult(sig transport.Signal) {
	rec, ok := c.records.Get(sig.ID.String())
	if !ok {
		c.logger.WithField("peripheral", sig.ID).Warn("Discovery result for untracked peripheral, ignored")
		return
	}

	if !sig.Status.OK() {
		c.failBeforeReady(rec, sig.Status)
		return
	}

	rec.mu.Lock()
	if !rec.transitionLocked(StateReady) {
		state := rec.state
		rec.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"peripheral": sig.ID,
			"state":      state,
		}).Warn("Discovery result in unexpected state, ignored")
		return
	}
	rec.caps = sig.Capabilities
	services := rec.caps.Len()
	rec.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peripheral": sig.ID,
		"services":   services,
	}).Info("Peripheral ready")
	c.publishState(sig.ID, StateReady)

	// Operations buffered before Ready dispatch now.
	rec.mu.Lock()
	if rec.pending == nil {
		c.dispatchNextLocked(rec)
	}
	rec.mu.Unlock()
}

func (c *Central) handleOperationResult(sig transport.Signal) {
	rec, ok := c.records.Get(sig.ID.String())
	if !ok {
		if !sig.Status.OK() {
			derr := gatt.Classify(sig.Status, gatt.ClassifyContext{HasRecord: false})
			c.publishError(sig.ID, derr)
		}
		return
	}

	rec.mu.Lock()
	p := rec.pending
	if p == nil {
		rec.mu.Unlock()
		c.logger.WithField("peripheral", sig.ID).Warn("Operation result with no pending operation, ignored")
		return
	}
	if sig.Seq != 0 && sig.Seq != p.seq {
		// A synthesized timeout for an operation that already completed.
		rec.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"peripheral": sig.ID,
			"seq":        sig.Seq,
		}).Debug("Stale synthesized completion, ignored")
		return
	}

	switch {
	case sig.Status.OK():
		p.stopTimer()
		rec.pending = nil
		if p.op.Kind == gatt.OpRequestMTU && sig.Value > 0 {
			rec.mtu = sig.Value
		}
		op := p.op
		c.listeners.publish(Event{
			Kind:    EventOperationCompleted,
			ID:      sig.ID,
			Op:      &op,
			Payload: sig.Payload,
			Value:   sig.Value,
		})
		c.dispatchNextLocked(rec)
		rec.mu.Unlock()

	case sig.Status.IsTransient() && !p.retried && !rec.teardownRequested &&
		(p.op.Kind == gatt.OpRead || p.op.Kind == gatt.OpWrite):
		// One bounded retry, re-entering at the head: the pending slot is
		// re-armed with the same operation before anything else dispatches.
		p.retried = true
		p.stopTimer()
		c.armTimeoutLocked(rec, p)
		op := p.op
		rec.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"peripheral": sig.ID,
			"op":         op.String(),
			"status":     sig.Status.String(),
		}).Info("Transient failure, retrying operation once")
		c.transport.IssueOperation(sig.ID, op)

	default:
		p.stopTimer()
		rec.pending = nil
		derr := gatt.Classify(sig.Status, gatt.ClassifyContext{
			HasRecord:         true,
			TeardownRequested: rec.teardownRequested,
			UploadInProgress:  p.op.Upload,
		})
		op := p.op
		// Escalate: a non-transient operation failure tears the
		// connection down. The core requested the disconnect, so the
		// trailing disconnect signal classifies as expected.
		alreadyTearingDown := rec.teardownRequested
		rec.teardownRequested = true
		rec.mu.Unlock()

		c.logger.WithFields(logrus.Fields{
			"peripheral": sig.ID,
			"op":         op.String(),
			"error":      derr.Error(),
		}).Error("Operation failed, escalating to teardown")
		c.listeners.publish(Event{
			Kind: EventOperationFailed,
			ID:   sig.ID,
			Op:   &op,
			Err:  derr,
		})
		if !alreadyTearingDown {
			c.transport.IssueDisconnect(sig.ID)
		}
	}
}

func (c *Central) handleDisconnected(sig transport.Signal) {
	rec, ok := c.records.Get(sig.ID.String())
	if !ok {
		derr := gatt.Classify(sig.Status, gatt.ClassifyContext{HasRecord: false})
		c.publishError(sig.ID, derr)
		return
	}

	rec.mu.Lock()
	derr := gatt.Classify(sig.Status, gatt.ClassifyContext{
		HasRecord:         true,
		TeardownRequested: rec.teardownRequested,
		UploadInProgress:  rec.pending != nil && rec.pending.op.Upload,
	})

	var interrupted *gatt.Operation
	if rec.pending != nil {
		rec.pending.stopTimer()
		op := rec.pending.op
		interrupted = &op
		rec.pending = nil
	}

	toState := StateFailedBeforeReady
	if rec.state == StateReady || rec.teardownRequested {
		toState = StateTornDown
	}
	rec.transitionLocked(toState)
	drained := rec.queue.drain()
	rec.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peripheral": sig.ID,
		"status":     sig.Status.String(),
		"classified": string(derr.Kind),
		"drained":    len(drained),
	}).Info("Peripheral disconnected")

	if interrupted != nil {
		c.listeners.publish(Event{
			Kind: EventOperationFailed,
			ID:   sig.ID,
			Op:   interrupted,
			Err:  derr,
		})
	}
	c.publishState(sig.ID, toState)
	c.publishError(sig.ID, derr)
	c.failDrained(sig.ID, drained)

	// The record and its queue die with the connection; a reconnect starts
	// from a fresh record.
	c.records.Del(sig.ID.String())
}

func (c *Central) handleBondStateChanged(sig transport.Signal) {
	if rec, ok := c.records.Get(sig.ID.String()); ok {
		rec.mu.Lock()
		rec.bond = sig.CurBond
		rec.mu.Unlock()
	}
	c.listeners.publish(Event{
		Kind:     EventBondChanged,
		ID:       sig.ID,
		PrevBond: sig.PrevBond,
		CurBond:  sig.CurBond,
	})
}

// failBeforeReady terminates a record that never reached Ready. Connection
// establishment failures never retry.
func (c *Central) failBeforeReady(rec *connectionRecord, status gatt.Status) {
	rec.mu.Lock()
	if !rec.transitionLocked(StateFailedBeforeReady) {
		// A stale failure signal for a record that is already Ready or
		// terminal. Dropping it keeps the record and its queue intact.
		state := rec.state
		rec.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"peripheral": rec.id,
			"status":     status.String(),
			"state":      state,
		}).Warn("Stale connection failure signal, ignored")
		return
	}
	derr := gatt.Classify(status, gatt.ClassifyContext{
		HasRecord:         true,
		TeardownRequested: rec.teardownRequested,
	})
	if rec.pending != nil {
		rec.pending.stopTimer()
		rec.pending = nil
	}
	drained := rec.queue.drain()
	rec.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"peripheral": rec.id,
		"status":     status.String(),
	}).Error("Connection failed before ready")

	c.publishState(rec.id, StateFailedBeforeReady)
	c.publishError(rec.id, derr)
	c.failDrained(rec.id, drained)
	c.records.Del(rec.id.String())
}

// ----------------------------
// Queue dispatch
// ----------------------------

// dispatchNextLocked arms the pending slot with the queue head and issues
// it. Caller must hold rec.mu; IssueOperation is fire-and-forget so holding
// the lock across it keeps the at-most-one invariant airtight.
//
// Once a teardown has been requested nothing dispatches: operations still
// queued stay in the queue until the disconnect confirms and drains them.
func (c *Central) dispatchNextLocked(rec *connectionRecord) {
	if rec.pending != nil || rec.teardownRequested {
		return
	}
	op, ok := rec.queue.popHead()
	if !ok {
		return
	}

	p := &pendingOperation{seq: c.seq.Add(1), op: op}
	rec.pending = p
	c.armTimeoutLocked(rec, p)

	c.logger.WithFields(logrus.Fields{
		"peripheral": rec.id,
		"op":         op.String(),
		"seq":        p.seq,
	}).Debug("Operation dispatched")
	c.transport.IssueOperation(rec.id, op)
}

// armTimeoutLocked starts the layered timeout for a dispatched operation.
// The timer synthesizes a failure completion that travels the normal
// completion path; the seq guards against terminating a later operation.
func (c *Central) armTimeoutLocked(rec *connectionRecord, p *pendingOperation) {
	if c.opTimeout <= 0 {
		return
	}
	id, op, seq := rec.id, p.op, p.seq
	p.timer = time.AfterFunc(c.opTimeout, func() {
		c.synth.Send(transport.Signal{
			Kind:   transport.SignalOperationResult,
			ID:     id,
			Status: gatt.StatusTimedOut,
			Op:     op,
			Seq:    seq,
		})
	})
}

// failDrained reports operations discarded on teardown. None of them were
// issued; each is reported as DeviceNotConnected.
func (c *Central) failDrained(id gatt.PeripheralID, drained []gatt.Operation) {
	for i := range drained {
		op := drained[i]
		c.listeners.publish(Event{
			Kind: EventOperationFailed,
			ID:   id,
			Op:   &op,
			Err: &gatt.DisconnectionError{
				Kind:   gatt.KindDeviceNotConnected,
				Detail: "operation drained on teardown",
			},
		})
	}
}

func (c *Central) publishState(id gatt.PeripheralID, state State) {
	c.listeners.publish(Event{Kind: EventStateChanged, ID: id, State: state})
}

func (c *Central) publishError(id gatt.PeripheralID, derr *gatt.DisconnectionError) {
	c.listeners.publish(Event{Kind: EventError, ID: id, Err: derr})
}
