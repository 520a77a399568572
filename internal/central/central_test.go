//go:build test

package central_test

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/gatt"
	"github.com/srg/gattq/internal/testutils"
	"github.com/srg/gattq/internal/transport"
	"github.com/stretchr/testify/suite"
)

const (
	addrP = "AA:BB:CC:DD:EE:01"
	addrQ = "AA:BB:CC:DD:EE:02"
)

type CentralTestSuite struct {
	testutils.MockTransportSuite
}

func TestCentralSuite(t *testing.T) {
	suite.Run(t, new(CentralTestSuite))
}

// scriptHeartRatePeripheral registers the standard auto-replying peripheral
// used by most tests: heart rate + battery services.
func (s *CentralTestSuite) scriptHeartRatePeripheral(address string) *testutils.MockPeripheral {
	return s.Transport.WithPeripheral(address).
		WithService("180d").
		WithCharacteristic("2a37", "notify", []byte{0x00, 0x4b}).
		WithCharacteristic("2a39", "write", nil).
		WithService("180f").
		WithCharacteristic("2a19", "read", []byte{0x64})
}

// connectReady connects an auto-replying peripheral and waits for Ready.
func (s *CentralTestSuite) connectReady(address string) gatt.PeripheralID {
	id := gatt.NewPeripheralID(address)
	s.Require().NoError(s.Central.Connect(id))
	s.Require().True(s.Recorder.WaitForState(id, central.StateReady, testutils.DefaultWait),
		"peripheral MUST reach Ready")
	return id
}

// connectReadyManual walks a manual-mode peripheral to Ready by delivering
// the connect and discovery results by hand.
func (s *CentralTestSuite) connectReadyManual(address string) gatt.PeripheralID {
	id := gatt.NewPeripheralID(address)
	s.Require().NoError(s.Central.Connect(id))
	s.Transport.DeliverConnectResult(id, gatt.StatusSuccess)
	s.Transport.DeliverDiscoveryResult(id, gatt.StatusSuccess)
	s.Require().True(s.Recorder.WaitForState(id, central.StateReady, testutils.DefaultWait),
		"peripheral MUST reach Ready")
	return id
}

func (s *CentralTestSuite) TestConnectLifecycle() {
	// GOAL: Verify the connect pipeline walks every lifecycle state in order
	// and issues capability discovery without being asked
	//
	// TEST SCENARIO: Connect to auto-replying peripheral → states observed in
	// strict order → discovery issued exactly once → capabilities stored

	s.scriptHeartRatePeripheral(addrP)
	s.StartCentral()

	id := s.connectReady(addrP)

	var states []central.State
	for _, ev := range s.Recorder.Events() {
		if ev.Kind == central.EventStateChanged && ev.ID == id {
			states = append(states, ev.State)
		}
	}
	s.Assert().Equal([]central.State{
		central.StateConnecting,
		central.StateLinkEstablished,
		central.StateDiscovering,
		central.StateReady,
	}, states, "lifecycle states MUST be reported in order with no state skipped")

	s.Assert().Equal(1, s.Transport.IssuedCount(id, "discovery"),
		"discovery MUST be issued exactly once, by the state machine itself")

	caps, ok := s.Central.Capabilities(id)
	s.Require().True(ok)
	s.Assert().Equal(2, caps.Len(), "discovered services MUST be stored")
	_, found := caps.Characteristic("180d", "2a37")
	s.Assert().True(found, "discovered characteristics MUST be addressable")
}

func (s *CentralTestSuite) TestDuplicateConnect() {
	// GOAL: Verify duplicate connect requests are rejected synchronously
	// without re-issuing a transport connect
	//
	// TEST SCENARIO: Connect while connecting → ErrAlreadyConnecting →
	// connect while Ready → ErrAlreadyConnected → one transport connect total

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()

	id := gatt.NewPeripheralID(addrP)
	s.Require().NoError(s.Central.Connect(id))
	s.Assert().ErrorIs(s.Central.Connect(id), gatt.ErrAlreadyConnecting,
		"second connect while connecting MUST be rejected")

	s.Transport.DeliverConnectResult(id, gatt.StatusSuccess)
	s.Transport.DeliverDiscoveryResult(id, gatt.StatusSuccess)
	s.Require().True(s.Recorder.WaitForState(id, central.StateReady, testutils.DefaultWait))

	s.Assert().ErrorIs(s.Central.Connect(id), gatt.ErrAlreadyConnected,
		"connect while Ready MUST be rejected")
	s.Assert().Equal(1, s.Transport.IssuedCount(id, "connect"),
		"transport MUST see exactly one connect")
}

func (s *CentralTestSuite) TestConnectFailure() {
	// GOAL: Verify a failed link establishment terminates the record without
	// ever reaching Ready
	//
	// TEST SCENARIO: Scripted connect failure → FailedBeforeReady → error
	// published → record gone, fresh connect possible

	s.scriptHeartRatePeripheral(addrP).WithConnectStatus(gatt.StatusConnectionTimeout)
	s.StartCentral()

	id := gatt.NewPeripheralID(addrP)
	s.Require().NoError(s.Central.Connect(id))
	s.Require().True(s.Recorder.WaitForState(id, central.StateFailedBeforeReady, testutils.DefaultWait),
		"failed connect MUST end in failed_before_ready")

	ev, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventError && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok, "a classified error MUST be published")
	s.Assert().Equal(gatt.KindGeneralError, ev.Err.Kind)
	s.Assert().Equal(gatt.StatusConnectionTimeout, ev.Err.Status)

	_, tracked := s.Central.State(id)
	s.Assert().False(tracked, "the record MUST be discarded")
}

func (s *CentralTestSuite) TestEnqueueUnknownPeripheral() {
	// GOAL: Verify operations against unknown peripherals are rejected
	// synchronously and never reach the transport
	//
	// TEST SCENARIO: Enqueue without connect → ErrUnknownPeripheral → no
	// transport traffic

	s.StartCentral()

	err := s.Central.Enqueue(gatt.NewPeripheralID(addrP), gatt.Read("180f", "2a19"))
	s.Assert().ErrorIs(err, gatt.ErrUnknownPeripheral, "MUST reject unknown peripheral")
	s.Assert().Empty(s.Transport.Issued(), "nothing MUST reach the transport")
}

func (s *CentralTestSuite) TestSingleInFlight() {
	// GOAL: Verify at most one operation is outstanding per peripheral, no
	// matter how many producers enqueue concurrently
	//
	// TEST SCENARIO: Ready peripheral in manual mode → 5 goroutines enqueue
	// → exactly one operation issued → each completion releases exactly one
	// more

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()
	id := s.connectReadyManual(addrP)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Central.Enqueue(id, gatt.Read("180f", "2a19"))
		}()
	}
	wg.Wait()

	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(id, "operation") == 1
	}, testutils.DefaultWait, 10*time.Millisecond, "exactly one operation MUST be in flight")

	// Hold the window open briefly: nothing else may dispatch.
	time.Sleep(50 * time.Millisecond)
	s.Assert().Equal(1, s.Transport.IssuedCount(id, "operation"),
		"queue MUST NOT dispatch past the pending operation")

	// Complete them one at a time; each completion releases exactly one.
	for n := 2; n <= 5; n++ {
		ops := s.Transport.IssuedOperations(id)
		s.Transport.DeliverOperationResult(id, ops[len(ops)-1], gatt.StatusSuccess, []byte{0x64})
		expected := n
		s.Require().Eventually(func() bool {
			return s.Transport.IssuedCount(id, "operation") == expected
		}, testutils.DefaultWait, 10*time.Millisecond, "completion MUST release the next head")
	}
}

func (s *CentralTestSuite) TestFIFOOrdering() {
	// GOAL: Verify operations on one peripheral dispatch in enqueue order
	// even across different attributes
	//
	// TEST SCENARIO: Read(A), Write(A), Read(B) enqueued → transport sees
	// them in exactly that order

	s.scriptHeartRatePeripheral(addrP)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	s.Require().NoError(s.Central.Enqueue(id, gatt.Write("180d", "2a39", []byte{0x01}, gatt.WriteWithResponse)))
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180d", "2a37")))

	_, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationCompleted && ev.ID == id &&
			ev.Op != nil && ev.Op.Kind == gatt.OpRead && ev.Op.Attribute.Characteristic == "2a37"
	}, testutils.DefaultWait)
	s.Require().True(ok, "final operation MUST complete")

	ops := s.Transport.IssuedOperations(id)
	s.Require().Len(ops, 3)
	s.Assert().Equal("2a19", ops[0].Attribute.Characteristic, "first enqueued MUST dispatch first")
	s.Assert().Equal(gatt.OpWrite, ops[1].Kind)
	s.Assert().Equal("2a37", ops[2].Attribute.Characteristic, "attribute identity MUST NOT reorder the queue")
}

func (s *CentralTestSuite) TestPeripheralsIndependent() {
	// GOAL: Verify one peripheral's pending operation never delays another
	// peripheral's queue
	//
	// TEST SCENARIO: P has a stuck pending read → operations on Q issue and
	// complete immediately

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.scriptHeartRatePeripheral(addrQ)
	s.StartCentral()

	p := s.connectReadyManual(addrP)
	q := s.connectReady(addrQ)

	s.Require().NoError(s.Central.Enqueue(p, gatt.Read("180f", "2a19")))
	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(p, "operation") == 1
	}, testutils.DefaultWait, 10*time.Millisecond)

	s.Require().NoError(s.Central.Enqueue(q, gatt.Read("180f", "2a19")))
	ev, ok := s.Recorder.WaitForCompletion(q, gatt.OpRead, testutils.DefaultWait)
	s.Require().True(ok, "another peripheral's queue MUST NOT wait behind a stuck one")
	s.Assert().Equal([]byte{0x64}, ev.Payload)

	s.Assert().Equal(1, s.Transport.IssuedCount(p, "operation"),
		"the stuck peripheral MUST still have exactly one in flight")
}

func (s *CentralTestSuite) TestBufferingBeforeReady() {
	// GOAL: Verify operations enqueued before Ready are buffered, not
	// dropped, and dispatch once discovery completes
	//
	// TEST SCENARIO: Enqueue during Connecting → no transport operation →
	// walk to Ready → buffered head dispatches

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()

	id := gatt.NewPeripheralID(addrP)
	s.Require().NoError(s.Central.Connect(id))
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")),
		"enqueue before Ready MUST be accepted")

	time.Sleep(50 * time.Millisecond)
	s.Assert().Equal(0, s.Transport.IssuedCount(id, "operation"),
		"nothing MUST dispatch before Ready")

	s.Transport.DeliverConnectResult(id, gatt.StatusSuccess)
	s.Transport.DeliverDiscoveryResult(id, gatt.StatusSuccess)

	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(id, "operation") == 1
	}, testutils.DefaultWait, 10*time.Millisecond, "buffered operation MUST dispatch on Ready")
}

func (s *CentralTestSuite) TestTransientRetry() {
	// GOAL: Verify a transient failure gets exactly one retry, re-entering
	// at the head, and that the retry can succeed
	//
	// TEST SCENARIO: First read fails with busy → the same read is reissued
	// before anything else → completes successfully → later operation
	// unaffected

	s.scriptHeartRatePeripheral(addrP).
		FailOperations("180f", "2a19", gatt.StatusBusy)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180d", "2a37")))

	ev, ok := s.Recorder.WaitForCompletion(id, gatt.OpRead, testutils.DefaultWait)
	s.Require().True(ok, "retried operation MUST complete")
	s.Assert().Equal([]byte{0x64}, ev.Payload)

	_, ok = s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationCompleted && ev.ID == id &&
			ev.Op != nil && ev.Op.Attribute.Characteristic == "2a37"
	}, testutils.DefaultWait)
	s.Require().True(ok)

	ops := s.Transport.IssuedOperations(id)
	s.Require().Len(ops, 3, "transport MUST see the original, the retry, then the next operation")
	s.Assert().Equal("2a19", ops[0].Attribute.Characteristic)
	s.Assert().Equal("2a19", ops[1].Attribute.Characteristic, "retry MUST re-enter at the head")
	s.Assert().Equal("2a37", ops[2].Attribute.Characteristic, "queued work MUST wait behind the retry")
}

func (s *CentralTestSuite) TestTransientRetryExhausted() {
	// GOAL: Verify a second transient failure is not retried again but
	// escalates to teardown, with the trailing disconnect classified as
	// expected
	//
	// TEST SCENARIO: Read fails busy twice → one retry only → operation
	// failure published → teardown → expected_disconnect

	s.scriptHeartRatePeripheral(addrP).
		FailOperations("180f", "2a19", gatt.StatusBusy, gatt.StatusCongested)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))

	failed, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationFailed && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok, "exhausted retry MUST publish a failure")
	s.Assert().Equal(gatt.KindGeneralError, failed.Err.Kind)
	s.Assert().Equal(gatt.StatusCongested, failed.Err.Status, "failure MUST carry the final status")

	s.Require().True(s.Recorder.WaitForState(id, central.StateTornDown, testutils.DefaultWait),
		"operation failure MUST escalate to teardown")

	derr, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventError && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok)
	s.Assert().Equal(gatt.KindExpectedDisconnect, derr.Err.Kind,
		"a disconnect the core itself requested MUST classify as expected")

	ops := s.Transport.IssuedOperations(id)
	s.Assert().Len(ops, 2, "exactly one retry MUST be attempted")
}

func (s *CentralTestSuite) TestNonTransientFailureNoRetry() {
	// GOAL: Verify a non-transient failure is never retried
	//
	// TEST SCENARIO: Read fails with read-not-permitted → no retry →
	// failure published → teardown

	s.scriptHeartRatePeripheral(addrP).
		FailOperations("180f", "2a19", gatt.StatusReadNotPermitted)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))

	failed, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationFailed && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok)
	s.Assert().Equal(gatt.StatusReadNotPermitted, failed.Err.Status)

	s.Require().True(s.Recorder.WaitForState(id, central.StateTornDown, testutils.DefaultWait))
	s.Assert().Equal(1, len(s.Transport.IssuedOperations(id)),
		"permanent failures MUST NOT be retried")
}

func (s *CentralTestSuite) TestSubscribeNoTransientRetry() {
	// GOAL: Verify the bounded retry applies to reads and writes only
	//
	// TEST SCENARIO: Subscribe fails with busy → no retry → failure
	// published

	s.scriptHeartRatePeripheral(addrP).
		FailOperations("180d", "2a37", gatt.StatusBusy)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Subscribe("180d", "2a37")))

	_, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationFailed && ev.ID == id &&
			ev.Op != nil && ev.Op.Kind == gatt.OpSubscribe
	}, testutils.DefaultWait)
	s.Require().True(ok, "transient subscribe failure MUST fail without retry")
	s.Assert().Equal(1, len(s.Transport.IssuedOperations(id)))
}

func (s *CentralTestSuite) TestOperationTimeout() {
	// GOAL: Verify the layered timeout synthesizes a completion that travels
	// the normal completion path
	//
	// TEST SCENARIO: Manual peripheral never answers → timeout fires →
	// operation fails with the synthesized status → escalates to teardown

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.CentralOptions = &central.Options{OperationTimeout: 100 * time.Millisecond}
	s.StartCentral()
	id := s.connectReadyManual(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))

	failed, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationFailed && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok, "unanswered operation MUST time out")
	s.Assert().Equal(gatt.StatusTimedOut, failed.Err.Status)

	// The escalation disconnect is issued; confirm it to finish the record.
	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(id, "disconnect") == 1
	}, testutils.DefaultWait, 10*time.Millisecond)
	s.Transport.DeliverDisconnected(id, gatt.StatusSuccess)
	s.Require().True(s.Recorder.WaitForState(id, central.StateTornDown, testutils.DefaultWait))
}

func (s *CentralTestSuite) TestStaleTimeoutIgnored() {
	// GOAL: Verify a timeout racing a real completion never terminates a
	// later operation
	//
	// TEST SCENARIO: Slow-but-answering peripheral → real completion arrives
	// inside the deadline → the operation completes, the next one is
	// untouched by any leftover timer

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.CentralOptions = &central.Options{OperationTimeout: 200 * time.Millisecond}
	s.StartCentral()
	id := s.connectReadyManual(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(id, "operation") == 1
	}, testutils.DefaultWait, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	ops := s.Transport.IssuedOperations(id)
	s.Transport.DeliverOperationResult(id, ops[0], gatt.StatusSuccess, []byte{0x64})

	_, ok := s.Recorder.WaitForCompletion(id, gatt.OpRead, testutils.DefaultWait)
	s.Require().True(ok, "real completion MUST win")

	// Enqueue the next operation and wait past the first deadline: only the
	// second operation's own timer may terminate it.
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180d", "2a37")))
	time.Sleep(180 * time.Millisecond)

	for _, ev := range s.Recorder.Events() {
		if ev.Kind == central.EventOperationFailed && ev.ID == id {
			s.Fail("stale timeout MUST NOT fail any operation", "got %v", ev.Err)
		}
	}
}

func (s *CentralTestSuite) TestPayloadTooLarge() {
	// GOAL: Verify oversized writes are rejected synchronously against the
	// negotiated transmission unit
	//
	// TEST SCENARIO: Write over the default 20-byte limit → rejected →
	// negotiate a larger unit → same write accepted

	s.scriptHeartRatePeripheral(addrP).WithMTU(185)
	s.StartCentral()
	id := s.connectReady(addrP)

	big := make([]byte, 100)
	err := s.Central.Enqueue(id, gatt.Write("180d", "2a39", big, gatt.WriteWithResponse))
	s.Assert().ErrorIs(err, gatt.ErrPayloadTooLarge,
		"write beyond the default unit MUST be rejected before negotiation")
	s.Assert().Equal(0, s.Transport.IssuedCount(id, "operation"),
		"rejected writes MUST never reach the transport")

	s.Require().NoError(s.Central.Enqueue(id, gatt.RequestMTU(185)))
	ev, ok := s.Recorder.WaitForCompletion(id, gatt.OpRequestMTU, testutils.DefaultWait)
	s.Require().True(ok)
	s.Assert().Equal(185, ev.Value, "negotiated unit MUST be reported")

	mtu, _ := s.Central.MTU(id)
	s.Assert().Equal(185, mtu)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Write("180d", "2a39", big, gatt.WriteWithResponse)),
		"same write MUST be accepted after negotiation")
	_, ok = s.Recorder.WaitForCompletion(id, gatt.OpWrite, testutils.DefaultWait)
	s.Assert().True(ok)
}

func (s *CentralTestSuite) TestTeardownDrainsOnlyTarget() {
	// GOAL: Verify teardown drains the target's queue as device_not_connected
	// while other peripherals keep working
	//
	// TEST SCENARIO: P has one pending and two queued operations, Q is Ready
	// → teardown P → pending fails expected, queued fail not-connected → Q
	// completes a read untouched

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.scriptHeartRatePeripheral(addrQ)
	s.StartCentral()

	p := s.connectReadyManual(addrP)
	q := s.connectReady(addrQ)

	s.Require().NoError(s.Central.Enqueue(p, gatt.Read("180f", "2a19")))
	s.Require().NoError(s.Central.Enqueue(p, gatt.Read("180d", "2a37")))
	s.Require().NoError(s.Central.Enqueue(p, gatt.Write("180d", "2a39", []byte{0x01}, gatt.WriteWithResponse)))
	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(p, "operation") == 1
	}, testutils.DefaultWait, 10*time.Millisecond)

	s.Require().NoError(s.Central.Teardown(p, "test teardown"))
	s.Require().NoError(s.Central.Teardown(p, "repeat is a no-op"), "teardown MUST be idempotent")
	s.Transport.DeliverDisconnected(p, gatt.StatusSuccess)

	s.Require().True(s.Recorder.WaitForState(p, central.StateTornDown, testutils.DefaultWait))

	interrupted, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationFailed && ev.ID == p &&
			ev.Op != nil && ev.Op.Attribute.Characteristic == "2a19"
	}, testutils.DefaultWait)
	s.Require().True(ok, "pending operation MUST be failed")
	s.Assert().Equal(gatt.KindExpectedDisconnect, interrupted.Err.Kind,
		"pending operation interrupted by requested teardown MUST classify as expected")

	for _, char := range []string{"2a37", "2a39"} {
		drained, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
			return ev.Kind == central.EventOperationFailed && ev.ID == p &&
				ev.Op != nil && ev.Op.Attribute.Characteristic == char
		}, testutils.DefaultWait)
		s.Require().True(ok, "queued operation %s MUST be drained", char)
		s.Assert().Equal(gatt.KindDeviceNotConnected, drained.Err.Kind,
			"drained operations MUST classify as device_not_connected")
	}

	s.Assert().Equal(1, s.Transport.IssuedCount(p, "operation"),
		"drained operations MUST never be issued")

	// Q is untouched by P's teardown.
	state, ok := s.Central.State(q)
	s.Require().True(ok, "other peripherals MUST keep their records")
	s.Assert().Equal(central.StateReady, state)
	s.Require().NoError(s.Central.Enqueue(q, gatt.Read("180f", "2a19")))
	_, ok = s.Recorder.WaitForCompletion(q, gatt.OpRead, testutils.DefaultWait)
	s.Assert().True(ok, "other peripherals MUST keep completing operations")
}

func (s *CentralTestSuite) TestTeardownFreezesDispatch() {
	// GOAL: Verify that after teardown is requested, a completing in-flight
	// operation does not release the next queued one; queued work stays put
	// until the disconnect confirms and drains it
	//
	// TEST SCENARIO: op1 in flight, op2 queued → teardown → op1 completes →
	// op2 MUST NOT be issued → disconnect confirms → op2 drained as
	// device_not_connected

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()
	id := s.connectReadyManual(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(id, "operation") == 1
	}, testutils.DefaultWait, 10*time.Millisecond)
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180d", "2a37")))

	s.Require().NoError(s.Central.Teardown(id, "done"))

	// The in-flight read completes while the disconnect is still pending.
	ops := s.Transport.IssuedOperations(id)
	s.Transport.DeliverOperationResult(id, ops[0], gatt.StatusSuccess, []byte{0x64})
	_, ok := s.Recorder.WaitForCompletion(id, gatt.OpRead, testutils.DefaultWait)
	s.Require().True(ok, "in-flight operation MUST still complete normally")

	// Work enqueued inside the window is accepted but must not dispatch.
	s.Require().NoError(s.Central.Enqueue(id, gatt.Write("180d", "2a39", []byte{0x01}, gatt.WriteWithResponse)))

	time.Sleep(50 * time.Millisecond)
	s.Assert().Equal(1, s.Transport.IssuedCount(id, "operation"),
		"nothing MUST dispatch after teardown is requested")

	s.Transport.DeliverDisconnected(id, gatt.StatusSuccess)
	s.Require().True(s.Recorder.WaitForState(id, central.StateTornDown, testutils.DefaultWait))

	for _, char := range []string{"2a37", "2a39"} {
		drained, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
			return ev.Kind == central.EventOperationFailed && ev.ID == id &&
				ev.Op != nil && ev.Op.Attribute.Characteristic == char
		}, testutils.DefaultWait)
		s.Require().True(ok, "queued operation %s MUST be drained", char)
		s.Assert().Equal(gatt.KindDeviceNotConnected, drained.Err.Kind)
	}
	s.Assert().Equal(1, s.Transport.IssuedCount(id, "operation"),
		"drained operations MUST never reach the transport")
}

func (s *CentralTestSuite) TestStaleConnectFailureAfterReady() {
	// GOAL: Verify a failure signal from the establishment phase arriving
	// after Ready does not terminate the record
	//
	// TEST SCENARIO: Ready peripheral → stale failed connect and discovery
	// results delivered → record stays Ready → operations still complete

	s.scriptHeartRatePeripheral(addrP)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Transport.DeliverConnectResult(id, gatt.StatusConnectionTimeout)
	s.Transport.DeliverDiscoveryResult(id, gatt.StatusConnectionTimeout)

	time.Sleep(50 * time.Millisecond)
	state, tracked := s.Central.State(id)
	s.Require().True(tracked, "stale failure MUST NOT discard the record")
	s.Assert().Equal(central.StateReady, state, "stale failure MUST NOT change the state")

	for _, ev := range s.Recorder.Events() {
		s.Assert().NotEqual(central.StateFailedBeforeReady, ev.State,
			"failed_before_ready MUST NOT be reported for a Ready record")
	}

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	ev, ok := s.Recorder.WaitForCompletion(id, gatt.OpRead, testutils.DefaultWait)
	s.Require().True(ok, "the record MUST keep serving operations")
	s.Assert().Equal([]byte{0x64}, ev.Payload)
}

func (s *CentralTestSuite) TestUnexpectedDisconnect() {
	// GOAL: Verify a peer-initiated disconnect without a teardown request
	// classifies as a general error
	//
	// TEST SCENARIO: Ready peripheral → peer terminates (status 0x13) →
	// general_error → same status after a requested teardown → expected

	s.scriptHeartRatePeripheral(addrP)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Transport.DeliverDisconnected(id, gatt.StatusPeerTerminated)

	ev, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventError && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok)
	s.Assert().Equal(gatt.KindGeneralError, ev.Err.Kind,
		"unrequested disconnect MUST NOT classify as expected")
	s.Assert().Equal(gatt.StatusPeerTerminated, ev.Err.Status)
	s.Require().True(s.Recorder.WaitForState(id, central.StateTornDown, testutils.DefaultWait),
		"disconnect while Ready MUST end in torn_down")

	// Reconnect starts a fresh record; this time the teardown is requested,
	// so the identical status classifies differently.
	s.Transport.WithPeripheral(addrP).Manual()
	id2 := s.connectReadyManual(addrP)
	s.Require().NoError(s.Central.Teardown(id2, "done"))
	s.Transport.DeliverDisconnected(id2, gatt.StatusPeerTerminated)

	count := 0
	_, ok = s.Recorder.WaitFor(func(ev central.Event) bool {
		if ev.Kind == central.EventError && ev.ID == id2 {
			count++
			return count == 2
		}
		return false
	}, testutils.DefaultWait)
	s.Require().True(ok)

	var second central.Event
	n := 0
	for _, ev := range s.Recorder.Events() {
		if ev.Kind == central.EventError && ev.ID == id2 {
			n++
			if n == 2 {
				second = ev
			}
		}
	}
	s.Assert().Equal(gatt.KindExpectedDisconnect, second.Err.Kind,
		"the same status after a requested teardown MUST classify as expected")
}

func (s *CentralTestSuite) TestUploadFailureClassification() {
	// GOAL: Verify a disconnect interrupting a flagged upload write
	// classifies as upload_failure
	//
	// TEST SCENARIO: Upload write pending → peer disconnects → pending
	// failure carries upload_failure

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()
	id := s.connectReadyManual(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.UploadWrite("180d", "2a39", []byte{0x01, 0x02}, gatt.WriteWithoutResponse)))
	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(id, "operation") == 1
	}, testutils.DefaultWait, 10*time.Millisecond)

	s.Transport.DeliverDisconnected(id, gatt.StatusPeerTerminated)

	failed, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventOperationFailed && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok)
	s.Assert().ErrorIs(failed.Err, gatt.ErrUploadFailure,
		"disconnect during an upload write MUST classify as upload_failure")
}

func (s *CentralTestSuite) TestUnsolicitedBypassesQueue() {
	// GOAL: Verify peripheral-initiated notifications are delivered even
	// while an operation is pending
	//
	// TEST SCENARIO: Manual peripheral with a stuck pending read →
	// notification delivered → unsolicited event observed before the read
	// completes

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()
	id := s.connectReadyManual(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	s.Require().Eventually(func() bool {
		return s.Transport.IssuedCount(id, "operation") == 1
	}, testutils.DefaultWait, 10*time.Millisecond)

	s.Transport.DeliverNotification(id, "180d", "2a37", []byte{0x00, 0x50})

	ev, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventUnsolicited && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok, "notification MUST bypass the stuck queue")
	s.Assert().Equal("2a37", ev.Attribute.Characteristic)
	s.Assert().Equal([]byte{0x00, 0x50}, ev.Payload)

	for _, recorded := range s.Recorder.Events() {
		s.Assert().NotEqual(central.EventOperationCompleted, recorded.Kind,
			"pending read MUST still be outstanding")
	}
}

func (s *CentralTestSuite) TestBondStateChange() {
	// GOAL: Verify bonding-state changes are tracked and fanned out
	//
	// TEST SCENARIO: Bond change delivered → event observed → accessor
	// reflects the new state

	s.scriptHeartRatePeripheral(addrP)
	s.StartCentral()
	id := s.connectReady(addrP)

	s.Transport.DeliverBondChange(id, transport.BondNone, transport.BondBonded)

	ev, ok := s.Recorder.WaitFor(func(ev central.Event) bool {
		return ev.Kind == central.EventBondChanged && ev.ID == id
	}, testutils.DefaultWait)
	s.Require().True(ok)
	s.Assert().Equal(transport.BondNone, ev.PrevBond)
	s.Assert().Equal(transport.BondBonded, ev.CurBond)

	bond, ok := s.Central.BondState(id)
	s.Require().True(ok)
	s.Assert().Equal(transport.BondBonded, bond, "accessor MUST reflect the latest bond state")
}

func (s *CentralTestSuite) TestReconnectGetsFreshQueue() {
	// GOAL: Verify a reconnect after disconnect starts from a fresh record
	// and queue
	//
	// TEST SCENARIO: Queue operations → peer disconnects → reconnect → old
	// operations do not resurface

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()
	id := s.connectReadyManual(addrP)

	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180d", "2a37")))
	s.Transport.DeliverDisconnected(id, gatt.StatusPeerTerminated)
	s.Require().True(s.Recorder.WaitForState(id, central.StateTornDown, testutils.DefaultWait))

	opsBefore := s.Transport.IssuedCount(id, "operation")

	id2 := s.connectReadyManual(addrP)
	s.Assert().Equal(id, id2)

	time.Sleep(50 * time.Millisecond)
	s.Assert().Equal(opsBefore, s.Transport.IssuedCount(id, "operation"),
		"operations from the previous connection MUST NOT be reissued")
}

func (s *CentralTestSuite) TestCloseRejectsNewWork() {
	// GOAL: Verify a closed central rejects connection requests and drains
	// tracked peripherals
	//
	// TEST SCENARIO: Ready peripheral with queued work → Close → drained
	// failures published → new connect rejected

	s.scriptHeartRatePeripheral(addrP).Manual()
	s.StartCentral()
	id := s.connectReadyManual(addrP)
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180f", "2a19")))
	s.Require().NoError(s.Central.Enqueue(id, gatt.Read("180d", "2a37")))

	s.Central.Close()

	s.Assert().ErrorIs(s.Central.Connect(gatt.NewPeripheralID(addrQ)), gatt.ErrShuttingDown,
		"connect after close MUST be rejected")
	s.Assert().GreaterOrEqual(s.Transport.IssuedCount(id, "disconnect"), 1,
		"close MUST disconnect tracked peripherals")
}
