//go:build test

package testutils

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/central"
	"github.com/stretchr/testify/suite"
)

// DefaultWait bounds how long suite helpers wait for asynchronous events.
const DefaultWait = 2 * time.Second

// MockTransportSuite is a reusable test suite backed by a scripted mock
// transport. It owns the transport, the central and an event recorder, and
// tears all three down between tests.
//
// Basic usage:
//
//	type QueueSuite struct {
//	    testutils.MockTransportSuite
//	}
//
//	func (s *QueueSuite) SetupTest() {
//	    s.MockTransportSuite.SetupTest()
//	    s.Transport.WithPeripheral("AA:BB:CC:DD:EE:FF").
//	        WithService("180d").
//	        WithCharacteristic("2a37", "notify", []byte{0, 75})
//	    s.StartCentral()
//	}
//
//	func TestQueueSuite(t *testing.T) {
//	    suite.Run(t, new(QueueSuite))
//	}
type MockTransportSuite struct {
	suite.Suite

	Logger    *logrus.Logger
	Transport *MockTransport
	Central   *central.Central
	Recorder  *EventRecorder

	// CentralOptions, when set before StartCentral, tunes the central
	// under test (timeout policy, listener buffers).
	CentralOptions *central.Options
}

// SetupTest creates a fresh logger and mock transport. Peripheral scripting
// happens after this, followed by StartCentral.
func (s *MockTransportSuite) SetupTest() {
	s.Logger = logrus.New()
	s.Logger.SetLevel(logrus.DebugLevel)
	if !testing.Verbose() {
		s.Logger.SetOutput(io.Discard)
	}
	s.Transport = NewMockTransport(s.Logger)
	s.Central = nil
	s.Recorder = nil
	s.CentralOptions = nil
}

// StartCentral creates the central over the scripted transport and starts
// recording its events.
func (s *MockTransportSuite) StartCentral() {
	s.Require().Nil(s.Central, "StartCentral MUST be called once per test")
	s.Central = central.New(s.Transport, s.Logger, s.CentralOptions)
	s.Recorder = RecordEvents(s.Central, "suite-recorder")
}

// TearDownTest stops the central, recorder and transport.
func (s *MockTransportSuite) TearDownTest() {
	if s.Recorder != nil {
		s.Recorder.Close()
	}
	if s.Central != nil {
		s.Central.Close()
	}
	if s.Transport != nil {
		_ = s.Transport.Close()
	}
}
