// Package goble implements the transport boundary on top of go-ble. It is
// the only package that touches the radio; everything it learns is
// delivered to the core as signals on an independent channel.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/examples/lib/dev"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/gatt"
	"github.com/srg/gattq/internal/groutine"
	"github.com/srg/gattq/internal/ringchan"
	"github.com/srg/gattq/internal/transport"
)

const (
	// DefaultSignalBuffer is the capacity of the outbound signal channel.
	DefaultSignalBuffer = 256

	// DefaultConnectTimeout bounds the transport-level dial.
	DefaultConnectTimeout = 10 * time.Second
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return dev.DefaultDevice()
}

// peer is the live driver state for one peripheral.
type peer struct {
	client     ble.Client
	chars      map[string]*ble.Characteristic // keyed by "svc/char", normalized
	dialCancel context.CancelFunc
	discOnce   sync.Once
}

// Transport drives go-ble and translates its callback world into the signal
// stream the core consumes. Issue calls return immediately; the actual
// radio work happens on named goroutines.
type Transport struct {
	logger         *logrus.Logger
	connectTimeout time.Duration
	signals        *ringchan.RingChannel[transport.Signal]

	mu    sync.Mutex
	peers map[gatt.PeripheralID]*peer

	deviceOnce sync.Once
	deviceErr  error

	ctx    context.Context
	cancel context.CancelFunc
}

// Options tunes the go-ble transport. The zero value is usable.
type Options struct {
	ConnectTimeout time.Duration
	SignalBuffer   int
}

// New creates a go-ble transport. The radio device itself is created lazily
// on the first connect so construction never fails on machines without
// Bluetooth.
func New(logger *logrus.Logger, opts *Options) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	signalBuffer := opts.SignalBuffer
	if signalBuffer <= 0 {
		signalBuffer = DefaultSignalBuffer
	}

	t := &Transport{
		logger:         logger,
		connectTimeout: connectTimeout,
		signals:        ringchan.New[transport.Signal](signalBuffer),
		peers:          make(map[gatt.PeripheralID]*peer),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Signals returns the delivery channel for completion and event signals.
func (t *Transport) Signals() <-chan transport.Signal {
	return t.signals.C()
}

func (t *Transport) send(sig transport.Signal) {
	if t.signals.Send(sig) {
		t.logger.WithFields(logrus.Fields{
			"peripheral": sig.ID,
			"signal":     sig.Kind.String(),
		}).Warn("Signal buffer full, oldest signal dropped")
	}
}

// ensureDevice creates the radio device once and registers it as go-ble's
// default device.
func (t *Transport) ensureDevice() error {
	t.deviceOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			// Wrap Bluetooth state errors with clearer messages
			if strings.Contains(err.Error(), "central manager has invalid state") {
				err = fmt.Errorf("Bluetooth is not ready - %w", err)
			}
			t.deviceErr = err
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return t.deviceErr
}

// IssueConnect dials the peripheral. The outcome arrives as a
// SignalConnectResult; link losses after that arrive as SignalDisconnected.
func (t *Transport) IssueConnect(id gatt.PeripheralID) {
	groutine.Go(t.ctx, "goble-connect-"+id.String(), func(ctx context.Context) {
		if err := t.ensureDevice(); err != nil {
			t.logger.WithField("error", err).Error("Failed to create BLE device")
			t.send(transport.Signal{Kind: transport.SignalConnectResult, ID: id, Status: gatt.StatusError})
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
		p := &peer{dialCancel: cancel}
		t.mu.Lock()
		t.peers[id] = p
		t.mu.Unlock()

		t.logger.WithField("peripheral", id).Debug("Dialing peripheral...")
		client, err := ble.Dial(dialCtx, ble.NewAddr(id.String()))
		cancel()
		if err != nil {
			t.mu.Lock()
			delete(t.peers, id)
			t.mu.Unlock()
			t.send(transport.Signal{
				Kind:   transport.SignalConnectResult,
				ID:     id,
				Status: dialStatus(err),
			})
			return
		}

		t.mu.Lock()
		p.client = client
		p.dialCancel = nil
		t.mu.Unlock()

		// Darwin clients expose a channel that fires when CoreBluetooth
		// reports disconnection, spontaneous or requested.
		if monitored, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
			groutine.Go(t.ctx, "goble-monitor-"+id.String(), func(ctx context.Context) {
				select {
				case <-monitored.Disconnected():
					t.reportDisconnected(id, p, gatt.StatusPeerTerminated)
				case <-ctx.Done():
				}
			})
		} else {
			t.logger.Debug("Client does not support Disconnected() channel (non-Darwin platform?)")
		}

		t.send(transport.Signal{Kind: transport.SignalConnectResult, ID: id, Status: gatt.StatusSuccess})
	})
}

// IssueDiscovery discovers the full profile and reports it as a capability
// table.
func (t *Transport) IssueDiscovery(id gatt.PeripheralID) {
	groutine.Go(t.ctx, "goble-discover-"+id.String(), func(ctx context.Context) {
		p, client := t.lookup(id)
		if client == nil {
			t.send(transport.Signal{Kind: transport.SignalDiscoveryResult, ID: id, Status: gatt.StatusError})
			return
		}

		profile, err := client.DiscoverProfile(true)
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"peripheral": id,
				"error":      err,
			}).Error("Failed to discover profile")
			t.send(transport.Signal{Kind: transport.SignalDiscoveryResult, ID: id, Status: gatt.StatusError})
			return
		}

		caps := gatt.NewCapabilityTable()
		chars := make(map[string]*ble.Characteristic)
		for _, svc := range profile.Services {
			svcUUID := gatt.NormalizeUUID(svc.UUID.String())
			caps.AddService(svcUUID)
			for _, char := range svc.Characteristics {
				charUUID := gatt.NormalizeUUID(char.UUID.String())
				caps.AddCharacteristic(svcUUID, charUUID, blePropsToString(char.Property))
				chars[svcUUID+"/"+charUUID] = char
			}
		}

		t.mu.Lock()
		p.chars = chars
		t.mu.Unlock()

		t.send(transport.Signal{
			Kind:         transport.SignalDiscoveryResult,
			ID:           id,
			Status:       gatt.StatusSuccess,
			Capabilities: caps,
		})
	})
}

// IssueOperation executes one operation. The core guarantees it never calls
// this while a previous operation for the same peripheral is outstanding,
// so operations for a peripheral run strictly one at a time.
func (t *Transport) IssueOperation(id gatt.PeripheralID, op gatt.Operation) {
	groutine.Go(t.ctx, "goble-op-"+id.String(), func(ctx context.Context) {
		_, client := t.lookup(id)
		if client == nil {
			t.send(transport.Signal{Kind: transport.SignalOperationResult, ID: id, Op: op, Status: gatt.StatusError})
			return
		}

		result := transport.Signal{Kind: transport.SignalOperationResult, ID: id, Op: op}
		switch op.Kind {
		case gatt.OpRead:
			char, ok := t.characteristic(id, op.Attribute)
			if !ok {
				result.Status = gatt.StatusInvalidHandle
				break
			}
			data, err := client.ReadCharacteristic(char)
			result.Status = operationStatus(err)
			result.Payload = data

		case gatt.OpWrite:
			char, ok := t.characteristic(id, op.Attribute)
			if !ok {
				result.Status = gatt.StatusInvalidHandle
				break
			}
			noRsp := op.WriteKind == gatt.WriteWithoutResponse
			result.Status = operationStatus(client.WriteCharacteristic(char, op.Payload, noRsp))

		case gatt.OpSubscribe:
			char, ok := t.characteristic(id, op.Attribute)
			if !ok {
				result.Status = gatt.StatusInvalidHandle
				break
			}
			attr := op.Attribute
			err := client.Subscribe(char, false, func(data []byte) {
				// Notification callbacks fire on go-ble's delivery thread;
				// copy before handing off.
				payload := make([]byte, len(data))
				copy(payload, data)
				t.send(transport.Signal{
					Kind:      transport.SignalUnsolicitedEvent,
					ID:        id,
					Attribute: attr,
					Payload:   payload,
				})
			})
			result.Status = operationStatus(err)

		case gatt.OpUnsubscribe:
			char, ok := t.characteristic(id, op.Attribute)
			if !ok {
				result.Status = gatt.StatusInvalidHandle
				break
			}
			err1 := client.Unsubscribe(char, false) // notify
			err2 := client.Unsubscribe(char, true)  // indicate
			// Only a failure of both modes counts
			if err1 != nil && err2 != nil {
				result.Status = operationStatus(err1)
			} else {
				result.Status = gatt.StatusSuccess
			}

		case gatt.OpReadRSSI:
			result.Status = gatt.StatusSuccess
			result.Value = client.ReadRSSI()

		case gatt.OpRequestMTU:
			txMTU, err := client.ExchangeMTU(op.MTU)
			result.Status = operationStatus(err)
			result.Value = txMTU

		default:
			result.Status = gatt.StatusRequestNotSupported
		}

		t.send(result)
	})
}

// IssueDisconnect cancels an in-flight dial or tears down the live
// connection. The confirmation arrives as SignalDisconnected.
func (t *Transport) IssueDisconnect(id gatt.PeripheralID) {
	groutine.Go(t.ctx, "goble-disconnect-"+id.String(), func(ctx context.Context) {
		t.mu.Lock()
		p := t.peers[id]
		var client ble.Client
		var dialCancel context.CancelFunc
		if p != nil {
			client = p.client
			dialCancel = p.dialCancel
		}
		t.mu.Unlock()

		if p == nil {
			// Nothing in flight: confirm immediately so the core can
			// finalize its record.
			t.send(transport.Signal{Kind: transport.SignalDisconnected, ID: id, Status: gatt.StatusSuccess})
			return
		}
		if dialCancel != nil {
			// Still dialing: cancelling the dial surfaces as a failed
			// connect result, not a disconnect.
			dialCancel()
			return
		}
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				t.logger.WithFields(logrus.Fields{
					"peripheral": id,
					"error":      err,
				}).Warn("Peripheral disconnected with errors")
			}
		}
		t.reportDisconnected(id, p, gatt.StatusSuccess)
	})
}

// reportDisconnected delivers exactly one Disconnected signal per peer,
// whether the link loss was requested or spontaneous.
func (t *Transport) reportDisconnected(id gatt.PeripheralID, p *peer, status gatt.Status) {
	p.discOnce.Do(func() {
		t.mu.Lock()
		delete(t.peers, id)
		t.mu.Unlock()
		t.send(transport.Signal{Kind: transport.SignalDisconnected, ID: id, Status: status})
	})
}

// Close cancels all in-flight work, disconnects every peer and closes the
// signal channel.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	peers := make(map[gatt.PeripheralID]*peer, len(t.peers))
	for id, p := range t.peers {
		peers[id] = p
	}
	t.peers = make(map[gatt.PeripheralID]*peer)
	t.mu.Unlock()

	var firstErr error
	for id, p := range peers {
		if p.dialCancel != nil {
			p.dialCancel()
		}
		if p.client != nil {
			if err := p.client.CancelConnection(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("disconnect %s: %w", id, err)
			}
		}
	}
	t.signals.Close()
	return firstErr
}

func (t *Transport) lookup(id gatt.PeripheralID) (*peer, ble.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.peers[id]
	if p == nil {
		return nil, nil
	}
	return p, p.client
}

func (t *Transport) characteristic(id gatt.PeripheralID, attr gatt.AttributeRef) (*ble.Characteristic, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.peers[id]
	if p == nil || p.chars == nil {
		return nil, false
	}
	char, ok := p.chars[attr.Service+"/"+attr.Characteristic]
	return char, ok
}

// dialStatus maps a dial error to a transport status code.
func dialStatus(err error) gatt.Status {
	switch {
	case err == nil:
		return gatt.StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return gatt.StatusConnectionTimeout
	case errors.Is(err, context.Canceled):
		return gatt.StatusLocalHostTerminate
	default:
		return gatt.StatusError
	}
}

// operationStatus maps a client call error to a transport status code.
func operationStatus(err error) gatt.Status {
	switch {
	case err == nil:
		return gatt.StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return gatt.StatusConnectionTimeout
	default:
		return gatt.StatusError
	}
}

func blePropsToString(p ble.Property) string {
	var s []string
	if p&ble.CharRead != 0 {
		s = append(s, "read")
	}
	if p&ble.CharWrite != 0 {
		s = append(s, "write")
	}
	if p&ble.CharWriteNR != 0 {
		s = append(s, "write_no_response")
	}
	if p&ble.CharNotify != 0 {
		s = append(s, "notify")
	}
	if p&ble.CharIndicate != 0 {
		s = append(s, "indicate")
	}
	return strings.Join(s, ",")
}
