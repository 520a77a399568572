package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/central"
	"github.com/srg/gattq/internal/gatt"
	"github.com/srg/gattq/internal/transport/goble"
	"github.com/srg/gattq/pkg/config"
	"golang.org/x/term"
)

const (
	exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"
	deviceAddressNote    = `Note: on macOS the device address is a platform UUID, not a MAC address.`
)

// session wires one command invocation: config, logger, go-ble transport, a
// central and an event subscription. Commands drive the central through the
// session and wait for classified outcomes.
type session struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport *goble.Transport
	central   *central.Central
	events    *central.Subscription
}

// newSession loads config, builds the stack and subscribes to events.
func newSession(cmd *cobra.Command) (*session, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	// The config file's log level only applies when a config file was
	// actually requested; the CLI stays quiet by default.
	configLevel := ""
	if configPath != "" {
		configLevel = cfg.LogLevel
	}
	logger, err := configureLogger(cmd, configLevel)
	if err != nil {
		return nil, err
	}

	tr := goble.New(logger, &goble.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		SignalBuffer:   cfg.SignalBuffer,
	})
	c := central.New(tr, logger, &central.Options{
		OperationTimeout: cfg.OperationTimeout,
		ListenerBuffer:   cfg.ListenerBuffer,
	})

	return &session{
		cfg:       cfg,
		logger:    logger,
		transport: tr,
		central:   c,
		events:    c.SubscribeEvents("cli"),
	}, nil
}

// close tears the stack down in reverse construction order.
func (s *session) close() {
	s.events.Close()
	s.central.Close()
	if err := s.transport.Close(); err != nil {
		s.logger.WithField("error", err).Warn("Transport closed with errors")
	}
}

// connect dials the peripheral and waits until it is Ready.
func (s *session) connect(address string) (gatt.PeripheralID, error) {
	id := gatt.NewPeripheralID(address)
	if err := s.central.Connect(id); err != nil {
		return id, err
	}

	deadline := time.After(s.cfg.ConnectTimeout + 5*time.Second)
	for {
		select {
		case ev, ok := <-s.events.C():
			if !ok {
				return id, ErrConnectionLost
			}
			if ev.ID != id {
				continue
			}
			switch {
			case ev.Kind == central.EventStateChanged && ev.State == central.StateReady:
				return id, nil
			case ev.Kind == central.EventStateChanged && ev.State == central.StateFailedBeforeReady:
				return id, fmt.Errorf("failed to connect to %s", address)
			case ev.Kind == central.EventError:
				return id, fmt.Errorf("failed to connect to %s: %s", address, ev.Err.Error())
			}
		case <-deadline:
			return id, fmt.Errorf("%w: connecting to %s", ErrWaitTimeout, address)
		}
	}
}

// run enqueues one operation and waits for its completion or failure event.
func (s *session) run(id gatt.PeripheralID, op gatt.Operation, timeout time.Duration) (central.Event, error) {
	if err := s.central.Enqueue(id, op); err != nil {
		return central.Event{}, err
	}

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.events.C():
			if !ok {
				return central.Event{}, ErrConnectionLost
			}
			if ev.ID != id || ev.Op == nil || ev.Op.Kind != op.Kind {
				continue
			}
			switch ev.Kind {
			case central.EventOperationCompleted:
				return ev, nil
			case central.EventOperationFailed:
				if errors.Is(ev.Err, gatt.ErrDeviceNotConnected) {
					return ev, fmt.Errorf("%w: %s", ErrConnectionLost, ev.Err)
				}
				return ev, fmt.Errorf("operation failed: %s", ev.Err)
			}
		case <-deadline:
			return central.Event{}, fmt.Errorf("%w: %s", ErrWaitTimeout, op)
		}
	}
}

// teardown disconnects and waits briefly for the record to finalize.
func (s *session) teardown(id gatt.PeripheralID) {
	if err := s.central.Teardown(id, "command finished"); err != nil {
		return
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.events.C():
			if !ok {
				return
			}
			if ev.ID == id && ev.Kind == central.EventStateChanged && ev.State.Terminal() {
				return
			}
		case <-deadline:
			return
		}
	}
}

// stdoutIsTerminal reports whether stdout is an interactive terminal;
// colored output is only used when it is.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// eventColors returns the color palette for live event output, disabled
// when stdout is not a terminal.
func eventColors() (ok, bad, dim *color.Color) {
	ok = color.New(color.FgGreen)
	bad = color.New(color.FgRed)
	dim = color.New(color.Faint)
	if !stdoutIsTerminal() {
		ok.DisableColor()
		bad.DisableColor()
		dim.DisableColor()
	}
	return ok, bad, dim
}
