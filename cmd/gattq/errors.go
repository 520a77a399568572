package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattq/internal/gatt"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the connection was unexpectedly lost
	// during an operation. This is distinct from gatt.ErrUnknownPeripheral,
	// which indicates an attempt to use a peripheral that was never
	// connected or was already torn down.
	ErrConnectionLost = errors.New("connection lost")

	// ErrWaitTimeout indicates no completion event arrived in time.
	ErrWaitTimeout = errors.New("timed out waiting for completion")
)

// FormatUserError converts internal errors into actionable messages for the
// terminal. Unknown errors pass through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, gatt.ErrUnknownPeripheral):
		return "peripheral is not connected - run 'gattq connect' first or check the address"
	case errors.Is(err, gatt.ErrAlreadyConnected):
		return "already connected to this peripheral"
	case errors.Is(err, gatt.ErrAlreadyConnecting):
		return "a connection to this peripheral is already in progress"
	case errors.Is(err, gatt.ErrPayloadTooLarge):
		return fmt.Sprintf("%s - negotiate a larger transmission unit with 'gattq mtu'", err)
	case errors.Is(err, ErrConnectionLost):
		return "connection lost - the peripheral disconnected during the operation"
	case errors.Is(err, ErrWaitTimeout):
		return "no response from the peripheral - it may be out of range or busy"
	default:
		return err.Error()
	}
}
