package gatt

import (
	"errors"
	"fmt"
)

// Status is a raw transport-level completion status code. Zero means
// success; everything else follows the ATT/HCI numbering used by the
// underlying stack.
type Status int

const (
	StatusSuccess Status = 0x00

	// ATT protocol errors
	StatusInvalidHandle          Status = 0x01
	StatusReadNotPermitted       Status = 0x02
	StatusWriteNotPermitted      Status = 0x03
	StatusInsufficientAuth       Status = 0x05
	StatusRequestNotSupported    Status = 0x06
	StatusInsufficientEncryption Status = 0x0f
	StatusInvalidAttributeLength Status = 0x0d

	// HCI / stack-level errors
	StatusConnectionTimeout  Status = 0x08
	StatusPeerTerminated     Status = 0x13 // remote user terminated connection
	StatusLocalHostTerminate Status = 0x16
	StatusLMPTimeout         Status = 0x22

	// Vendor/stack pseudo-codes
	StatusBusy      Status = 0x84 // stack busy, request not issued
	StatusError     Status = 0x85 // generic internal stack error
	StatusCongested Status = 0x8f // link congested, retry later

	// StatusTimedOut is synthesized locally when a layered timeout policy
	// fires; the transport itself never reports it.
	StatusTimedOut Status = 0xfe
)

// statusDetails maps known codes to a human-readable detail string.
var statusDetails = map[Status]string{
	StatusSuccess:                "success",
	StatusInvalidHandle:          "invalid attribute handle",
	StatusReadNotPermitted:       "read not permitted",
	StatusWriteNotPermitted:      "write not permitted",
	StatusInsufficientAuth:       "insufficient authentication",
	StatusRequestNotSupported:    "request not supported",
	StatusInsufficientEncryption: "insufficient encryption",
	StatusInvalidAttributeLength: "invalid attribute value length",
	StatusConnectionTimeout:      "connection timeout",
	StatusPeerTerminated:         "connection terminated by peer",
	StatusLocalHostTerminate:     "connection terminated by local host",
	StatusLMPTimeout:             "link response timeout",
	StatusBusy:                   "stack busy",
	StatusError:                  "internal stack error",
	StatusCongested:              "link congested",
	StatusTimedOut:               "operation timed out",
}

func (s Status) String() string {
	if detail, ok := statusDetails[s]; ok {
		return fmt.Sprintf("%s (0x%02x)", detail, int(s))
	}
	return fmt.Sprintf("status 0x%02x", int(s))
}

// OK reports whether the status is a success code.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// IsTransient reports whether the status is a transient operation-level
// failure worth a single bounded retry. Connection-establishment failures
// are never transient.
func (s Status) IsTransient() bool {
	return s == StatusBusy || s == StatusCongested
}

// ErrorKind is the closed classification of a disconnection or operation
// failure.
type ErrorKind string

const (
	// KindUploadFailure is a disconnect that interrupted a flagged
	// firmware/data-upload write.
	KindUploadFailure ErrorKind = "upload_failure"
	// KindExpectedDisconnect is a disconnect following an explicit teardown
	// request from the caller.
	KindExpectedDisconnect ErrorKind = "expected_disconnect"
	// KindGeneralError covers every other non-success status.
	KindGeneralError ErrorKind = "general_error"
	// KindDeviceNotConnected is a failure for a peripheral with no live
	// connection record.
	KindDeviceNotConnected ErrorKind = "device_not_connected"
)

// DisconnectionError is the classified form of a raw transport failure.
// It is immutable and carries enough context to log or report without
// re-deriving anything.
type DisconnectionError struct {
	Kind   ErrorKind
	Status Status
	Detail string
}

func (e *DisconnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is allows errors.Is to compare DisconnectionError values by Kind.
func (e *DisconnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DisconnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is matching by kind.
var (
	ErrUploadFailure      = &DisconnectionError{Kind: KindUploadFailure}
	ErrExpectedDisconnect = &DisconnectionError{Kind: KindExpectedDisconnect}
	ErrGeneralError       = &DisconnectionError{Kind: KindGeneralError}
	ErrDeviceNotConnected = &DisconnectionError{Kind: KindDeviceNotConnected}
)

// Synchronous request-rejection errors. These are reported directly to the
// caller; they never travel through the listener fan-out.
var (
	ErrUnknownPeripheral = errors.New("unknown peripheral")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrAlreadyConnecting = errors.New("already connecting")
	ErrPayloadTooLarge   = errors.New("payload exceeds negotiated transmission unit")
	ErrShuttingDown      = errors.New("central is shutting down")
)

// ClassifyContext carries the situation surrounding a raw failure signal.
type ClassifyContext struct {
	// TeardownRequested is true when the caller explicitly requested a
	// disconnect immediately before the signal.
	TeardownRequested bool
	// UploadInProgress is true when the pending operation was a flagged
	// upload write.
	UploadInProgress bool
	// HasRecord is true when a live connection record exists for the
	// peripheral.
	HasRecord bool
}

// Classify maps a raw status plus context into one DisconnectionError
// variant. Classification is pure; the caller decides retry vs teardown.
func Classify(status Status, ctx ClassifyContext) *DisconnectionError {
	switch {
	case !ctx.HasRecord:
		return &DisconnectionError{Kind: KindDeviceNotConnected, Status: status, Detail: "no live connection for peripheral"}
	case ctx.TeardownRequested:
		return &DisconnectionError{Kind: KindExpectedDisconnect, Status: status}
	case ctx.UploadInProgress:
		return &DisconnectionError{Kind: KindUploadFailure, Status: status, Detail: "disconnected during upload"}
	default:
		return &DisconnectionError{Kind: KindGeneralError, Status: status, Detail: status.String()}
	}
}
