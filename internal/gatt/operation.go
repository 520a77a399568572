package gatt

import "fmt"

// OpKind identifies the variant of an Operation.
type OpKind int

const (
	// OpRead reads the current value of a characteristic.
	OpRead OpKind = iota
	// OpWrite writes a payload to a characteristic.
	OpWrite
	// OpSubscribe enables notifications/indications for a characteristic.
	OpSubscribe
	// OpUnsubscribe disables notifications/indications for a characteristic.
	OpUnsubscribe
	// OpReadRSSI reads the current link signal strength.
	OpReadRSSI
	// OpRequestMTU negotiates the maximum transmission unit for the link.
	OpRequestMTU
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	case OpReadRSSI:
		return "read_rssi"
	case OpRequestMTU:
		return "request_mtu"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// WriteKind selects the ATT write procedure used for OpWrite.
type WriteKind int

const (
	// WriteWithResponse waits for the peripheral's write acknowledgment.
	WriteWithResponse WriteKind = iota
	// WriteWithoutResponse is a fire-and-forget write command.
	WriteWithoutResponse
)

func (k WriteKind) String() string {
	if k == WriteWithoutResponse {
		return "write_without_response"
	}
	return "write_with_response"
}

// AttributeRef addresses a characteristic within a service. UUIDs are stored
// normalized (lowercase, no dashes, 16-bit short form where applicable).
type AttributeRef struct {
	Service        string
	Characteristic string
}

// NewAttributeRef builds an AttributeRef with normalized UUIDs.
func NewAttributeRef(service, characteristic string) AttributeRef {
	return AttributeRef{
		Service:        NormalizeUUID(service),
		Characteristic: NormalizeUUID(characteristic),
	}
}

func (a AttributeRef) String() string {
	if a.Service == "" {
		return a.Characteristic
	}
	return a.Service + "/" + a.Characteristic
}

// Operation is a single queued request against a peripheral. Operations are
// immutable once enqueued; the queue owns dispatch order and the pending
// slot, never the operation itself.
//
// Payload is only meaningful for OpWrite, MTU only for OpRequestMTU.
// Upload flags a write as part of a firmware/data upload so that a
// disconnect during it classifies as an upload failure.
type Operation struct {
	Kind      OpKind
	Attribute AttributeRef
	Payload   []byte
	WriteKind WriteKind
	MTU       int
	Upload    bool
}

// Read builds a read operation for the given attribute.
func Read(service, characteristic string) Operation {
	return Operation{Kind: OpRead, Attribute: NewAttributeRef(service, characteristic)}
}

// Write builds a write operation. The payload is copied so callers may reuse
// their buffer after enqueueing.
func Write(service, characteristic string, payload []byte, kind WriteKind) Operation {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Operation{
		Kind:      OpWrite,
		Attribute: NewAttributeRef(service, characteristic),
		Payload:   buf,
		WriteKind: kind,
	}
}

// UploadWrite builds a write flagged as part of a firmware/data upload.
func UploadWrite(service, characteristic string, payload []byte, kind WriteKind) Operation {
	op := Write(service, characteristic, payload, kind)
	op.Upload = true
	return op
}

// Subscribe builds an operation enabling notifications for the attribute.
func Subscribe(service, characteristic string) Operation {
	return Operation{Kind: OpSubscribe, Attribute: NewAttributeRef(service, characteristic)}
}

// Unsubscribe builds an operation disabling notifications for the attribute.
func Unsubscribe(service, characteristic string) Operation {
	return Operation{Kind: OpUnsubscribe, Attribute: NewAttributeRef(service, characteristic)}
}

// ReadRSSI builds a signal-strength read for the link itself.
func ReadRSSI() Operation {
	return Operation{Kind: OpReadRSSI}
}

// RequestMTU builds an MTU negotiation request.
func RequestMTU(size int) Operation {
	return Operation{Kind: OpRequestMTU, MTU: size}
}

func (op Operation) String() string {
	switch op.Kind {
	case OpWrite:
		return fmt.Sprintf("%s %s (%d bytes, %s)", op.Kind, op.Attribute, len(op.Payload), op.WriteKind)
	case OpRequestMTU:
		return fmt.Sprintf("%s %d", op.Kind, op.MTU)
	case OpReadRSSI:
		return op.Kind.String()
	default:
		return fmt.Sprintf("%s %s", op.Kind, op.Attribute)
	}
}
