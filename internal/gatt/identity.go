package gatt

import "strings"

// PeripheralID is the immutable transport-level address of a remote
// peripheral. It is the key for all registries; two IDs compare equal iff
// they address the same peripheral.
type PeripheralID string

// NewPeripheralID normalizes a transport address (MAC address or platform
// UUID) into a PeripheralID. Addresses are case-insensitive on every
// supported transport, so the normalized form is lowercase.
func NewPeripheralID(address string) PeripheralID {
	return PeripheralID(strings.ToLower(strings.TrimSpace(address)))
}

func (id PeripheralID) String() string {
	return string(id)
}

// IsZero reports whether the ID is empty (no address).
func (id PeripheralID) IsZero() bool {
	return id == ""
}
