package gatt

import (
	"fmt"
	"strings"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb) in normalized form.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal transport format
// (lowercase, no dashes). Handles standard UUID format (with dashes),
// already normalized format, braces, and a 0x prefix (e.g. "0x2902" -> "2902").
// For full 128-bit UUIDs in Bluetooth SIG base format
// (0000xxxx-0000-1000-8000-00805f9b34fb), extracts the 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "{")
	u = strings.TrimSuffix(u, "}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	// Extract a 16-bit short form from the SIG base UUID
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, bluetoothBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
// Accepts one or more UUIDs as variadic arguments.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}
