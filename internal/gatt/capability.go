package gatt

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CharacteristicInfo describes one discovered characteristic.
type CharacteristicInfo struct {
	UUID       string
	Properties string // e.g. "read,write,notify"
}

// ServiceInfo describes one discovered service and its characteristics in
// discovery order.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// CapabilityTable is the capability set discovered on a peripheral after
// link establishment: services in discovery order, each with its
// characteristics. Entries are keyed by normalized service UUID.
//
// The table is populated once during discovery and read-only afterwards.
type CapabilityTable struct {
	services *orderedmap.OrderedMap[string, *ServiceInfo]
}

// NewCapabilityTable returns an empty capability table.
func NewCapabilityTable() *CapabilityTable {
	return &CapabilityTable{services: orderedmap.New[string, *ServiceInfo]()}
}

// AddService records a discovered service, returning its entry so
// characteristics can be appended. Re-adding an existing UUID returns the
// existing entry.
func (t *CapabilityTable) AddService(uuid string) *ServiceInfo {
	normalized := NormalizeUUID(uuid)
	if svc, ok := t.services.Get(normalized); ok {
		return svc
	}
	svc := &ServiceInfo{UUID: normalized}
	t.services.Set(normalized, svc)
	return svc
}

// AddCharacteristic appends a characteristic to a service, creating the
// service entry if needed.
func (t *CapabilityTable) AddCharacteristic(serviceUUID, charUUID, properties string) {
	svc := t.AddService(serviceUUID)
	svc.Characteristics = append(svc.Characteristics, CharacteristicInfo{
		UUID:       NormalizeUUID(charUUID),
		Properties: properties,
	})
}

// Service looks up a service by UUID (any accepted format).
func (t *CapabilityTable) Service(uuid string) (*ServiceInfo, bool) {
	return t.services.Get(NormalizeUUID(uuid))
}

// Characteristic looks up a characteristic within a service.
func (t *CapabilityTable) Characteristic(serviceUUID, charUUID string) (*CharacteristicInfo, bool) {
	svc, ok := t.services.Get(NormalizeUUID(serviceUUID))
	if !ok {
		return nil, false
	}
	normalized := NormalizeUUID(charUUID)
	for i := range svc.Characteristics {
		if svc.Characteristics[i].UUID == normalized {
			return &svc.Characteristics[i], true
		}
	}
	return nil, false
}

// Services returns all services in discovery order.
func (t *CapabilityTable) Services() []*ServiceInfo {
	result := make([]*ServiceInfo, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Len returns the number of discovered services.
func (t *CapabilityTable) Len() int {
	if t == nil || t.services == nil {
		return 0
	}
	return t.services.Len()
}
