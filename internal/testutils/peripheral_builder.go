package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/transport"
)

// CharacteristicConfig represents a characteristic of a fake peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a service of a fake peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralProfile is the GATT profile a FakeTransport answers discovery requests with
type PeripheralProfile struct {
	ID       string          `json:"id"`
	RSSI     int             `json:"rssi,omitempty"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds fake peripheral profiles with a fluent API.
type PeripheralBuilder struct {
	profile PeripheralProfile
}

// NewPeripheralBuilder creates a builder for a peripheral with the given transport id
func NewPeripheralBuilder(id string) *PeripheralBuilder {
	return &PeripheralBuilder{profile: PeripheralProfile{ID: id, RSSI: -60}}
}

// WithRSSI sets the RSSI reported by ReadRSSI
func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.profile.RSSI = rssi
	return b
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: value})
	return b
}

// FromJSON fills the profile from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var profile PeripheralProfile
	if err := json.Unmarshal([]byte(jsonStr), &profile); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if profile.ID == "" {
		profile.ID = b.profile.ID
	}
	b.profile = profile
	return b
}

// Build returns the profile
func (b *PeripheralBuilder) Build() *PeripheralProfile {
	p := b.profile
	return &p
}

// ServiceUUIDs returns the normalized service UUIDs of the profile
func (p *PeripheralProfile) ServiceUUIDs() []string {
	result := make([]string, 0, len(p.Services))
	for _, s := range p.Services {
		result = append(result, device.NormalizeUUID(s.UUID))
	}
	return result
}

// Characteristics returns the characteristics of a service, optionally filtered
func (p *PeripheralProfile) Characteristics(service string, filter []string) []transport.Characteristic {
	service = device.NormalizeUUID(service)
	var result []transport.Characteristic
	for _, s := range p.Services {
		if device.NormalizeUUID(s.UUID) != service {
			continue
		}
		for _, c := range s.Characteristics {
			uuid := device.NormalizeUUID(c.UUID)
			if len(filter) > 0 && !containsUUID(filter, uuid) {
				continue
			}
			result = append(result, transport.Characteristic{
				Ref:        device.CharRef{Service: service, Characteristic: uuid},
				Properties: ParseProperties(c.Properties),
			})
		}
	}
	return result
}

// Value returns the configured value of a characteristic
func (p *PeripheralProfile) Value(ref device.CharRef) ([]byte, bool) {
	for _, s := range p.Services {
		if device.NormalizeUUID(s.UUID) != ref.Service {
			continue
		}
		for _, c := range s.Characteristics {
			if device.NormalizeUUID(c.UUID) == ref.Characteristic {
				return c.Value, true
			}
		}
	}
	return nil, false
}

// ParseProperties converts a "read,write,notify" string to transport properties
func ParseProperties(props string) transport.Property {
	var p transport.Property
	for _, part := range strings.Split(props, ",") {
		switch strings.TrimSpace(part) {
		case "read":
			p |= transport.PropRead
		case "write":
			p |= transport.PropWrite
		case "write-without-response":
			p |= transport.PropWriteWithoutResponse
		case "notify":
			p |= transport.PropNotify
		case "indicate":
			p |= transport.PropIndicate
		case "broadcast":
			p |= transport.PropBroadcast
		}
	}
	return p
}

func containsUUID(list []string, uuid string) bool {
	for _, u := range list {
		if device.NormalizeUUID(u) == uuid {
			return true
		}
	}
	return false
}
