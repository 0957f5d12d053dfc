package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blemgr/internal/transport"
)

// AdvertisementBuilder builds transport advertisements for testing.
type AdvertisementBuilder struct {
	adv         transport.Advertisement
	servicesSet bool
}

// NewAdvertisementBuilder creates a connectable advertisement without a service list.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: transport.Advertisement{Connectable: true}}
}

// WithName sets the local name
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.LocalName = name
	return b
}

// WithServices adds service UUIDs. Calling it with no arguments sets an empty, present, service list.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	if b.adv.Services == nil {
		b.adv.Services = []string{}
	}
	b.adv.Services = append(b.adv.Services, uuids...)
	b.servicesSet = true
	return b
}

// WithManufacturerData sets the manufacturer-specific data
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufacturerData = data
	return b
}

// WithServiceData adds service data for a service UUID
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	if b.adv.ServiceData == nil {
		b.adv.ServiceData = make(map[string][]byte)
	}
	b.adv.ServiceData[uuid] = data
	return b
}

// WithTxPower sets the advertised TX power
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = &power
	return b
}

// WithConnectable sets the connectable flag
func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.Connectable = connectable
	return b
}

// FromJSON fills the advertisement from JSON using transport.Advertisement field names
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.servicesSet = b.adv.Services != nil
	return b
}

// Build returns the advertisement
func (b *AdvertisementBuilder) Build() transport.Advertisement {
	adv := b.adv
	if b.servicesSet {
		adv.Services = append([]string{}, b.adv.Services...)
	}
	return adv
}
