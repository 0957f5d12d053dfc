// Package transport defines the radio transport consumed by the session manager.
//
// A Transport issues asynchronous operations; their outcomes come back through
// the Handler callback surface. Peripherals are addressed by the opaque id the
// transport assigned to them for the current transport session.
package transport

import (
	"fmt"

	"github.com/srg/blemgr/internal/device"
)

// PowerState is the transport-wide radio state
type PowerState int

const (
	StateUnknown PowerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s PowerState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return fmt.Sprintf("power(%d)", int(s))
	}
}

// Advertisement is the decoded advertising payload of a peripheral.
// A nil Services slice means the advertisement carried no service list.
type Advertisement struct {
	LocalName        string
	Services         []string
	ManufacturerData []byte
	ServiceData      map[string][]byte
	TxPower          *int
	Connectable      bool
}

// Property is a bit set of GATT characteristic properties
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// CanRead reports whether the property set allows reads. An empty set is treated as unknown and allowed.
func (p Property) CanRead() bool {
	return p == 0 || p&PropRead != 0
}

// CanNotify reports whether the property set allows notifications or indications.
// An empty set is treated as unknown and allowed.
func (p Property) CanNotify() bool {
	return p == 0 || p&(PropNotify|PropIndicate) != 0
}

// Characteristic describes one discovered characteristic
type Characteristic struct {
	Ref        device.CharRef
	Properties Property
}

// ScanOptions controls a scan
type ScanOptions struct {
	// AllowDuplicates reports every advertisement instead of the first one per peripheral.
	AllowDuplicates bool
}

// Transport is the radio stack seen from the session manager.
// Every method returns once the operation has been issued; completion is
// reported through the Handler.
type Transport interface {
	SetHandler(h Handler)
	State() PowerState

	Scan(services []string, opts ScanOptions) error
	StopScan() error

	Connect(id string) error
	CancelConnection(id string) error

	DiscoverServices(id string, filter []string) error
	DiscoverCharacteristics(id, service string, filter []string) error
	ReadValue(id string, ref device.CharRef) error
	WriteValue(id string, ref device.CharRef, data []byte, withResponse bool) error
	SetNotify(id string, ref device.CharRef, enabled bool) error
	ReadRSSI(id string) error
}

// Handler receives transport callbacks. Implementations must not block.
type Handler interface {
	StateChanged(state PowerState)
	Discovered(id string, adv Advertisement, rssi int)
	Connected(id string)
	Disconnected(id string, err error)
	FailedToConnect(id string, err error)
	ServicesDiscovered(id string, services []string, err error)
	CharacteristicsDiscovered(id, service string, chars []Characteristic, err error)
	ValueUpdated(id string, ref device.CharRef, value []byte, err error)
	NotifyStateChanged(id string, ref device.CharRef, enabled bool, err error)
	RSSIRead(id string, rssi int, err error)
}
