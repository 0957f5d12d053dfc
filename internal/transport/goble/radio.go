package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newDevice

// radio is the part of ble.Device the transport drives.
type radio interface {
	Scan(ctx context.Context, allowDup bool, h func(advertisement)) error
	Dial(ctx context.Context, addr string) (client, error)
	Stop() error
}

// client is the part of ble.Client the transport drives.
type client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// advertisement is the part of ble.Advertisement the transport reads.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// bleRadio adapts ble.Device to radio
type bleRadio struct {
	dev ble.Device
}

func openRadio() (radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return bleRadio{dev: dev}, nil
}

func (r bleRadio) Scan(ctx context.Context, allowDup bool, h func(advertisement)) error {
	return r.dev.Scan(ctx, allowDup, func(a ble.Advertisement) { h(a) })
}

func (r bleRadio) Dial(ctx context.Context, addr string) (client, error) {
	cl, err := r.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (r bleRadio) Stop() error {
	return r.dev.Stop()
}
