package goble

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/transport"
)

// txPowerUnknown is what go-ble reports when the advertisement carries no TX power.
const txPowerUnknown = 127

// ErrLinkLost is reported with Disconnected when the peer or the radio dropped the link.
var ErrLinkLost = errors.New("link lost")

func convertAdvertisement(a advertisement) transport.Advertisement {
	adv := transport.Advertisement{
		LocalName:        a.LocalName(),
		ManufacturerData: bytes.Clone(a.ManufacturerData()),
		Connectable:      a.Connectable(),
	}
	if svcs := a.Services(); len(svcs) > 0 {
		adv.Services = make([]string, 0, len(svcs))
		for _, u := range svcs {
			adv.Services = append(adv.Services, device.NormalizeUUID(u.String()))
		}
	}
	if sd := a.ServiceData(); len(sd) > 0 {
		adv.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			adv.ServiceData[device.NormalizeUUID(d.UUID.String())] = bytes.Clone(d.Data)
		}
	}
	if tx := a.TxPowerLevel(); tx != txPowerUnknown {
		adv.TxPower = &tx
	}
	return adv
}

func convertProperty(p ble.Property) transport.Property {
	var out transport.Property
	if p&ble.CharBroadcast != 0 {
		out |= transport.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= transport.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= transport.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= transport.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= transport.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= transport.PropIndicate
	}
	return out
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	result := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: uuid %q: %v", device.ErrInvalidRequest, s, err)
		}
		result = append(result, u)
	}
	return result, nil
}

// invalidState matches the CoreBluetooth manager state go-ble puts in its errors,
// e.g. "central manager has invalid state: have=4 want=5: is Bluetooth turned on?".
var invalidState = regexp.MustCompile(`invalid state: have=(\d+)`)

// powerStateFromError extracts the radio state from a go-ble error.
// CoreBluetooth state numbers match transport.PowerState values.
func powerStateFromError(err error) (transport.PowerState, bool) {
	if err == nil {
		return transport.StateUnknown, false
	}
	if m := invalidState.FindStringSubmatch(err.Error()); m != nil {
		n, convErr := strconv.Atoi(m[1])
		if convErr == nil && n >= int(transport.StateUnknown) && n < int(transport.StatePoweredOn) {
			return transport.PowerState(n), true
		}
	}
	if errors.Is(NormalizeError(err), device.ErrBluetoothOff) {
		return transport.StatePoweredOff, true
	}
	return transport.StateUnknown, false
}

// NormalizeError maps go-ble error strings to ConnectionError kinds.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection is not initialized") {
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	}
	return device.NormalizeError(err)
}
