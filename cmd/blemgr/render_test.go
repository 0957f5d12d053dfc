package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/store"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

var eventTime = time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)

func sampleEvents() []manager.Event {
	sub := device.NewSubscription("fff0", "")
	return []manager.Event{
		{
			Type: manager.EventDiscovered, DeviceID: "P1", Time: eventTime, RSSI: -42,
			Device: device.Info{TransportID: "P1", Name: "thermo", AdvertisedServices: []string{"fff0", "180f"}},
		},
		{Type: manager.EventStateChanged, DeviceID: "P1", Time: eventTime, State: device.Connected},
		{
			Type: manager.EventValueUpdated, DeviceID: "P1", Time: eventTime,
			Ref: device.NewCharRef("fff0", "fff1"), Value: []byte{0x01, 0xab}, Subscription: &sub,
		},
		{Type: manager.EventValueUpdated, DeviceID: "P1", Time: eventTime, Ref: device.NewCharRef("180f", "2a19"), Value: []byte{0x4b}},
		{Type: manager.EventPowerChanged, Time: eventTime, Power: transport.StatePoweredOff},
		{Type: manager.EventEvicted, DeviceID: "P1", Time: eventTime, Reason: "lost"},
		{Type: manager.EventConnectFailed, DeviceID: "P2", Time: eventTime, Err: device.Wrap(device.ErrConnectFailure, errors.New("timeout"))},
	}
}

func TestEventPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, "table")
	for _, e := range sampleEvents() {
		require.NoError(t, p.print(e))
	}

	testutils.NewTextAsserter(t).Assert(buf.String(), fmt.Sprintf(`
13:04:05 DISCOVERED     P1 name="thermo" rssi=-42 services=fff0,180f
13:04:05 STATE_CHANGED  P1 state=connected
13:04:05 VALUE_UPDATED  P1 fff0/fff1 = 01 ab (fff0/*)
13:04:05 VALUE_UPDATED  P1 180f/2a19 = 4b [75%%]
13:04:05 POWER_CHANGED  - power=%s
13:04:05 EVICTED        P1 reason=lost
13:04:05 CONNECT_FAILED P2 error=connect_failure: timeout
`, transport.StatePoweredOff))
}

func TestEventPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, "json")
	events := sampleEvents()
	require.NoError(t, p.print(events[0]))
	require.NoError(t, p.print(events[2]))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	ja := testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false))
	ja.Assert(string(lines[0]), `{
		"time": "2024-05-01T13:04:05Z",
		"type": "discovered",
		"device": "P1",
		"name": "thermo",
		"rssi": -42,
		"services": ["fff0", "180f"]
	}`)
	ja.Assert(string(lines[1]), `{
		"time": "<<PRESENCE>>",
		"type": "value_updated",
		"device": "P1",
		"characteristic": "fff0/fff1",
		"value": "01ab",
		"subscription": "fff0/*"
	}`)
}

func TestPrintDevices(t *testing.T) {
	devices := []device.Info{
		{
			TransportID: "P1", HardwareID: "HW-1", Name: "a-very-long-device-name-indeed", State: device.Connected,
			RSSI: -40, InRange: true, AdvertisedServices: []string{"180f"},
			Values: map[device.CharRef][]byte{device.NewCharRef("180f", "2a19"): {0x32}},
		},
		{TransportID: "P2", State: device.Disconnected, RSSI: -80},
	}

	var buf bytes.Buffer
	require.NoError(t, printDevices(&buf, devices, "table"))
	testutils.NewTextAsserter(t).Assert(buf.String(), `
ID    NAME                  STATE         RSSI     IN RANGE  SERVICES
HW-1  a-very-long-devic...  connected     -40 dBm  true      180f
P2                          disconnected  -80 dBm  false
`)

	buf.Reset()
	require.NoError(t, printDevices(&buf, devices, "json"))
	testutils.NewJSONAsserter(t).Assert(buf.String(), `[
		{"id": "HW-1", "transport_id": "P1", "state": "connected", "in_range": true, "values": {"180f/2a19": "32"}},
		{"id": "P2", "transport_id": "P2", "state": "disconnected", "in_range": false}
	]`)

	buf.Reset()
	require.NoError(t, printDevices(&buf, nil, "table"))
	assert.Equal(t, "No devices discovered\n", buf.String())
}

func TestPrintRecords(t *testing.T) {
	records := []store.Record{
		{ID: "b7d3c2a1-0000", TransportID: "P2"},
		{ID: "a1b2c3d4-1111", HardwareID: "HW-1", Name: "thermo",
			Characteristics: map[device.CharRef][]byte{device.NewCharRef("180f", "2a19"): {0x32}}},
	}

	var buf bytes.Buffer
	require.NoError(t, printRecords(&buf, records, "table"))
	testutils.NewTextAsserter(t).Assert(buf.String(), `
RECORD    HARDWARE ID  TRANSPORT ID  NAME    VALUES  UPDATED
a1b2c3d4  HW-1         -             thermo  1       -
b7d3c2a1  -            P2            -       0       -
`)

	buf.Reset()
	require.NoError(t, printRecords(&buf, nil, "table"))
	assert.Equal(t, "No devices stored\n", buf.String())
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "bluetooth off", err: device.ErrBluetoothOff, expected: "Bluetooth is not available"},
		{name: "timeout", err: device.ErrTimeout, expected: "did not connect in time"},
		{name: "connect failure", err: device.Wrap(device.ErrConnectFailure, errors.New("boom")), expected: "could not connect: connect_failure: boom"},
		{name: "connection lost", err: ErrConnectionLost, expected: "reconnect attempt failed"},
		{name: "record", err: fmt.Errorf("%w: x", store.ErrNotFound), expected: "unknown device: record not found: x"},
		{name: "not found", err: &device.NotFoundError{Resource: "service", UUIDs: []string{"180f"}}, expected: `service "180f" not found`},
		{name: "plain", err: errors.New("plain"), expected: "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.expected)
		})
	}
	assert.Empty(t, FormatUserError(nil))
}

func TestParseSubscriptions(t *testing.T) {
	subs, err := parseSubscriptions([]string{"FFF0", "180d/2A37"})
	require.NoError(t, err)
	assert.Equal(t, []device.Subscription{{Service: "fff0"}, {Service: "180d", Characteristic: "2a37"}}, subs)

	_, err = parseSubscriptions([]string{"180d/zz"})
	assert.Error(t, err)
}

func TestFindRecord(t *testing.T) {
	records := []store.Record{
		{ID: "r1", HardwareID: "HW-1", TransportID: "r2"},
		{ID: "r2", TransportID: "P2"},
	}

	r, ok := findRecord(records, "r2")
	require.True(t, ok)
	assert.Equal(t, "r2", r.ID, "record ids win over transport ids")

	r, ok = findRecord(records, "HW-1")
	require.True(t, ok)
	assert.Equal(t, "r1", r.ID)

	_, ok = findRecord(records, "")
	assert.False(t, ok)
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
