package testutils

import (
	"errors"
	"strings"
	"testing"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects callbacks as strings for comparison.
type recordingHandler struct {
	got []string
}

func (h *recordingHandler) add(s string) { h.got = append(h.got, s) }

func (h *recordingHandler) StateChanged(state transport.PowerState) { h.add("state " + state.String()) }
func (h *recordingHandler) Discovered(id string, _ transport.Advertisement, _ int) {
	h.add("discovered " + id)
}
func (h *recordingHandler) Connected(id string)                { h.add("connected " + id) }
func (h *recordingHandler) FailedToConnect(id string, _ error) { h.add("failed " + id) }
func (h *recordingHandler) Disconnected(id string, _ error)    { h.add("disconnected " + id) }
func (h *recordingHandler) ServicesDiscovered(id string, services []string, _ error) {
	h.add("services " + id + " " + joinUUIDs(services))
}
func (h *recordingHandler) CharacteristicsDiscovered(id, service string, chars []transport.Characteristic, _ error) {
	var uuids []string
	for _, c := range chars {
		uuids = append(uuids, c.Ref.Characteristic)
	}
	h.add("chars " + id + " " + service + " " + joinUUIDs(uuids))
}
func (h *recordingHandler) ValueUpdated(id string, ref device.CharRef, value []byte, err error) {
	if err != nil {
		h.add("value-error " + ref.String())
		return
	}
	h.add("value " + ref.String() + " " + string(value))
}
func (h *recordingHandler) NotifyStateChanged(id string, ref device.CharRef, enabled bool, _ error) {
	if enabled {
		h.add("notify-on " + ref.String())
	} else {
		h.add("notify-off " + ref.String())
	}
}
func (h *recordingHandler) RSSIRead(id string, rssi int, _ error) { h.add("rssi " + id) }

func joinUUIDs(uuids []string) string {
	return strings.Join(uuids, ",")
}

func TestFakeTransportAutoResponds(t *testing.T) {
	ft := NewFakeTransport()
	h := &recordingHandler{}
	ft.SetHandler(h)
	ft.AddPeripheral(NewPeripheralBuilder("P1").
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte("x")).
		WithService("180A").
		WithCharacteristic("2A25", "read", []byte("SN")).
		Build())

	require.NoError(t, ft.Connect("P1"))
	require.NoError(t, ft.DiscoverServices("P1", []string{"180f"}))
	require.NoError(t, ft.DiscoverCharacteristics("P1", "180F", nil))
	require.NoError(t, ft.ReadValue("P1", device.NewCharRef("180a", "2a25")))
	require.NoError(t, ft.ReadValue("P1", device.NewCharRef("180a", "2a26")))
	require.NoError(t, ft.SetNotify("P1", device.NewCharRef("180f", "2a19"), true))
	require.NoError(t, ft.WriteValue("P1", device.NewCharRef("180f", "2a19"), []byte{1}, false))

	assert.Equal(t, []string{
		"connected P1",
		"services P1 180f",
		"chars P1 180f 2a19",
		"value 180a/2a25 SN",
		"value-error 180a/2a26",
		"notify-on 180f/2a19",
	}, h.got)
	assert.Equal(t, 7, ft.Count(""))
	assert.Equal(t, []byte{1}, ft.Calls(MethodWriteValue)[0].Data)
}

func TestFakeTransportHoldAndFail(t *testing.T) {
	ft := NewFakeTransport()
	h := &recordingHandler{}
	ft.SetHandler(h)
	ft.AddPeripheral(NewPeripheralBuilder("P1").Build())

	ft.Hold(MethodConnect)
	require.NoError(t, ft.Connect("P1"))
	assert.Empty(t, h.got, "held methods are recorded but not answered")

	ft.Release(MethodConnect)
	require.NoError(t, ft.Connect("P1"))
	assert.Equal(t, []string{"connected P1"}, h.got)

	boom := errors.New("boom")
	ft.FailWith(MethodScan, boom)
	assert.ErrorIs(t, ft.Scan(nil, transport.ScanOptions{}), boom)
	ft.FailWith(MethodScan, nil)
	assert.NoError(t, ft.Scan(nil, transport.ScanOptions{}))

	require.NoError(t, ft.Connect("unknown"))
	assert.Len(t, h.got, 1, "no profile, no auto-response")
	assert.Equal(t, 3, ft.Count(MethodConnect))

	ft.Reset()
	assert.Zero(t, ft.Count(""))
}

func TestFakeTransportStateChange(t *testing.T) {
	ft := NewFakeTransport()
	h := &recordingHandler{}
	ft.SetHandler(h)

	assert.Equal(t, transport.StatePoweredOn, ft.State())
	ft.SetState(transport.StatePoweredOff)
	assert.Equal(t, transport.StatePoweredOff, ft.State())
	assert.Equal(t, []string{"state " + transport.StatePoweredOff.String()}, h.got)
}
