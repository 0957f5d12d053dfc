package manager

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/transport"
)

func (m *Manager) handleStateChanged(state transport.PowerState) {
	prev := m.power
	m.setPower(state)

	m.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   state,
	}).Info("Transport power state changed")
	m.emit(nil, Event{Type: EventPowerChanged, Power: state})

	switch state {
	case transport.StatePoweredOn:
		m.poweredOn()
	case transport.StatePoweredOff, transport.StateResetting, transport.StateUnauthorized, transport.StateUnsupported:
		m.poweredDown(state)
	}
}

func (m *Manager) poweredOn() {
	for _, d := range m.sortedDevices() {
		switch {
		case d.state == device.Connected:
			// Restored session: rediscover and re-affirm Connected.
			m.resetSession(d)
			if err := m.transport.DiscoverServices(d.transportID, nil); err != nil {
				m.discoveryFailed(d, err)
			}
		case d.pendingConnect && !d.disconnecting:
			m.connect(d)
		}
	}

	if m.scanRequested {
		if err := m.startScan(); err != nil {
			m.emitError(nil, err)
		}
	}
}

// poweredDown drops every transport handle. Devices the caller wants
// connected are kept with a pending connect, everything else is evicted.
// A requested scan stays requested and resumes on power-on.
func (m *Manager) poweredDown(state transport.PowerState) {
	m.scanning = false
	m.stopRefresh()
	m.handles.Clear()

	for _, d := range m.sortedDevices() {
		wasConnected := d.state == device.Connected || d.state == device.Connecting

		m.cancelLiveness(d)
		d.bound = false
		d.inRange = false
		d.disconnecting = false
		d.reconnecting = false
		m.resetSession(d)
		m.setState(d, device.Disconnected)

		switch {
		case d.pendingConnect:
		case wasConnected:
			d.pendingConnect = true
		default:
			m.evict(d, state.String())
		}
	}
}
