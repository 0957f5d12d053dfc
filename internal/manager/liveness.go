package manager

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
)

// Timers never touch device state directly: a fire posts to the mailbox and
// the generation check discards fires of timers that were re-armed or cancelled.

func (m *Manager) armLiveness(d *deviceState) {
	if m.opts.ScanMode == ScanOnce || m.opts.EvictionInterval <= 0 {
		return
	}
	m.cancelLiveness(d)

	id, gen := d.transportID, d.livenessGen
	d.liveness = m.clock.AfterFunc(m.opts.EvictionInterval, func() {
		_ = m.post(func() { m.livenessExpired(id, gen) })
	})
}

func (m *Manager) cancelLiveness(d *deviceState) {
	if d.liveness != nil {
		d.liveness.Stop()
		d.liveness = nil
	}
	d.livenessGen++
}

func (m *Manager) livenessExpired(id string, gen uint64) {
	d := m.devices[id]
	if d == nil || d.livenessGen != gen {
		return
	}
	d.liveness = nil
	d.inRange = false

	m.logger.WithFields(logrus.Fields{
		"device": id,
		"state":  d.state,
	}).Info("Device lost")
	m.emit(d, Event{Type: EventLost})

	if d.state == device.Connected || d.state == device.Connecting || d.pendingConnect {
		return
	}
	m.evict(d, "lost")
}

func (m *Manager) armRefresh() {
	if m.opts.ScanMode != ScanPeriodic || m.opts.RefreshInterval <= 0 {
		return
	}
	m.stopRefresh()

	gen := m.refreshGen
	m.refresh = m.clock.AfterFunc(m.opts.RefreshInterval, func() {
		_ = m.post(func() { m.refreshScan(gen) })
	})
}

func (m *Manager) stopRefresh() {
	if m.refresh != nil {
		m.refresh.Stop()
		m.refresh = nil
	}
	m.refreshGen++
}

func (m *Manager) refreshScan(gen uint64) {
	if gen != m.refreshGen || !m.scanning {
		return
	}
	m.refresh = nil
	m.logger.Debug("Refreshing periodic scan")
	m.restartScan()
}
