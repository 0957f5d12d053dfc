package manager

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/transport"
)

// Scan requests scanning for the global subscription services. When the
// transport is not powered on the scan stays pending and starts on power-on.
func (m *Manager) Scan(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.scanRequested = true
		return m.startScan()
	})
}

// StopScan stops scanning and drops a pending scan request.
func (m *Manager) StopScan(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.scanRequested = false
		return m.stopScan()
	})
}

// Connect asks for a connection to the device with the given id. An unknown id
// creates an ephemeral device that connects once it is discovered. The
// returned Future resolves when the device reaches Connected.
func (m *Manager) Connect(ctx context.Context, id string) (*Future, error) {
	var f *Future
	err := m.call(ctx, func() error {
		d := m.lookupOrCreate(id)
		if d.state == device.Connected {
			f = resolvedFuture(d.transportID)
			return nil
		}
		f = m.addWaiter(d)
		m.connect(d)
		return nil
	})
	return f, err
}

// Disconnect deliberately closes the connection. No reconnect follows.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	return m.call(ctx, func() error {
		d := m.find(id)
		if d == nil {
			return unknownDevice(id)
		}
		m.disconnect(d)
		return nil
	})
}

// Forget disconnects the device, removes its stored record and evicts it.
// The record is removed before Forget returns.
func (m *Manager) Forget(ctx context.Context, id string) error {
	return m.call(ctx, func() error {
		d := m.find(id)
		if d == nil {
			if m.persist != nil {
				if rec, ok := m.persist.Lookup(id, id); ok {
					return m.persist.Remove(ctx, rec.ID)
				}
			}
			return unknownDevice(id)
		}

		m.disconnect(d)
		var err error
		if m.persist != nil && d.recordID != "" {
			err = m.persist.Remove(ctx, d.recordID)
		}
		m.evict(d, "forget")
		return err
	})
}

// ReadRSSI asks a connected device for its signal strength. The result is published as EventRSSI.
func (m *Manager) ReadRSSI(ctx context.Context, id string) error {
	return m.call(ctx, func() error {
		d := m.find(id)
		if d == nil {
			return unknownDevice(id)
		}
		if d.state != device.Connected {
			return fmt.Errorf("%w: %s", device.ErrNotConnected, id)
		}
		if err := m.transport.ReadRSSI(d.transportID); err != nil {
			return device.Wrap(device.ErrOperationFailure, device.NormalizeError(err))
		}
		return nil
	})
}

func (m *Manager) startScan() error {
	if m.power != transport.StatePoweredOn {
		m.logger.WithField("power", m.power).Info("Transport not powered on, scan pending")
		return nil
	}
	if m.scanning {
		return nil
	}

	opts := transport.ScanOptions{AllowDuplicates: m.opts.ScanMode == ScanDuplicates}
	if err := m.transport.Scan(slices.Clone(m.scanFilter), opts); err != nil {
		return fmt.Errorf("start scan: %w", device.NormalizeError(err))
	}
	m.scanning = true
	m.armRefresh()

	m.logger.WithFields(logrus.Fields{
		"services": m.scanFilter,
		"mode":     m.opts.ScanMode,
	}).Debug("Scan started")
	return nil
}

func (m *Manager) stopScan() error {
	m.stopRefresh()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if err := m.transport.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

func (m *Manager) restartScan() {
	if !m.scanning {
		return
	}
	if err := m.stopScan(); err != nil {
		m.emitError(nil, err)
	}
	if err := m.startScan(); err != nil {
		m.emitError(nil, err)
	}
}

func (m *Manager) setState(d *deviceState, state device.ConnectionState) {
	if d.state == state {
		return
	}
	d.state = state
	m.emit(d, Event{Type: EventStateChanged, State: state})
}

func (m *Manager) connect(d *deviceState) {
	switch d.state {
	case device.Connecting, device.Connected:
		return
	case device.Disconnecting:
		d.pendingConnect = true
		return
	}

	if !d.bound || m.power != transport.StatePoweredOn {
		d.pendingConnect = true
		m.logger.WithFields(logrus.Fields{
			"device": d.transportID,
			"bound":  d.bound,
			"power":  m.power,
		}).Debug("Device not reachable, connect pending")
		return
	}

	d.pendingConnect = false
	d.disconnecting = false
	m.setState(d, device.Connecting)
	m.metrics.IncConnectAttempts()

	m.logger.WithField("device", d.transportID).Info("Connecting to device")
	if err := m.transport.Connect(d.transportID); err != nil {
		m.connectFailed(d, device.Wrap(device.ErrConnectFailure, device.NormalizeError(err)))
	}
}

func (m *Manager) disconnect(d *deviceState) {
	m.cancelLiveness(d)
	d.pendingConnect = false
	d.reconnecting = false
	m.rejectWaiters(d, device.ErrCanceled)

	if d.state == device.Disconnected || d.state == device.Disconnecting {
		return
	}
	if !d.bound || m.power != transport.StatePoweredOn {
		m.resetSession(d)
		m.setState(d, device.Disconnected)
		return
	}

	prev := d.state
	d.disconnecting = true
	m.setState(d, device.Disconnecting)
	if err := m.transport.CancelConnection(d.transportID); err != nil {
		d.disconnecting = false
		m.setState(d, prev)
		m.emitError(d, device.Wrap(device.ErrOperationFailure, device.NormalizeError(err)))
	}
}

// resetSession clears everything learned during the current connection.
func (m *Manager) resetSession(d *deviceState) {
	if len(d.pending) > 0 {
		m.logger.WithFields(logrus.Fields{
			"device":   d.transportID,
			"requests": len(d.pending),
		}).Debug("Dropping pending requests")
	}
	d.services.Clear()
	d.inflight.Clear()
	clear(d.chars)
	clear(d.notifying)
	clear(d.outstanding)
	d.pending = nil
}

func (m *Manager) connectFailed(d *deviceState, err error) {
	d.reconnecting = false
	m.resetSession(d)
	m.setState(d, device.Disconnected)
	m.metrics.IncConnectFailures()

	m.logger.WithFields(logrus.Fields{
		"device": d.transportID,
		"error":  err,
	}).Warn("Connection failed")
	m.emit(d, Event{Type: EventConnectFailed, Err: err})
	m.rejectWaiters(d, err)
}

// discoveryFailed fails a connection attempt, or only reports the error once connected.
func (m *Manager) discoveryFailed(d *deviceState, err error) {
	err = device.Wrap(device.ErrDiscoveryFailure, err)
	if d.state != device.Connecting {
		m.emitError(d, err)
		return
	}

	d.disconnecting = true
	if cerr := m.transport.CancelConnection(d.transportID); cerr != nil {
		d.disconnecting = false
	}
	m.connectFailed(d, err)
}

func (m *Manager) addWaiter(d *deviceState) *Future {
	f := newFuture(d.transportID)
	d.waiters = append(d.waiters, f)
	if m.opts.ConnectTimeout > 0 {
		f.timer = m.clock.AfterFunc(m.opts.ConnectTimeout, func() {
			_ = m.post(func() { m.abortWaiter(f, device.ErrTimeout) })
		})
	}
	f.cancel = func() {
		_ = m.post(func() { m.abortWaiter(f, device.ErrCanceled) })
	}
	return f
}

// abortWaiter rejects f. The connect attempt is abandoned when nobody else waits for it.
func (m *Manager) abortWaiter(f *Future, err error) {
	var owner *deviceState
	for _, d := range m.devices {
		if slices.Contains(d.waiters, f) {
			owner = d
			break
		}
	}
	if !f.settle(err) || owner == nil {
		return
	}
	owner.waiters = slices.DeleteFunc(owner.waiters, func(w *Future) bool { return w == f })

	m.logger.WithFields(logrus.Fields{
		"device": owner.transportID,
		"error":  err,
	}).Info("Connect aborted")
	if len(owner.waiters) > 0 {
		return
	}
	owner.pendingConnect = false
	if owner.state == device.Connecting {
		m.disconnect(owner)
	}
}

func (m *Manager) resolveWaiters(d *deviceState) {
	for _, f := range d.waiters {
		f.settle(nil)
	}
	d.waiters = nil
}

func (m *Manager) rejectWaiters(d *deviceState, err error) {
	for _, f := range d.waiters {
		f.settle(err)
	}
	d.waiters = nil
}

func (m *Manager) handleConnected(id string) {
	d := m.devices[id]
	if d == nil {
		m.logger.WithField("device", id).Debug("Connected callback for unknown device ignored")
		return
	}
	if d.state != device.Connecting {
		m.logger.WithFields(logrus.Fields{
			"device": id,
			"state":  d.state,
		}).Debug("Connected callback ignored")
		return
	}

	// Connected is surfaced only once the services pass completed.
	m.resetSession(d)
	if err := m.transport.DiscoverServices(id, nil); err != nil {
		m.discoveryFailed(d, err)
	}
}

func (m *Manager) handleServicesDiscovered(id string, services []string, err error) {
	d := m.devices[id]
	if d == nil || (d.state != device.Connecting && d.state != device.Connected) {
		return
	}
	if err != nil {
		m.discoveryFailed(d, err)
		return
	}

	for _, raw := range services {
		svc := device.NormalizeUUID(raw)
		if svc == "" || d.services.Contains(svc) {
			continue
		}
		d.services.Add(svc)

		if svc == m.identity.Service {
			_ = m.discoverCharacteristics(d, svc, nil)
			continue
		}
		chars, all := m.subscribedCharacteristics(d, svc)
		switch {
		case all:
			_ = m.discoverCharacteristics(d, svc, nil)
		case len(chars) > 0:
			_ = m.discoverCharacteristics(d, svc, chars)
		}
	}

	if d.state == device.Connecting {
		d.reconnecting = false
		m.setState(d, device.Connected)
		m.resolveWaiters(d)
		m.logger.WithFields(logrus.Fields{
			"device":   id,
			"services": d.services.Cardinality(),
		}).Info("Device connected")
	} else {
		m.emit(d, Event{Type: EventStateChanged, State: device.Connected})
	}

	// Devices without the identity service are persisted under their transport id.
	if !d.services.Contains(m.identity.Service) && d.recordID == "" {
		m.reconcile(d)
	}
}

func (m *Manager) discoverCharacteristics(d *deviceState, service string, filter []string) error {
	d.outstanding[service]++
	if err := m.transport.DiscoverCharacteristics(d.transportID, service, filter); err != nil {
		d.outstanding[service]--
		err = device.Wrap(device.ErrDiscoveryFailure, device.NormalizeError(err))
		m.emitError(d, err)
		return err
	}
	return nil
}

func (m *Manager) handleCharacteristicsDiscovered(id, service string, chars []transport.Characteristic, err error) {
	d := m.devices[id]
	if d == nil || (d.state != device.Connecting && d.state != device.Connected) {
		return
	}
	svc := device.NormalizeUUID(service)
	if d.outstanding[svc] > 0 {
		d.outstanding[svc]--
	}
	if err != nil {
		m.emitError(d, device.Wrap(device.ErrDiscoveryFailure, err))
	}

	for _, c := range chars {
		ref := device.NewCharRef(c.Ref.Service, c.Ref.Characteristic)
		if ref.Service == "" {
			ref.Service = svc
		}
		d.chars[ref] = c.Properties

		if m.drain(d, ref) {
			continue
		}
		if _, ok := m.matchSubscription(d, ref); ok && c.Properties.CanNotify() {
			m.setNotify(d, ref, true)
			continue
		}
		if c.Properties.CanRead() {
			m.readValue(d, ref)
		}
	}

	if d.outstanding[svc] == 0 {
		m.dropUnresolvable(d, svc)
	}
}

func (m *Manager) setNotify(d *deviceState, ref device.CharRef, enabled bool) {
	if d.notifying[ref] == enabled {
		return
	}
	d.notifying[ref] = enabled
	if err := m.transport.SetNotify(d.transportID, ref, enabled); err != nil {
		d.notifying[ref] = !enabled
		m.emitError(d, device.Wrap(device.ErrOperationFailure, device.NormalizeError(err)))
	}
}

func (m *Manager) readValue(d *deviceState, ref device.CharRef) {
	if err := m.transport.ReadValue(d.transportID, ref); err != nil {
		m.emitError(d, device.Wrap(device.ErrOperationFailure, device.NormalizeError(err)))
	}
}

func (m *Manager) handleNotifyStateChanged(id string, ref device.CharRef, enabled bool, err error) {
	d := m.devices[id]
	if d == nil {
		return
	}
	ref = device.NewCharRef(ref.Service, ref.Characteristic)
	if err != nil {
		d.notifying[ref] = !enabled
		m.emitError(d, device.Wrap(device.ErrOperationFailure, device.NormalizeError(err)))
		return
	}
	d.notifying[ref] = enabled
}

func (m *Manager) handleValueUpdated(id string, ref device.CharRef, value []byte, err error) {
	d := m.devices[id]
	if d == nil {
		return
	}
	ref = device.NewCharRef(ref.Service, ref.Characteristic)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"device":       id,
			"service_uuid": ref.Service,
			"char_uuid":    ref.Characteristic,
			"error":        err,
		}).Warn("Characteristic read failed")
		m.emit(d, Event{Type: EventError, Ref: ref, Err: device.Wrap(device.ErrOperationFailure, device.NormalizeError(err))})
		return
	}

	d.values[ref] = bytes.Clone(value)
	written := false
	if ref == m.identity {
		written = m.resolveIdentity(d, parseHardwareID(value))
	}

	e := Event{Type: EventValueUpdated, Ref: ref, Value: bytes.Clone(value)}
	if sub, ok := m.matchSubscription(d, ref); ok {
		e.Subscription = &sub
	}
	m.emit(d, e)

	if !written {
		m.persistDevice(d)
	}
}

func (m *Manager) handleRSSIRead(id string, rssi int, err error) {
	d := m.devices[id]
	if d == nil {
		return
	}
	if err != nil {
		m.emitError(d, device.Wrap(device.ErrOperationFailure, device.NormalizeError(err)))
		return
	}
	d.rssi = rssi
	m.emit(d, Event{Type: EventRSSI, RSSI: rssi})
}

func (m *Manager) handleDisconnected(id string, err error) {
	d := m.devices[id]
	if d == nil {
		return
	}
	prev := d.state
	deliberate := d.disconnecting
	reconnecting := d.reconnecting
	d.disconnecting = false
	d.reconnecting = false
	m.resetSession(d)
	m.setState(d, device.Disconnected)

	if deliberate {
		m.logger.WithField("device", id).Info("Device disconnected")
		if d.pendingConnect {
			m.connect(d)
		}
		return
	}
	if prev != device.Connected && prev != device.Connecting {
		return
	}

	cause := device.Wrap(device.ErrUnexpectedDisconnect, err)
	if reconnecting && prev == device.Connecting {
		// The single automatic retry did not get through.
		m.connectFailed(d, device.Wrap(device.ErrConnectFailure, cause))
		return
	}

	m.logger.WithFields(logrus.Fields{
		"device": id,
		"error":  err,
	}).Warn("Unexpected disconnect, reconnecting")
	m.emit(d, Event{Type: EventError, Err: cause})

	m.metrics.IncReconnects()
	d.reconnecting = true
	m.connect(d)
}

func (m *Manager) handleFailedToConnect(id string, err error) {
	d := m.devices[id]
	if d == nil {
		return
	}
	if d.state != device.Connecting {
		return
	}
	m.connectFailed(d, device.Wrap(device.ErrConnectFailure, device.NormalizeError(err)))
}
