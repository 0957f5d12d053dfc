package manager

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/persist"
	"github.com/srg/blemgr/internal/store"
	"github.com/srg/blemgr/internal/transport"
)

// deviceState is the loop-owned session state of one device.
type deviceState struct {
	transportID string
	hardwareID  string
	recordID    string
	name        string
	rssi        int
	adv         transport.Advertisement
	lastSeen    time.Time

	state          device.ConnectionState
	bound          bool // a transport handle exists for transportID in this transport session
	inRange        bool
	pendingConnect bool
	disconnecting  bool
	reconnecting   bool

	subscriptions *subscriptionSet

	// per connection session
	services    mapset.Set[string]
	chars       map[device.CharRef]transport.Property
	notifying   map[device.CharRef]bool
	outstanding map[string]int // characteristic discoveries in flight per service
	inflight    mapset.Set[device.CharRef]
	pending     []*Request

	values     map[device.CharRef][]byte
	customData map[string]string

	liveness    *clock.Timer
	livenessGen uint64
	waiters     []*Future
}

func newDeviceState(transportID string) *deviceState {
	return &deviceState{
		transportID:   transportID,
		subscriptions: newSubscriptionSet(),
		services:      mapset.NewThreadUnsafeSet[string](),
		chars:         make(map[device.CharRef]transport.Property),
		notifying:     make(map[device.CharRef]bool),
		outstanding:   make(map[string]int),
		inflight:      mapset.NewThreadUnsafeSet[device.CharRef](),
		values:        make(map[device.CharRef][]byte),
		customData:    make(map[string]string),
	}
}

func (d *deviceState) info() device.Info {
	services := d.services.ToSlice()
	sort.Strings(services)

	values := make(map[device.CharRef][]byte, len(d.values))
	for k, v := range d.values {
		values[k] = bytes.Clone(v)
	}

	return device.Info{
		TransportID:        d.transportID,
		HardwareID:         d.hardwareID,
		RecordID:           d.recordID,
		Name:               d.name,
		RSSI:               d.rssi,
		State:              d.state,
		InRange:            d.inRange,
		Bound:              d.bound,
		PendingConnect:     d.pendingConnect,
		AdvertisedServices: slices.Clone(d.adv.Services),
		Services:           services,
		Subscriptions:      d.subscriptions.list(),
		Values:             values,
		CustomData:         maps.Clone(d.customData),
		LastSeen:           d.lastSeen,
	}
}

func (d *deviceState) snapshot() persist.Snapshot {
	values := make(map[device.CharRef][]byte, len(d.values))
	for k, v := range d.values {
		values[k] = bytes.Clone(v)
	}
	return persist.Snapshot{
		TransportID: d.transportID,
		HardwareID:  d.hardwareID,
		Name:        d.name,
		Values:      values,
		CustomData:  maps.Clone(d.customData),
	}
}

// Lookup returns a device by transport, hardware or record id. An unknown id
// creates an ephemeral device so that Connect and Subscribe can be issued
// before it is discovered.
func (m *Manager) Lookup(ctx context.Context, id string) (device.Info, error) {
	var info device.Info
	err := m.call(ctx, func() error {
		info = m.lookupOrCreate(id).info()
		return nil
	})
	return info, err
}

// SetCustomData stores a user value with the device record. An empty value deletes the key.
func (m *Manager) SetCustomData(ctx context.Context, id, key, value string) error {
	return m.call(ctx, func() error {
		d := m.find(id)
		if d == nil {
			return unknownDevice(id)
		}
		if value == "" {
			delete(d.customData, key)
		} else {
			d.customData[key] = value
		}
		m.persistDevice(d)
		return nil
	})
}

func (m *Manager) find(id string) *deviceState {
	if d, ok := m.devices[id]; ok {
		return d
	}
	if id == "" {
		return nil
	}
	for _, d := range m.devices {
		if d.hardwareID == id || d.recordID == id {
			return d
		}
	}
	return nil
}

func (m *Manager) lookupOrCreate(id string) *deviceState {
	if d := m.find(id); d != nil {
		return d
	}
	d := newDeviceState(id)
	m.devices[id] = d
	m.logger.WithField("device", id).Debug("Created ephemeral device")
	return d
}

func (m *Manager) sortedDevices() []*deviceState {
	result := make([]*deviceState, 0, len(m.devices))
	for _, d := range m.devices {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].transportID < result[j].transportID })
	return result
}

// restore registers a stored record as an unbound device.
func (m *Manager) restore(r store.Record) {
	key := r.TransportID
	if key == "" {
		key = r.HardwareID
	}
	if key == "" {
		key = r.ID
	}
	if _, exists := m.devices[key]; exists {
		return
	}

	d := newDeviceState(key)
	d.hardwareID = r.HardwareID
	d.recordID = r.ID
	d.name = r.Name
	for ref, v := range r.Characteristics {
		d.values[ref] = bytes.Clone(v)
	}
	maps.Copy(d.customData, r.CustomData)
	m.devices[key] = d
}

func (m *Manager) handleDiscovered(id string, adv transport.Advertisement, rssi int) {
	if adv.Services == nil {
		m.logger.WithField("device", id).Debug("Ignoring advertisement without service list")
		return
	}
	adv.Services = device.NormalizeUUIDs(adv.Services)
	if !m.matchesScanFilter(adv.Services) {
		return
	}

	d, known := m.devices[id]
	if !known {
		d = m.bindByIdentity(id, adv)
	}
	if d == nil {
		d = newDeviceState(id)
		m.devices[id] = d
		m.logger.WithFields(logrus.Fields{
			"device": id,
			"name":   adv.LocalName,
			"rssi":   rssi,
		}).Info("New device discovered")
	}

	d.bound = true
	m.handles.Add(id)
	d.adv = adv
	d.rssi = rssi
	d.inRange = true
	d.lastSeen = m.clock.Now()
	if adv.LocalName != "" && adv.LocalName != d.name {
		d.name = adv.LocalName
		m.persistDevice(d)
	}

	m.armLiveness(d)
	m.metrics.IncDiscoveries()

	if d.pendingConnect && !d.disconnecting {
		m.connect(d)
	}
	m.emit(d, Event{Type: EventDiscovered, RSSI: rssi})
}

// matchesScanFilter reports whether the advertised services intersect the
// global subscriptions. Without global subscriptions the scan is unfiltered.
func (m *Manager) matchesScanFilter(services []string) bool {
	if len(m.scanFilter) == 0 {
		return true
	}
	for _, s := range services {
		if slices.Contains(m.scanFilter, s) {
			return true
		}
	}
	return false
}

// bindByIdentity binds an unbound device whose hardware identity matches the advertisement.
func (m *Manager) bindByIdentity(id string, adv transport.Advertisement) *deviceState {
	if m.opts.IdentityFromAdvertisement == nil {
		return nil
	}
	hw := m.opts.IdentityFromAdvertisement(adv)
	if hw == "" {
		return nil
	}
	for _, d := range m.sortedDevices() {
		if !d.bound && d.hardwareID == hw {
			m.rekey(d, id)
			return d
		}
	}
	return nil
}

func (m *Manager) rekey(d *deviceState, id string) {
	old := d.transportID
	if old == id {
		return
	}
	delete(m.devices, old)
	m.published.Del(old)
	m.handles.Remove(old)

	d.transportID = id
	m.devices[id] = d
	m.persistDevice(d)

	m.logger.WithFields(logrus.Fields{
		"device":      id,
		"previous":    old,
		"hardware_id": d.hardwareID,
	}).Info("Bound known device to new transport id")
}

func parseHardwareID(value []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(value), "\x00"))
}

// resolveIdentity records the hardware identity, folds unbound duplicates of
// the same device into d and reconciles d with the store.
// Returns true when a store write was issued.
func (m *Manager) resolveIdentity(d *deviceState, hardwareID string) bool {
	if hardwareID == "" || (hardwareID == d.hardwareID && d.recordID != "") {
		return false
	}
	d.hardwareID = hardwareID

	for _, other := range m.sortedDevices() {
		if other == d || other.bound {
			continue
		}
		if other.hardwareID == hardwareID {
			m.absorb(d, other)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"device":      d.transportID,
		"hardware_id": hardwareID,
	}).Info("Resolved hardware identity")
	return m.reconcile(d)
}

// absorb merges an unbound duplicate into d and drops it.
func (m *Manager) absorb(d, other *deviceState) {
	for pair := other.subscriptions.Oldest(); pair != nil; pair = pair.Next() {
		d.subscriptions.Set(pair.Key, struct{}{})
	}
	for k, v := range other.customData {
		if _, ok := d.customData[k]; !ok {
			d.customData[k] = v
		}
	}
	if d.name == "" {
		d.name = other.name
	}
	if d.recordID == "" {
		d.recordID = other.recordID
	}

	m.cancelLiveness(other)
	d.waiters = append(d.waiters, other.waiters...)
	other.waiters = nil
	if d.state == device.Connected {
		m.resolveWaiters(d)
	} else if other.pendingConnect {
		m.connect(d)
	}

	delete(m.devices, other.transportID)
	m.published.Del(other.transportID)
	m.logger.WithFields(logrus.Fields{
		"device":    d.transportID,
		"duplicate": other.transportID,
	}).Debug("Merged restored device into discovered device")
}

// reconcile binds d to a stored record. Returns true when a store write was issued.
func (m *Manager) reconcile(d *deviceState) bool {
	if m.persist == nil {
		return false
	}
	if rec, ok := m.persist.Lookup(d.hardwareID, d.transportID); ok {
		if d.name == "" {
			d.name = rec.Name
		}
		for k, v := range rec.CustomData {
			if _, ok := d.customData[k]; !ok {
				d.customData[k] = v
			}
		}
	}

	id, err := m.persist.Reconcile(d.snapshot())
	if err != nil {
		m.emitError(d, device.Wrap(device.ErrPersistenceFailure, err))
		return false
	}
	d.recordID = id
	return true
}

// persistDevice writes d through the per-record cooldown.
func (m *Manager) persistDevice(d *deviceState) {
	if m.persist == nil || d.recordID == "" {
		return
	}
	m.persist.Update(d.recordID, d.snapshot())
}

func (m *Manager) evict(d *deviceState, reason string) {
	m.cancelLiveness(d)
	m.rejectWaiters(d, device.ErrCanceled)

	delete(m.devices, d.transportID)
	m.published.Del(d.transportID)
	m.handles.Remove(d.transportID)
	m.metrics.IncEvictions(reason)

	m.logger.WithFields(logrus.Fields{
		"device": d.transportID,
		"reason": reason,
	}).Info("Device evicted")
	m.emit(d, Event{Type: EventEvicted, Reason: reason})
}
