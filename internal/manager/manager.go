// Package manager runs long-lived sessions with BLE peripherals.
//
// A Manager owns every device session and drives it from a single event loop.
// Transport callbacks, public API calls and timer fires are posted to the
// loop's mailbox, so device state is never touched from more than one
// goroutine. Readers outside the loop see immutable device.Info snapshots and
// receive events through Listeners.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cornelk/hashmap"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/metrics"
	"github.com/srg/blemgr/internal/persist"
	"github.com/srg/blemgr/internal/store"
	"github.com/srg/blemgr/internal/transport"
	"go.uber.org/multierr"
)

// ScanMode selects how discovery runs and whether liveness timers are armed.
type ScanMode int

const (
	// ScanOnce reports each peripheral once; liveness timers are never armed.
	ScanOnce ScanMode = iota
	// ScanDuplicates reports every advertisement.
	ScanDuplicates
	// ScanPeriodic restarts the scan every RefreshInterval.
	ScanPeriodic
)

func (m ScanMode) String() string {
	switch m {
	case ScanOnce:
		return "once"
	case ScanDuplicates:
		return "duplicates"
	case ScanPeriodic:
		return "periodic"
	default:
		return fmt.Sprintf("scanmode(%d)", int(m))
	}
}

// ParseScanMode parses the String form of a ScanMode
func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "once", "single":
		return ScanOnce, nil
	case "duplicates", "":
		return ScanDuplicates, nil
	case "periodic":
		return ScanPeriodic, nil
	default:
		return 0, fmt.Errorf("invalid scan mode %q (valid: once, duplicates, periodic)", s)
	}
}

const (
	DefaultEvictionInterval       = 10 * time.Second
	DefaultConnectTimeout         = 30 * time.Second
	DefaultRefreshInterval        = 30 * time.Second
	DefaultIdentityService        = "180a"
	DefaultIdentityCharacteristic = "2a25"
	DefaultEventBuffer            = 64
)

// ErrNotStarted is returned by calls issued before Start.
var ErrNotStarted = errors.New("manager not started")

// Options configures a Manager. Only Transport is required.
type Options struct {
	Transport transport.Transport

	// Store enables persistence. Nil keeps every device in memory only.
	Store store.Store
	// PersistCooldown is the minimum spacing between writes of one record.
	// Zero selects persist.DefaultCooldown, a negative value disables the cooldown.
	PersistCooldown time.Duration

	Clock   clock.Clock
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	ScanMode         ScanMode
	EvictionInterval time.Duration
	RefreshInterval  time.Duration
	// ConnectTimeout bounds how long a connect Future waits. Negative disables it.
	ConnectTimeout time.Duration

	// The characteristic whose value is the device's hardware identity.
	IdentityService        string
	IdentityCharacteristic string
	// IdentityFromAdvertisement optionally extracts a hardware identity from an
	// advertisement so restored devices can be matched before connecting.
	IdentityFromAdvertisement func(adv transport.Advertisement) string

	// Subscriptions is the initial global subscription set.
	Subscriptions []device.Subscription

	// EventBuffer is the per-listener ring size.
	EventBuffer int
}

// Manager is the BLE session manager. Create it with New, then Start it.
type Manager struct {
	opts      Options
	transport transport.Transport
	clock     clock.Clock
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	persist   *persist.Synchronizer
	bus       *eventBus
	identity  device.CharRef

	published  *hashmap.Map[string, device.Info]
	powerState atomic.Int32

	mu      sync.Mutex
	queue   []func()
	started bool
	closing bool
	closed  bool
	wake    chan struct{}
	stop    chan struct{}
	done    <-chan struct{}

	// loop-owned state
	devices       map[string]*deviceState
	handles       mapset.Set[string]
	global        *subscriptionSet
	scanFilter    []string
	power         transport.PowerState
	scanRequested bool
	scanning      bool
	refresh       *clock.Timer
	refreshGen    uint64
}

// New creates a Manager from opts.
func New(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("manager: transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.EvictionInterval == 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.PersistCooldown == 0 {
		opts.PersistCooldown = persist.DefaultCooldown
	}
	if opts.IdentityService == "" {
		opts.IdentityService = DefaultIdentityService
	}
	if opts.IdentityCharacteristic == "" {
		opts.IdentityCharacteristic = DefaultIdentityCharacteristic
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	identity, err := device.ValidateUUID(opts.IdentityService, opts.IdentityCharacteristic)
	if err != nil {
		return nil, fmt.Errorf("manager: identity characteristic: %w", err)
	}

	m := &Manager{
		opts:      opts,
		transport: opts.Transport,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		bus:       newEventBus(opts.EventBuffer),
		identity:  device.CharRef{Service: identity[0], Characteristic: identity[1]},
		published: hashmap.New[string, device.Info](),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		devices:   make(map[string]*deviceState),
		handles:   mapset.NewThreadUnsafeSet[string](),
		global:    newSubscriptionSet(),
	}

	for _, sub := range opts.Subscriptions {
		sub, err = normalizeSubscription(sub)
		if err != nil {
			return nil, err
		}
		m.global.Set(sub, struct{}{})
	}
	m.recomputeScanFilter()

	if opts.Store != nil {
		m.persist = persist.New(opts.Store, persist.Options{
			Cooldown: opts.PersistCooldown,
			Clock:    opts.Clock,
			Logger:   opts.Logger,
			Metrics:  opts.Metrics,
			OnError: func(err error) {
				m.post(func() { m.emit(nil, Event{Type: EventError, Err: err}) })
			},
		})
	}
	return m, nil
}

// Start restores persisted devices, attaches to the transport and starts the event loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.done = groutine.Go(context.WithoutCancel(ctx), "session-loop", m.loop)
	m.mu.Unlock()

	return m.call(ctx, func() error {
		if m.persist != nil {
			records, err := m.persist.Start(ctx)
			if err != nil {
				return err
			}
			for _, r := range records {
				m.restore(r)
			}
		}
		m.transport.SetHandler(handler{m})
		m.setPower(m.transport.State())

		m.logger.WithFields(logrus.Fields{
			"power":         m.power,
			"scan_mode":     m.opts.ScanMode,
			"subscriptions": m.global.Len(),
			"restored":      len(m.devices),
		}).Info("Session manager started")
		return nil
	})
}

// Close stops scanning, disconnects connected devices, flushes pending
// persistence writes and stops the event loop. Listeners are closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	m.mu.Unlock()

	err := m.call(ctx, func() error { return m.shutdown(ctx) })

	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	close(m.stop)

	select {
	case <-m.done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

// Flush waits until the mailbox is empty, including work posted by the
// events it handled. Timer fires that have not been posted yet are not waited for.
func (m *Manager) Flush(ctx context.Context) error {
	for {
		pending := 0
		err := m.call(ctx, func() error {
			m.mu.Lock()
			pending = len(m.queue)
			m.mu.Unlock()
			return nil
		})
		if err != nil || pending == 0 {
			return err
		}
	}
}

// Listen subscribes to events of one device, by transport or hardware id,
// or of every device when deviceID is empty.
func (m *Manager) Listen(deviceID string) *Listener {
	return m.bus.listen(deviceID)
}

// Devices returns a snapshot of every known device ordered by id.
func (m *Manager) Devices() []device.Info {
	var result []device.Info
	m.published.Range(func(_ string, info device.Info) bool {
		result = append(result, info)
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].TransportID < result[j].TransportID })
	return result
}

// DeviceInfo returns the latest snapshot of a device by transport or hardware id.
func (m *Manager) DeviceInfo(id string) (device.Info, bool) {
	if info, ok := m.published.Get(id); ok {
		return info, true
	}
	var found device.Info
	ok := false
	m.published.Range(func(_ string, info device.Info) bool {
		if info.HardwareID == id || info.RecordID == id {
			found, ok = info, true
			return false
		}
		return true
	})
	return found, ok
}

// Power returns the last transport power state seen by the loop.
func (m *Manager) Power() transport.PowerState {
	return transport.PowerState(m.powerState.Load())
}

func (m *Manager) shutdown(ctx context.Context) error {
	var err error
	m.scanRequested = false
	err = multierr.Append(err, m.stopScan())

	for _, d := range m.sortedDevices() {
		m.cancelLiveness(d)
		m.rejectWaiters(d, device.ErrClosed)
		if d.bound && (d.state == device.Connected || d.state == device.Connecting) {
			d.disconnecting = true
			err = multierr.Append(err, m.transport.CancelConnection(d.transportID))
		}
	}
	if m.persist != nil {
		err = multierr.Append(err, m.persist.Close(ctx))
	}
	m.bus.close()

	m.logger.WithField("devices", len(m.devices)).Info("Session manager stopped")
	return err
}

func (m *Manager) loop(_ context.Context) {
	for {
		select {
		case <-m.wake:
		case <-m.stop:
			return
		}
		for {
			batch := m.take()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
			m.publishDevices()
		}
	}
}

func (m *Manager) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.queue
	m.queue = nil
	return batch
}

// post appends fn to the mailbox. It never blocks.
func (m *Manager) post(fn func()) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.closed {
		m.mu.Unlock()
		return device.ErrClosed
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// call runs fn on the loop and waits for its result. Snapshots are published
// before the reply so callers observe their own effects.
// It must not be used from the loop itself.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if err := m.post(func() {
		err := fn()
		m.publishDevices()
		reply <- err
	}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return device.ErrClosed
	}
}

func (m *Manager) publishDevices() {
	for id, d := range m.devices {
		m.published.Set(id, d.info())
	}
	m.metrics.SetKnownDevices(len(m.devices))
}

func (m *Manager) setPower(state transport.PowerState) {
	m.power = state
	m.powerState.Store(int32(state))
}

func (m *Manager) emit(d *deviceState, e Event) {
	e.Time = m.clock.Now()
	if d != nil {
		e.DeviceID = d.transportID
		e.Device = d.info()
	}
	m.bus.publish(e)
}

func (m *Manager) emitError(d *deviceState, err error) {
	fields := logrus.Fields{"error": err}
	if d != nil {
		fields["device"] = d.transportID
	}
	m.logger.WithFields(fields).Warn("Session error")
	m.emit(d, Event{Type: EventError, Err: err})
}

func unknownDevice(id string) error {
	return device.Wrap(device.ErrUnknownDevice, &device.NotFoundError{Resource: "device", UUIDs: []string{id}})
}

// handler forwards transport callbacks into the mailbox.
type handler struct {
	m *Manager
}

func (h handler) StateChanged(state transport.PowerState) {
	_ = h.m.post(func() { h.m.handleStateChanged(state) })
}

func (h handler) Discovered(id string, adv transport.Advertisement, rssi int) {
	_ = h.m.post(func() { h.m.handleDiscovered(id, adv, rssi) })
}

func (h handler) Connected(id string) {
	_ = h.m.post(func() { h.m.handleConnected(id) })
}

func (h handler) Disconnected(id string, err error) {
	_ = h.m.post(func() { h.m.handleDisconnected(id, err) })
}

func (h handler) FailedToConnect(id string, err error) {
	_ = h.m.post(func() { h.m.handleFailedToConnect(id, err) })
}

func (h handler) ServicesDiscovered(id string, services []string, err error) {
	_ = h.m.post(func() { h.m.handleServicesDiscovered(id, services, err) })
}

func (h handler) CharacteristicsDiscovered(id, service string, chars []transport.Characteristic, err error) {
	_ = h.m.post(func() { h.m.handleCharacteristicsDiscovered(id, service, chars, err) })
}

func (h handler) ValueUpdated(id string, ref device.CharRef, value []byte, err error) {
	_ = h.m.post(func() { h.m.handleValueUpdated(id, ref, value, err) })
}

func (h handler) NotifyStateChanged(id string, ref device.CharRef, enabled bool, err error) {
	_ = h.m.post(func() { h.m.handleNotifyStateChanged(id, ref, enabled, err) })
}

func (h handler) RSSIRead(id string, rssi int, err error) {
	_ = h.m.post(func() { h.m.handleRSSIRead(id, rssi, err) })
}
