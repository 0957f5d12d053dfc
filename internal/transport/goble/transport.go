// Package goble implements transport.Transport on top of github.com/go-ble/ble.
//
// go-ble exposes blocking calls, so every peripheral gets a worker goroutine
// that runs its operations in order and reports outcomes through the
// transport.Handler. Peripherals are addressed by their go-ble address string.
package goble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/transport"
)

const (
	// DefaultRetryInterval is how often an unavailable radio is re-opened.
	DefaultRetryInterval = 2 * time.Second

	// DefaultQueueSize bounds the pending operations of one peripheral.
	DefaultQueueSize = 128
)

// Options configures a Transport
type Options struct {
	Logger        *logrus.Logger
	Clock         clock.Clock
	RetryInterval time.Duration
	QueueSize     int
}

// Transport drives the platform BLE stack through go-ble
type Transport struct {
	opts   Options
	logger *logrus.Logger
	open   func() (radio, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	handler     transport.Handler
	radio       radio
	state       transport.PowerState
	scanCancel  context.CancelFunc
	watching    bool
	peripherals map[string]*peripheral
}

// New opens the platform radio. A radio that exists but is not powered on is
// not an error: the transport reports its state and keeps re-opening it until
// it comes up.
func New(opts Options) (*Transport, error) {
	t := newTransport(opts, openRadio)
	if err := t.start(); err != nil {
		return nil, err
	}
	return t, nil
}

func newTransport(opts Options, open func() (radio, error)) *Transport {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:        opts,
		logger:      opts.Logger,
		open:        open,
		ctx:         ctx,
		cancel:      cancel,
		state:       transport.StateUnknown,
		peripherals: make(map[string]*peripheral),
	}
}

func (t *Transport) start() error {
	r, err := t.open()
	if err == nil {
		t.mu.Lock()
		t.radio = r
		t.state = transport.StatePoweredOn
		t.mu.Unlock()
		return nil
	}

	state, ok := powerStateFromError(err)
	if !ok {
		return fmt.Errorf("open BLE device: %w", NormalizeError(err))
	}
	t.logger.WithFields(logrus.Fields{
		"state": state,
		"error": err,
	}).Warn("BLE radio not available, waiting for it")
	t.radioLost(state)
	return nil
}

// Close stops scanning, the peripheral workers and the radio.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
	r := t.radio
	t.radio = nil
	t.mu.Unlock()

	if r != nil {
		return r.Stop()
	}
	return nil
}

// SetHandler implements transport.Transport
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// State implements transport.Transport
func (t *Transport) State() transport.PowerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) callbacks() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return nopHandler{}
	}
	return t.handler
}

// Scan implements transport.Transport. Advertisements whose services miss the
// filter are not reported; an empty filter reports everything.
func (t *Transport) Scan(services []string, opts transport.ScanOptions) error {
	filter := device.NormalizeUUIDs(services)

	t.mu.Lock()
	if t.radio == nil {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: radio is %s", device.ErrBluetoothOff, state)
	}
	if t.scanCancel != nil {
		t.scanCancel()
	}
	r := t.radio
	ctx, cancel := context.WithCancel(t.ctx)
	t.scanCancel = cancel
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"services":   filter,
		"duplicates": opts.AllowDuplicates,
	}).Debug("Starting BLE scan")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := r.Scan(ctx, opts.AllowDuplicates, func(a advertisement) {
			t.onAdvertisement(a, filter)
		})
		if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		t.logger.WithField("error", err).Warn("BLE scan stopped")
		if state, ok := powerStateFromError(err); ok {
			t.radioLost(state)
		}
	})
	return nil
}

// StopScan implements transport.Transport
func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
	return nil
}

func (t *Transport) onAdvertisement(a advertisement, filter []string) {
	adv := convertAdvertisement(a)
	if len(filter) > 0 && !slices.ContainsFunc(adv.Services, func(s string) bool {
		return slices.Contains(filter, s)
	}) {
		return
	}
	t.callbacks().Discovered(a.Addr().String(), adv, a.RSSI())
}

// radioLost drops the radio and every connection, reports state and starts
// re-opening the radio.
func (t *Transport) radioLost(state transport.PowerState) {
	t.mu.Lock()
	changed := t.state != state
	t.state = state
	r := t.radio
	t.radio = nil
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
	peripherals := t.peripherals
	t.peripherals = make(map[string]*peripheral)
	startWatch := !t.watching
	t.watching = true
	t.mu.Unlock()

	for _, p := range peripherals {
		p.stop()
	}
	if r != nil {
		if err := r.Stop(); err != nil {
			t.logger.WithField("error", err).Debug("Stopping BLE device failed")
		}
	}
	if changed {
		t.callbacks().StateChanged(state)
	}
	if startWatch {
		groutine.Go(t.ctx, "ble-radio-watch", t.watch)
	}
}

// watch re-opens the radio until it succeeds or the transport closes.
func (t *Transport) watch(ctx context.Context) {
	ticker := t.opts.Clock.Ticker(t.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r, err := t.open()
		if err != nil {
			if state, ok := powerStateFromError(err); ok {
				t.setState(state)
			}
			continue
		}

		t.mu.Lock()
		t.radio = r
		t.watching = false
		t.mu.Unlock()
		t.logger.Info("BLE radio powered on")
		t.setState(transport.StatePoweredOn)
		return
	}
}

func (t *Transport) setState(state transport.PowerState) {
	t.mu.Lock()
	changed := t.state != state
	t.state = state
	t.mu.Unlock()
	if changed {
		t.callbacks().StateChanged(state)
	}
}

// peripheral returns the worker for id, creating it when create is set.
func (t *Transport) peripheral(id string, create bool) (*peripheral, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.radio == nil {
		return nil, fmt.Errorf("%w: radio is %s", device.ErrBluetoothOff, t.state)
	}
	p, ok := t.peripherals[id]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, id)
		}
		p = newPeripheral(t, id, t.radio)
		t.peripherals[id] = p
	}
	return p, nil
}

// Connect implements transport.Transport
func (t *Transport) Connect(id string) error {
	p, err := t.peripheral(id, true)
	if err != nil {
		return err
	}
	return p.connect()
}

// CancelConnection implements transport.Transport
func (t *Transport) CancelConnection(id string) error {
	p, err := t.peripheral(id, false)
	if err != nil {
		return err
	}
	return p.cancelConnection()
}

// DiscoverServices implements transport.Transport
func (t *Transport) DiscoverServices(id string, filter []string) error {
	p, err := t.peripheral(id, false)
	if err != nil {
		return err
	}
	return p.discoverServices(filter)
}

// DiscoverCharacteristics implements transport.Transport
func (t *Transport) DiscoverCharacteristics(id, service string, filter []string) error {
	p, err := t.peripheral(id, false)
	if err != nil {
		return err
	}
	return p.discoverCharacteristics(service, filter)
}

// ReadValue implements transport.Transport
func (t *Transport) ReadValue(id string, ref device.CharRef) error {
	p, err := t.peripheral(id, false)
	if err != nil {
		return err
	}
	return p.readValue(ref)
}

// WriteValue implements transport.Transport. A failed write is reported
// through ValueUpdated with the error.
func (t *Transport) WriteValue(id string, ref device.CharRef, data []byte, withResponse bool) error {
	p, err := t.peripheral(id, false)
	if err != nil {
		return err
	}
	return p.writeValue(ref, data, withResponse)
}

// SetNotify implements transport.Transport
func (t *Transport) SetNotify(id string, ref device.CharRef, enabled bool) error {
	p, err := t.peripheral(id, false)
	if err != nil {
		return err
	}
	return p.setNotify(ref, enabled)
}

// ReadRSSI implements transport.Transport
func (t *Transport) ReadRSSI(id string) error {
	p, err := t.peripheral(id, false)
	if err != nil {
		return err
	}
	return p.readRSSI()
}

var _ transport.Transport = (*Transport)(nil)

type nopHandler struct{}

func (nopHandler) StateChanged(transport.PowerState)                      {}
func (nopHandler) Discovered(string, transport.Advertisement, int)        {}
func (nopHandler) Connected(string)                                       {}
func (nopHandler) Disconnected(string, error)                             {}
func (nopHandler) FailedToConnect(string, error)                          {}
func (nopHandler) ServicesDiscovered(string, []string, error)             {}
func (nopHandler) RSSIRead(string, int, error)                            {}
func (nopHandler) ValueUpdated(string, device.CharRef, []byte, error)     {}
func (nopHandler) NotifyStateChanged(string, device.CharRef, bool, error) {}
func (nopHandler) CharacteristicsDiscovered(string, string, []transport.Characteristic, error) {
}
