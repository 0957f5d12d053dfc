package goble

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/transport"
)

// peripheral serializes the go-ble calls of one remote device on a worker goroutine.
type peripheral struct {
	t      *Transport
	id     string
	radio  radio
	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Entry

	mu         sync.Mutex
	client     client
	dialCancel context.CancelFunc
	closing    bool
	services   map[string]*ble.Service
	chars      map[device.CharRef]*ble.Characteristic
}

func newPeripheral(t *Transport, id string, r radio) *peripheral {
	ctx, cancel := context.WithCancel(t.ctx)
	p := &peripheral{
		t:        t,
		id:       id,
		radio:    r,
		ops:      make(chan func(), t.opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   t.logger.WithField("device", id),
		services: make(map[string]*ble.Service),
		chars:    make(map[device.CharRef]*ble.Characteristic),
	}
	groutine.Go(ctx, "ble-peripheral-"+id, p.work)
	return p
}

func (p *peripheral) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.ops:
			fn()
		}
	}
}

func (p *peripheral) enqueue(fn func()) error {
	select {
	case p.ops <- fn:
		return nil
	default:
		return fmt.Errorf("%w: operation queue of %s is full", device.ErrOperationFailure, p.id)
	}
}

// stop abandons the peripheral without reporting anything.
func (p *peripheral) stop() {
	p.mu.Lock()
	if p.dialCancel != nil {
		p.dialCancel()
	}
	p.client = nil
	p.mu.Unlock()
	p.cancel()
}

func (p *peripheral) connect() error {
	p.mu.Lock()
	if p.client != nil || p.dialCancel != nil {
		p.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.dialCancel = cancel
	p.closing = false
	p.mu.Unlock()

	err := p.enqueue(func() {
		defer cancel()
		cl, err := p.radio.Dial(ctx, p.id)

		p.mu.Lock()
		p.dialCancel = nil
		if err != nil {
			p.mu.Unlock()
			if ctx.Err() != nil {
				// Cancelled by CancelConnection
				p.t.callbacks().Disconnected(p.id, nil)
				return
			}
			p.logger.WithField("error", err).Warn("BLE dial failed")
			p.t.callbacks().FailedToConnect(p.id, NormalizeError(err))
			return
		}
		p.client = cl
		clear(p.services)
		clear(p.chars)
		p.mu.Unlock()

		groutine.Go(p.ctx, "ble-link-"+p.id, func(ctx context.Context) {
			select {
			case <-cl.Disconnected():
				p.linkClosed(cl)
			case <-ctx.Done():
			}
		})
		p.logger.Debug("BLE link established")
		p.t.callbacks().Connected(p.id)
	})
	if err != nil {
		p.mu.Lock()
		p.dialCancel = nil
		p.mu.Unlock()
		cancel()
	}
	return err
}

// linkClosed reports the end of the link of cl, unless a newer link replaced it.
func (p *peripheral) linkClosed(cl client) {
	p.mu.Lock()
	if p.client != cl {
		p.mu.Unlock()
		return
	}
	deliberate := p.closing
	p.client = nil
	p.closing = false
	clear(p.services)
	clear(p.chars)
	p.mu.Unlock()

	if deliberate {
		p.logger.Debug("BLE link closed")
		p.t.callbacks().Disconnected(p.id, nil)
		return
	}
	p.logger.Warn("BLE link lost")
	p.t.callbacks().Disconnected(p.id, ErrLinkLost)
}

func (p *peripheral) cancelConnection() error {
	p.mu.Lock()
	if p.dialCancel != nil {
		p.dialCancel()
		p.mu.Unlock()
		return nil
	}
	cl := p.client
	if cl == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", device.ErrNotConnected, p.id)
	}
	p.closing = true
	p.mu.Unlock()

	return p.enqueue(func() {
		if err := cl.CancelConnection(); err != nil {
			p.logger.WithField("error", err).Warn("BLE cancel connection failed")
			p.linkClosed(cl)
		}
	})
}

func (p *peripheral) connected() (client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, p.id)
	}
	return p.client, nil
}

func (p *peripheral) characteristic(ref device.CharRef) (client, *ble.Characteristic, error) {
	cl, err := p.connected()
	if err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[ref]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ref.Service, ref.Characteristic}}
	}
	return cl, c, nil
}

func (p *peripheral) discoverServices(filter []string) error {
	cl, err := p.connected()
	if err != nil {
		return err
	}
	uuids, err := parseUUIDs(filter)
	if err != nil {
		return err
	}

	return p.enqueue(func() {
		svcs, err := cl.DiscoverServices(uuids)
		if err != nil {
			p.t.callbacks().ServicesDiscovered(p.id, nil, NormalizeError(err))
			return
		}

		ids := make([]string, 0, len(svcs))
		p.mu.Lock()
		for _, s := range svcs {
			id := device.NormalizeUUID(s.UUID.String())
			p.services[id] = s
			ids = append(ids, id)
		}
		p.mu.Unlock()

		p.logger.WithField("services", len(ids)).Debug("BLE services discovered")
		p.t.callbacks().ServicesDiscovered(p.id, ids, nil)
	})
}

func (p *peripheral) discoverCharacteristics(service string, filter []string) error {
	cl, err := p.connected()
	if err != nil {
		return err
	}
	service = device.NormalizeUUID(service)
	p.mu.Lock()
	svc, ok := p.services[service]
	p.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	uuids, err := parseUUIDs(filter)
	if err != nil {
		return err
	}

	return p.enqueue(func() {
		found, err := cl.DiscoverCharacteristics(uuids, svc)
		if err != nil {
			p.t.callbacks().CharacteristicsDiscovered(p.id, service, nil, NormalizeError(err))
			return
		}

		chars := make([]transport.Characteristic, 0, len(found))
		for _, c := range found {
			// The CCCD must be known before Subscribe can enable notifications.
			if c.Property&(ble.CharNotify|ble.CharIndicate) != 0 && c.CCCD == nil {
				if _, err := cl.DiscoverDescriptors(nil, c); err != nil {
					p.logger.WithFields(logrus.Fields{
						"char_uuid": c.UUID.String(),
						"error":     err,
					}).Debug("Descriptor discovery failed")
				}
			}

			ref := device.NewCharRef(service, c.UUID.String())
			p.mu.Lock()
			p.chars[ref] = c
			p.mu.Unlock()
			chars = append(chars, transport.Characteristic{Ref: ref, Properties: convertProperty(c.Property)})
		}
		p.t.callbacks().CharacteristicsDiscovered(p.id, service, chars, nil)
	})
}

func (p *peripheral) readValue(ref device.CharRef) error {
	cl, c, err := p.characteristic(ref)
	if err != nil {
		return err
	}
	return p.enqueue(func() {
		data, err := cl.ReadCharacteristic(c)
		p.t.callbacks().ValueUpdated(p.id, ref, bytes.Clone(data), NormalizeError(err))
	})
}

func (p *peripheral) writeValue(ref device.CharRef, data []byte, withResponse bool) error {
	cl, c, err := p.characteristic(ref)
	if err != nil {
		return err
	}
	data = bytes.Clone(data)
	return p.enqueue(func() {
		if err := cl.WriteCharacteristic(c, data, !withResponse); err != nil {
			p.t.callbacks().ValueUpdated(p.id, ref, nil, NormalizeError(err))
		}
	})
}

func (p *peripheral) setNotify(ref device.CharRef, enabled bool) error {
	cl, c, err := p.characteristic(ref)
	if err != nil {
		return err
	}
	// Indications only when the characteristic cannot notify
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	return p.enqueue(func() {
		var err error
		if enabled {
			err = cl.Subscribe(c, indicate, func(data []byte) {
				p.t.callbacks().ValueUpdated(p.id, ref, bytes.Clone(data), nil)
			})
		} else {
			err = cl.Unsubscribe(c, indicate)
		}
		p.t.callbacks().NotifyStateChanged(p.id, ref, enabled, NormalizeError(err))
	})
}

func (p *peripheral) readRSSI() error {
	cl, err := p.connected()
	if err != nil {
		return err
	}
	return p.enqueue(func() {
		p.t.callbacks().RSSIRead(p.id, cl.ReadRSSI(), nil)
	})
}
