package manager

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
)

// Method is the operation a Request performs
type Method int

const (
	MethodRead Method = iota
	MethodWrite
)

func (m Method) String() string {
	switch m {
	case MethodRead:
		return "read"
	case MethodWrite:
		return "write"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Request is a read or write against one characteristic.
//
// Requests are compared by identity: submitting the same *Request twice while
// it is queued keeps a single entry. Completion is called on the event loop
// right after the transport call was issued, with the issue error if any.
// It must not block or call back into the Manager. Read values are delivered
// as EventValueUpdated.
type Request struct {
	Method       Method
	Ref          device.CharRef
	Data         []byte
	WithResponse bool
	Completion   func(err error)
}

// RequestResult tells whether a request was issued or queued
type RequestResult int

const (
	// RequestIssued means the transport call was made and Completion invoked.
	RequestIssued RequestResult = iota + 1
	// RequestDeferred means the characteristic is being discovered. Completion is
	// invoked once it is, or never if it does not exist on the device.
	RequestDeferred
)

func (r RequestResult) String() string {
	switch r {
	case RequestIssued:
		return "issued"
	case RequestDeferred:
		return "deferred"
	default:
		return "failed"
	}
}

// Request issues r against the device, or queues it until its characteristic
// is discovered. The device must be Connected.
func (m *Manager) Request(ctx context.Context, id string, r *Request) (RequestResult, error) {
	if r == nil {
		return 0, device.Wrap(device.ErrInvalidRequest, fmt.Errorf("nil request"))
	}
	uuids, err := device.ValidateUUID(r.Ref.Service, r.Ref.Characteristic)
	if err != nil {
		return 0, device.Wrap(device.ErrInvalidRequest, err)
	}
	ref := device.CharRef{Service: uuids[0], Characteristic: uuids[1]}

	var result RequestResult
	err = m.call(ctx, func() error {
		// queued requests are only touched on the loop
		r.Ref = ref
		d := m.find(id)
		if d == nil {
			return unknownDevice(id)
		}
		var err error
		result, err = m.submit(d, r)
		return err
	})
	return result, err
}

// Read requests a one-shot read of ref.
func (m *Manager) Read(ctx context.Context, id string, ref device.CharRef, completion func(error)) (RequestResult, error) {
	return m.Request(ctx, id, &Request{Method: MethodRead, Ref: ref, Completion: completion})
}

// Write requests a write of data to ref.
func (m *Manager) Write(ctx context.Context, id string, ref device.CharRef, data []byte, withResponse bool, completion func(error)) (RequestResult, error) {
	return m.Request(ctx, id, &Request{
		Method:       MethodWrite,
		Ref:          ref,
		Data:         slices.Clone(data),
		WithResponse: withResponse,
		Completion:   completion,
	})
}

func (m *Manager) submit(d *deviceState, r *Request) (RequestResult, error) {
	if d.state != device.Connected {
		return 0, fmt.Errorf("%w: %s is %s", device.ErrNotConnected, d.transportID, d.state)
	}
	if _, discovered := d.chars[r.Ref]; discovered {
		return RequestIssued, m.execute(d, r)
	}
	if slices.Contains(d.pending, r) {
		return RequestDeferred, nil
	}

	d.pending = append(d.pending, r)
	if !d.inflight.Contains(r.Ref) {
		d.inflight.Add(r.Ref)
		if err := m.discoverCharacteristics(d, r.Ref.Service, []string{r.Ref.Characteristic}); err != nil {
			d.inflight.Remove(r.Ref)
			d.pending = d.pending[:len(d.pending)-1]
			return 0, err
		}
	}

	m.logger.WithFields(logrus.Fields{
		"device":       d.transportID,
		"service_uuid": r.Ref.Service,
		"char_uuid":    r.Ref.Characteristic,
		"method":       r.Method,
	}).Debug("Request deferred until characteristic is discovered")
	return RequestDeferred, nil
}

func (m *Manager) execute(d *deviceState, r *Request) error {
	var err error
	switch r.Method {
	case MethodRead:
		err = m.transport.ReadValue(d.transportID, r.Ref)
	case MethodWrite:
		err = m.transport.WriteValue(d.transportID, r.Ref, r.Data, r.WithResponse)
	default:
		err = fmt.Errorf("%w: unknown method %s", device.ErrInvalidRequest, r.Method)
	}
	if err != nil {
		err = device.Wrap(device.ErrOperationFailure, device.NormalizeError(err))
	}
	if r.Completion != nil {
		r.Completion(err)
	}
	return err
}

// drain executes every queued request for ref in FIFO order.
// Returns true when at least one request was executed.
func (m *Manager) drain(d *deviceState, ref device.CharRef) bool {
	var matched, rest []*Request
	for _, r := range d.pending {
		if r.Ref == ref {
			matched = append(matched, r)
		} else {
			rest = append(rest, r)
		}
	}
	d.pending = rest
	d.inflight.Remove(ref)

	for _, r := range matched {
		if err := m.execute(d, r); err != nil {
			m.emitError(d, err)
		}
	}
	return len(matched) > 0
}

// dropUnresolvable discards requests of service whose characteristic did not
// show up once every discovery for the service completed.
func (m *Manager) dropUnresolvable(d *deviceState, service string) {
	var rest []*Request
	for _, r := range d.pending {
		if r.Ref.Service != service {
			rest = append(rest, r)
			continue
		}
		d.inflight.Remove(r.Ref)
		m.logger.WithFields(logrus.Fields{
			"device":       d.transportID,
			"service_uuid": r.Ref.Service,
			"char_uuid":    r.Ref.Characteristic,
		}).Warn("Dropping request for missing characteristic")
		m.emit(d, Event{
			Type: EventError,
			Ref:  r.Ref,
			Err: device.Wrap(device.ErrRequestUnresolvable, &device.NotFoundError{
				Resource: "characteristic",
				UUIDs:    []string{r.Ref.Service, r.Ref.Characteristic},
			}),
		})
	}
	d.pending = rest
}
