package testutils

import (
	"slices"
	"sync"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/transport"
)

// Transport method names recorded by FakeTransport
const (
	MethodScan                    = "Scan"
	MethodStopScan                = "StopScan"
	MethodConnect                 = "Connect"
	MethodCancelConnection        = "CancelConnection"
	MethodDiscoverServices        = "DiscoverServices"
	MethodDiscoverCharacteristics = "DiscoverCharacteristics"
	MethodReadValue               = "ReadValue"
	MethodWriteValue              = "WriteValue"
	MethodSetNotify               = "SetNotify"
	MethodReadRSSI                = "ReadRSSI"
)

// Call is one recorded transport invocation
type Call struct {
	Method       string
	ID           string
	Service      string
	Ref          device.CharRef
	Filter       []string
	Data         []byte
	Enabled      bool
	WithResponse bool
	ScanOptions  transport.ScanOptions
}

// FakeTransport is a scriptable transport.Transport.
//
// Every call is recorded. When a peripheral profile is registered for an id,
// operations on that id are answered by invoking the handler synchronously,
// unless the method is held with Hold. Tests can always drive callbacks by
// hand through Handler().
type FakeTransport struct {
	mu          sync.Mutex
	handler     transport.Handler
	state       transport.PowerState
	calls       []Call
	errs        map[string]error
	held        map[string]bool
	peripherals map[string]*PeripheralProfile
}

// NewFakeTransport creates a powered-on fake transport
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		state:       transport.StatePoweredOn,
		errs:        make(map[string]error),
		held:        make(map[string]bool),
		peripherals: make(map[string]*PeripheralProfile),
	}
}

// AddPeripheral registers a profile used to auto-respond to operations on profile.ID
func (f *FakeTransport) AddPeripheral(profile *PeripheralProfile) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peripherals[profile.ID] = profile
	return f
}

// Hold disables auto-responses for the given methods
func (f *FakeTransport) Hold(methods ...string) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range methods {
		f.held[m] = true
	}
	return f
}

// Release re-enables auto-responses for the given methods
func (f *FakeTransport) Release(methods ...string) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range methods {
		delete(f.held, m)
	}
	return f
}

// FailWith makes every following call of method return err. A nil err clears it.
func (f *FakeTransport) FailWith(method string, err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
	} else {
		f.errs[method] = err
	}
	return f
}

// Handler returns the handler installed by the manager
func (f *FakeTransport) Handler() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// SetState changes the power state and notifies the handler
func (f *FakeTransport) SetState(state transport.PowerState) {
	f.mu.Lock()
	f.state = state
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.StateChanged(state)
	}
}

// Advertise reports a discovery to the handler
func (f *FakeTransport) Advertise(id string, adv transport.Advertisement, rssi int) {
	if h := f.Handler(); h != nil {
		h.Discovered(id, adv, rssi)
	}
}

// Drop reports a transport-initiated disconnect
func (f *FakeTransport) Drop(id string, err error) {
	if h := f.Handler(); h != nil {
		h.Disconnected(id, err)
	}
}

// Calls returns the recorded calls of method, or every call when method is empty
func (f *FakeTransport) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			result = append(result, c)
		}
	}
	return result
}

// Count returns how many times method was called
func (f *FakeTransport) Count(method string) int {
	return len(f.Calls(method))
}

// Reset forgets recorded calls
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// SetHandler implements transport.Transport
func (f *FakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// State implements transport.Transport
func (f *FakeTransport) State() transport.PowerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Scan implements transport.Transport
func (f *FakeTransport) Scan(services []string, opts transport.ScanOptions) error {
	_, _, err := f.record(Call{Method: MethodScan, Filter: slices.Clone(services), ScanOptions: opts})
	return err
}

// StopScan implements transport.Transport
func (f *FakeTransport) StopScan() error {
	_, _, err := f.record(Call{Method: MethodStopScan})
	return err
}

// Connect implements transport.Transport
func (f *FakeTransport) Connect(id string) error {
	h, _, err := f.record(Call{Method: MethodConnect, ID: id})
	if err != nil || h == nil {
		return err
	}
	h.Connected(id)
	return nil
}

// CancelConnection implements transport.Transport
func (f *FakeTransport) CancelConnection(id string) error {
	h, _, err := f.record(Call{Method: MethodCancelConnection, ID: id})
	if err != nil || h == nil {
		return err
	}
	h.Disconnected(id, nil)
	return nil
}

// DiscoverServices implements transport.Transport
func (f *FakeTransport) DiscoverServices(id string, filter []string) error {
	h, p, err := f.record(Call{Method: MethodDiscoverServices, ID: id, Filter: slices.Clone(filter)})
	if err != nil || h == nil {
		return err
	}
	var services []string
	for _, s := range p.ServiceUUIDs() {
		if len(filter) == 0 || containsUUID(filter, s) {
			services = append(services, s)
		}
	}
	h.ServicesDiscovered(id, services, nil)
	return nil
}

// DiscoverCharacteristics implements transport.Transport
func (f *FakeTransport) DiscoverCharacteristics(id, service string, filter []string) error {
	h, p, err := f.record(Call{Method: MethodDiscoverCharacteristics, ID: id, Service: service, Filter: slices.Clone(filter)})
	if err != nil || h == nil {
		return err
	}
	h.CharacteristicsDiscovered(id, device.NormalizeUUID(service), p.Characteristics(service, filter), nil)
	return nil
}

// ReadValue implements transport.Transport
func (f *FakeTransport) ReadValue(id string, ref device.CharRef) error {
	h, p, err := f.record(Call{Method: MethodReadValue, ID: id, Ref: ref})
	if err != nil || h == nil {
		return err
	}
	value, ok := p.Value(ref)
	if !ok {
		h.ValueUpdated(id, ref, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ref.Service, ref.Characteristic}})
		return nil
	}
	h.ValueUpdated(id, ref, slices.Clone(value), nil)
	return nil
}

// WriteValue implements transport.Transport. Writes are not echoed back.
func (f *FakeTransport) WriteValue(id string, ref device.CharRef, data []byte, withResponse bool) error {
	_, _, err := f.record(Call{Method: MethodWriteValue, ID: id, Ref: ref, Data: slices.Clone(data), WithResponse: withResponse})
	return err
}

// SetNotify implements transport.Transport
func (f *FakeTransport) SetNotify(id string, ref device.CharRef, enabled bool) error {
	h, _, err := f.record(Call{Method: MethodSetNotify, ID: id, Ref: ref, Enabled: enabled})
	if err != nil || h == nil {
		return err
	}
	h.NotifyStateChanged(id, ref, enabled, nil)
	return nil
}

// ReadRSSI implements transport.Transport
func (f *FakeTransport) ReadRSSI(id string) error {
	h, p, err := f.record(Call{Method: MethodReadRSSI, ID: id})
	if err != nil || h == nil {
		return err
	}
	h.RSSIRead(id, p.RSSI, nil)
	return nil
}

// Notify pushes a notification value for ref to the handler
func (f *FakeTransport) Notify(id string, ref device.CharRef, value []byte) {
	if h := f.Handler(); h != nil {
		h.ValueUpdated(id, ref, value, nil)
	}
}

// record stores the call and returns the handler and profile to auto-respond with.
// The returned handler is nil when no auto-response must happen.
func (f *FakeTransport) record(c Call) (transport.Handler, *PeripheralProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, c)
	if err := f.errs[c.Method]; err != nil {
		return nil, nil, err
	}
	if f.held[c.Method] || f.handler == nil {
		return nil, nil, nil
	}
	p, ok := f.peripherals[c.ID]
	if !ok {
		return nil, nil, nil
	}
	return f.handler, p, nil
}

var _ transport.Transport = (*FakeTransport)(nil)
