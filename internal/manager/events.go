package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/ringchan"
	"github.com/srg/blemgr/internal/transport"
)

// EventType identifies what an Event reports
type EventType int

const (
	EventDiscovered EventType = iota
	EventLost
	EventConnectFailed
	EventStateChanged
	EventValueUpdated
	EventRSSI
	EventEvicted
	EventError
	EventPowerChanged
)

func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "discovered"
	case EventLost:
		return "lost"
	case EventConnectFailed:
		return "connect_failed"
	case EventStateChanged:
		return "state_changed"
	case EventValueUpdated:
		return "value_updated"
	case EventRSSI:
		return "rssi"
	case EventEvicted:
		return "evicted"
	case EventError:
		return "error"
	case EventPowerChanged:
		return "power_changed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is published on the manager's event bus.
// Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	DeviceID string // transport id
	Device   device.Info
	Time     time.Time

	State        device.ConnectionState
	Ref          device.CharRef
	Value        []byte
	Subscription *device.Subscription // matched subscription of a value update, if any
	RSSI         int
	Power        transport.PowerState
	Reason       string
	Err          error
}

// Listener receives events for one device, or for every device when scoped to "".
// Slow listeners lose the oldest events.
type Listener struct {
	deviceID string
	ch       *ringchan.RingChannel[Event]
	bus      *eventBus
}

// C returns the channel events are delivered on. It is closed by Close or when the manager closes.
func (l *Listener) C() <-chan Event {
	return l.ch.C()
}

// Dropped returns how many events were overwritten because the listener fell behind.
func (l *Listener) Dropped() int64 {
	return l.ch.GetMetrics().Overwritten
}

// Close detaches the listener from the bus
func (l *Listener) Close() {
	l.bus.remove(l)
	l.ch.Close()
}

func (l *Listener) wants(e Event) bool {
	if l.deviceID == "" {
		return true
	}
	return l.deviceID == e.DeviceID || (e.Device.HardwareID != "" && l.deviceID == e.Device.HardwareID)
}

type eventBus struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	capacity  int
	closed    bool
}

func newEventBus(capacity int) *eventBus {
	return &eventBus{listeners: make(map[*Listener]struct{}), capacity: capacity}
}

func (b *eventBus) listen(deviceID string) *Listener {
	l := &Listener{deviceID: deviceID, ch: ringchan.New[Event](b.capacity), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		l.ch.Close()
		return l
	}
	b.listeners[l] = struct{}{}
	return l
}

func (b *eventBus) remove(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, l)
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		if l.wants(e) {
			l.ch.Send(e)
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for l := range b.listeners {
		l.ch.Close()
	}
	clear(b.listeners)
}
