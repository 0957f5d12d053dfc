package manager

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
)

// Future is the outcome of a Connect call. It resolves when the device reaches
// Connected and rejects on connect failure, timeout, cancellation or manager shutdown.
type Future struct {
	deviceID string
	done     chan struct{}
	once     sync.Once
	err      error

	// loop-owned
	timer  *clock.Timer
	cancel func()
}

func newFuture(deviceID string) *Future {
	return &Future{deviceID: deviceID, done: make(chan struct{})}
}

// DeviceID returns the id the connect was requested for
func (f *Future) DeviceID() string {
	return f.deviceID
}

// Done is closed once the future is settled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome. It is nil while pending and after a successful connect.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel rejects the future with device.ErrCanceled and aborts the connect attempt.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// settle reports whether this call settled the future.
func (f *Future) settle(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		if f.timer != nil {
			f.timer.Stop()
		}
		close(f.done)
		settled = true
	})
	return settled
}

func resolvedFuture(deviceID string) *Future {
	f := newFuture(deviceID)
	f.settle(nil)
	return f
}
