package device

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic", "record"
	UUIDs    []string // One or more ids (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ErrorKind classifies a ConnectionError
type ErrorKind string

const (
	KindNotConnected         ErrorKind = "not_connected"
	KindTransportUnavailable ErrorKind = "transport_unavailable"
	KindConnectFailure       ErrorKind = "connect_failure"
	KindUnexpectedDisconnect ErrorKind = "unexpected_disconnect"
	KindRequestUnresolvable  ErrorKind = "request_unresolvable"
	KindDiscoveryFailure     ErrorKind = "discovery_failure"
	KindOperationFailure     ErrorKind = "operation_failure"
	KindAlreadyConnected     ErrorKind = "already_connected"
	KindBluetoothOff         ErrorKind = "bluetooth_off"
	KindPersistenceFailure   ErrorKind = "persistence_failure"
	KindUnknownDevice        ErrorKind = "unknown_device"
	KindConnectTimeout       ErrorKind = "connect_timeout"
	KindConnectCanceled      ErrorKind = "connect_canceled"
	KindManagerClosed        ErrorKind = "manager_closed"
	KindUnsupportedOperation ErrorKind = "unsupported_operation"
	KindInvalidRequest       ErrorKind = "invalid_request"
)

// ConnectionError represents any session or transport related problem
type ConnectionError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrNotConnected         = &ConnectionError{Kind: KindNotConnected}
	ErrTransportUnavailable = &ConnectionError{Kind: KindTransportUnavailable}
	ErrConnectFailure       = &ConnectionError{Kind: KindConnectFailure}
	ErrUnexpectedDisconnect = &ConnectionError{Kind: KindUnexpectedDisconnect}
	ErrRequestUnresolvable  = &ConnectionError{Kind: KindRequestUnresolvable}
	ErrDiscoveryFailure     = &ConnectionError{Kind: KindDiscoveryFailure}
	ErrOperationFailure     = &ConnectionError{Kind: KindOperationFailure}
	ErrAlreadyConnected     = &ConnectionError{Kind: KindAlreadyConnected}
	ErrBluetoothOff         = &ConnectionError{Kind: KindBluetoothOff}
	ErrPersistenceFailure   = &ConnectionError{Kind: KindPersistenceFailure}
	ErrUnknownDevice        = &ConnectionError{Kind: KindUnknownDevice}
	ErrTimeout              = &ConnectionError{Kind: KindConnectTimeout}
	ErrCanceled             = &ConnectionError{Kind: KindConnectCanceled}
	ErrClosed               = &ConnectionError{Kind: KindManagerClosed}
	ErrUnsupported          = &ConnectionError{Kind: KindUnsupportedOperation}
	ErrInvalidRequest       = &ConnectionError{Kind: KindInvalidRequest}
)

// Wrap attaches a sentinel kind to err while keeping the original message.
func Wrap(kind *ConnectionError, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// IsKind reports whether err is a ConnectionError with the given kind
func IsKind(err error, kind ErrorKind) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps well-known transport error strings to ConnectionError kinds.
// Errors that already carry a kind are returned untouched.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// ConnectionState is the lifecycle state of a device session
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CharRef identifies a characteristic within a service.
// Both UUIDs are kept in normalized form.
type CharRef struct {
	Service        string
	Characteristic string
}

// NewCharRef builds a CharRef from raw UUID strings.
func NewCharRef(service, characteristic string) CharRef {
	return CharRef{Service: NormalizeUUID(service), Characteristic: NormalizeUUID(characteristic)}
}

func (r CharRef) String() string {
	return r.Service + "/" + r.Characteristic
}

// ParseCharRef parses the "service/characteristic" form produced by String.
func ParseCharRef(s string) (CharRef, error) {
	svc, char, ok := strings.Cut(s, "/")
	if !ok {
		return CharRef{}, fmt.Errorf("invalid characteristic reference %q: expected service/characteristic", s)
	}
	uuids, err := ValidateUUID(svc, char)
	if err != nil {
		return CharRef{}, fmt.Errorf("invalid characteristic reference %q: %w", s, err)
	}
	return CharRef{Service: uuids[0], Characteristic: uuids[1]}, nil
}

// Subscription asks for notifications from one characteristic of a service,
// or from all of them when Characteristic is empty.
type Subscription struct {
	Service        string
	Characteristic string // empty = wildcard
}

// NewSubscription builds a normalized Subscription.
func NewSubscription(service, characteristic string) Subscription {
	return Subscription{Service: NormalizeUUID(service), Characteristic: NormalizeUUID(characteristic)}
}

// IsWildcard reports whether the subscription covers every characteristic of its service.
func (s Subscription) IsWildcard() bool {
	return s.Characteristic == ""
}

// Matches reports whether the subscription covers the given characteristic.
func (s Subscription) Matches(ref CharRef) bool {
	if s.Service != ref.Service {
		return false
	}
	return s.IsWildcard() || s.Characteristic == ref.Characteristic
}

func (s Subscription) String() string {
	if s.IsWildcard() {
		return s.Service + "/*"
	}
	return s.Service + "/" + s.Characteristic
}

// Info is an immutable snapshot of a device published to readers outside the event loop.
//
//nolint:revive // Info name is intentional for clarity when used as device.Info
type Info struct {
	TransportID        string
	HardwareID         string
	RecordID           string
	Name               string
	RSSI               int
	State              ConnectionState
	InRange            bool
	Bound              bool
	PendingConnect     bool
	AdvertisedServices []string
	Services           []string
	Subscriptions      []Subscription
	Values             map[CharRef][]byte
	CustomData         map[string]string
	LastSeen           time.Time
}

// ID returns the persistence key: the hardware identity when known, the transport id otherwise.
func (i Info) ID() string {
	if i.HardwareID != "" {
		return i.HardwareID
	}
	return i.TransportID
}
