package main

import (
	"errors"
	"fmt"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/store"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped and the automatic reconnect failed too.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoStore is returned by commands that need a device store when none is configured.
	ErrNoStore = errors.New("no device store configured (use --store or store_path)")
)

// FormatUserError turns an error into a one-line message for the terminal.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff), errors.Is(err, device.ErrTransportUnavailable):
		return fmt.Sprintf("Bluetooth is not available, check that it is turned on (%v)", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("BLE is not supported on this platform (%v)", err)
	case errors.Is(err, device.ErrTimeout):
		return "device did not connect in time; is it in range and advertising?"
	case errors.Is(err, device.ErrConnectFailure):
		return fmt.Sprintf("could not connect: %v", err)
	case errors.Is(err, ErrConnectionLost):
		return "connection lost and the reconnect attempt failed"
	case errors.Is(err, device.ErrUnknownDevice), errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("unknown device: %v", err)
	case errors.As(err, &notFound):
		return notFound.Error()
	default:
		return err.Error()
	}
}
