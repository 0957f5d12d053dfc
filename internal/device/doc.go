// Package device holds the value types shared by the session manager, the
// transports and the persistence layer.
//
// This package provides:
//   - Connection states and the error taxonomy (ConnectionError kinds)
//   - Characteristic references and notification subscriptions
//   - UUID normalization (lowercase, no dashes, SIG base UUIDs shortened)
//   - Immutable device snapshots (Info) for readers outside the event loop
package device
