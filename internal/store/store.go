// Package store persists device records across sessions.
package store

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/srg/blemgr/internal/device"
)

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("record not found")

// Record is the persisted form of a device.
type Record struct {
	ID              string
	TransportID     string
	HardwareID      string
	Name            string
	Characteristics map[device.CharRef][]byte
	CustomData      map[string]string
	UpdatedAt       time.Time
}

// Key returns the identity the record is reconciled by: hardware id when known, transport id otherwise.
func (r Record) Key() string {
	if r.HardwareID != "" {
		return r.HardwareID
	}
	return r.TransportID
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	c := r
	c.Characteristics = make(map[device.CharRef][]byte, len(r.Characteristics))
	for k, v := range r.Characteristics {
		c.Characteristics[k] = append([]byte(nil), v...)
	}
	c.CustomData = maps.Clone(r.CustomData)
	if c.CustomData == nil {
		c.CustomData = make(map[string]string)
	}
	return c
}

// Field is a typed update applied to a stored record.
// The set of implementations is closed: NameField, TransportIDField,
// HardwareIDField, CharacteristicField and CustomDataField.
type Field interface {
	apply(r *Record)
}

// NameField replaces the device name
type NameField struct{ Name string }

// TransportIDField replaces the last known transport id
type TransportIDField struct{ TransportID string }

// HardwareIDField replaces the hardware identity
type HardwareIDField struct{ HardwareID string }

// CharacteristicField stores a characteristic value; a nil Value clears it.
type CharacteristicField struct {
	Ref   device.CharRef
	Value []byte
}

// CustomDataField stores a user value; an empty Value clears the key.
type CustomDataField struct {
	Key   string
	Value string
}

func (f NameField) apply(r *Record)        { r.Name = f.Name }
func (f TransportIDField) apply(r *Record) { r.TransportID = f.TransportID }
func (f HardwareIDField) apply(r *Record)  { r.HardwareID = f.HardwareID }

func (f CharacteristicField) apply(r *Record) {
	if r.Characteristics == nil {
		r.Characteristics = make(map[device.CharRef][]byte)
	}
	if f.Value == nil {
		delete(r.Characteristics, f.Ref)
		return
	}
	r.Characteristics[f.Ref] = append([]byte(nil), f.Value...)
}

func (f CustomDataField) apply(r *Record) {
	if r.CustomData == nil {
		r.CustomData = make(map[string]string)
	}
	if f.Value == "" {
		delete(r.CustomData, f.Key)
		return
	}
	r.CustomData[f.Key] = f.Value
}

// Apply applies fields to a record in order.
func Apply(r *Record, fields ...Field) {
	for _, f := range fields {
		f.apply(r)
	}
}

// Store is the persistence backend used by the synchronizer.
type Store interface {
	Fetch(ctx context.Context) ([]Record, error)
	AddRecord(ctx context.Context, rec Record) error
	RemoveRecord(ctx context.Context, id string) error
	UpdateRecord(ctx context.Context, id string, fields ...Field) error
	Reset(ctx context.Context) error
	Close() error
}
