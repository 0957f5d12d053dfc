// Package persist keeps the Store in step with the in-memory device registry.
//
// The Synchronizer is driven from the manager's event loop: identity
// reconciliation, the per-record cooldown and the record mirror are only
// touched there. Store I/O runs on a single worker goroutine that receives
// immutable snapshots, so a slow store never blocks the loop.
package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/metrics"
	"github.com/srg/blemgr/internal/store"
	"golang.org/x/time/rate"
)

// DefaultCooldown is the minimum spacing between two writes of the same record.
const DefaultCooldown = 30 * time.Second

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("synchronizer closed")

// Snapshot is the persisted view of a device handed over by the event loop.
type Snapshot struct {
	TransportID string
	HardwareID  string
	Name        string
	Values      map[device.CharRef][]byte
	CustomData  map[string]string
}

// Options configures a Synchronizer
type Options struct {
	Cooldown time.Duration
	Clock    clock.Clock
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics

	// OnError receives store failures. It is called from the worker goroutine.
	OnError func(err error)
}

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opRemove
)

type op struct {
	kind   opKind
	id     string
	record store.Record
	fields []store.Field
	done   chan error
}

// Synchronizer reconciles device identities against stored records and
// rate-limits record writes.
type Synchronizer struct {
	store   store.Store
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	// loop-side state
	records     map[string]store.Record
	byHardware  map[string]string
	byTransport map[string]string
	limiters    map[string]*rate.Limiter
	dirty       map[string]Snapshot

	// worker queue, unbounded so the loop never waits on store I/O
	mu         sync.Mutex
	pending    []op
	draining   bool
	wake       chan struct{}
	workerDone <-chan struct{}
	closed     bool
}

// New creates a Synchronizer over st. Start must be called before use.
func New(st store.Store, opts Options) *Synchronizer {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Synchronizer{
		store:       st,
		opts:        opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		records:     make(map[string]store.Record),
		byHardware:  make(map[string]string),
		byTransport: make(map[string]string),
		limiters:    make(map[string]*rate.Limiter),
		dirty:       make(map[string]Snapshot),
		wake:        make(chan struct{}, 1),
	}
}

// Start fetches every stored record, builds the identity indexes and starts the worker.
// The fetched records are returned so the caller can restore devices from them.
func (s *Synchronizer) Start(ctx context.Context) ([]store.Record, error) {
	records, err := s.store.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch stored devices: %w", err)
	}
	for _, r := range records {
		s.index(r)
	}

	s.workerDone = groutine.Go(context.WithoutCancel(ctx), "persist-worker", s.work)

	s.logger.WithField("records", len(records)).Debug("Persistence synchronizer started")
	return records, nil
}

// Reconcile binds snap to a stored record, creating one if no record matches.
// A record matches by hardware id first, then by transport id. The write
// counts against the record's cooldown.
func (s *Synchronizer) Reconcile(snap Snapshot) (string, error) {
	if s.closed {
		return "", ErrClosed
	}

	id := s.match(snap)
	if id == "" {
		rec := store.Record{
			ID:          uuid.NewString(),
			TransportID: snap.TransportID,
			HardwareID:  snap.HardwareID,
			Name:        snap.Name,
		}
		rec = withSnapshot(rec, snap)
		s.index(rec)
		s.limiter(rec.ID).AllowN(s.clock.Now(), 1)
		s.enqueue(op{kind: opAdd, id: rec.ID, record: rec.Clone()})

		s.logger.WithFields(logrus.Fields{
			"record":      rec.ID,
			"transport":   snap.TransportID,
			"hardware_id": snap.HardwareID,
		}).Info("Created device record")
		return rec.ID, nil
	}

	// A transport-keyed record left over from before the hardware id was known
	// would violate one-record-per-identity.
	if snap.HardwareID != "" {
		if other, ok := s.byTransport[snap.TransportID]; ok && other != id {
			if r := s.records[other]; r.HardwareID == "" {
				s.forget(other)
				s.enqueue(op{kind: opRemove, id: other})
				s.logger.WithField("record", other).Debug("Removed duplicate transport-keyed record")
			}
		}
	}

	s.limiter(id).AllowN(s.clock.Now(), 1)
	s.write(id, snap)

	s.logger.WithFields(logrus.Fields{
		"record":      id,
		"transport":   snap.TransportID,
		"hardware_id": snap.HardwareID,
	}).Info("Reconciled device with stored record")
	return id, nil
}

// Update writes snap to the record unless a write for it happened within the
// cooldown window. Skipped updates are remembered and flushed by Close.
// Returns true when a write was issued.
func (s *Synchronizer) Update(id string, snap Snapshot) bool {
	if s.closed {
		return false
	}
	if _, ok := s.records[id]; !ok {
		return false
	}

	if !s.limiter(id).AllowN(s.clock.Now(), 1) {
		s.dirty[id] = snap
		s.metrics.IncPersistSkips()
		s.logger.WithField("record", id).Debug("Record write skipped by cooldown")
		return false
	}
	s.write(id, snap)
	return true
}

// Remove deletes the record and waits until the worker has applied it,
// after any write queued before it.
func (s *Synchronizer) Remove(ctx context.Context, id string) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		return nil
	}
	s.forget(id)

	done := make(chan error, 1)
	s.enqueue(op{kind: opRemove, id: id, done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the stored record for a hardware id or, failing that, a transport id.
func (s *Synchronizer) Lookup(hardwareID, transportID string) (store.Record, bool) {
	id := s.match(Snapshot{HardwareID: hardwareID, TransportID: transportID})
	if id == "" {
		return store.Record{}, false
	}
	return s.records[id].Clone(), true
}

// Len returns the number of records currently mirrored.
func (s *Synchronizer) Len() int {
	return len(s.records)
}

// Close flushes updates skipped by the cooldown, then waits for the worker to drain.
func (s *Synchronizer) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	for id, snap := range s.dirty {
		s.write(id, snap)
	}
	s.closed = true
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()

	if s.workerDone == nil {
		return nil
	}
	select {
	case <-s.workerDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for persistence worker: %w", ctx.Err())
	}
}

func (s *Synchronizer) match(snap Snapshot) string {
	if snap.HardwareID != "" {
		if id, ok := s.byHardware[snap.HardwareID]; ok {
			return id
		}
	}
	if snap.TransportID != "" {
		if id, ok := s.byTransport[snap.TransportID]; ok {
			r := s.records[id]
			if r.HardwareID == "" || r.HardwareID == snap.HardwareID {
				return id
			}
		}
	}
	return ""
}

// write diffs snap against the mirrored record and queues the resulting fields.
func (s *Synchronizer) write(id string, snap Snapshot) {
	rec := s.records[id]
	fields := []store.Field{
		store.NameField{Name: snap.Name},
		store.TransportIDField{TransportID: snap.TransportID},
		store.HardwareIDField{HardwareID: snap.HardwareID},
	}
	for ref := range rec.Characteristics {
		if _, ok := snap.Values[ref]; !ok {
			fields = append(fields, store.CharacteristicField{Ref: ref})
		}
	}
	for ref, v := range snap.Values {
		if old, ok := rec.Characteristics[ref]; !ok || !bytes.Equal(old, v) {
			fields = append(fields, store.CharacteristicField{Ref: ref, Value: append([]byte(nil), v...)})
		}
	}
	for k := range rec.CustomData {
		if _, ok := snap.CustomData[k]; !ok {
			fields = append(fields, store.CustomDataField{Key: k})
		}
	}
	for k, v := range snap.CustomData {
		if rec.CustomData[k] != v {
			fields = append(fields, store.CustomDataField{Key: k, Value: v})
		}
	}

	s.unindex(rec)
	rec.Name = snap.Name
	rec.TransportID = snap.TransportID
	rec.HardwareID = snap.HardwareID
	rec = withSnapshot(rec, snap)
	s.index(rec)
	delete(s.dirty, id)

	s.enqueue(op{kind: opUpdate, id: id, fields: fields})
}

// enqueue hands o to the worker. It never blocks.
func (s *Synchronizer) enqueue(o op) {
	s.metrics.IncPersistWrites()
	s.mu.Lock()
	s.pending = append(s.pending, o)
	s.mu.Unlock()
	s.signal()
}

func (s *Synchronizer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take returns the queued ops, and false once Close was called and nothing is left.
func (s *Synchronizer) take() ([]op, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch, len(batch) > 0 || !s.draining
}

func (s *Synchronizer) work(ctx context.Context) {
	for range s.wake {
		for {
			batch, more := s.take()
			if !more {
				return
			}
			if len(batch) == 0 {
				break
			}
			for _, o := range batch {
				s.apply(ctx, o)
			}
		}
	}
}

func (s *Synchronizer) apply(ctx context.Context, o op) {
	var err error
	switch o.kind {
	case opAdd:
		err = s.store.AddRecord(ctx, o.record)
	case opUpdate:
		err = s.store.UpdateRecord(ctx, o.id, o.fields...)
	case opRemove:
		err = s.store.RemoveRecord(ctx, o.id)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
	}

	if err != nil {
		err = device.Wrap(device.ErrPersistenceFailure, fmt.Errorf("record %s: %w", o.id, err))
		s.logger.WithFields(logrus.Fields{
			"record": o.id,
			"error":  err,
		}).Error("Persistence write failed")
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
	}
	if o.done != nil {
		o.done <- err
	}
}

func (s *Synchronizer) limiter(id string) *rate.Limiter {
	l, ok := s.limiters[id]
	if !ok {
		limit := rate.Inf
		if s.opts.Cooldown > 0 {
			limit = rate.Every(s.opts.Cooldown)
		}
		l = rate.NewLimiter(limit, 1)
		s.limiters[id] = l
	}
	return l
}

func (s *Synchronizer) index(r store.Record) {
	s.records[r.ID] = r
	if r.HardwareID != "" {
		s.byHardware[r.HardwareID] = r.ID
	}
	if r.TransportID != "" {
		s.byTransport[r.TransportID] = r.ID
	}
}

func (s *Synchronizer) unindex(r store.Record) {
	if s.byHardware[r.HardwareID] == r.ID {
		delete(s.byHardware, r.HardwareID)
	}
	if s.byTransport[r.TransportID] == r.ID {
		delete(s.byTransport, r.TransportID)
	}
}

func (s *Synchronizer) forget(id string) {
	s.unindex(s.records[id])
	delete(s.records, id)
	delete(s.limiters, id)
	delete(s.dirty, id)
}

func withSnapshot(r store.Record, snap Snapshot) store.Record {
	r.Characteristics = make(map[device.CharRef][]byte, len(snap.Values))
	for k, v := range snap.Values {
		r.Characteristics[k] = append([]byte(nil), v...)
	}
	r.CustomData = maps.Clone(snap.CustomData)
	if r.CustomData == nil {
		r.CustomData = make(map[string]string)
	}
	return r
}
