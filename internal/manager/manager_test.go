package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/metrics"
	"github.com/srg/blemgr/internal/store"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/internal/transport"
	"github.com/stretchr/testify/suite"
)

var (
	cscService  = "fff0"
	cscMeasure  = device.NewCharRef("fff0", "fff1")
	batteryRef  = device.NewCharRef("180f", "2a19")
	identityRef = device.NewCharRef("180a", "2a25")
)

type ManagerTestSuite struct {
	testutils.FakeTransportSuite

	store   *store.MemoryStore
	metrics *metrics.Metrics
	opts    Options
	manager *Manager
	events  *Listener
	seen    []Event
}

func (s *ManagerTestSuite) SetupTest() {
	s.FakeTransportSuite.SetupTest()
	s.store = store.NewMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.seen = nil
	s.manager = nil
	s.opts = Options{
		Transport:        s.Transport,
		Store:            s.store,
		Clock:            s.Clock,
		Logger:           s.Logger,
		Metrics:          s.metrics,
		ScanMode:         ScanDuplicates,
		EvictionInterval: 500 * time.Millisecond,
		ConnectTimeout:   time.Minute,
		Subscriptions:    []device.Subscription{device.NewSubscription(cscService, "fff1")},
		EventBuffer:      512,
	}
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.manager != nil {
		s.NoError(s.manager.Close(context.Background()))
	}
}

func (s *ManagerTestSuite) start() {
	m, err := New(s.opts)
	s.Require().NoError(err)
	s.events = m.Listen("")
	s.Require().NoError(m.Start(context.Background()))
	s.manager = m
}

// sensor builds a peripheral that advertises and exposes the CSC service.
func (s *ManagerTestSuite) sensor(id string) *testutils.PeripheralBuilder {
	return testutils.CreateMockPeripheral(id).
		WithService(cscService).
		WithCharacteristic("fff1", "read,notify", []byte{1}).
		WithService("180f").
		WithCharacteristic("2a19", "read", []byte{80})
}

func (s *ManagerTestSuite) flush() {
	s.Require().NoError(s.manager.Flush(context.Background()))
}

func (s *ManagerTestSuite) advertise(id string, services ...string) {
	s.Transport.Advertise(id, testutils.CreateMockAdvertisement("sensor-"+id, services...).Build(), -50)
	s.flush()
}

func (s *ManagerTestSuite) connect(id string) *Future {
	f, err := s.manager.Connect(context.Background(), id)
	s.Require().NoError(err)
	s.flush()
	return f
}

// connected discovers and connects a default sensor, then forgets recorded calls.
func (s *ManagerTestSuite) connected(id string) {
	s.Transport.AddPeripheral(s.sensor(id).Build())
	s.advertise(id, cscService)
	f := s.connect(id)
	s.Require().NoError(f.Err())
	s.Require().Equal(device.Connected, s.info(id).State)
	s.Transport.Reset()
}

func (s *ManagerTestSuite) info(id string) device.Info {
	info, ok := s.manager.DeviceInfo(id)
	s.Require().True(ok, "device %s must be known", id)
	return info
}

func (s *ManagerTestSuite) collect() []Event {
	for {
		select {
		case e, ok := <-s.events.C():
			if !ok {
				return s.seen
			}
			s.seen = append(s.seen, e)
		default:
			return s.seen
		}
	}
}

func (s *ManagerTestSuite) eventsOf(t EventType) []Event {
	var result []Event
	for _, e := range s.collect() {
		if e.Type == t {
			result = append(result, e)
		}
	}
	return result
}

func (s *ManagerTestSuite) TestDiscoveryScenario() {
	s.start()
	s.Require().NoError(s.manager.Scan(context.Background()))

	scans := s.Transport.Calls(testutils.MethodScan)
	s.Require().Len(scans, 1)
	s.Equal([]string{"fff0"}, scans[0].Filter)
	s.True(scans[0].ScanOptions.AllowDuplicates)

	s.Transport.Advertise("P1", testutils.NewAdvertisementBuilder().WithServices("FFF0").Build(), 100)
	s.flush()

	s.Len(s.eventsOf(EventDiscovered), 1, "exactly one discovery event")
	s.Len(s.manager.Devices(), 1)
	s.Equal(100, s.info("P1").RSSI)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.KnownDevices))
}

func (s *ManagerTestSuite) TestDiscoveryIgnoresNonMatchingAdvertisements() {
	s.start()

	s.Transport.Advertise("P1", testutils.NewAdvertisementBuilder().WithName("no services").Build(), -40)
	s.Transport.Advertise("P2", testutils.CreateMockAdvertisement("hr", "180d").Build(), -40)
	s.flush()

	s.Empty(s.manager.Devices())
	s.Empty(s.eventsOf(EventDiscovered))
}

func (s *ManagerTestSuite) TestScanPendingUntilPoweredOn() {
	s.Transport.SetState(transport.StatePoweredOff)
	s.start()

	s.Require().NoError(s.manager.Scan(context.Background()))
	s.Zero(s.Transport.Count(testutils.MethodScan), "scan must wait for power")

	s.Transport.SetState(transport.StatePoweredOn)
	s.flush()
	s.Equal(1, s.Transport.Count(testutils.MethodScan))
	s.Equal(transport.StatePoweredOn, s.manager.Power())
}

func (s *ManagerTestSuite) TestConnectedOnlyAfterServiceDiscovery() {
	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.Transport.Hold(testutils.MethodDiscoverServices)
	s.start()
	s.advertise("P1", cscService)

	f := s.connect("P1")

	s.Equal(1, s.Transport.Count(testutils.MethodConnect))
	s.Equal(1, s.Transport.Count(testutils.MethodDiscoverServices))
	s.Equal(device.Connecting, s.info("P1").State, "raw connected callback must not surface Connected")
	s.Nil(f.Err())
	select {
	case <-f.Done():
		s.Fail("future must still be pending")
	default:
	}

	s.Transport.Handler().ServicesDiscovered("P1", []string{cscService, "180f"}, nil)
	s.flush()

	s.Equal(device.Connected, s.info("P1").State)
	s.Require().NoError(f.Wait(context.Background()))
	s.Equal([]string{"180f", "fff0"}, s.info("P1").Services)

	notify := s.Transport.Calls(testutils.MethodSetNotify)
	s.Require().Len(notify, 1)
	s.Equal(cscMeasure, notify[0].Ref)
	s.True(notify[0].Enabled)

	chars := s.Transport.Calls(testutils.MethodDiscoverCharacteristics)
	s.Require().Len(chars, 1, "unsubscribed services are not explored")
	s.Equal([]string{"fff1"}, chars[0].Filter)
}

func (s *ManagerTestSuite) TestConnectIsIdempotent() {
	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.Transport.Hold(testutils.MethodConnect)
	s.start()
	s.advertise("P1", cscService)

	f1 := s.connect("P1")
	f2 := s.connect("P1")
	s.Equal(1, s.Transport.Count(testutils.MethodConnect), "second connect while Connecting is absorbed")

	s.Transport.Handler().Connected("P1")
	s.flush()
	s.Require().NoError(f1.Err())
	s.Require().NoError(f2.Err())

	f3 := s.connect("P1")
	s.Require().NoError(f3.Err())
	s.Equal(1, s.Transport.Count(testutils.MethodConnect), "connect while Connected is absorbed")
}

func (s *ManagerTestSuite) TestConnectBeforeDiscoveryIsPending() {
	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.start()

	f := s.connect("P1")
	s.Zero(s.Transport.Count(testutils.MethodConnect))
	s.True(s.info("P1").PendingConnect)
	s.False(s.info("P1").Bound)

	s.advertise("P1", cscService)
	s.Equal(1, s.Transport.Count(testutils.MethodConnect))
	s.Require().NoError(f.Wait(context.Background()))
	s.False(s.info("P1").PendingConnect)
}

func (s *ManagerTestSuite) TestLivenessRearmedByRediscovery() {
	s.start()

	s.advertise("P1", cscService)
	s.Clock.Add(300 * time.Millisecond)
	s.advertise("P1", cscService)

	s.Clock.Add(200 * time.Millisecond) // t=0.5s
	s.Never(func() bool {
		s.flush()
		return len(s.eventsOf(EventLost)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond, "rediscovered device must not be lost at 0.5s")

	s.Clock.Add(300 * time.Millisecond) // t=0.8s
	s.WaitFor(func() bool {
		s.flush()
		return len(s.eventsOf(EventLost)) == 1
	}, "device must be lost once the interval elapsed")

	s.Len(s.eventsOf(EventEvicted), 1)
	s.Empty(s.manager.Devices())

	s.Clock.Add(time.Second)
	s.flush()
	s.Len(s.eventsOf(EventLost), 1, "lost fires once")
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Evictions.WithLabelValues("lost")))
}

func (s *ManagerTestSuite) TestLivenessKeepsConnectedDevice() {
	s.start()
	s.connected("P1")

	s.Clock.Add(time.Second)
	s.WaitFor(func() bool {
		s.flush()
		return len(s.eventsOf(EventLost)) == 1
	})
	info := s.info("P1")
	s.False(info.InRange)
	s.Equal(device.Connected, info.State)
}

func (s *ManagerTestSuite) TestScanOnceNeverArmsLiveness() {
	s.opts.ScanMode = ScanOnce
	s.start()
	s.Require().NoError(s.manager.Scan(context.Background()))
	s.False(s.Transport.Calls(testutils.MethodScan)[0].ScanOptions.AllowDuplicates)

	s.advertise("P1", cscService)
	s.Clock.Add(time.Hour)
	s.Never(func() bool {
		s.flush()
		return len(s.eventsOf(EventLost)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	s.Len(s.manager.Devices(), 1)
}

func (s *ManagerTestSuite) TestPeriodicScanRefresh() {
	s.opts.ScanMode = ScanPeriodic
	s.opts.RefreshInterval = time.Second
	s.start()
	s.Require().NoError(s.manager.Scan(context.Background()))

	s.Clock.Add(time.Second)
	s.WaitFor(func() bool {
		s.flush()
		return s.Transport.Count(testutils.MethodScan) == 2
	})
	s.Equal(1, s.Transport.Count(testutils.MethodStopScan))
}

func (s *ManagerTestSuite) TestIdentityReconciliation() {
	ctx := context.Background()
	s.Require().NoError(s.store.AddRecord(ctx, store.Record{ID: "r1", TransportID: "U1", HardwareID: "ABC123", Name: "Cadence"}))

	s.Transport.AddPeripheral(testutils.CreateMockPeripheral("U2").
		WithService("180a").
		WithCharacteristic("2a25", "read", []byte("ABC123\x00")).
		WithService(cscService).
		WithCharacteristic("fff1", "notify", nil).
		Build())
	s.start()
	s.Len(s.manager.Devices(), 1, "stored record restored as unbound device")

	s.Transport.Advertise("U2", testutils.NewAdvertisementBuilder().WithServices(cscService).Build(), -60)
	s.flush()
	s.Require().NoError(s.connect("U2").Err())

	info := s.info("U2")
	s.Equal("ABC123", info.HardwareID)
	s.Equal("r1", info.RecordID)
	s.Equal("Cadence", info.Name)
	s.Len(s.manager.Devices(), 1, "restored duplicate merged")

	s.WaitFor(func() bool {
		records, err := s.store.Fetch(ctx)
		s.Require().NoError(err)
		return len(records) == 1 && records[0].TransportID == "U2"
	}, "store record count stays 1")
}

func (s *ManagerTestSuite) TestIdentityFromAdvertisementBindsRestoredDevice() {
	ctx := context.Background()
	s.Require().NoError(s.store.AddRecord(ctx, store.Record{ID: "r1", TransportID: "U1", HardwareID: "ABC123"}))
	s.opts.IdentityFromAdvertisement = func(adv transport.Advertisement) string {
		return string(adv.ManufacturerData)
	}
	s.start()

	s.Transport.Advertise("U2", testutils.NewAdvertisementBuilder().
		WithServices(cscService).
		WithManufacturerData([]byte("ABC123")).
		Build(), -60)
	s.flush()

	devices := s.manager.Devices()
	s.Require().Len(devices, 1)
	s.Equal("U2", devices[0].TransportID)
	s.Equal("r1", devices[0].RecordID)
	s.True(devices[0].Bound)
}

func (s *ManagerTestSuite) TestDeviceWithoutIdentityPersistedByTransportID() {
	s.start()
	s.connected("P1")

	s.WaitFor(func() bool { return s.store.Len() == 1 })
	records, err := s.store.Fetch(context.Background())
	s.Require().NoError(err)
	s.Equal("P1", records[0].TransportID)
	s.Empty(records[0].HardwareID)
	s.Equal(records[0].ID, s.info("P1").RecordID)
}

func (s *ManagerTestSuite) TestDeferredReadDiscoversOnce() {
	s.start()
	s.connected("P1")

	var completions []error
	result, err := s.manager.Read(context.Background(), "P1", batteryRef, func(err error) {
		completions = append(completions, err)
	})
	s.Require().NoError(err)
	s.Equal(RequestDeferred, result)
	s.flush()

	discover := s.Transport.Calls(testutils.MethodDiscoverCharacteristics)
	s.Require().Len(discover, 1)
	s.Equal("180f", discover[0].Service)
	s.Equal([]string{"2a19"}, discover[0].Filter)

	reads := s.Transport.Calls(testutils.MethodReadValue)
	s.Require().Len(reads, 1, "queued read executed exactly once")
	s.Equal(batteryRef, reads[0].Ref)
	s.Require().NoError(s.manager.Flush(context.Background()))
	s.Equal([]error{nil}, completions)
	s.Equal([]byte{80}, s.info("P1").Values[batteryRef])

	// Discovered now: issued immediately
	result, err = s.manager.Read(context.Background(), "P1", batteryRef, nil)
	s.Require().NoError(err)
	s.Equal(RequestIssued, result)
	s.Equal(1, s.Transport.Count(testutils.MethodDiscoverCharacteristics))
	s.Equal(2, s.Transport.Count(testutils.MethodReadValue))
}

func (s *ManagerTestSuite) TestQueuedRequestsDrainInOrder() {
	s.start()
	s.connected("P1")
	s.Transport.Hold(testutils.MethodDiscoverCharacteristics)

	ctx := context.Background()
	var order []string
	write := &Request{Method: MethodWrite, Ref: batteryRef, Data: []byte{1}, WithResponse: true,
		Completion: func(error) { order = append(order, "write") }}

	_, err := s.manager.Read(ctx, "P1", batteryRef, func(error) { order = append(order, "read") })
	s.Require().NoError(err)
	res, err := s.manager.Request(ctx, "P1", write)
	s.Require().NoError(err)
	s.Equal(RequestDeferred, res)
	res, err = s.manager.Request(ctx, "P1", write)
	s.Require().NoError(err)
	s.Equal(RequestDeferred, res, "same request instance is queued once")

	s.Equal(1, s.Transport.Count(testutils.MethodDiscoverCharacteristics), "one discovery per characteristic")

	s.Transport.Handler().CharacteristicsDiscovered("P1", "180f", []transport.Characteristic{
		{Ref: batteryRef, Properties: transport.PropRead | transport.PropWrite},
	}, nil)
	s.flush()

	s.Equal([]string{"read", "write"}, order)
	s.Equal(1, s.Transport.Count(testutils.MethodReadValue))
	writes := s.Transport.Calls(testutils.MethodWriteValue)
	s.Require().Len(writes, 1)
	s.Equal([]byte{1}, writes[0].Data)
	s.True(writes[0].WithResponse)
}

func (s *ManagerTestSuite) TestUnresolvableRequestDropped() {
	s.start()
	s.connected("P1")

	called := false
	missing := device.NewCharRef("180f", "2a99")
	result, err := s.manager.Read(context.Background(), "P1", missing, func(error) { called = true })
	s.Require().NoError(err)
	s.Equal(RequestDeferred, result)
	s.flush()

	s.Zero(s.Transport.Count(testutils.MethodReadValue))
	s.False(called, "dropped requests get no callback")

	errs := s.eventsOf(EventError)
	s.Require().NotEmpty(errs)
	last := errs[len(errs)-1]
	s.ErrorIs(last.Err, device.ErrRequestUnresolvable)
	s.Equal(missing, last.Ref)
}

func (s *ManagerTestSuite) TestRequestRequiresConnection() {
	s.start()
	s.advertise("P1", cscService)

	result, err := s.manager.Read(context.Background(), "P1", batteryRef, nil)
	s.ErrorIs(err, device.ErrNotConnected)
	s.Zero(result)

	_, err = s.manager.Read(context.Background(), "nope", batteryRef, nil)
	s.ErrorIs(err, device.ErrUnknownDevice)

	_, err = s.manager.Read(context.Background(), "P1", device.CharRef{Service: "zz"}, nil)
	s.ErrorIs(err, device.ErrInvalidRequest)
}

func (s *ManagerTestSuite) TestUnexpectedDisconnectReconnectsOnce() {
	s.start()
	s.connected("P1")

	s.Transport.Drop("P1", nil)
	s.flush()

	s.Equal(1, s.Transport.Count(testutils.MethodConnect), "exactly one automatic reconnect")
	s.Equal(device.Connected, s.info("P1").State)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Reconnects))

	errs := s.eventsOf(EventError)
	s.Require().NotEmpty(errs)
	s.ErrorIs(errs[len(errs)-1].Err, device.ErrUnexpectedDisconnect)
}

func (s *ManagerTestSuite) TestDeliberateDisconnectDoesNotReconnect() {
	s.start()
	s.connected("P1")

	s.Require().NoError(s.manager.Disconnect(context.Background(), "P1"))
	s.flush()

	s.Equal(1, s.Transport.Count(testutils.MethodCancelConnection))
	s.Zero(s.Transport.Count(testutils.MethodConnect), "no reconnect after a deliberate disconnect")
	s.Equal(device.Disconnected, s.info("P1").State)
	s.Empty(s.info("P1").Services, "services cleared on disconnect")

	// Duplicate disconnect is absorbed
	s.Require().NoError(s.manager.Disconnect(context.Background(), "P1"))
	s.Equal(1, s.Transport.Count(testutils.MethodCancelConnection))
}

func (s *ManagerTestSuite) TestFailedToConnectIsNotRetried() {
	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.Transport.Hold(testutils.MethodConnect)
	s.start()
	s.advertise("P1", cscService)

	f := s.connect("P1")
	s.Transport.Handler().FailedToConnect("P1", errors.New("peer rejected"))
	s.flush()

	s.ErrorIs(f.Err(), device.ErrConnectFailure)
	s.ErrorContains(f.Err(), "peer rejected")
	s.Len(s.eventsOf(EventConnectFailed), 1)
	s.Equal(1, s.Transport.Count(testutils.MethodConnect))
	s.Equal(device.Disconnected, s.info("P1").State)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConnectFailures))
}

func (s *ManagerTestSuite) TestServiceDiscoveryFailureFailsConnect() {
	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.Transport.FailWith(testutils.MethodDiscoverServices, errors.New("gatt busy"))
	s.start()
	s.advertise("P1", cscService)

	f := s.connect("P1")
	s.ErrorIs(f.Err(), device.ErrDiscoveryFailure)
	s.Equal(1, s.Transport.Count(testutils.MethodCancelConnection))
	s.Equal(device.Disconnected, s.info("P1").State)
	s.Equal(1, s.Transport.Count(testutils.MethodConnect), "no reconnect")
}

func (s *ManagerTestSuite) TestSetNotifyIdempotent() {
	s.start()
	s.connected("P1")
	ctx := context.Background()

	s.Require().NoError(s.manager.Subscribe(ctx, "P1", device.NewSubscription(cscService, "fff1")))
	s.Require().NoError(s.manager.AddSubscription(ctx, device.NewSubscription(cscService, "")))
	s.flush()

	s.Zero(s.Transport.Count(testutils.MethodSetNotify), "notify already enabled")

	s.Require().NoError(s.manager.RemoveSubscription(ctx, device.NewSubscription(cscService, "")))
	s.Require().NoError(s.manager.RemoveSubscription(ctx, device.NewSubscription(cscService, "fff1")))
	s.Zero(s.Transport.Count(testutils.MethodSetNotify), "per-device subscription still covers fff1")

	s.Require().NoError(s.manager.Unsubscribe(ctx, "P1", device.NewSubscription(cscService, "fff1")))
	s.flush()
	notify := s.Transport.Calls(testutils.MethodSetNotify)
	s.Require().Len(notify, 1)
	s.False(notify[0].Enabled)
}

func (s *ManagerTestSuite) TestPerDeviceSubscriptionLeavesScanFilter() {
	s.start()
	ctx := context.Background()
	s.Require().NoError(s.manager.Scan(ctx))

	s.Require().NoError(s.manager.Subscribe(ctx, "P1", device.NewSubscription("180d", "")))
	filter, err := s.manager.ScanFilter(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"fff0"}, filter)
	s.Equal(1, s.Transport.Count(testutils.MethodScan))

	s.Require().NoError(s.manager.AddSubscription(ctx, device.NewSubscription("180d", "2a37")))
	filter, err = s.manager.ScanFilter(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"fff0", "180d"}, filter)
	s.Equal(1, s.Transport.Count(testutils.MethodStopScan))
	scans := s.Transport.Calls(testutils.MethodScan)
	s.Require().Len(scans, 2, "scan restarted with the new filter")
	s.Equal([]string{"fff0", "180d"}, scans[1].Filter)

	s.Require().NoError(s.manager.AddSubscription(ctx, device.NewSubscription("fff0", "fff2")))
	s.Equal(2, s.Transport.Count(testutils.MethodScan), "same service set, no restart")

	subs, err := s.manager.Subscriptions(ctx)
	s.Require().NoError(err)
	s.Len(subs, 3)
}

func (s *ManagerTestSuite) TestValueUpdateCarriesSubscription() {
	s.start()
	s.connected("P1")

	s.Transport.Notify("P1", cscMeasure, []byte{0x01, 0x02})
	s.flush()

	updates := s.eventsOf(EventValueUpdated)
	s.Require().NotEmpty(updates)
	last := updates[len(updates)-1]
	s.Equal(cscMeasure, last.Ref)
	s.Equal([]byte{0x01, 0x02}, last.Value)
	s.Require().NotNil(last.Subscription)
	s.Equal(device.NewSubscription(cscService, "fff1"), *last.Subscription)
	s.Equal([]byte{0x01, 0x02}, s.info("P1").Values[cscMeasure])
}

func (s *ManagerTestSuite) TestPowerOffKeepsIntendedConnections() {
	s.start()
	ctx := context.Background()
	s.Require().NoError(s.manager.Scan(ctx))
	s.connected("P1")
	s.advertise("P2", cscService)

	s.Transport.SetState(transport.StatePoweredOff)
	s.flush()

	_, ok := s.manager.DeviceInfo("P2")
	s.False(ok, "idle device evicted")
	info := s.info("P1")
	s.Equal(device.Disconnected, info.State)
	s.True(info.PendingConnect)
	s.False(info.Bound)

	s.Transport.SetState(transport.StatePoweredOn)
	s.flush()
	s.Equal(1, s.Transport.Count(testutils.MethodScan), "requested scan resumes")
	s.Zero(s.Transport.Count(testutils.MethodConnect), "waits for rediscovery")

	s.advertise("P1", cscService)
	s.Equal(1, s.Transport.Count(testutils.MethodConnect))
	s.Equal(device.Connected, s.info("P1").State)
}

func (s *ManagerTestSuite) TestPowerOnRediscoversConnectedDevices() {
	s.start()
	s.connected("P1")

	s.Transport.SetState(transport.StatePoweredOn)
	s.flush()

	s.Equal(1, s.Transport.Count(testutils.MethodDiscoverServices))
	s.Equal(device.Connected, s.info("P1").State)
	s.Equal(1, s.Transport.Count(testutils.MethodSetNotify), "notify re-enabled for the restored session")
}

func (s *ManagerTestSuite) TestForgetRemovesRecord() {
	s.start()
	s.connected("P1")
	s.WaitFor(func() bool { return s.store.Len() == 1 })

	s.Require().NoError(s.manager.Forget(context.Background(), "P1"))

	s.Zero(s.store.Len(), "record removed before Forget returns")
	_, ok := s.manager.DeviceInfo("P1")
	s.False(ok)
	s.Equal(1, s.Transport.Count(testutils.MethodCancelConnection))

	s.flush()
	s.Zero(s.Transport.Count(testutils.MethodConnect))
	evicted := s.eventsOf(EventEvicted)
	s.Require().Len(evicted, 1)
	s.Equal("forget", evicted[0].Reason)

	s.ErrorIs(s.manager.Forget(context.Background(), "P1"), device.ErrUnknownDevice)
}

func (s *ManagerTestSuite) TestForgetCancelsPendingConnect() {
	s.start()
	f := s.connect("P1")

	s.Require().NoError(s.manager.Forget(context.Background(), "P1"))
	s.ErrorIs(f.Err(), device.ErrCanceled)

	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.advertise("P1", cscService)
	s.Zero(s.Transport.Count(testutils.MethodConnect))
}

func (s *ManagerTestSuite) TestConnectTimeout() {
	s.opts.ConnectTimeout = time.Second
	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.Transport.Hold(testutils.MethodConnect)
	s.start()
	s.advertise("P1", cscService)

	f := s.connect("P1")
	s.Clock.Add(time.Second)
	s.WaitFor(func() bool { return f.Err() != nil })
	s.ErrorIs(f.Err(), device.ErrTimeout)

	s.flush()
	s.Equal(1, s.Transport.Count(testutils.MethodCancelConnection), "connect attempt aborted")
}

func (s *ManagerTestSuite) TestFutureCancel() {
	s.start()
	f := s.connect("P1")

	f.Cancel()
	s.Require().ErrorIs(f.Wait(context.Background()), device.ErrCanceled)
	s.flush()
	s.False(s.info("P1").PendingConnect)
}

func (s *ManagerTestSuite) TestReadRSSI() {
	s.Transport.AddPeripheral(s.sensor("P1").WithRSSI(-42).Build())
	s.start()
	s.advertise("P1", cscService)
	s.Require().NoError(s.connect("P1").Err())

	s.Require().NoError(s.manager.ReadRSSI(context.Background(), "P1"))
	s.flush()
	rssi := s.eventsOf(EventRSSI)
	s.Require().Len(rssi, 1)
	s.Equal(-42, rssi[0].RSSI)
	s.Equal(-42, s.info("P1").RSSI)
}

func (s *ManagerTestSuite) TestCustomDataPersisted() {
	s.start()
	s.connected("P1")
	s.WaitFor(func() bool { return s.store.Len() == 1 })

	s.Require().NoError(s.manager.SetCustomData(context.Background(), "P1", "wheel", "2105"))
	s.Equal("2105", s.info("P1").CustomData["wheel"])

	s.Require().NoError(s.manager.Close(context.Background()))
	s.manager = nil
	records, err := s.store.Fetch(context.Background())
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal("2105", records[0].CustomData["wheel"], "cooldown-skipped write flushed on close")
}

func (s *ManagerTestSuite) TestListenScopedToDevice() {
	s.start()
	only := s.manager.Listen("P2")
	defer only.Close()

	s.advertise("P1", cscService)
	s.advertise("P2", cscService)

	select {
	case e := <-only.C():
		s.Equal("P2", e.DeviceID)
		s.Equal(EventDiscovered, e.Type)
	default:
		s.Fail("expected an event for P2")
	}
	select {
	case e := <-only.C():
		s.Failf("unexpected event", "%v for %s", e.Type, e.DeviceID)
	default:
	}
}

func (s *ManagerTestSuite) TestCloseDisconnectsAndClosesListeners() {
	s.start()
	s.connected("P1")

	s.Require().NoError(s.manager.Close(context.Background()))
	s.Equal(1, s.Transport.Count(testutils.MethodCancelConnection))

	s.collect()
	_, open := <-s.events.C()
	s.False(open)

	_, err := s.manager.Connect(context.Background(), "P1")
	s.ErrorIs(err, device.ErrClosed)
	s.manager = nil
}

func (s *ManagerTestSuite) TestDiscoveryFilterAppliesToKnownDevices() {
	s.Require().NoError(s.store.AddRecord(context.Background(), store.Record{ID: "r1", TransportID: "U1"}))
	s.Transport.AddPeripheral(s.sensor("P1").Build())
	s.start()
	s.connect("P1")

	s.advertise("P1", "180d")
	s.advertise("U1", "180d")

	s.Zero(s.Transport.Count(testutils.MethodConnect), "pending connect waits for a matching advertisement")
	s.Empty(s.eventsOf(EventDiscovered))
	s.False(s.info("P1").Bound)
	s.False(s.info("U1").Bound, "restored record stays unbound")

	s.advertise("P1", cscService)
	s.Equal(1, s.Transport.Count(testutils.MethodConnect))
	s.True(s.info("P1").Bound)
}

func (s *ManagerTestSuite) TestEmptyGlobalSubscriptionsAcceptEveryAdvertisement() {
	s.opts.Subscriptions = nil
	s.start()
	s.Require().NoError(s.manager.Scan(context.Background()))

	scans := s.Transport.Calls(testutils.MethodScan)
	s.Require().Len(scans, 1)
	s.Empty(scans[0].Filter, "scan is unfiltered")

	s.advertise("P2", "180d")
	s.Len(s.eventsOf(EventDiscovered), 1)
	s.True(s.info("P2").Bound)
}

func (s *ManagerTestSuite) TestFailedReconnectIsNotRetried() {
	s.start()
	s.connected("P1")
	s.Transport.Hold(testutils.MethodConnect)

	s.Transport.Drop("P1", nil)
	s.flush()
	s.Equal(1, s.Transport.Count(testutils.MethodConnect))
	s.Equal(device.Connecting, s.info("P1").State)

	s.Transport.Drop("P1", errors.New("link lost"))
	s.flush()

	s.Equal(1, s.Transport.Count(testutils.MethodConnect), "a failed reconnect is final")
	failed := s.eventsOf(EventConnectFailed)
	s.Require().Len(failed, 1)
	s.ErrorIs(failed[0].Err, device.ErrConnectFailure)
	s.ErrorContains(failed[0].Err, "unexpected_disconnect")
	s.ErrorContains(failed[0].Err, "link lost")
	s.Equal(device.Disconnected, s.info("P1").State)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Reconnects))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConnectFailures))
}

func (s *ManagerTestSuite) TestLookupByAnyIdentity() {
	ctx := context.Background()
	s.Require().NoError(s.store.AddRecord(ctx, store.Record{ID: "r1", TransportID: "U1", HardwareID: "ABC123"}))
	s.start()

	for _, id := range []string{"U1", "ABC123", "r1"} {
		info, err := s.manager.Lookup(ctx, id)
		s.Require().NoError(err, id)
		s.Equal("U1", info.TransportID, id)
		s.Equal("r1", info.RecordID, id)
	}
	s.Len(s.manager.Devices(), 1)

	info, err := s.manager.Lookup(ctx, "P7")
	s.Require().NoError(err)
	s.Equal("P7", info.TransportID)
	s.False(info.Bound)
	s.Equal(device.Disconnected, info.State)
	s.Len(s.manager.Devices(), 2, "unknown id creates an ephemeral device")
	_, ok := s.manager.DeviceInfo("P7")
	s.True(ok)
}

func (s *ManagerTestSuite) TestRequestNormalizesReference() {
	s.start()
	s.connected("P1")

	r := &Request{Method: MethodRead, Ref: device.CharRef{Service: "0000180F-0000-1000-8000-00805F9B34FB", Characteristic: "2A19"}}
	result, err := s.manager.Request(context.Background(), "P1", r)
	s.Require().NoError(err)
	s.NotZero(result)
	s.Equal(batteryRef, r.Ref)

	s.flush()
	reads := s.Transport.Calls(testutils.MethodReadValue)
	s.Require().Len(reads, 1)
	s.Equal(batteryRef, reads[0].Ref)
}

func (s *ManagerTestSuite) TestLivenessExpiresAtInterval() {
	s.start()
	s.advertise("P1", cscService)

	s.Clock.Add(499 * time.Millisecond)
	s.Never(func() bool {
		s.flush()
		return len(s.eventsOf(EventLost)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond, "device must not be lost before the interval")

	s.Clock.Add(time.Millisecond)
	s.WaitFor(func() bool {
		s.flush()
		return len(s.eventsOf(EventLost)) == 1
	}, "device must be lost exactly at the interval")
	s.Len(s.eventsOf(EventEvicted), 1)
}

// unreadableStore fails to load the stored devices.
type unreadableStore struct {
	*store.MemoryStore
}

func (unreadableStore) Fetch(context.Context) ([]store.Record, error) {
	return nil, errors.New("disk gone")
}

func (s *ManagerTestSuite) TestCloseAfterFailedStart() {
	s.opts.Store = unreadableStore{store.NewMemoryStore()}
	m, err := New(s.opts)
	s.Require().NoError(err)
	events := m.Listen("")

	s.Require().ErrorContains(m.Start(context.Background()), "disk gone")
	s.Require().NoError(m.Close(context.Background()))

	for range events.C() {
	}
	_, err = m.Connect(context.Background(), "P1")
	s.ErrorIs(err, device.ErrClosed)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func TestParseScanMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ScanMode
		wantErr bool
	}{
		{"once", ScanOnce, false},
		{"Duplicates", ScanDuplicates, false},
		{"", ScanDuplicates, false},
		{"periodic", ScanPeriodic, false},
		{"sometimes", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScanMode(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseScanMode(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{})
	if err == nil {
		t.Fatal("expected error without transport")
	}
}
