package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncDiscoveries()
	m.IncDiscoveries()
	m.IncConnectAttempts()
	m.IncReconnects()
	m.IncConnectFailures()
	m.IncEvictions("lost")
	m.IncEvictions("forget")
	m.IncEvictions("forget")
	m.IncPersistWrites()
	m.IncPersistSkips()
	m.SetKnownDevices(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Discoveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions.WithLabelValues("lost")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Evictions.WithLabelValues("forget")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistSkips))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.KnownDevices))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncDiscoveries()
		m.IncConnectAttempts()
		m.IncReconnects()
		m.IncConnectFailures()
		m.IncEvictions("lost")
		m.IncPersistWrites()
		m.IncPersistSkips()
		m.SetKnownDevices(1)
	})
}
