package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plant-monitor/pmc/internal/distribution"
)

var _ distribution.Metrics = (*Collectors)(nil)

func TestDistributionMetrics(t *testing.T) {
	c := New()

	c.SetSubscribers(3)
	c.IncSubscriberRejected(distribution.RejectCapacity)
	c.IncSubscriberRejected(distribution.RejectCapacity)
	c.AddDeliveries(5)
	c.AddDeliveries(0)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.Subscribers))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.SubscribersRejected.WithLabelValues(distribution.RejectCapacity)))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.BroadcastDeliveries))
}

func TestMonitorMetrics(t *testing.T) {
	c := New()

	c.ObserveCycle(CycleOK, 20*time.Millisecond)
	c.ObserveCycle(CycleAlert, 30*time.Millisecond)
	c.ObserveCycle(CycleOK, 10*time.Millisecond)
	c.AddReadings("temperature", OutcomeAccepted, 6)
	c.AddReadings("temperature", OutcomeRejected, 1)
	c.AddReadings("pressure", OutcomeAccepted, 0)
	c.IncReadFailure("127.0.0.1:1502")
	c.IncAlert("temperature")
	c.SetMonitorState(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Cycles.WithLabelValues(CycleOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Cycles.WithLabelValues(CycleAlert)))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.Readings.WithLabelValues("temperature", OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Readings.WithLabelValues("temperature", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DeviceReadFailures.WithLabelValues("127.0.0.1:1502")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Alerts.WithLabelValues("temperature")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.MonitorState))

	// zero adds create no series
	assert.Equal(t, 2, testutil.CollectAndCount(c.Readings))
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncAlert("radiation")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Alerts.WithLabelValues("radiation")))
}

func TestHandler(t *testing.T) {
	c := New()
	c.IncAlert("pressure")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pmc_alerts_total{category="pressure"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
