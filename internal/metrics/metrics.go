package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pmc"

// Cycle results.
const (
	CycleOK      = "ok"
	CycleAlert   = "alert"
	CycleNoData  = "no_data"
	CycleAborted = "aborted"
	// CycleFailed means sensors were available but none could be read.
	CycleFailed = "failed"
)

// Reading outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Collectors holds every pmc_* metric.
type Collectors struct {
	registry *prometheus.Registry

	Cycles              *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	Readings            *prometheus.CounterVec
	DeviceReadFailures  *prometheus.CounterVec
	Alerts              *prometheus.CounterVec
	BroadcastDeliveries prometheus.Counter
	Subscribers         prometheus.Gauge
	SubscribersRejected *prometheus.CounterVec
	MonitorState        prometheus.Gauge
}

// New creates the collectors in a fresh registry alongside Go runtime and process metrics.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Acquisition cycles by result",
			},
			[]string{"result"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one acquisition cycle",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Readings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readings_total",
				Help:      "Sensor readings by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		DeviceReadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_read_failures_total",
				Help:      "Failed sensor reads per device endpoint",
			},
			[]string{"device"},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Safety threshold breaches by category",
			},
			[]string{"category"},
		),
		BroadcastDeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_deliveries_total",
				Help:      "Successful report deliveries to subscribers",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscribers",
				Help:      "Active authenticated subscribers",
			},
		),
		SubscribersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscribers_rejected_total",
				Help:      "Subscriber connections refused or dropped, by reason",
			},
			[]string{"reason"},
		),
		MonitorState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "monitor_state",
				Help:      "Monitor state (0=stopped, 1=initializing, 2=running, 3=stopping, 4=emergency_shutdown)",
			},
		),
	}

	c.registry.MustRegister(
		c.Cycles,
		c.CycleDuration,
		c.Readings,
		c.DeviceReadFailures,
		c.Alerts,
		c.BroadcastDeliveries,
		c.Subscribers,
		c.SubscribersRejected,
		c.MonitorState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetSubscribers implements distribution.Metrics.
func (c *Collectors) SetSubscribers(n int) {
	c.Subscribers.Set(float64(n))
}

// IncSubscriberRejected implements distribution.Metrics.
func (c *Collectors) IncSubscriberRejected(reason string) {
	c.SubscribersRejected.WithLabelValues(reason).Inc()
}

// AddDeliveries implements distribution.Metrics.
func (c *Collectors) AddDeliveries(n int) {
	if n > 0 {
		c.BroadcastDeliveries.Add(float64(n))
	}
}

// ObserveCycle counts one finished cycle.
func (c *Collectors) ObserveCycle(result string, d time.Duration) {
	c.Cycles.WithLabelValues(result).Inc()
	c.CycleDuration.Observe(d.Seconds())
}

// AddReadings counts n readings of category with outcome.
func (c *Collectors) AddReadings(category, outcome string, n int) {
	if n > 0 {
		c.Readings.WithLabelValues(category, outcome).Add(float64(n))
	}
}

// IncReadFailure counts a failed read against device.
func (c *Collectors) IncReadFailure(device string) {
	c.DeviceReadFailures.WithLabelValues(device).Inc()
}

// IncAlert counts a breach of category.
func (c *Collectors) IncAlert(category string) {
	c.Alerts.WithLabelValues(category).Inc()
}

// SetMonitorState records the numeric monitor state.
func (c *Collectors) SetMonitorState(state int) {
	c.MonitorState.Set(float64(state))
}
