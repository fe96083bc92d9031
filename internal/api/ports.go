package api

import (
	"net/http"

	"github.com/plant-monitor/pmc/internal/metrics"
	"github.com/plant-monitor/pmc/internal/monitor"
)

// StatusPort is what the API reads from the monitor.
type StatusPort interface {
	GetSystemStatus() monitor.Status
}

// MetricsPort exposes a Prometheus handler.
type MetricsPort interface {
	Handler() http.Handler
}

var _ StatusPort = (*monitor.Monitor)(nil)
var _ MetricsPort = (*metrics.Collectors)(nil)
