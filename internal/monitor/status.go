package monitor

import (
	"time"

	"github.com/plant-monitor/pmc/internal/fieldbus"
	"github.com/plant-monitor/pmc/internal/telemetry"
)

// State is the monitor lifecycle state.
type State int

const (
	Stopped State = iota
	Initializing
	Running
	Stopping
	EmergencyShutdown
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case EmergencyShutdown:
		return "EmergencyShutdown"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CycleSummary describes one finished cycle.
type CycleSummary struct {
	Cycle          uint64             `json:"cycle"`
	StartedAt      time.Time          `json:"startedAt"`
	Duration       time.Duration      `json:"durationNs"`
	Result         string             `json:"result"`
	Sensors        int                `json:"sensors"`
	Accepted       int                `json:"accepted"`
	Rejected       int                `json:"rejected"`
	FailedReads    int                `json:"failedReads"`
	AlertTriggered bool               `json:"alertTriggered"`
	AlertMessage   string             `json:"alertMessage,omitempty"`
	Averages       telemetry.Averages `json:"averages"`
	Delivered      int                `json:"delivered"`
}

// Status is a point-in-time snapshot, safe to take while a cycle runs.
type Status struct {
	PlantID         string               `json:"plantId"`
	State           State                `json:"state"`
	Running         bool                 `json:"running"`
	ScanInterval    time.Duration        `json:"scanIntervalNs"`
	StartedAt       time.Time            `json:"startedAt,omitempty"`
	Cycles          uint64               `json:"cycles"`
	LastCycle       *CycleSummary        `json:"lastCycle,omitempty"`
	Subscribers     int                  `json:"subscribers"`
	Devices         []fieldbus.Endpoint  `json:"devices,omitempty"`
	Thresholds      telemetry.Thresholds `json:"thresholds"`
	EmergencyReason string               `json:"emergencyReason,omitempty"`
	EmergencyAt     time.Time            `json:"emergencyAt,omitempty"`
}
