package monitor

import (
	"context"
	"time"

	"github.com/plant-monitor/pmc/internal/audit"
	"github.com/plant-monitor/pmc/internal/distribution"
	"github.com/plant-monitor/pmc/internal/fieldbus"
	"github.com/plant-monitor/pmc/internal/metrics"
	"github.com/plant-monitor/pmc/internal/mirror"
	"github.com/plant-monitor/pmc/internal/security"
	"github.com/plant-monitor/pmc/internal/telemetry"
)

// FieldProtocolClient is the device side of a cycle.
type FieldProtocolClient interface {
	ConnectAll(ctx context.Context) error
	Reconnect(ctx context.Context, endpoint string) error
	DisconnectAll()
	Devices() []fieldbus.Endpoint
	GetAvailableSensors() []int
	EndpointForSensor(sensorID int) (string, bool)
	CategoryForSensor(sensorID int) (telemetry.Category, bool)
	Read(ctx context.Context, sensorID int) (telemetry.SensorReading, error)
}

// Processor evaluates a batch against the safety thresholds.
type Processor interface {
	ProcessReadings(readings []telemetry.SensorReading) telemetry.ProcessedBatch
	SafetyThresholds() telemetry.Thresholds
	SetSafetyThresholds(thresholds telemetry.Thresholds) error
}

// Distributor fans reports out to subscribers and feeds their messages back.
type Distributor interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	BroadcastData(data []byte) int
	SendToClient(id string, data []byte) error
	GetClientCount() int
	SetDataHandler(fn func(distribution.Message))
	SetErrorHandler(fn func(error))
	SetAuthHandler(fn func(clientID string, identity distribution.Identity, err error))
}

// SecurityManager screens inbound payloads and signs outbound reports.
type SecurityManager interface {
	ValidateInput(input string) bool
	SanitizeInput(input string) string
	EncryptData(data string) (string, error)
	DecryptData(data string) (string, error)
	GenerateHash(data string) string
	VerifyHash(data, hash string) bool
}

// AuditLogger records operator-relevant events.
type AuditLogger interface {
	LogAction(ctx context.Context, action, target string, params map[string]interface{}, err error)
}

// Metrics receives cycle and lifecycle measurements.
type Metrics interface {
	ObserveCycle(result string, d time.Duration)
	AddReadings(category, outcome string, n int)
	IncReadFailure(device string)
	IncAlert(category string)
	SetMonitorState(state int)
}

// Mirror republishes reports outside the subscriber channel.
type Mirror interface {
	Publish(ctx context.Context, subtopic string, payload []byte) error
}

var (
	_ FieldProtocolClient = (*fieldbus.Client)(nil)
	_ Processor           = (*telemetry.Processor)(nil)
	_ Distributor         = (*distribution.Server)(nil)
	_ SecurityManager     = (*security.Guard)(nil)
	_ AuditLogger         = (*audit.Logger)(nil)
	_ Metrics             = (*metrics.Collectors)(nil)
	_ Mirror              = (*mirror.Publisher)(nil)
)
