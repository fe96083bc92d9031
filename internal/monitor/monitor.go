package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plant-monitor/pmc/internal/audit"
	"github.com/plant-monitor/pmc/internal/config"
	"github.com/plant-monitor/pmc/internal/telemetry"
)

var (
	// ErrLifecycle is returned for an operation that is invalid in the current state.
	ErrLifecycle = errors.New("LIFECYCLE")

	// ErrConfiguration is returned for missing dependencies or invalid timing.
	ErrConfiguration = errors.New("CONFIGURATION")
)

// Report subtopics used with the Mirror.
const (
	SubtopicReport    = "report"
	SubtopicEmergency = "emergency"
)

// Config wires a Monitor. Devices, Processor, Distributor and Security are required.
type Config struct {
	Devices     FieldProtocolClient
	Processor   Processor
	Distributor Distributor
	Security    SecurityManager

	Audit   AuditLogger
	Metrics Metrics
	Mirror  Mirror
	Logger  *slog.Logger

	// Timing defaults to config.LoadTimingBaseline().
	Timing *config.TimingConfig
}

// run is the state of one StartMonitoring..Stop span.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	// stop asks the loop to exit at the next cycle boundary.
	stop chan struct{}
	done chan struct{}
}

// wiring is replaced as a whole by Initialize and read lock-free everywhere else.
type wiring struct {
	cfg    Config
	timing config.TimingConfig
	log    *slog.Logger
}

// Monitor orchestrates acquisition, evaluation and distribution.
type Monitor struct {
	plantID string
	w       atomic.Pointer[wiring]

	// lifecycleMu serialises Initialize, StartMonitoring, StopMonitoring and
	// EmergencyShutdown.
	lifecycleMu sync.Mutex
	current     *run

	// mu guards everything below.
	mu           sync.RWMutex
	state        State
	scanInterval time.Duration
	startedAt    time.Time
	cycles       uint64
	lastCycle    *CycleSummary
	cancelRun    context.CancelFunc
	emergency    string
	emergencyAt  time.Time

	// owned by the cycle goroutine
	retries  map[string]*retryState
	breached []telemetry.Category
}

type retryState struct {
	attempts int
	next     time.Time
}

// New creates a stopped, uninitialised monitor for plantID.
func New(plantID string) *Monitor {
	m := &Monitor{plantID: plantID}
	m.w.Store(&wiring{
		timing: *config.LoadTimingBaseline(),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m
}

func (m *Monitor) wired() *wiring {
	return m.w.Load()
}

func (m *Monitor) initialized() bool {
	return m.wired().cfg.Devices != nil
}

// PlantID returns the plant identifier.
func (m *Monitor) PlantID() string {
	return m.plantID
}

// Initialize wires dependencies and validates timing. Legal only while Stopped.
func (m *Monitor) Initialize(cfg Config) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if state := m.State(); state != Stopped {
		return fmt.Errorf("%w: cannot initialize while %s", ErrLifecycle, state)
	}
	if m.plantID == "" {
		return fmt.Errorf("%w: plant id is required", ErrConfiguration)
	}

	var missing []string
	if cfg.Devices == nil {
		missing = append(missing, "devices")
	}
	if cfg.Processor == nil {
		missing = append(missing, "processor")
	}
	if cfg.Distributor == nil {
		missing = append(missing, "distributor")
	}
	if cfg.Security == nil {
		missing = append(missing, "security")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing dependencies %v", ErrConfiguration, missing)
	}

	timing := config.LoadTimingBaseline()
	if cfg.Timing != nil {
		timing = cfg.Timing
	}
	if err := config.ValidateTiming(timing); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	w := &wiring{
		cfg:    cfg,
		timing: *timing,
		log:    log.With("component", "monitor", "plantId", m.plantID),
	}
	m.w.Store(w)

	m.mu.Lock()
	m.scanInterval = timing.ScanInterval
	m.mu.Unlock()

	cfg.Distributor.SetDataHandler(m.handleMessage)
	cfg.Distributor.SetErrorHandler(m.handleTransportError)
	cfg.Distributor.SetAuthHandler(m.handleAuth)

	w.log.Info("Monitor initialized", "scanInterval", timing.ScanInterval, "readTimeout", timing.DeviceReadTimeout)
	return nil
}

// StartMonitoring connects devices, starts the distributor and launches the
// cycle loop. A zero interval keeps the configured scan interval.
func (m *Monitor) StartMonitoring(interval time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.initialized() {
		return fmt.Errorf("%w: not initialized", ErrLifecycle)
	}
	w := m.wired()
	if state := m.State(); state != Stopped {
		return fmt.Errorf("%w: cannot start while %s", ErrLifecycle, state)
	}
	if interval < 0 {
		return fmt.Errorf("%w: negative scan interval %v", ErrConfiguration, interval)
	}

	m.setState(Initializing)

	// an emergency from here on cancels ctx and its reason is kept
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.emergency = ""
	m.emergencyAt = time.Time{}
	m.cancelRun = cancel
	m.mu.Unlock()

	if err := w.cfg.Devices.ConnectAll(ctx); err != nil {
		// partial connectivity is not fatal; the cycle retries faulted devices
		w.log.Warn("Not all field devices connected", "error", err)
	}
	if ctx.Err() != nil {
		err := fmt.Errorf("%w: emergency shutdown during start", ErrLifecycle)
		m.abortStart(ctx, cancel, err)
		return err
	}

	if err := w.cfg.Distributor.Start(ctx); err != nil {
		m.abortStart(ctx, cancel, err)
		return fmt.Errorf("failed to start distribution server: %w", err)
	}

	r := &run{
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.current = r
	m.retries = make(map[string]*retryState)
	m.breached = nil

	m.mu.Lock()
	if interval > 0 {
		m.scanInterval = interval
	}
	m.startedAt = time.Now()
	scan := m.scanInterval
	m.mu.Unlock()

	go m.loop(r)

	m.setState(Running)
	m.auditLog(ctx, audit.ActionStart, "", map[string]interface{}{"scanInterval": scan.String()}, nil)
	w.log.Info("Monitoring started", "scanInterval", scan)
	return nil
}

func (m *Monitor) abortStart(ctx context.Context, cancel context.CancelFunc, err error) {
	cancel()
	m.mu.Lock()
	m.cancelRun = nil
	m.mu.Unlock()
	m.wired().cfg.Devices.DisconnectAll()
	m.setState(Stopped)
	m.auditLog(ctx, audit.ActionStart, "", nil, err)
}

// StopMonitoring lets the in-progress cycle finish, joins the loop, then stops
// the distributor and disconnects devices. No-op when Stopped.
func (m *Monitor) StopMonitoring() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	r := m.current
	if r == nil {
		return
	}
	m.setState(Stopping)
	m.wired().log.Info("Stopping monitoring")

	close(r.stop)
	<-r.done
	m.teardown(r)

	m.setState(Stopped)
	m.auditLog(context.Background(), audit.ActionStop, "", nil, nil)
	m.wired().log.Info("Monitoring stopped")
}

// EmergencyShutdown records reason, aborts the in-progress cycle without
// broadcasting it, sends a final emergency block to subscribers and stops.
// From Stopped it only records the reason.
func (m *Monitor) EmergencyShutdown(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	now := time.Now()

	m.mu.Lock()
	m.emergency = reason
	m.emergencyAt = now
	abort := m.cancelRun
	m.mu.Unlock()

	// abort first so a Stop holding lifecycleMu does not wait out a slow cycle
	if abort != nil {
		abort()
	}

	w := m.wired()
	w.log.Error("EMERGENCY SHUTDOWN", "reason", reason)
	m.auditLog(context.Background(), audit.ActionEmergency, "", map[string]interface{}{"reason": reason}, nil)

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	// a start that held the lock may have cleared the reason
	m.mu.Lock()
	m.emergency = reason
	m.emergencyAt = now
	m.mu.Unlock()

	r := m.current
	if r == nil {
		return
	}
	m.setState(EmergencyShutdown)

	close(r.stop)
	<-r.done

	block := telemetry.EncodeEmergency(m.plantID, reason, now)
	delivered := w.cfg.Distributor.BroadcastData(block)
	m.mirror(SubtopicEmergency, block)
	w.log.Warn("Emergency notice sent", "subscribers", delivered)

	m.teardown(r)
	m.setState(Stopped)
}

// teardown stops the distributor and devices once the loop has exited.
func (m *Monitor) teardown(r *run) {
	r.cancel()
	m.current = nil

	m.mu.Lock()
	m.cancelRun = nil
	m.mu.Unlock()

	w := m.wired()
	w.cfg.Distributor.Stop()
	w.cfg.Devices.DisconnectAll()
}

// IsMonitoring reports whether the cycle loop is running.
func (m *Monitor) IsMonitoring() bool {
	return m.State() == Running
}

// State returns the lifecycle state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if metrics := m.wired().cfg.Metrics; metrics != nil {
		metrics.SetMonitorState(int(s))
	}
}

// SetScanInterval changes the interval from the next cycle boundary on.
func (m *Monitor) SetScanInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: scan interval must be positive, got %v", ErrConfiguration, d)
	}
	m.mu.Lock()
	m.scanInterval = d
	m.mu.Unlock()
	m.wired().log.Info("Scan interval changed", "scanInterval", d)
	return nil
}

// SetSafetyThresholds replaces the processor thresholds. The next cycle
// evaluates against them.
func (m *Monitor) SetSafetyThresholds(ctx context.Context, t telemetry.Thresholds) error {
	proc := m.wired().cfg.Processor
	if proc == nil {
		return fmt.Errorf("%w: not initialized", ErrLifecycle)
	}

	err := proc.SetSafetyThresholds(t)
	m.auditLog(ctx, audit.ActionThresholds, "thresholds", map[string]interface{}{
		"maxTemperature": t.MaxTemperature,
		"maxPressure":    t.MaxPressure,
		"maxRadiation":   t.MaxRadiation,
	}, err)
	if err != nil {
		return err
	}
	m.wired().log.Info("Safety thresholds changed", "thresholds", t)
	return nil
}

// GetSystemStatus returns a snapshot of the monitor.
func (m *Monitor) GetSystemStatus() Status {
	m.mu.RLock()
	st := Status{
		PlantID:         m.plantID,
		State:           m.state,
		Running:         m.state == Running,
		ScanInterval:    m.scanInterval,
		StartedAt:       m.startedAt,
		Cycles:          m.cycles,
		EmergencyReason: m.emergency,
		EmergencyAt:     m.emergencyAt,
	}
	if m.lastCycle != nil {
		last := *m.lastCycle
		st.LastCycle = &last
	}
	m.mu.RUnlock()

	cfg := m.wired().cfg
	if cfg.Distributor != nil {
		st.Subscribers = cfg.Distributor.GetClientCount()
	}
	if cfg.Devices != nil {
		st.Devices = cfg.Devices.Devices()
	}
	if cfg.Processor != nil {
		st.Thresholds = cfg.Processor.SafetyThresholds()
	}
	return st
}

func (m *Monitor) auditLog(ctx context.Context, action, target string, params map[string]interface{}, err error) {
	if a := m.wired().cfg.Audit; a != nil {
		a.LogAction(ctx, action, target, params, err)
	}
}

func (m *Monitor) mirror(subtopic string, payload []byte) {
	w := m.wired()
	if w.cfg.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timing.WriteTimeout)
	defer cancel()
	if err := w.cfg.Mirror.Publish(ctx, subtopic, payload); err != nil {
		w.log.Warn("Mirror publish failed", "subtopic", subtopic, "error", err)
	}
}
