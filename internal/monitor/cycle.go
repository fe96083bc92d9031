package monitor

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/plant-monitor/pmc/internal/audit"
	"github.com/plant-monitor/pmc/internal/fieldbus"
	"github.com/plant-monitor/pmc/internal/metrics"
	"github.com/plant-monitor/pmc/internal/telemetry"
)

// loop runs cycles back to back until stop is closed or the run is cancelled.
// Each wait is measured from the start of the previous cycle with the interval
// in force at that boundary.
func (m *Monitor) loop(r *run) {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		case <-r.ctx.Done():
			return
		default:
		}

		start := time.Now()
		m.runCycle(r.ctx)
		if r.ctx.Err() != nil {
			return
		}

		m.mu.RLock()
		interval := m.scanInterval
		m.mu.RUnlock()

		timer := time.NewTimer(max(time.Until(start.Add(interval)), 0))
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCycle performs one poll, process, distribute pass. A cancelled ctx aborts
// the cycle and nothing is broadcast.
func (m *Monitor) runCycle(ctx context.Context) {
	w := m.wired()
	start := time.Now()

	m.reconnectDevices(ctx, w, start)

	// Step 1: poll
	ids := w.cfg.Devices.GetAvailableSensors()
	readings := make([]telemetry.SensorReading, 0, len(ids))
	var failedBy [len(telemetry.Categories)]int
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		readCtx, cancel := context.WithTimeout(ctx, w.timing.DeviceReadTimeout)
		reading, err := w.cfg.Devices.Read(readCtx, id)
		cancel()
		if err != nil {
			failed++
			if c, ok := w.cfg.Devices.CategoryForSensor(id); ok && c.Valid() {
				failedBy[c]++
			}
			m.readFailed(ctx, w, id, err)
			continue
		}
		readings = append(readings, reading)
	}

	if ctx.Err() != nil {
		w.cfg.Metrics.ObserveCycle(metrics.CycleAborted, time.Since(start))
		w.log.Warn("Cycle aborted, partial batch discarded", "readings", len(readings))
		return
	}

	// Step 2: evaluate
	batch := w.cfg.Processor.ProcessReadings(readings)

	m.mu.RLock()
	cycle := m.cycles + 1
	m.mu.RUnlock()

	// Step 3: distribute
	report := telemetry.Report{
		PlantID:     m.plantID,
		Cycle:       cycle,
		Timestamp:   start,
		Batch:       batch,
		FailedReads: failed,
	}
	report.Integrity = w.cfg.Security.GenerateHash(string(telemetry.EncodeReport(report)))
	payload := telemetry.EncodeReport(report)

	delivered := w.cfg.Distributor.BroadcastData(payload)
	m.mirror(SubtopicReport, payload)

	m.evaluateAlerts(w, batch)

	result := metrics.CycleOK
	switch {
	case batch.AlertTriggered:
		result = metrics.CycleAlert
	case len(ids) > 0 && failed == len(ids):
		result = metrics.CycleFailed
	case len(batch.Readings) == 0:
		result = metrics.CycleNoData
	}
	duration := time.Since(start)
	w.cfg.Metrics.ObserveCycle(result, duration)
	recordReadings(w.cfg.Metrics, batch, failedBy)

	summary := &CycleSummary{
		Cycle:          cycle,
		StartedAt:      start,
		Duration:       duration,
		Result:         result,
		Sensors:        len(ids),
		Accepted:       len(batch.Readings),
		Rejected:       len(batch.Rejected),
		FailedReads:    failed,
		AlertTriggered: batch.AlertTriggered,
		AlertMessage:   batch.AlertMessage,
		Averages:       batch.Averages,
		Delivered:      delivered,
	}

	m.mu.Lock()
	m.cycles = cycle
	m.lastCycle = summary
	m.mu.Unlock()

	w.log.Debug("Cycle complete",
		"cycle", cycle,
		"result", result,
		"accepted", summary.Accepted,
		"rejected", summary.Rejected,
		"failed", failed,
		"delivered", delivered,
		"duration", duration)
}

// reconnectDevices retries every device that is not Connected once its backoff
// has elapsed. A device is first retried ReconnectInitial after it was seen down.
func (m *Monitor) reconnectDevices(ctx context.Context, w *wiring, now time.Time) {
	for _, ep := range w.cfg.Devices.Devices() {
		key := ep.Key()
		if ep.State == fieldbus.Connected {
			delete(m.retries, key)
			continue
		}

		rs, ok := m.retries[key]
		if !ok {
			m.retries[key] = &retryState{next: now.Add(w.timing.ReconnectDelay(1))}
			continue
		}
		if now.Before(rs.next) || ctx.Err() != nil {
			continue
		}

		rs.attempts++
		connectCtx, cancel := context.WithTimeout(ctx, w.timing.DeviceConnectTimeout)
		err := w.cfg.Devices.Reconnect(connectCtx, key)
		cancel()
		if err != nil {
			rs.next = time.Now().Add(w.timing.ReconnectDelay(rs.attempts + 1))
			w.log.Warn("Device reconnect failed", "endpoint", key, "attempt", rs.attempts, "retryAt", rs.next, "error", err)
			continue
		}
		delete(m.retries, key)
		w.log.Info("Device reconnected", "endpoint", key, "attempts", rs.attempts)
	}
}

func (m *Monitor) readFailed(ctx context.Context, w *wiring, sensorID int, err error) {
	endpoint, _ := w.cfg.Devices.EndpointForSensor(sensorID)
	w.cfg.Metrics.IncReadFailure(endpoint)

	switch {
	case ctx.Err() != nil:
		// aborted; the cycle reports it
	case errors.Is(err, fieldbus.ErrDeviceFaulted):
		w.log.Debug("Skipping sensor on faulted device", "sensor", sensorID, "endpoint", endpoint)
	default:
		w.log.Warn("Sensor read failed", "sensor", sensorID, "endpoint", endpoint, "error", err)
	}
}

// evaluateAlerts logs every alerting cycle and audits only changes in the
// breached set.
func (m *Monitor) evaluateAlerts(w *wiring, batch telemetry.ProcessedBatch) {
	changed := !slices.Equal(batch.Breached, m.breached)
	m.breached = batch.Breached

	if !batch.AlertTriggered {
		if changed {
			w.log.Info("Safety alert cleared")
		}
		return
	}

	w.log.Error("Safety threshold exceeded", "message", batch.AlertMessage)
	categories := make([]string, 0, len(batch.Breached))
	for _, c := range batch.Breached {
		w.cfg.Metrics.IncAlert(c.String())
		categories = append(categories, c.String())
	}
	if changed {
		m.auditLog(context.Background(), audit.ActionAlert, "thresholds", map[string]interface{}{
			"categories": categories,
			"message":    batch.AlertMessage,
		}, nil)
	}
}

func recordReadings(mt Metrics, batch telemetry.ProcessedBatch, failed [len(telemetry.Categories)]int) {
	var accepted, rejected [len(telemetry.Categories)]int
	for _, r := range batch.Readings {
		accepted[r.Category]++
	}
	for _, r := range batch.Rejected {
		if r.Category.Valid() {
			rejected[r.Category]++
		}
	}
	for i, c := range telemetry.Categories {
		if accepted[i] > 0 {
			mt.AddReadings(c.String(), metrics.OutcomeAccepted, accepted[i])
		}
		if rejected[i] > 0 {
			mt.AddReadings(c.String(), metrics.OutcomeRejected, rejected[i])
		}
		if failed[i] > 0 {
			mt.AddReadings(c.String(), metrics.OutcomeFailed, failed[i])
		}
	}
}

// noopMetrics stands in when no Metrics is configured.
type noopMetrics struct{}

func (noopMetrics) ObserveCycle(string, time.Duration) {}
func (noopMetrics) AddReadings(string, string, int) {}
func (noopMetrics) IncReadFailure(string) {}
func (noopMetrics) IncAlert(string) {}
func (noopMetrics) SetMonitorState(int) {}
