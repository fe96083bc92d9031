package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidThresholds is returned when a threshold is not a positive finite number.
	ErrInvalidThresholds = errors.New("INVALID_THRESHOLDS")

	// ErrInvalidReading classifies a reading outside its category's sanity range.
	ErrInvalidReading = errors.New("INVALID_READING")
)

// SanityRange is the plausible value window for a category. Values outside it are
// treated as instrument or transport faults rather than process conditions.
type SanityRange struct {
	Min float64
	Max float64
}

// SanityRanges indexed by Category.
var SanityRanges = [numCategories]SanityRange{
	CategoryTemperature: {Min: -273.15, Max: 2000},
	CategoryPressure:    {Min: 0, Max: 10000},
	CategoryRadiation:   {Min: 0, Max: 10000},
}

// Statistics summarises processor activity since construction or the last reset.
type Statistics struct {
	TotalReadings    uint64        `json:"totalReadings"`
	RejectedReadings uint64        `json:"rejectedReadings"`
	Batches          uint64        `json:"batches"`
	AlertCount       uint64        `json:"alertCount"`
	LastProcessedAt  time.Time     `json:"lastProcessedAt"`
	LastDuration     time.Duration `json:"lastDuration"`
}

// Processor evaluates reading batches against safety thresholds.
//
// Thresholds and statistics are guarded by separate locks; statistics never
// influence ProcessReadings output.
type Processor struct {
	thresholdsMu sync.RWMutex
	thresholds   Thresholds

	statsMu sync.Mutex
	stats   Statistics
}

// NewProcessor creates a processor with the given startup thresholds.
func NewProcessor(thresholds Thresholds) *Processor {
	return &Processor{thresholds: thresholds}
}

// SetSafetyThresholds replaces the thresholds used by subsequent batches.
func (p *Processor) SetSafetyThresholds(thresholds Thresholds) error {
	for _, c := range Categories {
		limit := thresholds.For(c)
		if math.IsNaN(limit) || math.IsInf(limit, 0) || limit <= 0 {
			return fmt.Errorf("%w: %s limit %v must be a positive number", ErrInvalidThresholds, c, limit)
		}
	}

	p.thresholdsMu.Lock()
	p.thresholds = thresholds
	p.thresholdsMu.Unlock()
	return nil
}

// SafetyThresholds returns the thresholds currently in force.
func (p *Processor) SafetyThresholds() Thresholds {
	p.thresholdsMu.RLock()
	defer p.thresholdsMu.RUnlock()
	return p.thresholds
}

// ValidateReading reports whether a reading lies inside its category's sanity range.
func (p *Processor) ValidateReading(reading SensorReading) bool {
	return validateReading(reading) == nil
}

func validateReading(reading SensorReading) error {
	if !reading.Category.Valid() {
		return fmt.Errorf("%w: sensor %d has unknown category %d", ErrInvalidReading, reading.SensorID, int(reading.Category))
	}
	if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
		return fmt.Errorf("%w: sensor %d value is not finite", ErrInvalidReading, reading.SensorID)
	}
	r := SanityRanges[reading.Category]
	if reading.Value < r.Min || reading.Value > r.Max {
		return fmt.Errorf("%w: sensor %d %s %.2f outside [%.2f, %.2f]",
			ErrInvalidReading, reading.SensorID, reading.Category, reading.Value, r.Min, r.Max)
	}
	return nil
}

// ProcessReadings filters, averages and evaluates one batch of readings.
//
// The result depends only on the input and the thresholds in force.
func (p *Processor) ProcessReadings(readings []SensorReading) ProcessedBatch {
	start := time.Now()
	thresholds := p.SafetyThresholds()

	batch := ProcessedBatch{
		Readings:   make([]SensorReading, 0, len(readings)),
		Thresholds: thresholds,
	}

	// Step 1: sanity filter
	for _, reading := range readings {
		if err := validateReading(reading); err != nil {
			batch.Rejected = append(batch.Rejected, reading)
			continue
		}
		batch.Readings = append(batch.Readings, reading)
	}

	// Step 2: averages and latest sample per category
	var sums [numCategories]float64
	var counts [numCategories]int
	for _, reading := range batch.Readings {
		sums[reading.Category] += reading.Value
		counts[reading.Category]++

		latest := &batch.Latest[reading.Category]
		if !latest.Present || !reading.Timestamp.Before(latest.Timestamp) {
			*latest = Sample{
				Present:   true,
				SensorID:  reading.SensorID,
				Value:     reading.Value,
				Timestamp: reading.Timestamp,
			}
		}
	}
	batch.Averages = Averages{
		Temperature: mean(sums[CategoryTemperature], counts[CategoryTemperature]),
		Pressure:    mean(sums[CategoryPressure], counts[CategoryPressure]),
		Radiation:   mean(sums[CategoryRadiation], counts[CategoryRadiation]),
	}

	// Step 3: latest value against thresholds
	var breaches []string
	for _, c := range Categories {
		latest := batch.Latest[c]
		limit := thresholds.For(c)
		if latest.Present && latest.Value > limit {
			batch.Breached = append(batch.Breached, c)
			breaches = append(breaches, fmt.Sprintf("%s %s > %s", c, FormatValue(latest.Value), FormatValue(limit)))
		}
	}
	if len(breaches) > 0 {
		batch.AlertTriggered = true
		batch.AlertMessage = "SAFETY THRESHOLD EXCEEDED: " + strings.Join(breaches, "; ")
	}

	p.recordBatch(len(readings), len(batch.Rejected), batch.AlertTriggered, start)
	return batch
}

// Statistics returns a copy of the processing statistics.
func (p *Processor) Statistics() Statistics {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// ResetStatistics clears the processing statistics.
func (p *Processor) ResetStatistics() {
	p.statsMu.Lock()
	p.stats = Statistics{}
	p.statsMu.Unlock()
}

func (p *Processor) recordBatch(total, rejected int, alert bool, start time.Time) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.TotalReadings += uint64(total)
	p.stats.RejectedReadings += uint64(rejected)
	p.stats.Batches++
	if alert {
		p.stats.AlertCount++
	}
	p.stats.LastProcessedAt = time.Now()
	p.stats.LastDuration = time.Since(start)
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
