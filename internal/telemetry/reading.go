package telemetry

import (
	"fmt"
	"strconv"
	"time"
)

// Category identifies the physical quantity a sensor measures.
type Category int

const (
	CategoryTemperature Category = iota
	CategoryPressure
	CategoryRadiation
)

const numCategories = 3

// Categories lists every category in report order.
var Categories = [numCategories]Category{CategoryTemperature, CategoryPressure, CategoryRadiation}

func (c Category) String() string {
	switch c {
	case CategoryTemperature:
		return "temperature"
	case CategoryPressure:
		return "pressure"
	case CategoryRadiation:
		return "radiation"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Unit returns the engineering unit readings of this category are expressed in.
func (c Category) Unit() string {
	switch c {
	case CategoryTemperature:
		return "C"
	case CategoryPressure:
		return "PSI"
	case CategoryRadiation:
		return "mSv/h"
	default:
		return ""
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c >= CategoryTemperature && c <= CategoryRadiation
}

// SensorReading is a single measurement taken from a field device.
type SensorReading struct {
	SensorID  int       `json:"sensorId"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
}

// Thresholds are the safety limits; a latest reading strictly above its limit
// raises an alert.
type Thresholds struct {
	MaxTemperature float64 `json:"maxTemperature" yaml:"maxTemperature"`
	MaxPressure    float64 `json:"maxPressure" yaml:"maxPressure"`
	MaxRadiation   float64 `json:"maxRadiation" yaml:"maxRadiation"`
}

// For returns the limit that applies to category c.
func (t Thresholds) For(c Category) float64 {
	switch c {
	case CategoryTemperature:
		return t.MaxTemperature
	case CategoryPressure:
		return t.MaxPressure
	case CategoryRadiation:
		return t.MaxRadiation
	default:
		return 0
	}
}

// Averages holds the per-category arithmetic mean of accepted readings.
type Averages struct {
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Radiation   float64 `json:"radiation"`
}

// For returns the average for category c.
func (a Averages) For(c Category) float64 {
	switch c {
	case CategoryTemperature:
		return a.Temperature
	case CategoryPressure:
		return a.Pressure
	case CategoryRadiation:
		return a.Radiation
	default:
		return 0
	}
}

// Sample is the latest accepted reading of one category. Present is false when
// the category had no accepted reading in the batch.
type Sample struct {
	Present   bool      `json:"present"`
	SensorID  int       `json:"sensorId,omitempty"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ProcessedBatch is the immutable result of one ProcessReadings call.
type ProcessedBatch struct {
	// Readings holds the accepted readings in input order.
	Readings []SensorReading `json:"readings"`
	// Rejected holds readings that failed the sanity check. They are kept for
	// audit and never contribute to averages or alerts.
	Rejected       []SensorReading       `json:"rejected,omitempty"`
	AlertTriggered bool                  `json:"alertTriggered"`
	AlertMessage   string                `json:"alertMessage,omitempty"`
	Averages       Averages              `json:"averages"`
	Latest         [numCategories]Sample `json:"latest"`
	// Thresholds are the limits the batch was evaluated against.
	Thresholds Thresholds `json:"thresholds"`
	// Breached lists the categories whose latest value exceeded its limit.
	Breached []Category `json:"breached,omitempty"`
}

// LatestFor returns the latest accepted sample of category c.
func (b ProcessedBatch) LatestFor(c Category) Sample {
	if !c.Valid() {
		return Sample{}
	}
	return b.Latest[c]
}

// IsBreached reports whether category c exceeded its threshold in this batch.
func (b ProcessedBatch) IsBreached(c Category) bool {
	for _, breached := range b.Breached {
		if breached == c {
			return true
		}
	}
	return false
}

// FormatValue renders a measurement with the shortest exact decimal form.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
