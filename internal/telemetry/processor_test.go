package telemetry

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var demoThresholds = Thresholds{MaxTemperature: 350.0, MaxPressure: 2200.0, MaxRadiation: 1.0}

func reading(id int, c Category, v float64, ts time.Time) SensorReading {
	return SensorReading{SensorID: id, Value: v, Timestamp: ts, Category: c}
}

func TestProcessReadingsTemperatureAlert(t *testing.T) {
	p := NewProcessor(Thresholds{})
	require.NoError(t, p.SetSafetyThresholds(demoThresholds))

	now := time.Now()
	batch := p.ProcessReadings([]SensorReading{
		reading(1100, CategoryTemperature, 360, now),
		reading(1200, CategoryPressure, 1800, now),
		reading(1300, CategoryRadiation, 0.5, now),
	})

	assert.True(t, batch.AlertTriggered)
	assert.Contains(t, batch.AlertMessage, "temperature")
	assert.NotContains(t, batch.AlertMessage, "pressure")
	assert.Equal(t, "SAFETY THRESHOLD EXCEEDED: temperature 360 > 350", batch.AlertMessage)
	assert.Equal(t, Averages{Temperature: 360, Pressure: 1800, Radiation: 0.5}, batch.Averages)
	assert.Equal(t, []Category{CategoryTemperature}, batch.Breached)
	assert.Len(t, batch.Readings, 3)
	assert.Empty(t, batch.Rejected)
}

func TestProcessReadingsNoBreach(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()

	batch := p.ProcessReadings([]SensorReading{
		reading(1100, CategoryTemperature, 300, now),
		reading(1200, CategoryPressure, 2200, now), // equal to the limit is not a breach
		reading(1300, CategoryRadiation, 0.2, now),
	})

	assert.False(t, batch.AlertTriggered)
	assert.Empty(t, batch.AlertMessage)
	assert.Empty(t, batch.Breached)
}

func TestProcessReadingsMultipleBreaches(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()

	batch := p.ProcessReadings([]SensorReading{
		reading(1300, CategoryRadiation, 1.5, now),
		reading(1100, CategoryTemperature, 400, now),
	})

	require.True(t, batch.AlertTriggered)
	assert.Equal(t, "SAFETY THRESHOLD EXCEEDED: temperature 400 > 350; radiation 1.5 > 1", batch.AlertMessage)
	assert.Equal(t, []Category{CategoryTemperature, CategoryRadiation}, batch.Breached)
}

func TestProcessReadingsEmpty(t *testing.T) {
	p := NewProcessor(demoThresholds)

	batch := p.ProcessReadings(nil)

	assert.False(t, batch.AlertTriggered)
	assert.Empty(t, batch.Readings)
	assert.Equal(t, Averages{}, batch.Averages)
	for _, c := range Categories {
		assert.False(t, batch.LatestFor(c).Present, c.String())
	}
}

func TestProcessReadingsRejectsImplausibleValues(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()

	batch := p.ProcessReadings([]SensorReading{
		reading(1100, CategoryTemperature, 100, now),
		reading(1101, CategoryTemperature, 5000, now), // above sanity range
		reading(1200, CategoryPressure, -3, now),
		reading(1300, CategoryRadiation, math.NaN(), now),
		reading(1301, CategoryRadiation, math.Inf(1), now),
		reading(9999, Category(7), 1, now),
	})

	require.Len(t, batch.Readings, 1)
	assert.Len(t, batch.Rejected, 5)
	assert.Equal(t, 100.0, batch.Averages.Temperature)
	assert.Equal(t, 0.0, batch.Averages.Pressure)
	assert.Equal(t, 0.0, batch.Averages.Radiation)
	// a rejected value above the limit never raises an alert
	assert.False(t, batch.AlertTriggered)
}

func TestProcessReadingsUsesLatestAcceptedValue(t *testing.T) {
	p := NewProcessor(demoThresholds)
	t0 := time.Now()

	batch := p.ProcessReadings([]SensorReading{
		reading(1101, CategoryTemperature, 340, t0.Add(2*time.Second)),
		reading(1100, CategoryTemperature, 380, t0),
	})

	// the average exceeds the limit but the latest value does not
	assert.Equal(t, 360.0, batch.Averages.Temperature)
	assert.False(t, batch.AlertTriggered)
	assert.Equal(t, 1101, batch.LatestFor(CategoryTemperature).SensorID)
}

func TestProcessReadingsTimestampTiePrefersLaterInput(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()

	batch := p.ProcessReadings([]SensorReading{
		reading(1100, CategoryTemperature, 200, now),
		reading(1101, CategoryTemperature, 351, now),
	})

	assert.Equal(t, 1101, batch.LatestFor(CategoryTemperature).SensorID)
	assert.True(t, batch.AlertTriggered)
}

func TestProcessReadingsIsDeterministic(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()
	input := []SensorReading{
		reading(1100, CategoryTemperature, 360, now),
		reading(1200, CategoryPressure, 1800, now),
		reading(1201, CategoryPressure, 20000, now),
		reading(1300, CategoryRadiation, 0.5, now),
	}
	original := append([]SensorReading(nil), input...)

	first := p.ProcessReadings(input)
	p.ResetStatistics()
	second := p.ProcessReadings(input)

	assert.Equal(t, first, second)
	assert.Equal(t, original, input, "input must not be modified")
}

func TestSetSafetyThresholdsRejectsInvalid(t *testing.T) {
	p := NewProcessor(demoThresholds)

	cases := []Thresholds{
		{MaxTemperature: 0, MaxPressure: 1, MaxRadiation: 1},
		{MaxTemperature: 1, MaxPressure: -1, MaxRadiation: 1},
		{MaxTemperature: 1, MaxPressure: 1, MaxRadiation: math.NaN()},
		{MaxTemperature: math.Inf(1), MaxPressure: 1, MaxRadiation: 1},
	}
	for _, tc := range cases {
		err := p.SetSafetyThresholds(tc)
		assert.True(t, errors.Is(err, ErrInvalidThresholds), "%+v", tc)
	}
	assert.Equal(t, demoThresholds, p.SafetyThresholds())
}

func TestValidateReading(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()

	assert.True(t, p.ValidateReading(reading(1100, CategoryTemperature, -273.15, now)))
	assert.False(t, p.ValidateReading(reading(1100, CategoryTemperature, -274, now)))
	assert.True(t, p.ValidateReading(reading(1200, CategoryPressure, 0, now)))
	assert.False(t, p.ValidateReading(reading(1300, CategoryRadiation, -0.1, now)))
}

func TestStatistics(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()

	p.ProcessReadings([]SensorReading{
		reading(1100, CategoryTemperature, 360, now),
		reading(1200, CategoryPressure, -1, now),
	})
	p.ProcessReadings([]SensorReading{reading(1100, CategoryTemperature, 10, now)})

	stats := p.Statistics()
	assert.Equal(t, uint64(3), stats.TotalReadings)
	assert.Equal(t, uint64(1), stats.RejectedReadings)
	assert.Equal(t, uint64(2), stats.Batches)
	assert.Equal(t, uint64(1), stats.AlertCount)
	assert.False(t, stats.LastProcessedAt.IsZero())

	p.ResetStatistics()
	assert.Equal(t, Statistics{}, p.Statistics())
}

func TestConcurrentThresholdUpdates(t *testing.T) {
	p := NewProcessor(demoThresholds)
	now := time.Now()
	input := []SensorReading{reading(1100, CategoryTemperature, 360, now)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				batch := p.ProcessReadings(input)
				// each batch sees one consistent threshold set
				limit := batch.Thresholds.MaxTemperature
				assert.Equal(t, 360 > limit, batch.AlertTriggered)
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				limit := 300.0
				if (i+j)%2 == 0 {
					limit = 400
				}
				_ = p.SetSafetyThresholds(Thresholds{MaxTemperature: limit, MaxPressure: 1, MaxRadiation: 1})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1.0, p.SafetyThresholds().MaxPressure)
}
