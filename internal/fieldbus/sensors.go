package fieldbus

import (
	"fmt"
	"math"

	"github.com/plant-monitor/pmc/internal/telemetry"
)

// Register ranges per category. Sensor channel n of a category lives at base+n.
const (
	BaseTemperature uint16 = 0x1000
	BasePressure    uint16 = 0x2000
	BaseRadiation   uint16 = 0x3000
)

const (
	// DefaultChannelsPerCategory is the number of sensors of each category per device.
	DefaultChannelsPerCategory = 2
	// MaxChannelsPerCategory keeps the channel inside the sensor id's two decimal digits.
	MaxChannelsPerCategory = 100
)

// Scaling converts a raw register value to engineering units: raw*Scale + Offset.
type Scaling struct {
	Scale  float64
	Offset float64
}

// Apply converts a raw register value.
func (s Scaling) Apply(raw uint16) float64 {
	return float64(raw)*s.Scale + s.Offset
}

// Raw converts an engineering value back to the nearest register value,
// clamped to the register range.
func (s Scaling) Raw(value float64) uint16 {
	raw := math.Round((value - s.Offset) / s.Scale)
	switch {
	case math.IsNaN(raw) || raw < 0:
		return 0
	case raw > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(raw)
	}
}

// ScalingFor returns the conversion used for category c.
func ScalingFor(c telemetry.Category) Scaling {
	switch c {
	case telemetry.CategoryTemperature:
		return Scaling{Scale: 0.1, Offset: -50} // 0.1 C per bit from -50 C
	case telemetry.CategoryPressure:
		return Scaling{Scale: 0.1} // 0.1 PSI per bit
	case telemetry.CategoryRadiation:
		return Scaling{Scale: 0.001} // 0.001 mSv/h per bit
	default:
		return Scaling{Scale: 1}
	}
}

// RegisterBase returns the first register of category c.
func RegisterBase(c telemetry.Category) uint16 {
	switch c {
	case telemetry.CategoryTemperature:
		return BaseTemperature
	case telemetry.CategoryPressure:
		return BasePressure
	case telemetry.CategoryRadiation:
		return BaseRadiation
	default:
		return 0
	}
}

// SensorAddress is the decoded location of a sensor id.
type SensorAddress struct {
	DeviceIndex int
	Category    telemetry.Category
	Channel     int
}

// Register returns the register holding this sensor's value.
func (a SensorAddress) Register() uint16 {
	return RegisterBase(a.Category) + uint16(a.Channel)
}

// ID returns the sensor id for this address.
func (a SensorAddress) ID() int {
	return SensorID(a.DeviceIndex, a.Category, a.Channel)
}

// SensorID composes a sensor id from device index, category and channel.
func SensorID(deviceIndex int, c telemetry.Category, channel int) int {
	return (deviceIndex+1)*1000 + (int(c)+1)*100 + channel
}

// ParseSensorID decodes id, checking the channel against channelsPerCategory.
func ParseSensorID(id, channelsPerCategory int) (SensorAddress, error) {
	if id < 1000 {
		return SensorAddress{}, fmt.Errorf("%w: %d", ErrUnknownSensor, id)
	}
	rest := id % 1000
	code := rest / 100
	channel := rest % 100
	if code < 1 || code > len(telemetry.Categories) || channel >= channelsPerCategory {
		return SensorAddress{}, fmt.Errorf("%w: %d", ErrUnknownSensor, id)
	}
	return SensorAddress{
		DeviceIndex: id/1000 - 1,
		Category:    telemetry.Category(code - 1),
		Channel:     channel,
	}, nil
}
