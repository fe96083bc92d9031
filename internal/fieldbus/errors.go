package fieldbus

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration wraps every AddDevice and Options validation failure.
	ErrConfiguration = errors.New("CONFIGURATION")

	// ErrDuplicateDevice is returned when an address:port pair is registered twice.
	ErrDuplicateDevice = errors.New("DUPLICATE_DEVICE")

	// ErrConnection is returned when a device cannot be reached or its transport fails mid-request.
	ErrConnection = errors.New("CONNECTION")

	// ErrDeviceFaulted is returned without any I/O while a device is Faulted.
	ErrDeviceFaulted = errors.New("DEVICE_FAULTED")

	// ErrProtocol classifies malformed or mismatched frames.
	ErrProtocol = errors.New("PROTOCOL")

	// ErrUnknownSensor is returned for ids that do not map to a registered sensor.
	ErrUnknownSensor = errors.New("UNKNOWN_SENSOR")
)

// Exception codes a device may return in place of register data.
const (
	ExceptionIllegalFunction    byte = 0x01
	ExceptionIllegalAddress     byte = 0x02
	ExceptionIllegalValue       byte = 0x03
	ExceptionDeviceFailure      byte = 0x04
	ExceptionGatewayUnavailable byte = 0x0A
)

// ProtocolError carries the detail of a rejected frame. It matches ErrProtocol
// with errors.Is.
type ProtocolError struct {
	Endpoint string
	Detail   string
	// Exception is the device-reported exception code, zero when the frame itself
	// was invalid.
	Exception byte
	// Desync is set when the frame boundary was lost before the frame was fully
	// read; the connection cannot carry another exchange.
	Desync bool
}

func (e *ProtocolError) Error() string {
	if e.Exception != 0 {
		return fmt.Sprintf("%v: %s: device exception 0x%02x (%s)", ErrProtocol, e.Endpoint, e.Exception, e.Detail)
	}
	return fmt.Sprintf("%v: %s: %s", ErrProtocol, e.Endpoint, e.Detail)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

func exceptionText(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalAddress:
		return "illegal data address"
	case ExceptionIllegalValue:
		return "illegal data value"
	case ExceptionDeviceFailure:
		return "device failure"
	case ExceptionGatewayUnavailable:
		return "gateway path unavailable"
	default:
		return "unknown exception"
	}
}
