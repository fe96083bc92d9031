package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("INVALID_CONFIG")

// maxChannelsPerCategory mirrors the two decimal digits a sensor id reserves for the channel.
const maxChannelsPerCategory = 99

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config cannot be nil", ErrInvalid)
	}
	if strings.TrimSpace(c.PlantID) == "" {
		return fmt.Errorf("%w: plant id is required", ErrInvalid)
	}
	if err := validateServer(&c.Server); err != nil {
		return fmt.Errorf("%w: server: %v", ErrInvalid, err)
	}
	if err := validateDevices(c.Devices); err != nil {
		return fmt.Errorf("%w: devices: %v", ErrInvalid, err)
	}
	if c.ChannelsPerCategory < 1 || c.ChannelsPerCategory > maxChannelsPerCategory {
		return fmt.Errorf("%w: channels per category %d outside [1, %d]", ErrInvalid, c.ChannelsPerCategory, maxChannelsPerCategory)
	}
	if err := validateThresholds(c); err != nil {
		return fmt.Errorf("%w: thresholds: %v", ErrInvalid, err)
	}
	if err := validateAuth(&c.Auth); err != nil {
		return fmt.Errorf("%w: auth: %v", ErrInvalid, err)
	}
	if c.Security.MaxInputLength <= 0 {
		return fmt.Errorf("%w: security max input length must be positive, got %d", ErrInvalid, c.Security.MaxInputLength)
	}
	if c.Audit.Dir != "" && (c.Audit.MaxSizeMB <= 0 || c.Audit.MaxBackups < 0 || c.Audit.MaxAgeDays < 0) {
		return fmt.Errorf("%w: audit rotation limits must be non-negative with a positive size", ErrInvalid)
	}
	if c.MQTT.Broker != "" {
		if c.MQTT.Topic == "" {
			return fmt.Errorf("%w: mqtt topic is required when a broker is set", ErrInvalid)
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("%w: mqtt qos %d must be 0, 1 or 2", ErrInvalid, c.MQTT.QoS)
		}
	}
	if c.Simulator.Devices < 0 {
		return fmt.Errorf("%w: simulator device count must be non-negative", ErrInvalid)
	}
	if err := ValidateTiming(&c.Timing); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validateServer(s *ServerConfig) error {
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if s.MaxClients <= 0 {
		return fmt.Errorf("max clients must be positive, got %d", s.MaxClients)
	}
	if s.InboundQueue <= 0 {
		return fmt.Errorf("inbound queue must be positive, got %d", s.InboundQueue)
	}
	if s.InboundRate < 0 || s.InboundBurst < 0 {
		return fmt.Errorf("inbound rate and burst must be non-negative")
	}
	return nil
}

func validateDevices(devices []DeviceConfig) error {
	seen := make(map[string]bool, len(devices))
	for i, d := range devices {
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("device %d has no address", i)
		}
		if d.Port < 1 || d.Port > 65535 {
			return fmt.Errorf("device %d port %d outside [1, 65535]", i, d.Port)
		}
		key := strings.ToLower(net.JoinHostPort(d.Address, strconv.Itoa(d.Port)))
		if seen[key] {
			return fmt.Errorf("duplicate device %s", key)
		}
		seen[key] = true
	}
	return nil
}

func validateThresholds(c *Config) error {
	for name, v := range map[string]float64{
		"temperature": c.Thresholds.MaxTemperature,
		"pressure":    c.Thresholds.MaxPressure,
		"radiation":   c.Thresholds.MaxRadiation,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%s threshold must be a positive number, got %v", name, v)
		}
	}
	return nil
}

func validateAuth(a *AuthConfig) error {
	switch a.Algorithm {
	case "HS256":
		// an empty secret is allowed here; the binary refuses to start subscribers without one
	case "RS256":
		if strings.TrimSpace(a.PublicKeyPEM) == "" {
			return fmt.Errorf("RS256 requires a public key")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q (HS256 or RS256)", a.Algorithm)
	}
	if a.Leeway < 0 {
		return fmt.Errorf("auth leeway cannot be negative, got %v", a.Leeway)
	}
	return nil
}

// ValidateTiming enforces timing rules.
func ValidateTiming(t *TimingConfig) error {
	if t == nil {
		return fmt.Errorf("timing config cannot be nil")
	}
	if err := validateAcquisition(t); err != nil {
		return fmt.Errorf("acquisition timing validation failed: %w", err)
	}
	if err := validateReconnect(t); err != nil {
		return fmt.Errorf("reconnect validation failed: %w", err)
	}
	if err := validateHeartbeat(t); err != nil {
		return fmt.Errorf("heartbeat validation failed: %w", err)
	}
	if t.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", t.ShutdownTimeout)
	}
	return nil
}

func validateAcquisition(t *TimingConfig) error {
	if t.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %v", t.ScanInterval)
	}
	if t.DeviceReadTimeout <= 0 {
		return fmt.Errorf("device read timeout must be positive, got %v", t.DeviceReadTimeout)
	}
	if t.DeviceConnectTimeout <= 0 {
		return fmt.Errorf("device connect timeout must be positive, got %v", t.DeviceConnectTimeout)
	}
	return nil
}

func validateReconnect(t *TimingConfig) error {
	if t.ReconnectInitial <= 0 {
		return fmt.Errorf("reconnect initial must be positive, got %v", t.ReconnectInitial)
	}
	if t.ReconnectBackoff < 1.0 {
		return fmt.Errorf("reconnect backoff must be >= 1.0, got %v", t.ReconnectBackoff)
	}
	if t.ReconnectMax < t.ReconnectInitial {
		return fmt.Errorf("reconnect max %v must be >= initial %v", t.ReconnectMax, t.ReconnectInitial)
	}
	return nil
}

func validateHeartbeat(t *TimingConfig) error {
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", t.HeartbeatInterval)
	}
	// a subscriber must miss more than one heartbeat before it is evicted
	if t.HeartbeatTimeout <= t.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %v must be > interval %v", t.HeartbeatTimeout, t.HeartbeatInterval)
	}
	if t.AuthGrace <= 0 {
		return fmt.Errorf("auth grace must be positive, got %v", t.AuthGrace)
	}
	if t.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %v", t.WriteTimeout)
	}
	return nil
}
