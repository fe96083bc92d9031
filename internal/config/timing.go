package config

import "time"

// TimingConfig holds acquisition, distribution and shutdown timing.
type TimingConfig struct {
	// Acquisition cycle
	ScanInterval         time.Duration `yaml:"scanInterval"`
	DeviceReadTimeout    time.Duration `yaml:"deviceReadTimeout"`
	DeviceConnectTimeout time.Duration `yaml:"deviceConnectTimeout"`

	// Device reconnect backoff
	ReconnectInitial time.Duration `yaml:"reconnectInitial"`
	ReconnectBackoff float64       `yaml:"reconnectBackoff"`
	ReconnectMax     time.Duration `yaml:"reconnectMax"`

	// Subscriber liveness
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	AuthGrace         time.Duration `yaml:"authGrace"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoadTimingBaseline returns the baseline timing values.
func LoadTimingBaseline() *TimingConfig {
	return &TimingConfig{
		ScanInterval:         1 * time.Second,
		DeviceReadTimeout:    2 * time.Second,
		DeviceConnectTimeout: 3 * time.Second,

		// 5s, x1.5 per failure, capped at 60s
		ReconnectInitial: 5 * time.Second,
		ReconnectBackoff: 1.5,
		ReconnectMax:     60 * time.Second,

		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		AuthGrace:         10 * time.Second,
		WriteTimeout:      5 * time.Second,

		ShutdownTimeout: 5 * time.Second,
	}
}

// ReconnectDelay returns the wait before reconnect attempt n (n starts at 1).
func (t *TimingConfig) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(t.ReconnectInitial)
	for i := 1; i < attempt; i++ {
		delay *= t.ReconnectBackoff
		if delay >= float64(t.ReconnectMax) {
			return t.ReconnectMax
		}
	}
	if time.Duration(delay) > t.ReconnectMax {
		return t.ReconnectMax
	}
	return time.Duration(delay)
}
