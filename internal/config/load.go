package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plant-monitor/pmc/internal/telemetry"
)

// Config is the complete runtime configuration.
type Config struct {
	PlantID             string               `yaml:"plantId"`
	Server              ServerConfig         `yaml:"server"`
	Devices             []DeviceConfig       `yaml:"devices"`
	ChannelsPerCategory int                  `yaml:"channelsPerCategory"`
	Thresholds          telemetry.Thresholds `yaml:"thresholds"`
	Auth                AuthConfig           `yaml:"auth"`
	Security            SecurityConfig       `yaml:"security"`
	Audit               AuditConfig          `yaml:"audit"`
	MQTT                MQTTConfig           `yaml:"mqtt"`
	HTTP                HTTPConfig           `yaml:"http"`
	Simulator           SimulatorConfig      `yaml:"simulator"`
	Timing              TimingConfig         `yaml:"timing"`
}

// ServerConfig holds distribution server settings.
type ServerConfig struct {
	Address      string  `yaml:"address"`
	MaxClients   int     `yaml:"maxClients"`
	InboundQueue int     `yaml:"inboundQueue"`
	InboundRate  float64 `yaml:"inboundRate"`
	InboundBurst int     `yaml:"inboundBurst"`
}

// DeviceConfig is one field device endpoint.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AuthConfig selects how subscriber and API bearer tokens are verified.
type AuthConfig struct {
	// Algorithm is HS256 or RS256.
	Algorithm    string `yaml:"algorithm"`
	Secret       string `yaml:"secret"`
	PublicKeyPEM string `yaml:"publicKeyPem"`
	// Issuer and Audience are enforced when non-empty.
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	Leeway   time.Duration `yaml:"leeway"`
}

// SecurityConfig holds the payload protection key material.
type SecurityConfig struct {
	// Key is the passphrase the encryption and hashing keys are derived from.
	Key            string `yaml:"key"`
	MaxInputLength int    `yaml:"maxInputLength"`
}

// AuditConfig controls the rotating audit log. An empty Dir disables it.
type AuditConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// MQTTConfig controls the report mirror. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientId"`
	QoS      byte   `yaml:"qos"`
}

// HTTPConfig controls the status and metrics endpoint. An empty Address disables it.
type HTTPConfig struct {
	Address string `yaml:"address"`
}

// SimulatorConfig sizes the --simulate device set.
type SimulatorConfig struct {
	Devices int `yaml:"devices"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		PlantID: "WESTINGHOUSE_REACTOR_001",
		Server: ServerConfig{
			Address:      ":8080",
			MaxClients:   10,
			InboundQueue: 64,
			InboundRate:  10,
			InboundBurst: 20,
		},
		Devices: []DeviceConfig{
			{Address: "192.168.1.100", Port: 502},
			{Address: "192.168.1.101", Port: 502},
			{Address: "192.168.1.102", Port: 502},
		},
		ChannelsPerCategory: 2,
		Thresholds: telemetry.Thresholds{
			MaxTemperature: 350.0,
			MaxPressure:    2200.0,
			MaxRadiation:   1.0,
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
			Leeway:    30 * time.Second,
		},
		Security: SecurityConfig{
			MaxInputLength: 1024,
		},
		Audit: AuditConfig{
			Dir:        "logs",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		MQTT: MQTTConfig{
			Topic:    "pmc/reports",
			ClientID: "pmc",
			QoS:      1,
		},
		HTTP: HTTPConfig{
			Address: ":9090",
		},
		Simulator: SimulatorConfig{
			Devices: 3,
		},
		Timing: *LoadTimingBaseline(),
	}
}

// Load merges Defaults() + optional YAML file at path + PMC_* env overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile decodes YAML over cfg; keys absent from the file keep their current values.
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies PMC_* environment variables. Unparseable numeric
// values are ignored; a malformed PMC_DEVICES list is an error.
func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("PMC_PLANT_ID"); val != "" {
		cfg.PlantID = val
	}
	if val := os.Getenv("PMC_SERVER_ADDRESS"); val != "" {
		cfg.Server.Address = val
	}
	cfg.Server.MaxClients = GetEnvInt("PMC_SERVER_MAX_CLIENTS", cfg.Server.MaxClients)
	cfg.Server.InboundRate = GetEnvFloat("PMC_SERVER_INBOUND_RATE", cfg.Server.InboundRate)
	cfg.ChannelsPerCategory = GetEnvInt("PMC_CHANNELS_PER_CATEGORY", cfg.ChannelsPerCategory)

	if val := os.Getenv("PMC_DEVICES"); val != "" {
		devices, err := parseDeviceList(val)
		if err != nil {
			return fmt.Errorf("PMC_DEVICES: %w", err)
		}
		cfg.Devices = devices
	}

	cfg.Thresholds.MaxTemperature = GetEnvFloat("PMC_THRESHOLD_TEMPERATURE", cfg.Thresholds.MaxTemperature)
	cfg.Thresholds.MaxPressure = GetEnvFloat("PMC_THRESHOLD_PRESSURE", cfg.Thresholds.MaxPressure)
	cfg.Thresholds.MaxRadiation = GetEnvFloat("PMC_THRESHOLD_RADIATION", cfg.Thresholds.MaxRadiation)

	if val := os.Getenv("PMC_AUTH_ALGORITHM"); val != "" {
		cfg.Auth.Algorithm = val
	}
	if val := os.Getenv("PMC_AUTH_SECRET"); val != "" {
		cfg.Auth.Secret = val
	}
	if val := os.Getenv("PMC_AUTH_PUBLIC_KEY_FILE"); val != "" {
		pem, err := os.ReadFile(val)
		if err != nil {
			return fmt.Errorf("PMC_AUTH_PUBLIC_KEY_FILE: %w", err)
		}
		cfg.Auth.PublicKeyPEM = string(pem)
	}
	cfg.Auth.Issuer = GetEnvVar("PMC_AUTH_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.Audience = GetEnvVar("PMC_AUTH_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.Leeway = GetEnvDuration("PMC_AUTH_LEEWAY", cfg.Auth.Leeway)
	if val := os.Getenv("PMC_SECURITY_KEY"); val != "" {
		cfg.Security.Key = val
	}
	cfg.Audit.Dir = GetEnvVar("PMC_AUDIT_DIR", cfg.Audit.Dir)
	cfg.MQTT.Broker = GetEnvVar("PMC_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = GetEnvVar("PMC_MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.HTTP.Address = GetEnvVar("PMC_HTTP_ADDRESS", cfg.HTTP.Address)

	applyTimingEnvOverrides(&cfg.Timing)
	return nil
}

// applyTimingEnvOverrides applies PMC_TIMING_* environment variables.
func applyTimingEnvOverrides(t *TimingConfig) {
	t.ScanInterval = GetEnvDuration("PMC_TIMING_SCAN_INTERVAL", t.ScanInterval)
	t.DeviceReadTimeout = GetEnvDuration("PMC_TIMING_DEVICE_READ_TIMEOUT", t.DeviceReadTimeout)
	t.DeviceConnectTimeout = GetEnvDuration("PMC_TIMING_DEVICE_CONNECT_TIMEOUT", t.DeviceConnectTimeout)
	t.ReconnectInitial = GetEnvDuration("PMC_TIMING_RECONNECT_INITIAL", t.ReconnectInitial)
	t.ReconnectBackoff = GetEnvFloat("PMC_TIMING_RECONNECT_BACKOFF", t.ReconnectBackoff)
	t.ReconnectMax = GetEnvDuration("PMC_TIMING_RECONNECT_MAX", t.ReconnectMax)
	t.HeartbeatInterval = GetEnvDuration("PMC_TIMING_HEARTBEAT_INTERVAL", t.HeartbeatInterval)
	t.HeartbeatTimeout = GetEnvDuration("PMC_TIMING_HEARTBEAT_TIMEOUT", t.HeartbeatTimeout)
	t.AuthGrace = GetEnvDuration("PMC_TIMING_AUTH_GRACE", t.AuthGrace)
	t.WriteTimeout = GetEnvDuration("PMC_TIMING_WRITE_TIMEOUT", t.WriteTimeout)
	t.ShutdownTimeout = GetEnvDuration("PMC_TIMING_SHUTDOWN_TIMEOUT", t.ShutdownTimeout)
}

// parseDeviceList parses "host:port,host:port".
func parseDeviceList(val string) ([]DeviceConfig, error) {
	var devices []DeviceConfig
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(item)
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", item, err)
		}
		devices = append(devices, DeviceConfig{Address: host, Port: port})
	}
	return devices, nil
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration returns the value of an environment variable as a duration with a default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvFloat returns the value of an environment variable as a float64 with a default.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GetEnvInt returns the value of an environment variable as an int with a default.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
