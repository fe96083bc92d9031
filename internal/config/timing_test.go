package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadTimingBaselineIsValid(t *testing.T) {
	timing := LoadTimingBaseline()
	if err := ValidateTiming(timing); err != nil {
		t.Fatalf("baseline timing should validate: %v", err)
	}
	if timing.ScanInterval != time.Second {
		t.Errorf("ScanInterval = %v, want 1s", timing.ScanInterval)
	}
	if timing.HeartbeatTimeout <= timing.HeartbeatInterval {
		t.Errorf("HeartbeatTimeout %v must exceed HeartbeatInterval %v", timing.HeartbeatTimeout, timing.HeartbeatInterval)
	}
}

func TestReconnectDelay(t *testing.T) {
	timing := LoadTimingBaseline()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 7500 * time.Millisecond},
		{3, 11250 * time.Millisecond},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := timing.ReconnectDelay(tt.attempt); got != tt.want {
			t.Errorf("ReconnectDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnectDelayNeverExceedsMax(t *testing.T) {
	timing := LoadTimingBaseline()
	timing.ReconnectMax = 8 * time.Second

	for attempt := 1; attempt < 50; attempt++ {
		if got := timing.ReconnectDelay(attempt); got > timing.ReconnectMax {
			t.Fatalf("ReconnectDelay(%d) = %v exceeds max %v", attempt, got, timing.ReconnectMax)
		}
	}
}

func TestValidateTimingRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TimingConfig)
		want   string
	}{
		{"zero scan interval", func(c *TimingConfig) { c.ScanInterval = 0 }, "scan interval"},
		{"negative read timeout", func(c *TimingConfig) { c.DeviceReadTimeout = -time.Second }, "device read timeout"},
		{"backoff below one", func(c *TimingConfig) { c.ReconnectBackoff = 0.5 }, "backoff"},
		{"max below initial", func(c *TimingConfig) { c.ReconnectMax = time.Second }, "reconnect max"},
		{"timeout equals interval", func(c *TimingConfig) { c.HeartbeatTimeout = c.HeartbeatInterval }, "heartbeat timeout"},
		{"zero auth grace", func(c *TimingConfig) { c.AuthGrace = 0 }, "auth grace"},
		{"zero shutdown", func(c *TimingConfig) { c.ShutdownTimeout = 0 }, "shutdown timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timing := LoadTimingBaseline()
			tt.mutate(timing)
			err := ValidateTiming(timing)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateTimingNil(t *testing.T) {
	if err := ValidateTiming(nil); err == nil {
		t.Error("expected error for nil timing config")
	}
}
