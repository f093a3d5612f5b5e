package common

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"timeout below resend", func(c *Config) { c.TimeoutTicks = c.ResendTicks }},
		{"window above max incoming", func(c *Config) { c.MaxIncoming = c.GrantWindow - 1 }},
		{"too many priorities", func(c *Config) { c.NumPriorities = 9 }},
		{"nic queue below payload", func(c *Config) { c.MaxNicQueueBytes = c.MaxPayload - 1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	out := cfg.String()
	for _, section := range []string{"TIMER", "GRANTS", "BUFFERS", "PACER", "PEERS", "LOGGING"} {
		if !strings.Contains(out, section) {
			t.Errorf("Expected section %s in config string", section)
		}
	}
	if !strings.Contains(out, "100000 bytes") {
		t.Errorf("Expected grant window in config string:\n%s", out)
	}
}
