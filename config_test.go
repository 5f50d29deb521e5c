package queuectl

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed with %v", err)
	}
	if have, want := cfg.DefaultMaxRetries, 3; have != want {
		t.Fatalf("DefaultMaxRetries = %d, want %d", have, want)
	}
	if have, want := cfg.BackoffBase, 2; have != want {
		t.Fatalf("BackoffBase = %d, want %d", have, want)
	}
	if have, want := cfg.PollInterval, 1*time.Second; have != want {
		t.Fatalf("PollInterval = %v, want %v", have, want)
	}
	if have, want := cfg.StaleLockThreshold, 60*time.Second; have != want {
		t.Fatalf("StaleLockThreshold = %v, want %v", have, want)
	}
	if have, want := cfg.OutputCap, 10*1024; have != want {
		t.Fatalf("OutputCap = %d, want %d", have, want)
	}
	if have, want := cfg.ShutdownGrace, 10*time.Second; have != want {
		t.Fatalf("ShutdownGrace = %v, want %v", have, want)
	}
	if cfg.WorkerTimeout != 0 {
		t.Fatalf("WorkerTimeout = %v, want none", cfg.WorkerTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative retries", func(c *Config) { c.DefaultMaxRetries = -1 }},
		{"backoff base below 2", func(c *Config) { c.BackoffBase = 1 }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"negative worker timeout", func(c *Config) { c.WorkerTimeout = -time.Second }},
		{"zero stale threshold", func(c *Config) { c.StaleLockThreshold = 0 }},
		{"zero output cap", func(c *Config) { c.OutputCap = 0 }},
		{"zero shutdown grace", func(c *Config) { c.ShutdownGrace = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate = nil, want error")
			}
		})
	}
}
