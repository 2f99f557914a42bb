// Package config loads client-wide defaults (prefetch and redelivery
// policy, send-strategy overrides, connect/close timeouts) and parses the
// destination URI query conventions used to configure individual
// consumers and sessions.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ThorTech/apache-nms/policy"
	"gopkg.in/yaml.v3"
)

// RedeliveryConfig selects and parameterizes one of the two redelivery
// policies the runtime ships.
type RedeliveryConfig struct {
	// Type is "fixed" or "exponential"; any other value (including
	// empty) is treated as "fixed".
	Type         string        `yaml:"type"`
	Delay        time.Duration `yaml:"delay"`
	Maximum      time.Duration `yaml:"maximum"`
	MaximumTries int           `yaml:"maximum_tries"`
}

// Policy builds the concrete policy.RedeliveryPolicy this configuration
// describes.
func (c RedeliveryConfig) Policy() policy.RedeliveryPolicy {
	switch c.Type {
	case "exponential":
		return policy.ExponentialBackoffPolicy{
			InitialDelay: c.Delay,
			Maximum:      c.Maximum,
			MaximumTries: c.MaximumTries,
		}
	default:
		return policy.FixedDelayPolicy{Delay: c.Delay, MaximumTries: c.MaximumTries}
	}
}

func defaultRedeliveryConfig() RedeliveryConfig {
	d := policy.DefaultRedeliveryPolicy().(policy.FixedDelayPolicy)
	return RedeliveryConfig{Type: "fixed", Delay: d.Delay, MaximumTries: d.MaximumTries}
}

// Config holds client-wide defaults applied when a caller does not
// override them per consumer/producer/session.
type Config struct {
	Prefetch   policy.PrefetchPolicy `yaml:"prefetch"`
	Redelivery RedeliveryConfig      `yaml:"redelivery"`

	// AlwaysSyncSend forces every producer send through SyncRequest,
	// disabling the fire-and-forget path connection-wide.
	AlwaysSyncSend bool `yaml:"always_sync_send"`
	// SessionPrioritySupported selects the ten-bucket JMS-priority
	// channel for consumers by default.
	SessionPrioritySupported bool `yaml:"session_priority_supported"`
	// ConnectTimeout bounds the SyncRequest round trip that registers a
	// new consumer with the broker; CloseTimeout bounds how
	// long a session close waits for its dispatch executor to drain.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
	// ReplayPerSecond and ReplayBurst throttle the object-recreation
	// commands a session replays to the broker after a transport
	// interrupt is resolved. ReplayPerSecond <= 0 disables pacing.
	ReplayPerSecond float64 `yaml:"replay_per_second"`
	ReplayBurst     int     `yaml:"replay_burst"`
}

// Default returns the built-in configuration used when no file is
// supplied.
func Default() *Config {
	return &Config{
		Prefetch:        policy.DefaultPrefetchPolicy(),
		Redelivery:      defaultRedeliveryConfig(),
		ConnectTimeout:  15 * time.Second,
		CloseTimeout:    15 * time.Second,
		ReplayPerSecond: 50,
		ReplayBurst:     20,
	}
}

// Load reads YAML configuration from filename, falling back to Default
// when filename is empty or the file does not exist.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for obviously inconsistent
// values.
func (c *Config) Validate() error {
	if c.Redelivery.MaximumTries < -1 {
		return fmt.Errorf("redelivery.maximum_tries must be >= -1 (unlimited is -1)")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout cannot be negative")
	}
	if c.CloseTimeout < 0 {
		return fmt.Errorf("close_timeout cannot be negative")
	}
	if c.ReplayBurst < 0 {
		return fmt.Errorf("replay_burst cannot be negative")
	}
	return nil
}
