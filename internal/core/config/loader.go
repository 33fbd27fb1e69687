package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig is returned when the configuration is inconsistent.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration, expanding environment variables first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if len(cfg.Slots) == 0 {
		cfg.Slots = []SlotConfig{{Index: 0}}
	}
	if cfg.History.SnapshotInterval == 0 {
		cfg.History.SnapshotInterval = 10 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks slot indexes and ports.
func (c *AppConfig) Validate() error {
	seen := make(map[int]bool, len(c.Slots))
	for _, s := range c.Slots {
		if s.Index < 0 {
			return fmt.Errorf("%w: slot index %d", ErrInvalidConfig, s.Index)
		}
		if seen[s.Index] {
			return fmt.Errorf("%w: duplicate slot %d", ErrInvalidConfig, s.Index)
		}
		seen[s.Index] = true
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		return fmt.Errorf("%w: http and grpc ports are both %d", ErrInvalidConfig, c.Server.Port)
	}
	return nil
}

// SlotIndexes returns the configured slot indexes in file order.
func (c *AppConfig) SlotIndexes() []int {
	out := make([]int, 0, len(c.Slots))
	for _, s := range c.Slots {
		out = append(out, s.Index)
	}
	return out
}
