package config

import (
	"time"

	redisclient "github.com/vietddude/wlantunnel/internal/infra/redis"
	"github.com/vietddude/wlantunnel/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Slots    []SlotConfig       `yaml:"slots"`
	Policy   PolicyConfig       `yaml:"policy"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	History  HistoryConfig      `yaml:"history"`
}

// ServerConfig holds HTTP and gRPC health server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health service
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SlotConfig holds settings for one modem slot.
type SlotConfig struct {
	Index             int    `yaml:"index"`
	CarrierID         int    `yaml:"carrier_id"`
	CarrierPolicyFile string `yaml:"carrier_policy_file"` // empty = defaults only
	QueueSize         int    `yaml:"queue_size"`
	// APNs are reported on startup so dashboards show every known session.
	APNs []string `yaml:"apns"`
}

// PolicyConfig overrides the builtin default policies.
type PolicyConfig struct {
	DefaultFile string `yaml:"default_file"`
}

// HistoryConfig controls tunnel outcome history.
type HistoryConfig struct {
	Retention        time.Duration `yaml:"retention"` // 0 = keep forever
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}
