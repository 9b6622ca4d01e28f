package config

import (
	"context"
	"time"
)

// Store drivers accepted in StoreConfig.Driver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverBolt     = "bolt"

	PrimaryNone     = "none"
	PrimaryPostgres = "postgres"
)

// Config is the root configuration of an epoxy process.
type Config struct {
	Coordinator CoordinatorConfig `koanf:"coordinator" json:"coordinator" yaml:"coordinator" mapstructure:"coordinator"`
	Log         LogConfig         `koanf:"log"         json:"log"         yaml:"log"         mapstructure:"log"`
	// Stores are registered with the coordinator in list order.
	Stores  []StoreConfig `koanf:"stores"  json:"stores"  yaml:"stores"  mapstructure:"stores"  validate:"min=1,dive"`
	Primary PrimaryConfig `koanf:"primary" json:"primary" yaml:"primary" mapstructure:"primary"`
	Server  ServerConfig  `koanf:"server"  json:"server"  yaml:"server"  mapstructure:"server"`
}

type CoordinatorConfig struct {
	GCInterval time.Duration `koanf:"gc_interval" json:"gc_interval" yaml:"gc_interval" mapstructure:"gc_interval" env:"EPOXY_COORDINATOR_GC_INTERVAL" validate:"gt=0"`
	// RetryMaxAttempts bounds RunWithRetry in the CLI.
	RetryMaxAttempts int           `koanf:"retry_max_attempts" json:"retry_max_attempts" yaml:"retry_max_attempts" mapstructure:"retry_max_attempts" env:"EPOXY_COORDINATOR_RETRY_MAX_ATTEMPTS" validate:"min=0"`
	RetryBackoff     time.Duration `koanf:"retry_backoff"      json:"retry_backoff"      yaml:"retry_backoff"      mapstructure:"retry_backoff"      env:"EPOXY_COORDINATOR_RETRY_BACKOFF"      validate:"gt=0"`
}

type LogConfig struct {
	Level  string `koanf:"level"  json:"level"  yaml:"level"  mapstructure:"level"  env:"EPOXY_LOG_LEVEL"  validate:"oneof=debug info warn error disabled"`
	JSON   bool   `koanf:"json"   json:"json"   yaml:"json"   mapstructure:"json"   env:"EPOXY_LOG_JSON"`
	Source bool   `koanf:"source" json:"source" yaml:"source" mapstructure:"source" env:"EPOXY_LOG_SOURCE"`
}

// StoreConfig describes one registered adapter. Which connection fields are
// required depends on Driver.
type StoreConfig struct {
	Name   string `koanf:"name"   json:"name"   yaml:"name"   mapstructure:"name"   validate:"required"`
	Driver string `koanf:"driver" json:"driver" yaml:"driver" mapstructure:"driver" validate:"required,oneof=memory postgres sqlite redis bolt"`

	DSN   SensitiveString `koanf:"dsn"   json:"dsn,omitempty"   yaml:"dsn,omitempty"   mapstructure:"dsn"   validate:"required_if=Driver postgres"`
	Table string          `koanf:"table" json:"table,omitempty" yaml:"table,omitempty" mapstructure:"table"`

	Path string `koanf:"path" json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path" validate:"required_if=Driver sqlite,required_if=Driver bolt"`

	URL      SensitiveString `koanf:"url"      json:"url,omitempty"      yaml:"url,omitempty"      mapstructure:"url"`
	Prefix   string          `koanf:"prefix"   json:"prefix,omitempty"   yaml:"prefix,omitempty"   mapstructure:"prefix"`
	Embedded bool            `koanf:"embedded" json:"embedded,omitempty" yaml:"embedded,omitempty" mapstructure:"embedded"`

	MaxConns    int32         `koanf:"max_conns"    json:"max_conns,omitempty"    yaml:"max_conns,omitempty"    mapstructure:"max_conns"    validate:"gte=0"`
	BusyTimeout time.Duration `koanf:"busy_timeout" json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty" mapstructure:"busy_timeout" validate:"gte=0"`
}

// PrimaryConfig selects the transactional database driven alongside the stores.
type PrimaryConfig struct {
	Driver string          `koanf:"driver" json:"driver"        yaml:"driver"        mapstructure:"driver" env:"EPOXY_PRIMARY_DRIVER" validate:"oneof=none postgres"`
	DSN    SensitiveString `koanf:"dsn"    json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"    env:"EPOXY_PRIMARY_DSN"    validate:"required_if=Driver postgres"`
}

// ServerConfig is used by the serve command only.
type ServerConfig struct {
	Host        string `koanf:"host"         json:"host"         yaml:"host"         mapstructure:"host"         env:"EPOXY_SERVER_HOST"         validate:"required"`
	Port        int    `koanf:"port"         json:"port"         yaml:"port"         mapstructure:"port"         env:"EPOXY_SERVER_PORT"         validate:"min=1,max=65535"`
	MetricsPath string `koanf:"metrics_path" json:"metrics_path" yaml:"metrics_path" mapstructure:"metrics_path" env:"EPOXY_SERVER_METRICS_PATH" validate:"startswith=/"`
}

// Default returns the configuration used when no source overrides a value: one
// in-memory store, no primary database and a one minute GC interval.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			GCInterval:       time.Minute,
			RetryMaxAttempts: 5,
			RetryBackoff:     10 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Stores: []StoreConfig{
			{Name: "default", Driver: DriverMemory},
		},
		Primary: PrimaryConfig{
			Driver: PrimaryNone,
		},
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        7070,
			MetricsPath: "/metrics",
		},
	}
}

// Service loads and validates configuration.
type Service interface {
	// Load applies defaults, file sources, the environment, then CLI sources.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	Validate(config *Config) error
	GetSource(key string) SourceType
}

// SourceType identifies where a configuration value came from.
type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceCLI     SourceType = "cli"
)

// Source provides configuration data as a nested map.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
}

// Metadata records the source of every loaded key.
type Metadata struct {
	Sources  map[string]SourceType
	LoadedAt time.Time
}
