package config

import (
	"context"

	"gopkg.in/yaml.v3"
)

type ContextKey string

const ConfigCtxKey ContextKey = "config"

func ContextWithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ConfigCtxKey, cfg)
}

// FromContext returns the configuration stored in ctx, or Default when none is.
func FromContext(ctx context.Context) *Config {
	if ctx != nil {
		if cfg, ok := ctx.Value(ConfigCtxKey).(*Config); ok && cfg != nil {
			return cfg
		}
	}
	return Default()
}

// Load is the usual entry point: defaults, the optional YAML file, the
// environment, then explicitly set CLI flags.
func Load(ctx context.Context, path string, flags map[string]any) (*Config, error) {
	var sources []Source
	if path != "" {
		sources = append(sources, NewYAMLProvider(path))
	}
	if len(flags) > 0 {
		sources = append(sources, NewCLIProvider(flags))
	}
	sources = append(sources, NewEnvProvider())
	return NewService().Load(ctx, sources...)
}

// YAML renders cfg with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
