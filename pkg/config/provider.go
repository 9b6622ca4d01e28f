package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// envProvider marks the environment layer; koanf's env provider does the work.
type envProvider struct{}

func NewEnvProvider() Source { return envProvider{} }

func (envProvider) Load() (map[string]any, error) { return map[string]any{}, nil }

func (envProvider) Type() SourceType { return SourceEnv }

// cliFlagPaths maps persistent CLI flags onto configuration paths.
var cliFlagPaths = map[string]string{
	"log-level":   "log.level",
	"log-json":    "log.json",
	"log-source":  "log.source",
	"gc-interval": "coordinator.gc_interval",
	"host":        "server.host",
	"port":        "server.port",
}

type cliProvider struct {
	flags map[string]any
}

// NewCLIProvider turns explicitly set CLI flags into a configuration layer.
// Unknown flag names are ignored.
func NewCLIProvider(flags map[string]any) Source {
	return &cliProvider{flags: flags}
}

func (c *cliProvider) Load() (map[string]any, error) {
	config := make(map[string]any)
	for name, value := range c.flags {
		path, ok := cliFlagPaths[name]
		if !ok {
			continue
		}
		if err := setNested(config, path, value); err != nil {
			return nil, fmt.Errorf("failed to set CLI flag %s: %w", name, err)
		}
	}
	return config, nil
}

func (c *cliProvider) Type() SourceType { return SourceCLI }

func setNested(m map[string]any, path string, value any) error {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	current := m
	for i, part := range parts[:len(parts)-1] {
		if _, exists := current[part]; !exists {
			current[part] = make(map[string]any)
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return fmt.Errorf("configuration conflict: key %q is not a map", strings.Join(parts[:i+1], "."))
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
	return nil
}

type yamlProvider struct {
	path string
}

// NewYAMLProvider reads a YAML file. A missing file yields no values.
func NewYAMLProvider(path string) Source {
	return &yamlProvider{path: path}
}

func (y *yamlProvider) Load() (map[string]any, error) {
	data, err := os.ReadFile(y.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read YAML file: %w", err)
	}
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML file: %w", err)
	}
	return filterNilValues(config), nil
}

func (y *yamlProvider) Type() SourceType { return SourceYAML }

// filterNilValues drops null entries so they never override lower layers.
func filterNilValues(m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			if filtered := filterNilValues(nested); len(filtered) > 0 {
				result[k] = filtered
			}
			continue
		}
		result[k] = v
	}
	return result
}
