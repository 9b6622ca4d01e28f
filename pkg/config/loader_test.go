package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epoxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Load(t *testing.T) {
	t.Run("Should load defaults when no source is given", func(t *testing.T) {
		svc := NewService()
		cfg, err := svc.Load(t.Context())
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Coordinator.GCInterval)
		assert.Equal(t, "info", cfg.Log.Level)
		require.Len(t, cfg.Stores, 1)
		assert.Equal(t, StoreConfig{Name: "default", Driver: DriverMemory}, cfg.Stores[0])
		assert.Equal(t, PrimaryNone, cfg.Primary.Driver)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, SourceDefault, svc.GetSource("coordinator.gc_interval"))
	})

	t.Run("Should merge YAML over defaults and keep unset values", func(t *testing.T) {
		path := writeYAML(t, `
coordinator:
  gc_interval: 30s
stores:
  - name: catalog
    driver: postgres
    dsn: postgres://u:p@localhost:5432/epoxy
    table: catalog_versions
  - name: carts
    driver: redis
    url: redis://localhost:6379/0
    prefix: shop
  - name: local
    driver: bolt
    path: ./epoxy.db
`)
		svc := NewService()
		cfg, err := svc.Load(t.Context(), NewYAMLProvider(path))
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.Coordinator.GCInterval)
		assert.Equal(t, 5, cfg.Coordinator.RetryMaxAttempts)
		assert.Equal(t, "info", cfg.Log.Level)
		require.Len(t, cfg.Stores, 3)
		assert.Equal(t, "catalog", cfg.Stores[0].Name)
		assert.Equal(t, "postgres://u:p@localhost:5432/epoxy", cfg.Stores[0].DSN.Value())
		assert.Equal(t, "catalog_versions", cfg.Stores[0].Table)
		assert.Equal(t, "shop", cfg.Stores[1].Prefix)
		assert.Equal(t, "./epoxy.db", cfg.Stores[2].Path)
		assert.Equal(t, SourceYAML, svc.GetSource("coordinator.gc_interval"))
		assert.Equal(t, SourceDefault, svc.GetSource("log.level"))
	})

	t.Run("Should let the environment override YAML", func(t *testing.T) {
		path := writeYAML(t, "log:\n  level: warn\n")
		t.Setenv("EPOXY_LOG_LEVEL", "debug")
		t.Setenv("EPOXY_COORDINATOR_GC_INTERVAL", "2m")
		t.Setenv("EPOXY_UNRELATED_SETTING", "ignored")
		svc := NewService()
		cfg, err := svc.Load(t.Context(), NewYAMLProvider(path), NewEnvProvider())
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 2*time.Minute, cfg.Coordinator.GCInterval)
		assert.Equal(t, SourceEnv, svc.GetSource("log.level"))
	})

	t.Run("Should let CLI flags override the environment", func(t *testing.T) {
		t.Setenv("EPOXY_LOG_LEVEL", "debug")
		cfg, err := NewService().Load(t.Context(),
			NewCLIProvider(map[string]any{"log-level": "error", "log-json": true, "unknown": 1}),
			NewEnvProvider(),
		)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.Log.Level)
		assert.True(t, cfg.Log.JSON)
	})

	t.Run("Should treat a missing file as empty", func(t *testing.T) {
		cfg, err := NewService().Load(t.Context(), NewYAMLProvider(filepath.Join(t.TempDir(), "none.yaml")))
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Coordinator.GCInterval)
	})

	t.Run("Should reject malformed YAML", func(t *testing.T) {
		path := writeYAML(t, "coordinator: [unterminated")
		_, err := NewService().Load(t.Context(), NewYAMLProvider(path))
		assert.ErrorContains(t, err, "failed to parse YAML file")
	})
}

func TestLoader_Validate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "Should require a dsn for postgres stores",
			yaml: "stores:\n  - name: a\n    driver: postgres\n",
			want: "DSN",
		},
		{
			name: "Should require a path for sqlite stores",
			yaml: "stores:\n  - name: a\n    driver: sqlite\n",
			want: "Path",
		},
		{
			name: "Should require a path for bolt stores",
			yaml: "stores:\n  - name: a\n    driver: bolt\n",
			want: "Path",
		},
		{
			name: "Should require a url for non embedded redis stores",
			yaml: "stores:\n  - name: a\n    driver: redis\n",
			want: "needs url or embedded",
		},
		{
			name: "Should reject unknown drivers",
			yaml: "stores:\n  - name: a\n    driver: mongo\n",
			want: "Driver",
		},
		{
			name: "Should reject duplicate store names",
			yaml: "stores:\n  - name: a\n    driver: memory\n  - name: a\n    driver: memory\n",
			want: "duplicate store name",
		},
		{
			name: "Should reject a non positive gc interval",
			yaml: "coordinator:\n  gc_interval: 0s\n",
			want: "GCInterval",
		},
		{
			name: "Should require a dsn for a postgres primary",
			yaml: "primary:\n  driver: postgres\n",
			want: "DSN",
		},
		{
			name: "Should reject out of range server ports",
			yaml: "server:\n  port: 70000\n",
			want: "Port",
		},
		{
			name: "Should require an absolute metrics path",
			yaml: "server:\n  metrics_path: metrics\n",
			want: "MetricsPath",
		},
		{
			name: "Should reject unknown log levels",
			yaml: "log:\n  level: loud\n",
			want: "Level",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService().Load(t.Context(), NewYAMLProvider(writeYAML(t, tc.yaml)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("Should accept an embedded redis store without url", func(t *testing.T) {
		path := writeYAML(t, "stores:\n  - name: a\n    driver: redis\n    embedded: true\n")
		cfg, err := NewService().Load(t.Context(), NewYAMLProvider(path))
		require.NoError(t, err)
		assert.True(t, cfg.Stores[0].Embedded)
	})

	t.Run("Should reject a nil configuration", func(t *testing.T) {
		assert.Error(t, NewService().Validate(nil))
	})
}

func TestGenerateEnvMappings(t *testing.T) {
	t.Run("Should map env tags onto nested paths", func(t *testing.T) {
		paths := make(map[string]string)
		for _, m := range GenerateEnvMappings() {
			paths[m.EnvVar] = m.ConfigPath
		}
		assert.Equal(t, "coordinator.gc_interval", paths["EPOXY_COORDINATOR_GC_INTERVAL"])
		assert.Equal(t, "log.level", paths["EPOXY_LOG_LEVEL"])
		assert.Equal(t, "primary.dsn", paths["EPOXY_PRIMARY_DSN"])
	})
}
