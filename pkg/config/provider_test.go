package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIProvider(t *testing.T) {
	t.Run("Should nest known flags under their paths", func(t *testing.T) {
		data, err := NewCLIProvider(map[string]any{
			"log-level":   "warn",
			"gc-interval": "5s",
			"config":      "ignored.yaml",
		}).Load()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"log":         map[string]any{"level": "warn"},
			"coordinator": map[string]any{"gc_interval": "5s"},
		}, data)
	})
}

func TestSetNested(t *testing.T) {
	t.Run("Should report conflicts with scalar values", func(t *testing.T) {
		m := map[string]any{"log": "flat"}
		err := setNested(m, "log.level", "info")
		assert.ErrorContains(t, err, `key "log" is not a map`)
	})
}

func TestFilterNilValues(t *testing.T) {
	t.Run("Should drop null leaves and emptied maps", func(t *testing.T) {
		got := filterNilValues(map[string]any{
			"log":     map[string]any{"level": nil},
			"primary": map[string]any{"driver": "none", "dsn": nil},
			"stores":  nil,
		})
		assert.Equal(t, map[string]any{"primary": map[string]any{"driver": "none"}}, got)
	})
}
