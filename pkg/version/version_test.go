package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	t.Run("Should prefer injected build variables", func(t *testing.T) {
		prevVersion, prevCommit, prevDate := Version, CommitHash, BuildDate
		t.Cleanup(func() { Version, CommitHash, BuildDate = prevVersion, prevCommit, prevDate })
		Version, CommitHash, BuildDate = "v1.2.3", "abc123", "2026-01-01T00:00:00Z"
		assert.Equal(t, Info{
			Version:    "v1.2.3",
			CommitHash: "abc123",
			BuildDate:  "2026-01-01T00:00:00Z",
			GoVersion:  runtime.Version(),
		}, Get())
	})

	t.Run("Should always report the Go version", func(t *testing.T) {
		assert.Equal(t, runtime.Version(), Get().GoVersion)
	})
}
