package sqlite

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	memoryPath         = ":memory:"
	defaultBusyTimeout = 5 * time.Second
)

var memoryDBSeq atomic.Int64

// Config captures SQLite store configuration.
type Config struct {
	// Path is the database location or ":memory:" for a private in-memory database.
	Path string

	// MaxOpenConns controls the pool size exposed by database/sql.
	MaxOpenConns int

	// MaxIdleConns limits idle connections retained in the pool.
	MaxIdleConns int

	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// BusyTimeout configures sqlite busy timeout via PRAGMA busy_timeout.
	BusyTimeout time.Duration
}

func (c *Config) inMemory() bool {
	return c.Path == memoryPath
}

// buildDSN returns the modernc DSN for cfg. Every in-memory store gets its own
// named database so two stores in one process never share rows.
func buildDSN(cfg *Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", fmt.Errorf("sqlite: path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	params.Add("_txlock", "immediate")
	if cfg.inMemory() {
		params.Add("mode", "memory")
		params.Add("cache", "shared")
		return fmt.Sprintf("file:epoxy-mem-%d?%s", memoryDBSeq.Add(1), params.Encode()), nil
	}
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(FULL)")
	return "file:" + path + "?" + params.Encode(), nil
}
