package logger

import (
	"context"
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

type contextKey string

const LoggerCtxKey contextKey = "logger"

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewLogger(DefaultConfig())
)

type (
	LogLevel string
	// Logger defines the interface for structured logging
	Logger interface {
		Debug(msg string, keyvals ...any)
		Info(msg string, keyvals ...any)
		Warn(msg string, keyvals ...any)
		Error(msg string, keyvals ...any)
		With(keyvals ...any) Logger
	}

	charmAdapter struct {
		base *charmlog.Logger
	}
)

const (
	DebugLevel    LogLevel = "debug"
	InfoLevel     LogLevel = "info"
	WarnLevel     LogLevel = "warn"
	ErrorLevel    LogLevel = "error"
	DisabledLevel LogLevel = "disabled"
)

// disabledLevel sits above every level charmlog emits.
const disabledLevel = charmlog.Level(1000)

var charmLevels = map[LogLevel]charmlog.Level{
	DebugLevel:    charmlog.DebugLevel,
	InfoLevel:     charmlog.InfoLevel,
	WarnLevel:     charmlog.WarnLevel,
	ErrorLevel:    charmlog.ErrorLevel,
	DisabledLevel: disabledLevel,
}

func (c LogLevel) String() string {
	return string(c)
}

// ToCharmlogLevel maps c to a charmlog level; unknown levels become info.
func (c LogLevel) ToCharmlogLevel() charmlog.Level {
	if level, ok := charmLevels[c]; ok {
		return level
	}
	return charmlog.InfoLevel
}

func (l *charmAdapter) Debug(msg string, keyvals ...any) { l.base.Debug(msg, keyvals...) }
func (l *charmAdapter) Info(msg string, keyvals ...any)  { l.base.Info(msg, keyvals...) }
func (l *charmAdapter) Warn(msg string, keyvals ...any)  { l.base.Warn(msg, keyvals...) }
func (l *charmAdapter) Error(msg string, keyvals ...any) { l.base.Error(msg, keyvals...) }

func (l *charmAdapter) With(keyvals ...any) Logger {
	return &charmAdapter{base: l.base.With(keyvals...)}
}

type Config struct {
	Level      LogLevel
	Output     io.Writer
	JSON       bool
	AddSource  bool
	TimeFormat string
}

func DefaultConfig() *Config {
	return &Config{Level: InfoLevel, Output: os.Stderr, TimeFormat: "15:04:05"}
}

// TestConfig returns a configuration that drops every message.
func TestConfig() *Config {
	return &Config{
		Level:      DisabledLevel,
		Output:     io.Discard,
		TimeFormat: "15:04:05",
	}
}

func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base := charmlog.NewWithOptions(out, charmlog.Options{
		ReportCaller:    cfg.AddSource,
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		Level:           cfg.Level.ToCharmlogLevel(),
	})
	if cfg.JSON {
		base.SetFormatter(charmlog.JSONFormatter)
	} else {
		base.SetStyles(levelStyles())
	}
	return &charmAdapter{base: base}
}

// NewForTests returns a logger that discards output.
func NewForTests() Logger {
	return NewLogger(TestConfig())
}

// Init replaces the process-wide default logger.
func Init(cfg *Config) {
	l := NewLogger(cfg)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, LoggerCtxKey, l)
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(LoggerCtxKey).(Logger); ok && l != nil {
			return l
		}
	}
	return GetDefault()
}

func GetDefault() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
