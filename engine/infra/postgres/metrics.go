package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultPoolLabel  = "default"
	postgresMeterName = "epoxy.postgres"
)

var (
	postgresMetricsOnce      sync.Once
	postgresMetricsErr       error
	postgresConnectionsOpen  metric.Int64ObservableGauge
	postgresConnectionsInUse metric.Int64ObservableGauge
	postgresConnectionsIdle  metric.Int64ObservableGauge
	postgresPools            sync.Map
)

// poolMetrics registers one pool with the shared gauge callback.
type poolMetrics struct {
	label string
	pool  *pgxpool.Pool
}

func trackPool(cfg *Config, pool *pgxpool.Pool) (*poolMetrics, error) {
	if err := ensurePostgresMetrics(); err != nil {
		return nil, fmt.Errorf("postgres: init metrics: %w", err)
	}
	m := &poolMetrics{label: poolLabel(cfg), pool: pool}
	postgresPools.Store(m, m)
	return m, nil
}

func (m *poolMetrics) unregister() {
	if m != nil {
		postgresPools.Delete(m)
	}
}

func ensurePostgresMetrics() error {
	postgresMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(postgresMeterName)
		postgresMetricsErr = initPostgresGauges(meter)
	})
	return postgresMetricsErr
}

func initPostgresGauges(meter metric.Meter) error {
	var err error
	postgresConnectionsOpen, err = meter.Int64ObservableGauge(
		"epoxy_postgres_connections_open",
		metric.WithDescription("Number of open Postgres connections"),
	)
	if err != nil {
		return err
	}
	postgresConnectionsInUse, err = meter.Int64ObservableGauge(
		"epoxy_postgres_connections_in_use",
		metric.WithDescription("Number of Postgres connections currently in use"),
	)
	if err != nil {
		return err
	}
	postgresConnectionsIdle, err = meter.Int64ObservableGauge(
		"epoxy_postgres_connections_idle",
		metric.WithDescription("Number of idle Postgres connections"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(observePools,
		postgresConnectionsOpen,
		postgresConnectionsInUse,
		postgresConnectionsIdle,
	)
	return err
}

func observePools(_ context.Context, observer metric.Observer) error {
	postgresPools.Range(func(_, value any) bool {
		m, ok := value.(*poolMetrics)
		if !ok || m.pool == nil {
			return true
		}
		stats := m.pool.Stat()
		attrs := metric.WithAttributes(attribute.String("pool", m.label))
		observer.ObserveInt64(postgresConnectionsOpen, int64(stats.TotalConns()), attrs)
		observer.ObserveInt64(postgresConnectionsInUse, int64(stats.AcquiredConns()), attrs)
		observer.ObserveInt64(postgresConnectionsIdle, int64(stats.IdleConns()), attrs)
		return true
	})
	return nil
}

// poolLabel builds a metric-safe label from host and database name.
func poolLabel(cfg *Config) string {
	parts := make([]string, 0, 2)
	for _, raw := range []string{cfg.Host, cfg.DBName} {
		if s := sanitizeLabel(raw); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return defaultPoolLabel
	}
	return strings.Join(parts, "-")
}

func sanitizeLabel(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, lower)
	return strings.Trim(mapped, "_")
}
