package monitoring

import (
	"context"
	"time"

	"github.com/compozy/epoxy/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// registerSystemMetrics records build information once and observes uptime on
// every collection.
func registerSystemMetrics(ctx context.Context, meter metric.Meter, started time.Time) (metric.Registration, error) {
	buildInfo, err := meter.Float64Gauge(
		"epoxy_build_info",
		metric.WithDescription("Build information (value=1)"),
	)
	if err != nil {
		return nil, err
	}
	info := version.Get()
	buildInfo.Record(ctx, 1, metric.WithAttributes(
		attribute.String("version", info.Version),
		attribute.String("commit_hash", info.CommitHash),
		attribute.String("go_version", info.GoVersion),
	))
	uptime, err := meter.Float64ObservableGauge(
		"epoxy_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(uptime, time.Since(started).Seconds())
		return nil
	}, uptime)
}
