package coordinator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const coordinatorMeterName = "epoxy.coordinator"

const (
	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
	outcomeConflict  = "conflict"
	outcomePartial   = "partial"
	outcomeFailed    = "failed"
)

var (
	coordinatorMetricsOnce sync.Once
	coordinatorMetricsErr  error
	txnBegun               metric.Int64Counter
	txnFinished            metric.Int64Counter
	commitDuration         metric.Float64Histogram
	gcDeleted              metric.Int64Counter
	gcSweeps               metric.Int64Counter
)

func ensureCoordinatorMetrics() error {
	coordinatorMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(coordinatorMeterName)
		coordinatorMetricsErr = initCoordinatorInstruments(meter)
	})
	return coordinatorMetricsErr
}

func initCoordinatorInstruments(meter metric.Meter) error {
	var err error
	txnBegun, err = meter.Int64Counter(
		"epoxy_transactions_begun_total",
		metric.WithDescription("Transactions started by the coordinator"),
	)
	if err != nil {
		return err
	}
	txnFinished, err = meter.Int64Counter(
		"epoxy_transactions_finished_total",
		metric.WithDescription("Transactions that reached a terminal outcome"),
	)
	if err != nil {
		return err
	}
	commitDuration, err = meter.Float64Histogram(
		"epoxy_commit_duration_seconds",
		metric.WithDescription("Time spent in validate, prepare, primary commit and finalize"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return err
	}
	gcDeleted, err = meter.Int64Counter(
		"epoxy_gc_versions_deleted_total",
		metric.WithDescription("Versions reclaimed by garbage collection"),
	)
	if err != nil {
		return err
	}
	gcSweeps, err = meter.Int64Counter(
		"epoxy_gc_sweeps_total",
		metric.WithDescription("Garbage collection sweeps"),
	)
	return err
}

func recordBegin(ctx context.Context) {
	if txnBegun != nil {
		txnBegun.Add(ctx, 1)
	}
}

func recordOutcome(ctx context.Context, outcome string, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if txnFinished != nil {
		txnFinished.Add(ctx, 1, attrs)
	}
	if commitDuration != nil && !started.IsZero() {
		commitDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

func recordSweep(ctx context.Context, store string, deleted int64, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	if gcSweeps != nil {
		gcSweeps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("store", store),
			attribute.String("status", status),
		))
	}
	if gcDeleted != nil && deleted > 0 {
		gcDeleted.Add(ctx, deleted, metric.WithAttributes(attribute.String("store", store)))
	}
}
