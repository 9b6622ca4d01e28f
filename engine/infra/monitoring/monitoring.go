// Package monitoring exports OpenTelemetry metrics in the Prometheus format.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/compozy/epoxy/pkg/logger"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "epoxy"

// Service owns a meter provider backed by a private Prometheus registry.
type Service struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
	system   metric.Registration
}

func NewService(ctx context.Context) (*Service, error) {
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)
	system, err := registerSystemMetrics(ctx, meter, time.Now())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to register system metrics: %w", err)
	}
	logger.FromContext(ctx).Debug("Monitoring service initialized")
	return &Service{meter: meter, provider: provider, registry: registry, system: system}, nil
}

func (s *Service) Meter() metric.Meter { return s.meter }

// SetAsGlobal installs the provider as the global OpenTelemetry meter provider
// so instruments created through otel.GetMeterProvider report here.
func (s *Service) SetAsGlobal() {
	otel.SetMeterProvider(s.provider)
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.system != nil {
		errs = append(errs, s.system.Unregister())
	}
	errs = append(errs, s.provider.Shutdown(ctx))
	return errors.Join(errs...)
}
