// Package server exposes health, statistics and metrics of a running
// coordinator over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/compozy/epoxy/engine/bootstrap"
	"github.com/compozy/epoxy/engine/infra/monitoring"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/gin-gonic/gin"
)

const (
	httpReadTimeout       = 15 * time.Second
	httpWriteTimeout      = 15 * time.Second
	httpIdleTimeout       = 60 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

type Config struct {
	Host        string
	Port        int
	MetricsPath string
}

func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Server struct {
	config  Config
	runtime *bootstrap.Runtime
	router  *gin.Engine
}

// New builds the router. Metrics are served only when mon is not nil.
func New(ctx context.Context, cfg Config, rt *bootstrap.Runtime, mon *monitoring.Service) (*Server, error) {
	if rt == nil || rt.Coordinator == nil {
		return nil, fmt.Errorf("server: runtime is required")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger.FromContext(ctx).With("component", "http")))
	if mon != nil {
		metrics, err := mon.HTTPMetrics()
		if err != nil {
			return nil, fmt.Errorf("server: http metrics: %w", err)
		}
		r.Use(metrics)
		r.GET(cfg.MetricsPath, gin.WrapH(mon.Handler()))
	}
	s := &Server{config: cfg, runtime: rt, router: r}
	s.registerRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	srv := &http.Server{
		Addr:         s.config.Address(),
		Handler:      s.router,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", srv.Addr, err)
	}
	log.Info("Starting HTTP server", "address", "http://"+lis.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	log.Debug("Received shutdown signal, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("Server shutdown completed successfully")
	return nil
}
