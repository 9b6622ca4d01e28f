package cli

import (
	"context"
	"errors"

	"github.com/compozy/epoxy/engine/bootstrap"
	"github.com/compozy/epoxy/engine/infra/monitoring"
	"github.com/compozy/epoxy/engine/infra/server"
	"github.com/compozy/epoxy/pkg/config"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/spf13/cobra"
)

// ServeCmd keeps the coordinator open, runs the background collector and serves
// health and metrics endpoints until interrupted.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the garbage collector and the operational HTTP endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().String("host", "", "Address to listen on")
	cmd.Flags().Int("port", 0, "Port to listen on")
	return cmd
}

func runServe(ctx context.Context) (err error) {
	cfg := config.FromContext(ctx)
	log := logger.FromContext(ctx)
	mon, err := monitoring.NewService(ctx)
	if err != nil {
		return err
	}
	mon.SetAsGlobal()
	defer func() {
		err = errors.Join(err, mon.Shutdown(context.WithoutCancel(ctx)))
	}()
	rt, err := bootstrap.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close(context.WithoutCancel(ctx)))
	}()
	srv, err := server.New(ctx, server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		MetricsPath: cfg.Server.MetricsPath,
	}, rt, mon)
	if err != nil {
		return err
	}
	if err := rt.Coordinator.Start(ctx); err != nil {
		return err
	}
	log.Info("Serving", "stores", len(cfg.Stores), "gc_interval", cfg.Coordinator.GCInterval)
	return srv.Run(ctx)
}
