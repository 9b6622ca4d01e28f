package cli

import (
	"fmt"

	"github.com/compozy/epoxy/pkg/config"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "epoxy",
		Short:         "Cross-store optimistic transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "epoxy.yaml", "Path to the config file")
	flags.String("env-file", "", "Path to a .env file loaded before reading the environment")
	flags.String("log-level", "info", "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Emit logs as JSON")
	flags.Bool("log-source", false, "Include source locations in logs")
	flags.Duration("gc-interval", 0, "Garbage collection interval")

	root.AddCommand(
		PutCmd(),
		GetCmd(),
		GCCmd(),
		ConfigCmd(),
		ServeCmd(),
		VersionCmd(),
	)

	return root
}

// SetupGlobalConfig loads the configuration for cmd, initializes the default
// logger from it and attaches both to the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	if _, err := loadEnvFile(cmd); err != nil {
		return err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	flags := make(map[string]any)
	extractCLIFlags(cmd, flags)
	ctx := cmd.Context()
	cfg, err := config.Load(ctx, path, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetupLogger(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Source)
	ctx = logger.ContextWithLogger(ctx, logger.GetDefault())
	ctx = config.ContextWithConfig(ctx, cfg)
	cmd.SetContext(ctx)
	return nil
}
