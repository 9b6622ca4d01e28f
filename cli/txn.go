package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compozy/epoxy/engine/bootstrap"
	"github.com/compozy/epoxy/engine/coordinator"
	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/pkg/config"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
)

// withRuntime builds the configured coordinator for one command and closes it
// afterwards.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) (err error) {
	ctx := cmd.Context()
	rt, err := bootstrap.Setup(ctx, config.FromContext(ctx))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close(context.WithoutCancel(ctx)))
	}()
	return fn(ctx, rt)
}

type write struct {
	store, key, value string
}

func parseWrites(args []string) ([]write, error) {
	if len(args) == 0 || len(args)%3 != 0 {
		return nil, fmt.Errorf("expected <store> <key> <value> triples, got %d arguments", len(args))
	}
	writes := make([]write, 0, len(args)/3)
	for i := 0; i < len(args); i += 3 {
		writes = append(writes, write{store: args[i], key: args[i+1], value: args[i+2]})
	}
	return writes, nil
}

func retryBackoff(cfg *config.CoordinatorConfig) retry.Backoff {
	base := cfg.RetryBackoff
	if base <= 0 {
		base = time.Millisecond
	}
	backoff := retry.NewExponential(base)
	return retry.WithMaxRetries(uint64(cfg.RetryMaxAttempts), backoff)
}

// PutCmd writes one or more values in a single cross-store transaction,
// retrying on write conflicts.
func PutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <store> <key> <value> [<store> <key> <value>...]",
		Short: "Write values atomically across stores",
		Args: func(_ *cobra.Command, args []string) error {
			_, err := parseWrites(args)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			writes, err := parseWrites(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				return runPut(ctx, cmd, rt.Coordinator, writes)
			})
		},
	}
}

func runPut(ctx context.Context, cmd *cobra.Command, c *coordinator.Coordinator, writes []write) error {
	log := logger.FromContext(ctx)
	adapters := make([]txn.Adapter, len(writes))
	for i, w := range writes {
		adapter, err := c.Store(w.store)
		if err != nil {
			return err
		}
		adapters[i] = adapter
	}
	backoff := retryBackoff(&config.FromContext(ctx).Coordinator)
	var committed txn.ID
	err := c.RunWithRetry(ctx, backoff, func(ctx context.Context, tc *txn.Context) error {
		for i, w := range writes {
			if err := adapters[i].Update(ctx, tc, w.key, w.value); err != nil {
				return err
			}
		}
		committed = tc.ID()
		return nil
	})
	if err != nil {
		return fmt.Errorf("put failed: %w", err)
	}
	log.Debug("Transaction committed", "txn", committed, "writes", len(writes))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "committed txn %s (%d writes)\n", committed, len(writes))
	return err
}

// GetCmd reads one key in a fresh snapshot.
func GetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <store> <key>",
		Short: "Read the latest committed value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				return runGet(ctx, cmd, rt.Coordinator, args[0], args[1])
			})
		},
	}
}

func runGet(ctx context.Context, cmd *cobra.Command, c *coordinator.Coordinator, store, key string) error {
	adapter, err := c.Store(store)
	if err != nil {
		return err
	}
	var value string
	err = c.Run(ctx, func(ctx context.Context, tc *txn.Context) error {
		var err error
		value, err = adapter.Query(ctx, tc, key)
		return err
	})
	if errors.Is(err, txn.ErrNotFound) {
		return fmt.Errorf("%s/%s: %w", store, key, txn.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
	return err
}
