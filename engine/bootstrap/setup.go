// Package bootstrap builds a coordinator and its stores from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/epoxy/engine/coordinator"
	"github.com/compozy/epoxy/engine/infra/bolt"
	"github.com/compozy/epoxy/engine/infra/memstore"
	"github.com/compozy/epoxy/engine/infra/postgres"
	"github.com/compozy/epoxy/engine/infra/redis"
	"github.com/compozy/epoxy/engine/infra/sqlite"
	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/pkg/config"
	"github.com/compozy/epoxy/pkg/logger"
)

type closer func(ctx context.Context) error

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// Runtime is a configured coordinator plus the connections its stores hold.
type Runtime struct {
	Coordinator *coordinator.Coordinator
	closers     []closer
	checks      []healthCheck
}

// StoreHealth is the result of pinging one connection.
type StoreHealth struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	// Error is empty when OK.
	Error string `json:"error,omitempty"`
}

// Health pings every connection that supports it, in opening order. Stores
// without a network connection are not listed.
func (r *Runtime) Health(ctx context.Context) []StoreHealth {
	out := make([]StoreHealth, 0, len(r.checks))
	for _, hc := range r.checks {
		h := StoreHealth{Name: hc.name, OK: true}
		if err := hc.check(ctx); err != nil {
			h.OK = false
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	return out
}

func (r *Runtime) track(name string, c closer, check func(ctx context.Context) error) {
	r.closers = append(r.closers, c)
	if check != nil {
		r.checks = append(r.checks, healthCheck{name: name, check: check})
	}
}

// Close stops the GC loop and releases store connections in reverse order of
// opening.
func (r *Runtime) Close(ctx context.Context) error {
	if r.Coordinator != nil {
		r.Coordinator.Stop()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	r.checks = nil
	return errors.Join(errs...)
}

// Setup opens every configured store, registers it in list order, attaches the
// primary database and resumes id allocation from durable stores. Each durable
// store is claimed for the lifetime of the runtime; a store another coordinator
// owns fails with txn.ErrStoreLocked. The GC loop is not started.
func Setup(ctx context.Context, cfg *config.Config) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	log := logger.FromContext(ctx).With("component", "bootstrap")
	ctx = logger.ContextWithLogger(ctx, log)
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()
	primary, err := rt.openPrimary(ctx, &cfg.Primary)
	if err != nil {
		return nil, err
	}
	rt.Coordinator = coordinator.New(
		coordinator.WithPrimary(primary),
		coordinator.WithGCInterval(cfg.Coordinator.GCInterval),
		coordinator.WithLogger(logger.FromContext(ctx).With("component", "coordinator")),
	)
	for i := range cfg.Stores {
		sc := &cfg.Stores[i]
		adapter, err := rt.openStore(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: store %q: %w", sc.Name, err)
		}
		if err := rt.Coordinator.AddStore(adapter); err != nil {
			return nil, fmt.Errorf("bootstrap: store %q: %w", sc.Name, err)
		}
	}
	if err := rt.Coordinator.Resume(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	log.Info("Coordinator ready", "stores", len(cfg.Stores), "primary", cfg.Primary.Driver)
	return rt, nil
}

func (r *Runtime) openPrimary(ctx context.Context, pc *config.PrimaryConfig) (coordinator.Primary, error) {
	if pc.Driver != config.PrimaryPostgres {
		return coordinator.NopPrimary{}, nil
	}
	store, err := postgres.NewStore(ctx, &postgres.Config{ConnString: pc.DSN.Value()})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: primary: %w", err)
	}
	r.track("primary", store.Close, store.HealthCheck)
	return postgres.NewPrimary(store.Pool()), nil
}

func (r *Runtime) openStore(ctx context.Context, sc *config.StoreConfig) (txn.Adapter, error) {
	switch sc.Driver {
	case config.DriverMemory:
		return memstore.New(sc.Name), nil
	case config.DriverPostgres:
		return r.openPostgres(ctx, sc)
	case config.DriverSQLite:
		return r.openSQLite(ctx, sc)
	case config.DriverRedis:
		return r.openRedis(ctx, sc)
	case config.DriverBolt:
		store, err := bolt.Open(ctx, sc.Name, &bolt.Config{Path: sc.Path})
		if err != nil {
			return nil, err
		}
		r.track(sc.Name, store.Close, nil)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", sc.Driver)
	}
}

func (r *Runtime) openPostgres(ctx context.Context, sc *config.StoreConfig) (txn.Adapter, error) {
	dsn := sc.DSN.Value()
	if err := postgres.ApplyMigrations(ctx, dsn); err != nil {
		return nil, err
	}
	store, err := postgres.NewStore(ctx, &postgres.Config{ConnString: dsn, MaxOpenConns: int(sc.MaxConns)})
	if err != nil {
		return nil, err
	}
	r.track(sc.Name, store.Close, store.HealthCheck)
	adapter, err := postgres.NewAdapter(store.Pool(), postgres.WithName(sc.Name), postgres.WithTable(sc.Table))
	if err != nil {
		return nil, err
	}
	release, err := store.Claim(ctx, adapter.Table())
	if err != nil {
		return nil, err
	}
	r.track(sc.Name, release, nil)
	if adapter.Table() != postgres.DefaultTable {
		if err := adapter.CreateTable(ctx); err != nil {
			return nil, err
		}
	}
	return adapter, nil
}

func (r *Runtime) openSQLite(ctx context.Context, sc *config.StoreConfig) (txn.Adapter, error) {
	release, err := sqlite.Claim(sc.Path, sc.Table)
	if err != nil {
		return nil, err
	}
	r.track(sc.Name, release, nil)
	store, err := sqlite.NewStore(ctx, &sqlite.Config{
		Path:         sc.Path,
		MaxOpenConns: int(sc.MaxConns),
		BusyTimeout:  sc.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	r.track(sc.Name, store.Close, store.HealthCheck)
	if err := sqlite.ApplyMigrations(ctx, store.DB()); err != nil {
		return nil, err
	}
	adapter, err := sqlite.NewAdapter(store.DB(), sqlite.WithName(sc.Name), sqlite.WithTable(sc.Table))
	if err != nil {
		return nil, err
	}
	if adapter.Table() != sqlite.DefaultTable {
		if err := adapter.CreateTable(ctx); err != nil {
			return nil, err
		}
	}
	return adapter, nil
}

func (r *Runtime) openRedis(ctx context.Context, sc *config.StoreConfig) (txn.Adapter, error) {
	client, err := redis.NewClient(ctx, &redis.Config{
		URL:      sc.URL.Value(),
		Prefix:   sc.Prefix,
		Embedded: sc.Embedded,
		PoolSize: int(sc.MaxConns),
	})
	if err != nil {
		return nil, err
	}
	r.track(sc.Name, client.Close, client.HealthCheck)
	lease, err := client.Claim(ctx)
	if err != nil {
		return nil, err
	}
	r.track(sc.Name, lease.Release, nil)
	return redis.NewAdapter(client.Client(), redis.WithName(sc.Name), redis.WithPrefix(client.Prefix()))
}
