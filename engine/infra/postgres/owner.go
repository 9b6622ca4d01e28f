package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const ownerLockNamespace = "epoxy"

type lockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// claimTable takes the session advisory lock that marks table as owned.
func claimTable(ctx context.Context, conn lockConn, table string) error {
	var ok bool
	err := conn.QueryRow(
		ctx,
		"select pg_try_advisory_lock(hashtext($1), hashtext($2))",
		ownerLockNamespace,
		table,
	).Scan(&ok)
	if err != nil {
		return fmt.Errorf("postgres: claim %s: %w", table, err)
	}
	if !ok {
		return fmt.Errorf("postgres: claim %s: %w", table, txn.ErrStoreLocked)
	}
	return nil
}

func releaseTable(ctx context.Context, conn lockConn, table string) error {
	if _, err := conn.Exec(
		ctx,
		"select pg_advisory_unlock(hashtext($1), hashtext($2))",
		ownerLockNamespace,
		table,
	); err != nil {
		return fmt.Errorf("postgres: release %s: %w", table, err)
	}
	return nil
}

// Claim makes this process the only coordinator writing table. The lock lives
// on a dedicated session outside the pool and is held until the returned func
// runs or the session drops. A table claimed elsewhere fails with
// txn.ErrStoreLocked.
func (s *Store) Claim(ctx context.Context, table string) (func(context.Context) error, error) {
	if table == "" {
		table = DefaultTable
	}
	conn, err := pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("postgres: claim %s: %w", table, err)
	}
	if err := claimTable(ctx, conn, table); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	logger.FromContext(ctx).Debug("Versions table claimed", "table", table)
	return func(ctx context.Context) error {
		err := releaseTable(ctx, conn, table)
		return errors.Join(err, conn.Close(ctx))
	}, nil
}
