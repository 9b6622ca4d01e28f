package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/squirrel"
	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/engine/txn/keylock"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTable is the versions table created by the embedded migrations.
const DefaultTable = "epoxy_versions"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DB is the minimal database interface the adapter depends on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Adapter keeps one row per (key, begin_txn) in a Postgres table and implements
// txn.Adapter with plain statements.
type Adapter struct {
	db    DB
	name  string
	table string
	locks *keylock.Table
}

var (
	_ txn.Adapter   = (*Adapter)(nil)
	_ txn.Recoverer = (*Adapter)(nil)
)

type AdapterOption func(*Adapter)

func WithName(name string) AdapterOption {
	return func(a *Adapter) {
		if name != "" {
			a.name = name
		}
	}
}

func WithTable(table string) AdapterOption {
	return func(a *Adapter) {
		if table != "" {
			a.table = table
		}
	}
}

func NewAdapter(db DB, opts ...AdapterOption) (*Adapter, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres: db is required")
	}
	a := &Adapter{db: db, name: "postgres", table: DefaultTable, locks: keylock.New()}
	for _, opt := range opts {
		opt(a)
	}
	if !tableNamePattern.MatchString(a.table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", a.table)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Table returns the versions table name.
func (a *Adapter) Table() string { return a.table }

// CreateTable creates the versions table when it does not exist. The embedded
// migrations already cover DefaultTable; this is for custom table names.
func (a *Adapter) CreateTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	begin_txn BIGINT NOT NULL,
	end_txn BIGINT NOT NULL,
	committed BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (key, begin_txn)
)`, a.table)
	if _, err := a.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", a.table, err)
	}
	return nil
}

func (a *Adapter) Update(ctx context.Context, tc *txn.Context, key, value string) error {
	if err := tc.EnsureActive(); err != nil {
		return err
	}
	if err := txn.ValidateKey(key); err != nil {
		return err
	}
	if err := a.locks.Lock(ctx, key); err != nil {
		return fmt.Errorf("postgres: update: %w", err)
	}
	defer a.locks.Unlock(key)
	sql, args, err := squirrel.Insert(a.table).
		Columns("key", "value", "begin_txn", "end_txn", "committed").
		Values(key, value, int64(tc.ID()), int64(txn.Infinity), false).
		Suffix("ON CONFLICT (key, begin_txn) DO UPDATE SET value = EXCLUDED.value").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: building update: %w", err)
	}
	if _, err := a.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("postgres: update %q: %w", key, err)
	}
	tc.AddModifiedKey(a.name, key)
	return nil
}

func (a *Adapter) Query(ctx context.Context, tc *txn.Context, key string) (string, error) {
	if err := txn.ValidateKey(key); err != nil {
		return "", err
	}
	sql, args, err := squirrel.Select("value").
		From(a.table).
		Where(squirrel.Eq{"key": key}).
		Where("committed").
		Where(squirrel.LtOrEq{"begin_txn": int64(tc.ID())}).
		Where(squirrel.GtOrEq{"end_txn": int64(tc.Xmin())}).
		Where(squirrel.Or{
			squirrel.Lt{"begin_txn": int64(tc.Xmin())},
			squirrel.Expr("begin_txn = ANY(?)", tc.RecentlyCommitted().Int64s()),
		}).
		OrderBy("begin_txn DESC").
		Limit(1).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("postgres: building query: %w", err)
	}
	var value string
	if err := pgxscan.Get(ctx, a.db, &value, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return "", txn.ErrNotFound
		}
		return "", fmt.Errorf("postgres: query %q: %w", key, err)
	}
	return value, nil
}

func (a *Adapter) Validate(ctx context.Context, tc *txn.Context) (bool, error) {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return true, nil
	}
	sql, args, err := squirrel.Select("begin_txn").
		From(a.table).
		Where(squirrel.Eq{"key": keys}).
		Where("committed").
		Where(squirrel.GtOrEq{"begin_txn": int64(tc.Xmin())}).
		Where(squirrel.NotEq{"begin_txn": int64(tc.ID())}).
		Where(squirrel.Expr("NOT (begin_txn = ANY(?))", tc.RecentlyCommitted().Int64s())).
		Limit(1).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("postgres: building validation: %w", err)
	}
	var conflicts []int64
	if err := pgxscan.Select(ctx, a.db, &conflicts, sql, args...); err != nil {
		return false, fmt.Errorf("postgres: validate: %w", err)
	}
	if len(conflicts) > 0 {
		logger.FromContext(ctx).Debug("Conflicting version found",
			"store", a.name, "txn", tc.ID(), "writer", conflicts[0])
	}
	return len(conflicts) == 0, nil
}

// PrepareCommit closes the versions superseded by tc and promotes its pending rows
// inside one database transaction.
func (a *Adapter) PrepareCommit(ctx context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return nil
	}
	unlock, err := a.locks.LockAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("postgres: prepare: %w", err)
	}
	defer unlock()
	err = a.withTransaction(ctx, func(tx pgx.Tx) error {
		for _, key := range keys {
			if err := a.promote(ctx, tx, tc.ID(), key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: prepare txn %s: %w", tc.ID(), err)
	}
	return nil
}

func (a *Adapter) promote(ctx context.Context, tx pgx.Tx, id txn.ID, key string) error {
	closeSQL, closeArgs, err := squirrel.Update(a.table).
		Set("end_txn", int64(id)).
		Where(squirrel.Eq{"key": key}).
		Where("committed").
		Where(squirrel.Lt{"begin_txn": int64(id)}).
		Where(squirrel.Gt{"end_txn": int64(id)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building close: %w", err)
	}
	if _, err := tx.Exec(ctx, closeSQL, closeArgs...); err != nil {
		return fmt.Errorf("close superseded %q: %w", key, err)
	}
	nextCommitted := fmt.Sprintf(
		"COALESCE((SELECT MIN(n.begin_txn) FROM %s n WHERE n.key = ? AND n.committed AND n.begin_txn > ?), ?)",
		a.table,
	)
	promoteSQL, promoteArgs, err := squirrel.Update(a.table).
		Set("committed", true).
		Set("end_txn", squirrel.Expr(nextCommitted, key, int64(id), int64(txn.Infinity))).
		Where(squirrel.Eq{"key": key, "begin_txn": int64(id)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building promote: %w", err)
	}
	if _, err := tx.Exec(ctx, promoteSQL, promoteArgs...); err != nil {
		return fmt.Errorf("promote %q: %w", key, err)
	}
	return nil
}

func (a *Adapter) FinalizeCommit(context.Context, *txn.Context) error { return nil }

// Abort deletes every row written by tc and reopens the rows it closed.
func (a *Adapter) Abort(ctx context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return nil
	}
	unlock, err := a.locks.LockAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("postgres: abort: %w", err)
	}
	defer unlock()
	deleteSQL, deleteArgs, err := squirrel.Delete(a.table).
		Where(squirrel.Eq{"begin_txn": int64(tc.ID())}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: building abort delete: %w", err)
	}
	reopen := fmt.Sprintf(
		"COALESCE((SELECT MIN(n.begin_txn) FROM %s n WHERE n.key = v.key AND n.committed AND n.begin_txn > v.begin_txn), ?)",
		a.table,
	)
	reopenSQL, reopenArgs, err := squirrel.Update(a.table+" AS v").
		Set("end_txn", squirrel.Expr(reopen, int64(txn.Infinity))).
		Where(squirrel.Eq{"v.end_txn": int64(tc.ID())}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: building abort reopen: %w", err)
	}
	err = a.withTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteSQL, deleteArgs...); err != nil {
			return fmt.Errorf("delete versions: %w", err)
		}
		if _, err := tx.Exec(ctx, reopenSQL, reopenArgs...); err != nil {
			return fmt.Errorf("reopen versions: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: abort txn %s: %w", tc.ID(), err)
	}
	return nil
}

func (a *Adapter) GarbageCollect(ctx context.Context, globalXmin txn.ID) (int64, error) {
	sql, args, err := squirrel.Delete(a.table).
		Where("committed").
		Where(squirrel.Lt{"end_txn": int64(globalXmin)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("postgres: building gc: %w", err)
	}
	tag, err := a.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: gc: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Recover implements txn.Recoverer. The reported id includes pending rows, so
// ids of transactions that crashed mid-write are not handed out again.
func (a *Adapter) Recover(ctx context.Context) (txn.ID, error) {
	delSQL, delArgs, err := squirrel.Delete(a.table).
		Where("NOT committed").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("postgres: building recover: %w", err)
	}
	maxSQL, maxArgs, err := squirrel.Select("COALESCE(MAX(begin_txn), 0)").
		From(a.table).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("postgres: building recover: %w", err)
	}
	var maxID int64
	err = a.withTransaction(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, maxSQL, maxArgs...).Scan(&maxID); err != nil {
			return fmt.Errorf("reading highest id: %w", err)
		}
		tag, err := tx.Exec(ctx, delSQL, delArgs...)
		if err != nil {
			return fmt.Errorf("dropping pending versions: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			logger.FromContext(ctx).Info("Dropped pending versions", "store", a.name, "count", n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: recover: %w", err)
	}
	return txn.ID(maxID), nil
}

func (a *Adapter) withTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logger.FromContext(ctx).Warn("Transaction rollback failed", "store", a.name, "error", rbErr)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
