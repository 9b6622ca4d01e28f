package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/squirrel"
	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/engine/txn/keylock"
	"github.com/compozy/epoxy/pkg/logger"
)

const DefaultTable = "epoxy_versions"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Adapter implements txn.Adapter over a SQLite versions table.
type Adapter struct {
	db    *sql.DB
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

func NewAdapter(db *sql.DB, opts ...AdapterOption) (*Adapter, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite: db is required")
	}
	a := &Adapter{db: db, name: "sqlite", table: DefaultTable, locks: keylock.New()}
	for _, opt := range opts {
		opt(a)
	}
	if !tableNamePattern.MatchString(a.table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", a.table)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Table() string { return a.table }

// CreateTable creates a versions table with a custom name.
func (a *Adapter) CreateTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	begin_txn INTEGER NOT NULL,
	end_txn INTEGER NOT NULL,
	committed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (key, begin_txn)
)`, a.table)
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", a.table, err)
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
		return fmt.Errorf("sqlite: update: %w", err)
	}
	defer a.locks.Unlock(key)
	query, args, err := squirrel.Insert(a.table).
		Columns("key", "value", "begin_txn", "end_txn", "committed").
		Values(key, value, int64(tc.ID()), int64(txn.Infinity), 0).
		Suffix("ON CONFLICT (key, begin_txn) DO UPDATE SET value = excluded.value").
		ToSql()
	if err != nil {
		return fmt.Errorf("sqlite: building update: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: update %q: %w", key, err)
	}
	tc.AddModifiedKey(a.name, key)
	return nil
}

func (a *Adapter) Query(ctx context.Context, tc *txn.Context, key string) (string, error) {
	if err := txn.ValidateKey(key); err != nil {
		return "", err
	}
	query, args, err := squirrel.Select("value").
		From(a.table).
		Where(squirrel.Eq{"key": key}).
		Where("committed = 1").
		Where(squirrel.LtOrEq{"begin_txn": int64(tc.ID())}).
		Where(squirrel.GtOrEq{"end_txn": int64(tc.Xmin())}).
		Where(squirrel.Or{
			squirrel.Lt{"begin_txn": int64(tc.Xmin())},
			squirrel.Eq{"begin_txn": tc.RecentlyCommitted().Int64s()},
		}).
		OrderBy("begin_txn DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("sqlite: building query: %w", err)
	}
	var value string
	if err := a.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", txn.ErrNotFound
		}
		return "", fmt.Errorf("sqlite: query %q: %w", key, err)
	}
	return value, nil
}

func (a *Adapter) Validate(ctx context.Context, tc *txn.Context) (bool, error) {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return true, nil
	}
	query, args, err := squirrel.Select("begin_txn").
		From(a.table).
		Where(squirrel.Eq{"key": keys}).
		Where("committed = 1").
		Where(squirrel.GtOrEq{"begin_txn": int64(tc.Xmin())}).
		Where(squirrel.NotEq{"begin_txn": int64(tc.ID())}).
		Where(squirrel.NotEq{"begin_txn": tc.RecentlyCommitted().Int64s()}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("sqlite: building validation: %w", err)
	}
	var writer int64
	err = a.db.QueryRowContext(ctx, query, args...).Scan(&writer)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("sqlite: validate: %w", err)
	}
	logger.FromContext(ctx).Debug("Conflicting version found", "store", a.name, "txn", tc.ID(), "writer", writer)
	return false, nil
}

func (a *Adapter) PrepareCommit(ctx context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return nil
	}
	unlock, err := a.locks.LockAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer unlock()
	id := int64(tc.ID())
	nextCommitted := fmt.Sprintf(
		"COALESCE((SELECT MIN(n.begin_txn) FROM %s n WHERE n.key = ? AND n.committed = 1 AND n.begin_txn > ?), ?)",
		a.table,
	)
	err = a.withTransaction(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			closeSQL, closeArgs, err := squirrel.Update(a.table).
				Set("end_txn", id).
				Where(squirrel.Eq{"key": key}).
				Where("committed = 1").
				Where(squirrel.Lt{"begin_txn": id}).
				Where(squirrel.Gt{"end_txn": id}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building close: %w", err)
			}
			if _, err := tx.ExecContext(ctx, closeSQL, closeArgs...); err != nil {
				return fmt.Errorf("close superseded %q: %w", key, err)
			}
			promoteSQL, promoteArgs, err := squirrel.Update(a.table).
				Set("committed", 1).
				Set("end_txn", squirrel.Expr(nextCommitted, key, id, int64(txn.Infinity))).
				Where(squirrel.Eq{"key": key, "begin_txn": id}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building promote: %w", err)
			}
			if _, err := tx.ExecContext(ctx, promoteSQL, promoteArgs...); err != nil {
				return fmt.Errorf("promote %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: prepare txn %s: %w", tc.ID(), err)
	}
	return nil
}

func (a *Adapter) FinalizeCommit(context.Context, *txn.Context) error { return nil }

func (a *Adapter) Abort(ctx context.Context, tc *txn.Context) error {
	keys := tc.ModifiedKeys(a.name)
	if len(keys) == 0 {
		return nil
	}
	unlock, err := a.locks.LockAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("sqlite: abort: %w", err)
	}
	defer unlock()
	id := int64(tc.ID())
	reopen := fmt.Sprintf(
		"COALESCE((SELECT MIN(n.begin_txn) FROM %[1]s n WHERE n.key = %[1]s.key "+
			"AND n.committed = 1 AND n.begin_txn > %[1]s.begin_txn), ?)",
		a.table,
	)
	err = a.withTransaction(ctx, func(tx *sql.Tx) error {
		deleteSQL, deleteArgs, err := squirrel.Delete(a.table).Where(squirrel.Eq{"begin_txn": id}).ToSql()
		if err != nil {
			return fmt.Errorf("building delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteSQL, deleteArgs...); err != nil {
			return fmt.Errorf("delete versions: %w", err)
		}
		reopenSQL, reopenArgs, err := squirrel.Update(a.table).
			Set("end_txn", squirrel.Expr(reopen, int64(txn.Infinity))).
			Where(squirrel.Eq{"end_txn": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building reopen: %w", err)
		}
		if _, err := tx.ExecContext(ctx, reopenSQL, reopenArgs...); err != nil {
			return fmt.Errorf("reopen versions: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: abort txn %s: %w", tc.ID(), err)
	}
	return nil
}

func (a *Adapter) GarbageCollect(ctx context.Context, globalXmin txn.ID) (int64, error) {
	query, args, err := squirrel.Delete(a.table).
		Where("committed = 1").
		Where(squirrel.Lt{"end_txn": int64(globalXmin)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("sqlite: building gc: %w", err)
	}
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: gc: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: gc rows affected: %w", err)
	}
	return n, nil
}

// Recover implements txn.Recoverer. Pending rows count towards the reported id
// before they are dropped.
func (a *Adapter) Recover(ctx context.Context) (txn.ID, error) {
	delSQL, delArgs, err := squirrel.Delete(a.table).Where("committed = 0").ToSql()
	if err != nil {
		return 0, fmt.Errorf("sqlite: building recover: %w", err)
	}
	maxSQL, maxArgs, err := squirrel.Select("COALESCE(MAX(begin_txn), 0)").From(a.table).ToSql()
	if err != nil {
		return 0, fmt.Errorf("sqlite: building recover: %w", err)
	}
	var maxID int64
	err = a.withTransaction(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, maxSQL, maxArgs...).Scan(&maxID); err != nil {
			return fmt.Errorf("reading highest id: %w", err)
		}
		res, err := tx.ExecContext(ctx, delSQL, delArgs...)
		if err != nil {
			return fmt.Errorf("dropping pending versions: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			logger.FromContext(ctx).Info("Dropped pending versions", "store", a.name, "count", n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover: %w", err)
	}
	return txn.ID(maxID), nil
}

func (a *Adapter) withTransaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.FromContext(ctx).Warn("Transaction rollback failed", "store", a.name, "error", rbErr)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
