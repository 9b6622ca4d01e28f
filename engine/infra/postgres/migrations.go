package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/compozy/epoxy/pkg/logger"
	"github.com/pressly/goose/v3"

	// Register pgx stdlib driver for database/sql usage in migrations.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	migrationLockTimeout = 45 * time.Second
	// migrationLockKey is the advisory lock id shared by every epoxy process.
	migrationLockKey int64 = 0x65706f7879
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplyMigrations creates or upgrades the versions table. An advisory lock keeps
// concurrent processes from migrating at the same time.
func ApplyMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire dedicated connection: %w", err)
	}
	defer conn.Close()
	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
		if err != nil {
			logger.FromContext(ctx).Warn("Migration lock not released", "error", err)
		}
	}()
	return RunMigrationsForDB(ctx, db)
}

// RunMigrationsForDB applies the embedded migrations on an existing *sql.DB.
func RunMigrationsForDB(ctx context.Context, db *sql.DB) error {
	dir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations dir: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, dir)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if len(results) > 0 {
		logger.FromContext(ctx).Info("Applied Postgres migrations", "count", len(results))
	}
	return nil
}
