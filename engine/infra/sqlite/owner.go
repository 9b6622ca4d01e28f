package sqlite

import (
	"context"
	"fmt"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/gofrs/flock"
)

// Claim makes this process the only coordinator writing table in the database
// at path. It takes an exclusive lock on a sibling file and returns the func
// that drops it. In-memory databases are private and never conflict. A table
// claimed elsewhere fails with txn.ErrStoreLocked.
func Claim(path, table string) (func(context.Context) error, error) {
	if path == memoryPath {
		return func(context.Context) error { return nil }, nil
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if table == "" {
		table = DefaultTable
	}
	lock := flock.New(fmt.Sprintf("%s.%s.lock", path, table))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim %s: %w", table, err)
	}
	if !ok {
		return nil, fmt.Errorf("sqlite: claim %s in %s: %w", table, path, txn.ErrStoreLocked)
	}
	return func(context.Context) error {
		if err := lock.Unlock(); err != nil {
			return fmt.Errorf("sqlite: release %s: %w", table, err)
		}
		return nil
	}, nil
}
