package coordinator

import (
	"context"
	"errors"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/sethvargo/go-retry"
)

// TxFunc is the body of a transaction run by Run.
type TxFunc func(ctx context.Context, tc *txn.Context) error

// Run begins a transaction, calls fn and commits. When fn or the commit fails before
// the transaction is decided, it is aborted.
func (c *Coordinator) Run(ctx context.Context, fn TxFunc) error {
	tc, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, tc); err != nil {
		return errors.Join(err, c.Abort(ctx, tc))
	}
	if err := c.Commit(ctx, tc); err != nil {
		if tc.State().Terminal() {
			return err
		}
		return errors.Join(err, c.Abort(ctx, tc))
	}
	return nil
}

// RunWithRetry calls Run until it succeeds, fails with anything other than a write
// conflict, or backoff gives up. Each attempt runs in a fresh transaction.
func (c *Coordinator) RunWithRetry(ctx context.Context, backoff retry.Backoff, fn TxFunc) error {
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.Run(ctx, fn)
		if errors.Is(err, ErrValidationFailed) {
			c.log.Debug("Retrying after write conflict", "attempt", attempt)
			return retry.RetryableError(err)
		}
		return err
	})
}
