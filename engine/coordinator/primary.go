package coordinator

import (
	"context"

	"github.com/compozy/epoxy/engine/txn"
)

// Primary is the store whose commit decides the fate of a transaction. Its commit
// happens after every adapter prepared and before any adapter finalizes.
type Primary interface {
	Begin(ctx context.Context, tc *txn.Context) error
	Commit(ctx context.Context, tc *txn.Context) error
	Rollback(ctx context.Context, tc *txn.Context) error
}

// NopPrimary is used when no primary store is configured.
type NopPrimary struct{}

func (NopPrimary) Begin(context.Context, *txn.Context) error    { return nil }
func (NopPrimary) Commit(context.Context, *txn.Context) error   { return nil }
func (NopPrimary) Rollback(context.Context, *txn.Context) error { return nil }
