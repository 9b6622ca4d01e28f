package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/jackc/pgx/v5"
)

var ErrNoPrimaryTx = errors.New("postgres: no primary transaction")

// Beginner opens database transactions. *pgxpool.Pool and pgxmock pools satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Primary binds one pgx.Tx to every coordinator transaction. Rows written through
// Tx commit exactly when the coordinator commits the primary store.
type Primary struct {
	db Beginner

	mu  sync.Mutex
	txs map[txn.ID]pgx.Tx
}

func NewPrimary(db Beginner) *Primary {
	return &Primary{db: db, txs: make(map[txn.ID]pgx.Tx)}
}

func (p *Primary) Begin(ctx context.Context, tc *txn.Context) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: primary begin: %w", err)
	}
	p.mu.Lock()
	p.txs[tc.ID()] = tx
	p.mu.Unlock()
	return nil
}

// Tx returns the database transaction bound to tc.
func (p *Primary) Tx(tc *txn.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[tc.ID()]
	if !ok {
		return nil, fmt.Errorf("txn %s: %w", tc.ID(), ErrNoPrimaryTx)
	}
	return tx, nil
}

func (p *Primary) take(id txn.ID) (pgx.Tx, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.txs[id]
	delete(p.txs, id)
	return tx, ok
}

func (p *Primary) Commit(ctx context.Context, tc *txn.Context) error {
	tx, ok := p.take(tc.ID())
	if !ok {
		return fmt.Errorf("txn %s: %w", tc.ID(), ErrNoPrimaryTx)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: primary commit: %w", err)
	}
	return nil
}

// Rollback is a no-op for transactions that no longer hold a database transaction.
func (p *Primary) Rollback(ctx context.Context, tc *txn.Context) error {
	tx, ok := p.take(tc.ID())
	if !ok {
		return nil
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: primary rollback: %w", err)
	}
	return nil
}

// Open returns the number of database transactions still held.
func (p *Primary) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}
