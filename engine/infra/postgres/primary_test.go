package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/compozy/epoxy/engine/coordinator"
	"github.com/compozy/epoxy/engine/infra/memstore"
	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/pkg/logger"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimary(t *testing.T) {
	t.Run("Should bind a database transaction and commit it", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		p := NewPrimary(mockPool)
		tc := txn.NewContext(1, 1, txn.IDSet{})
		mockPool.ExpectBegin()
		mockPool.ExpectExec("INSERT INTO orders").
			WithArgs("o-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		require.NoError(t, p.Begin(t.Context(), tc))
		tx, err := p.Tx(tc)
		require.NoError(t, err)
		_, err = tx.Exec(t.Context(), "INSERT INTO orders (id) VALUES ($1)", "o-1")
		require.NoError(t, err)
		require.NoError(t, p.Commit(t.Context(), tc))
		assert.Equal(t, 0, p.Open())
		_, err = p.Tx(tc)
		assert.ErrorIs(t, err, ErrNoPrimaryTx)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should roll back once and ignore unknown transactions", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		p := NewPrimary(mockPool)
		tc := txn.NewContext(1, 1, txn.IDSet{})
		mockPool.ExpectBegin()
		mockPool.ExpectRollback()
		require.NoError(t, p.Begin(t.Context(), tc))
		require.NoError(t, p.Rollback(t.Context(), tc))
		require.NoError(t, p.Rollback(t.Context(), tc))
		assert.ErrorIs(t, p.Commit(t.Context(), tc), ErrNoPrimaryTx)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should report begin failures", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		p := NewPrimary(mockPool)
		mockPool.ExpectBegin().WillReturnError(errors.New("too many connections"))
		err = p.Begin(t.Context(), txn.NewContext(1, 1, txn.IDSet{}))
		assert.ErrorContains(t, err, "primary begin")
		assert.Equal(t, 0, p.Open())
	})

	t.Run("Should drive the primary from the coordinator", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		p := NewPrimary(mockPool)
		c := coordinator.New(coordinator.WithPrimary(p), coordinator.WithLogger(logger.NewForTests()))
		store := memstore.New("mem")
		require.NoError(t, c.AddStore(store))
		mockPool.ExpectBegin()
		mockPool.ExpectCommit()
		mockPool.ExpectBegin()
		mockPool.ExpectRollback()

		require.NoError(t, c.Run(t.Context(), func(ctx context.Context, tc *txn.Context) error {
			return store.Update(ctx, tc, "k", "v")
		}))
		err = c.Run(t.Context(), func(context.Context, *txn.Context) error {
			return errors.New("caller gave up")
		})
		assert.ErrorContains(t, err, "caller gave up")
		assert.Equal(t, 0, p.Open())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
