package postgres

import (
	"errors"
	"math"
	"testing"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inf = int64(math.MaxInt64)

func newMockAdapter(t *testing.T, opts ...AdapterOption) (*Adapter, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	a, err := NewAdapter(mockPool, opts...)
	require.NoError(t, err)
	return a, mockPool
}

func TestNewAdapter(t *testing.T) {
	t.Run("Should apply defaults", func(t *testing.T) {
		a, _ := newMockAdapter(t)
		assert.Equal(t, "postgres", a.Name())
		assert.Equal(t, DefaultTable, a.Table())
	})

	t.Run("Should reject unsafe table names", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		_, err = NewAdapter(mockPool, WithTable("versions; DROP TABLE users"))
		assert.ErrorContains(t, err, "invalid table name")
		_, err = NewAdapter(nil)
		assert.Error(t, err)
	})

	t.Run("Should create custom tables", func(t *testing.T) {
		a, mockPool := newMockAdapter(t, WithName("catalog"), WithTable("catalog_versions"))
		mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS catalog_versions").
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		require.NoError(t, a.CreateTable(t.Context()))
		assert.Equal(t, "catalog", a.Name())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAdapter_Update(t *testing.T) {
	t.Run("Should upsert a pending version and record the key", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := txn.NewContext(3, 2, txn.IDSet{})
		mockPool.ExpectExec("INSERT INTO epoxy_versions (.+) ON CONFLICT \\(key, begin_txn\\) DO UPDATE SET value = EXCLUDED.value").
			WithArgs("k", "v", int64(3), inf, false).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		require.NoError(t, a.Update(t.Context(), tc, "k", "v"))
		assert.Equal(t, []string{"k"}, tc.ModifiedKeys("postgres"))
		assert.Equal(t, 0, a.locks.Len())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should wrap driver errors and leave the write set untouched", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := txn.NewContext(3, 2, txn.IDSet{})
		mockPool.ExpectExec("INSERT INTO epoxy_versions").
			WillReturnError(errors.New("connection reset"))
		err := a.Update(t.Context(), tc, "k", "v")
		assert.ErrorContains(t, err, "postgres: update")
		assert.Empty(t, tc.ModifiedKeys("postgres"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should refuse closed contexts before touching the database", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := txn.NewContext(3, 2, txn.IDSet{})
		require.NoError(t, tc.Transition(txn.StateAborted))
		assert.ErrorIs(t, a.Update(t.Context(), tc, "k", "v"), txn.ErrTransactionClosed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAdapter_Query(t *testing.T) {
	const querySQL = "SELECT value FROM epoxy_versions WHERE key = \\$1 AND committed AND begin_txn <= \\$2 AND end_txn >= \\$3 " +
		"AND \\(begin_txn < \\$4 OR begin_txn = ANY\\(\\$5\\)\\) ORDER BY begin_txn DESC LIMIT 1"

	t.Run("Should read the newest visible version", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := txn.NewContext(5, 3, txn.NewIDSet(4))
		mockPool.ExpectQuery(querySQL).
			WithArgs("k", int64(5), int64(3), int64(3), []int64{4}).
			WillReturnRows(mockPool.NewRows([]string{"value"}).AddRow("v4"))
		got, err := a.Query(t.Context(), tc, "k")
		require.NoError(t, err)
		assert.Equal(t, "v4", got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should map empty results to not found", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := txn.NewContext(5, 5, txn.IDSet{})
		mockPool.ExpectQuery(querySQL).
			WithArgs("k", int64(5), int64(5), int64(5), []int64{}).
			WillReturnRows(mockPool.NewRows([]string{"value"}))
		_, err := a.Query(t.Context(), tc, "k")
		assert.ErrorIs(t, err, txn.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAdapter_Validate(t *testing.T) {
	const validateSQL = "SELECT begin_txn FROM epoxy_versions WHERE key IN \\(\\$1,\\$2\\) AND committed " +
		"AND begin_txn >= \\$3 AND begin_txn <> \\$4 AND NOT \\(begin_txn = ANY\\(\\$5\\)\\) LIMIT 1"

	newWriter := func(t *testing.T, a *Adapter, mockPool pgxmock.PgxPoolIface) *txn.Context {
		tc := txn.NewContext(5, 3, txn.IDSet{})
		for _, k := range []string{"b", "a"} {
			mockPool.ExpectExec("INSERT INTO epoxy_versions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
			require.NoError(t, a.Update(t.Context(), tc, k, "v"))
		}
		return tc
	}

	t.Run("Should pass when no concurrent committed write exists", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := newWriter(t, a, mockPool)
		mockPool.ExpectQuery(validateSQL).
			WithArgs("a", "b", int64(3), int64(5), []int64{}).
			WillReturnRows(mockPool.NewRows([]string{"begin_txn"}))
		ok, err := a.Validate(t.Context(), tc)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should fail on a conflicting writer", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := newWriter(t, a, mockPool)
		mockPool.ExpectQuery(validateSQL).
			WithArgs("a", "b", int64(3), int64(5), []int64{}).
			WillReturnRows(mockPool.NewRows([]string{"begin_txn"}).AddRow(int64(4)))
		ok, err := a.Validate(t.Context(), tc)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should skip the database for empty write sets", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		ok, err := a.Validate(t.Context(), txn.NewContext(1, 1, txn.IDSet{}))
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, a.PrepareCommit(t.Context(), txn.NewContext(1, 1, txn.IDSet{})))
		require.NoError(t, a.Abort(t.Context(), txn.NewContext(1, 1, txn.IDSet{})))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAdapter_PrepareCommit(t *testing.T) {
	writer := func(t *testing.T, a *Adapter, mockPool pgxmock.PgxPoolIface) *txn.Context {
		tc := txn.NewContext(5, 5, txn.IDSet{})
		mockPool.ExpectExec("INSERT INTO epoxy_versions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		require.NoError(t, a.Update(t.Context(), tc, "k", "v"))
		return tc
	}

	t.Run("Should close superseded versions and promote in one transaction", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := writer(t, a, mockPool)
		mockPool.ExpectBegin()
		mockPool.ExpectExec("UPDATE epoxy_versions SET end_txn = \\$1 WHERE key = \\$2 AND committed AND begin_txn < \\$3 AND end_txn > \\$4").
			WithArgs(int64(5), "k", int64(5), int64(5)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec("UPDATE epoxy_versions SET committed = \\$1, end_txn = COALESCE\\(\\(SELECT MIN\\(n.begin_txn\\)").
			WithArgs(true, "k", int64(5), inf, int64(5), "k").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		require.NoError(t, a.PrepareCommit(t.Context(), tc))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should roll back when a statement fails", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := writer(t, a, mockPool)
		mockPool.ExpectBegin()
		mockPool.ExpectExec("UPDATE epoxy_versions SET end_txn").
			WillReturnError(errors.New("deadlock detected"))
		mockPool.ExpectRollback()
		err := a.PrepareCommit(t.Context(), tc)
		assert.ErrorContains(t, err, "deadlock detected")
		assert.Equal(t, 0, a.locks.Len())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAdapter_Abort(t *testing.T) {
	t.Run("Should delete own rows and reopen closed ones", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		tc := txn.NewContext(5, 5, txn.IDSet{})
		mockPool.ExpectExec("INSERT INTO epoxy_versions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		require.NoError(t, a.Update(t.Context(), tc, "k", "v"))
		mockPool.ExpectBegin()
		mockPool.ExpectExec("DELETE FROM epoxy_versions WHERE begin_txn = \\$1").
			WithArgs(int64(5)).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mockPool.ExpectExec("UPDATE epoxy_versions AS v SET end_txn = COALESCE(.+) WHERE v.end_txn = \\$2").
			WithArgs(inf, int64(5)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		require.NoError(t, a.Abort(t.Context(), tc))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAdapter_GarbageCollect(t *testing.T) {
	t.Run("Should delete committed versions ended before the mark", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		mockPool.ExpectExec("DELETE FROM epoxy_versions WHERE committed AND end_txn < \\$1").
			WithArgs(int64(4)).
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
		n, err := a.GarbageCollect(t.Context(), 4)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should surface driver failures", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		mockPool.ExpectExec("DELETE FROM epoxy_versions").WillReturnError(errors.New("read only"))
		_, err := a.GarbageCollect(t.Context(), 4)
		assert.ErrorContains(t, err, "postgres: gc")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestAdapter_Recover(t *testing.T) {
	t.Run("Should drop pending rows and report the newest begin", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		mockPool.ExpectBegin()
		mockPool.ExpectQuery("SELECT COALESCE\\(MAX\\(begin_txn\\), 0\\) FROM epoxy_versions").
			WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(41)))
		mockPool.ExpectExec("DELETE FROM epoxy_versions WHERE NOT committed").
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mockPool.ExpectCommit()
		got, err := a.Recover(t.Context())
		require.NoError(t, err)
		assert.Equal(t, txn.ID(41), got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Should roll back when the cleanup fails", func(t *testing.T) {
		a, mockPool := newMockAdapter(t)
		mockPool.ExpectBegin()
		mockPool.ExpectQuery("SELECT COALESCE").
			WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(7)))
		mockPool.ExpectExec("DELETE FROM epoxy_versions").
			WillReturnError(errors.New("permission denied"))
		mockPool.ExpectRollback()
		_, err := a.Recover(t.Context())
		assert.ErrorContains(t, err, "postgres: recover")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
