// Package txntest holds the behavioural suite every txn.Adapter must pass.
package txntest

import (
	"testing"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty adapter for one subtest.
type Factory func(t *testing.T) txn.Adapter

func commitWrite(t *testing.T, a txn.Adapter, tc *txn.Context, key, value string) {
	t.Helper()
	require.NoError(t, a.Update(t.Context(), tc, key, value))
	ok, err := a.Validate(t.Context(), tc)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.PrepareCommit(t.Context(), tc))
	require.NoError(t, a.FinalizeCommit(t.Context(), tc))
}

func snapshot(id, xmin txn.ID, rc ...txn.ID) *txn.Context {
	return txn.NewContext(id, xmin, txn.NewIDSet(rc...))
}

// RunAdapterContract exercises the visibility, validation, commit, abort and
// collection rules against adapters built by newAdapter.
func RunAdapterContract(t *testing.T, newAdapter Factory) {
	t.Run("Should read a committed write from a later snapshot", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(1, 1), "k", "v1")
		got, err := a.Query(t.Context(), snapshot(2, 2), "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", got)
	})

	t.Run("Should report missing keys as not found", func(t *testing.T) {
		a := newAdapter(t)
		_, err := a.Query(t.Context(), snapshot(1, 1), "missing")
		assert.ErrorIs(t, err, txn.ErrNotFound)
	})

	t.Run("Should hide pending writes from everyone", func(t *testing.T) {
		a := newAdapter(t)
		writer := snapshot(1, 1)
		require.NoError(t, a.Update(t.Context(), writer, "k", "v1"))
		_, err := a.Query(t.Context(), writer, "k")
		assert.ErrorIs(t, err, txn.ErrNotFound)
		_, err = a.Query(t.Context(), snapshot(2, 1), "k")
		assert.ErrorIs(t, err, txn.ErrNotFound)
		assert.Equal(t, []string{"k"}, writer.ModifiedKeys(a.Name()))
	})

	t.Run("Should hide pending writes left below a later xmin", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(1, 1), "k", "clean")
		require.NoError(t, a.Update(t.Context(), snapshot(2, 2), "k", "dirty"))
		got, err := a.Query(t.Context(), snapshot(5, 5), "k")
		require.NoError(t, err)
		assert.Equal(t, "clean", got)
	})

	t.Run("Should keep the last write of a transaction", func(t *testing.T) {
		a := newAdapter(t)
		tc := snapshot(1, 1)
		require.NoError(t, a.Update(t.Context(), tc, "k", "first"))
		commitWrite(t, a, tc, "k", "second")
		got, err := a.Query(t.Context(), snapshot(2, 2), "k")
		require.NoError(t, err)
		assert.Equal(t, "second", got)
	})

	t.Run("Should let the first committer win", func(t *testing.T) {
		a := newAdapter(t)
		t1 := snapshot(1, 1)
		t2 := snapshot(2, 1)
		require.NoError(t, a.Update(t.Context(), t1, "k", "one"))
		require.NoError(t, a.Update(t.Context(), t2, "k", "two"))

		ok, err := a.Validate(t.Context(), t1)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, a.PrepareCommit(t.Context(), t1))

		ok, err = a.Validate(t.Context(), t2)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, a.Abort(t.Context(), t2))

		got, err := a.Query(t.Context(), snapshot(3, 3), "k")
		require.NoError(t, err)
		assert.Equal(t, "one", got)
	})

	t.Run("Should not flag writers that committed before the snapshot", func(t *testing.T) {
		a := newAdapter(t)
		t1 := snapshot(1, 1)
		commitWrite(t, a, t1, "k", "one")
		t2 := snapshot(2, 1, 1)
		require.NoError(t, a.Update(t.Context(), t2, "k", "two"))
		ok, err := a.Validate(t.Context(), t2)
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := a.Query(t.Context(), t2, "k")
		require.NoError(t, err)
		assert.Equal(t, "one", got)
	})

	t.Run("Should validate an empty write set", func(t *testing.T) {
		a := newAdapter(t)
		ok, err := a.Validate(t.Context(), snapshot(1, 1))
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, a.Abort(t.Context(), snapshot(1, 1)))
	})

	t.Run("Should restore the prior value after abort", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(1, 1), "k", "kept")
		t2 := snapshot(2, 2)
		require.NoError(t, a.Update(t.Context(), t2, "k", "dropped"))
		require.NoError(t, a.PrepareCommit(t.Context(), t2))
		require.NoError(t, a.Abort(t.Context(), t2))

		got, err := a.Query(t.Context(), snapshot(3, 3), "k")
		require.NoError(t, err)
		assert.Equal(t, "kept", got)

		t4 := snapshot(4, 4)
		commitWrite(t, a, t4, "k", "next")
		got, err = a.Query(t.Context(), snapshot(5, 5), "k")
		require.NoError(t, err)
		assert.Equal(t, "next", got)
	})

	t.Run("Should make prepare idempotent", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(1, 1), "k", "v1")
		t2 := snapshot(2, 2)
		require.NoError(t, a.Update(t.Context(), t2, "k", "v2"))
		require.NoError(t, a.PrepareCommit(t.Context(), t2))
		require.NoError(t, a.PrepareCommit(t.Context(), t2))
		got, err := a.Query(t.Context(), snapshot(3, 3), "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)
		old, err := a.Query(t.Context(), snapshot(2, 2), "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", old)
	})

	t.Run("Should keep old versions visible to older snapshots", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(1, 1), "k", "v1")
		reader := snapshot(2, 2)
		commitWrite(t, a, snapshot(3, 2), "k", "v3")
		got, err := a.Query(t.Context(), reader, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", got)
	})

	t.Run("Should collect only versions that ended before the mark", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(1, 1), "k", "v1")
		commitWrite(t, a, snapshot(2, 2), "k", "v2")
		commitWrite(t, a, snapshot(3, 3), "k", "v3")

		n, err := a.GarbageCollect(t.Context(), 3)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := a.Query(t.Context(), snapshot(3, 3), "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)
		got, err = a.Query(t.Context(), snapshot(4, 4), "k")
		require.NoError(t, err)
		assert.Equal(t, "v3", got)

		n, err = a.GarbageCollect(t.Context(), 10)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		n, err = a.GarbageCollect(t.Context(), 10)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("Should never collect pending versions", func(t *testing.T) {
		a := newAdapter(t)
		tc := snapshot(1, 1)
		require.NoError(t, a.Update(t.Context(), tc, "k", "pending"))
		n, err := a.GarbageCollect(t.Context(), txn.Infinity)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("Should reject empty keys and closed contexts", func(t *testing.T) {
		a := newAdapter(t)
		tc := snapshot(1, 1)
		assert.ErrorIs(t, a.Update(t.Context(), tc, "", "v"), txn.ErrEmptyKey)
		require.NoError(t, tc.Transition(txn.StateAborted))
		assert.ErrorIs(t, a.Update(t.Context(), tc, "k", "v"), txn.ErrTransactionClosed)
	})
}

// RecoverableAdapter is an adapter with restart recovery.
type RecoverableAdapter interface {
	txn.Adapter
	txn.Recoverer
}

// RecoverFactory returns a fresh, empty RecoverableAdapter.
type RecoverFactory func(t *testing.T) RecoverableAdapter

// RunRecoverContract checks restart recovery: pending versions of dead
// transactions disappear and the reported id covers every committed version.
func RunRecoverContract(t *testing.T, newAdapter RecoverFactory) {
	t.Run("Should report zero for an empty store", func(t *testing.T) {
		a := newAdapter(t)
		got, err := a.Recover(t.Context())
		require.NoError(t, err)
		assert.Equal(t, txn.ID(0), got)
	})

	t.Run("Should drop pending versions and keep committed ones", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(3, 3), "k1", "committed")
		require.NoError(t, a.Update(t.Context(), snapshot(5, 3), "k1", "orphan"))
		require.NoError(t, a.Update(t.Context(), snapshot(7, 3), "k2", "orphan"))

		got, err := a.Recover(t.Context())
		require.NoError(t, err)
		assert.Equal(t, txn.ID(7), got, "pending writers count towards the highest id")

		value, err := a.Query(t.Context(), snapshot(8, 8), "k1")
		require.NoError(t, err)
		assert.Equal(t, "committed", value)
		_, err = a.Query(t.Context(), snapshot(8, 8), "k2")
		assert.ErrorIs(t, err, txn.ErrNotFound)

		commitWrite(t, a, snapshot(9, 9), "k1", "next")
		value, err = a.Query(t.Context(), snapshot(10, 10), "k1")
		require.NoError(t, err)
		assert.Equal(t, "next", value)
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		a := newAdapter(t)
		commitWrite(t, a, snapshot(2, 2), "k", "v")
		first, err := a.Recover(t.Context())
		require.NoError(t, err)
		second, err := a.Recover(t.Context())
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
