package txn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Transition(t *testing.T) {
	t.Run("Should follow the commit path", func(t *testing.T) {
		tc := NewContext(1, 1, IDSet{})
		require.NoError(t, tc.EnsureActive())
		require.NoError(t, tc.Transition(StateValidating))
		assert.ErrorIs(t, tc.EnsureActive(), ErrTransactionClosed)
		require.NoError(t, tc.Transition(StateCommitted))
		assert.Equal(t, StateCommitted, tc.State())
	})
	t.Run("Should abort from validating", func(t *testing.T) {
		tc := NewContext(1, 1, IDSet{})
		require.NoError(t, tc.Transition(StateValidating))
		require.NoError(t, tc.Transition(StateAborted))
	})
	t.Run("Should reject transitions out of terminal states", func(t *testing.T) {
		tc := NewContext(1, 1, IDSet{})
		require.NoError(t, tc.Transition(StateAborted))
		assert.ErrorIs(t, tc.Transition(StateValidating), ErrTransactionClosed)
		assert.ErrorIs(t, tc.Transition(StateAborted), ErrTransactionClosed)
	})
	t.Run("Should reject skipping validation", func(t *testing.T) {
		tc := NewContext(1, 1, IDSet{})
		assert.ErrorIs(t, tc.Transition(StateCommitted), ErrInvalidTransition)
		assert.Equal(t, StateActive, tc.State())
	})
}

func TestContext_ModifiedKeys(t *testing.T) {
	t.Run("Should track keys per store without duplicates", func(t *testing.T) {
		tc := NewContext(3, 2, NewIDSet())
		tc.AddModifiedKey("sql", "b")
		tc.AddModifiedKey("sql", "a")
		tc.AddModifiedKey("sql", "a")
		tc.AddModifiedKey("kv", "x")
		assert.Equal(t, []string{"a", "b"}, tc.ModifiedKeys("sql"))
		assert.Equal(t, []string{"kv", "sql"}, tc.Stores())
		assert.Empty(t, tc.ModifiedKeys("missing"))
	})
	t.Run("Should accept writes from several goroutines", func(t *testing.T) {
		tc := NewContext(3, 2, NewIDSet())
		var wg sync.WaitGroup
		for _, key := range []string{"a", "b", "c", "d"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tc.AddModifiedKey("kv", key)
			}()
		}
		wg.Wait()
		assert.Len(t, tc.ModifiedKeys("kv"), 4)
	})
	t.Run("Should expose the snapshot bounds", func(t *testing.T) {
		tc := NewContext(7, 4, NewIDSet(5, 6))
		assert.Equal(t, ID(7), tc.ID())
		assert.Equal(t, ID(7), tc.Xmax())
		assert.Equal(t, ID(4), tc.Xmin())
		assert.Equal(t, []ID{5, 6}, tc.RecentlyCommitted().Slice())
	})
}

func TestID_String(t *testing.T) {
	assert.Equal(t, "42", ID(42).String())
	assert.Equal(t, "inf", Infinity.String())
}
