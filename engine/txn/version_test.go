package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func committed(key, value string, begin, end ID) Version {
	return Version{Key: key, Value: value, BeginTxn: begin, EndTxn: end, Committed: true}
}

func pending(key, value string, begin ID) Version {
	return Version{Key: key, Value: value, BeginTxn: begin, EndTxn: Infinity}
}

func TestContext_Sees(t *testing.T) {
	t.Run("Should see versions written before xmin", func(t *testing.T) {
		tc := NewContext(5, 5, IDSet{})
		assert.True(t, tc.Sees(committed("k", "a", 2, Infinity)))
	})
	t.Run("Should not see versions written after its id", func(t *testing.T) {
		tc := NewContext(5, 3, IDSet{})
		assert.False(t, tc.Sees(committed("k", "a", 6, Infinity)))
	})
	t.Run("Should not see concurrent writers outside the recently committed set", func(t *testing.T) {
		tc := NewContext(5, 3, IDSet{})
		assert.False(t, tc.Sees(committed("k", "a", 4, Infinity)))
	})
	t.Run("Should see writers in the recently committed set", func(t *testing.T) {
		tc := NewContext(5, 3, NewIDSet(4))
		assert.True(t, tc.Sees(committed("k", "a", 4, Infinity)))
	})
	t.Run("Should not see versions superseded before xmin", func(t *testing.T) {
		tc := NewContext(5, 3, IDSet{})
		assert.False(t, tc.Sees(committed("k", "a", 1, 2)))
	})
	t.Run("Should see versions superseded by the oldest active transaction", func(t *testing.T) {
		tc := NewContext(5, 3, IDSet{})
		assert.True(t, tc.Sees(committed("k", "a", 1, 3)))
	})
	t.Run("Should not see its own pending write", func(t *testing.T) {
		tc := NewContext(5, 3, IDSet{})
		assert.False(t, tc.Sees(pending("k", "a", 5)))
	})
	t.Run("Should not see a pending write from before xmin", func(t *testing.T) {
		tc := NewContext(5, 3, NewIDSet(4))
		assert.False(t, tc.Sees(pending("k", "a", 1)))
		assert.False(t, tc.Sees(pending("k", "a", 4)))
	})
}

func TestContext_ConflictsWith(t *testing.T) {
	tc := NewContext(5, 3, NewIDSet(4))
	t.Run("Should flag committed concurrent writes", func(t *testing.T) {
		assert.True(t, tc.ConflictsWith(committed("k", "a", 3, Infinity)))
		assert.True(t, tc.ConflictsWith(committed("k", "a", 7, Infinity)))
	})
	t.Run("Should ignore pending, own, old and recently committed writes", func(t *testing.T) {
		assert.False(t, tc.ConflictsWith(pending("k", "a", 6)))
		assert.False(t, tc.ConflictsWith(committed("k", "a", 5, Infinity)))
		assert.False(t, tc.ConflictsWith(committed("k", "a", 2, Infinity)))
		assert.False(t, tc.ConflictsWith(committed("k", "a", 4, Infinity)))
	})
}

func TestChain_Promote(t *testing.T) {
	t.Run("Should close the current version and promote the pending one", func(t *testing.T) {
		ch := Chain{committed("k", "a", 1, Infinity)}
		ch = ch.Put(pending("k", "b", 3))
		changed := ch.Promote(3)
		require.Len(t, changed, 2)
		assert.Equal(t, Chain{committed("k", "a", 1, 3), committed("k", "b", 3, Infinity)}, ch)
	})
	t.Run("Should end a late promotion at the next committed writer", func(t *testing.T) {
		ch := Chain{committed("k", "a", 1, 4), committed("k", "c", 4, Infinity)}
		ch = ch.Put(pending("k", "b", 2))
		ch.Promote(2)
		v, ok := ch.Get(2)
		require.True(t, ok)
		assert.Equal(t, ID(4), v.EndTxn)
		assert.True(t, v.Committed)
		first, _ := ch.Get(1)
		assert.Equal(t, ID(2), first.EndTxn)
	})
	t.Run("Should be idempotent", func(t *testing.T) {
		ch := Chain{committed("k", "a", 1, Infinity), pending("k", "b", 3)}
		ch.Promote(3)
		assert.Empty(t, ch.Promote(3))
	})
}

func TestChain_Remove(t *testing.T) {
	t.Run("Should drop the version and reopen the one it closed", func(t *testing.T) {
		ch := Chain{committed("k", "a", 1, Infinity), pending("k", "b", 3)}
		ch.Promote(3)
		ch, removed, reopened := ch.Remove(3)
		assert.True(t, removed)
		require.Len(t, reopened, 1)
		assert.Equal(t, Chain{committed("k", "a", 1, Infinity)}, ch)
	})
	t.Run("Should reopen to the next committed writer when one exists", func(t *testing.T) {
		ch := Chain{committed("k", "a", 1, 2), committed("k", "b", 2, 4), committed("k", "c", 4, Infinity)}
		ch, _, _ = ch.Remove(2)
		first, _ := ch.Get(1)
		assert.Equal(t, ID(4), first.EndTxn)
	})
	t.Run("Should be a no-op for unknown writers", func(t *testing.T) {
		ch := Chain{committed("k", "a", 1, Infinity)}
		ch, removed, reopened := ch.Remove(9)
		assert.False(t, removed)
		assert.Empty(t, reopened)
		assert.Len(t, ch, 1)
	})
}

func TestChain_VisibleAndCollect(t *testing.T) {
	ch := Chain{committed("k", "a", 1, 3), committed("k", "b", 3, 6), committed("k", "c", 6, Infinity)}
	t.Run("Should pick the newest visible version", func(t *testing.T) {
		v, ok := ch.Visible(NewContext(7, 7, IDSet{}))
		require.True(t, ok)
		assert.Equal(t, "c", v.Value)
		v, ok = ch.Visible(NewContext(5, 4, IDSet{}))
		require.True(t, ok)
		assert.Equal(t, "b", v.Value)
	})
	t.Run("Should keep versions reachable from the mark", func(t *testing.T) {
		kept, dropped := ch.Collect(6)
		require.Len(t, dropped, 1)
		assert.Equal(t, "a", dropped[0].Value)
		require.Len(t, kept, 2)
		v, ok := kept.Visible(NewContext(6, 6, IDSet{}))
		require.True(t, ok)
		assert.Equal(t, "b", v.Value)
	})
}

func TestDiff(t *testing.T) {
	t.Run("Should report changed, added and removed versions", func(t *testing.T) {
		before := Chain{committed("k", "a", 1, Infinity), pending("k", "b", 2)}
		after := Chain{committed("k", "a", 1, 3), committed("k", "c", 3, Infinity)}
		writes, deletes := Diff(before, after)
		assert.Equal(t, []Version{committed("k", "a", 1, 3), committed("k", "c", 3, Infinity)}, writes)
		assert.Equal(t, []Version{pending("k", "b", 2)}, deletes)
	})
	t.Run("Should report nothing for identical chains", func(t *testing.T) {
		ch := Chain{committed("k", "a", 1, Infinity)}
		writes, deletes := Diff(ch, ch)
		assert.Empty(t, writes)
		assert.Empty(t, deletes)
	})
}
