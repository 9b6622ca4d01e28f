package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/compozy/epoxy/engine/txn"
	"github.com/compozy/epoxy/engine/txn/txntest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, opts ...AdapterOption) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	a, err := NewAdapter(client, opts...)
	require.NoError(t, err)
	return a, mr
}

func commit(t *testing.T, a *Adapter, id txn.ID, key, value string) {
	t.Helper()
	tc := txn.NewContext(id, id, txn.IDSet{})
	require.NoError(t, a.Update(t.Context(), tc, key, value))
	require.NoError(t, a.PrepareCommit(t.Context(), tc))
}

func TestAdapter_Contract(t *testing.T) {
	txntest.RunAdapterContract(t, func(t *testing.T) txn.Adapter {
		a, _ := newTestAdapter(t)
		return a
	})
}

func TestAdapter_Recover(t *testing.T) {
	txntest.RunRecoverContract(t, func(t *testing.T) txntest.RecoverableAdapter {
		a, _ := newTestAdapter(t)
		return a
	})

	t.Run("Should leave other prefixes alone", func(t *testing.T) {
		a, mr := newTestAdapter(t, WithPrefix("shop"))
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		other, err := NewAdapter(client, WithPrefix("billing"))
		require.NoError(t, err)
		require.NoError(t, other.Update(t.Context(), txn.NewContext(4, 4, txn.IDSet{}), "k", "pending"))

		got, err := a.Recover(t.Context())
		require.NoError(t, err)
		assert.Equal(t, txn.ID(0), got)
		versions, err := other.Versions(t.Context(), "k")
		require.NoError(t, err)
		assert.Len(t, versions, 1)
	})
}

func TestAdapter(t *testing.T) {
	t.Run("Should require a client", func(t *testing.T) {
		_, err := NewAdapter(nil)
		assert.ErrorContains(t, err, "client is required")
	})

	t.Run("Should namespace keys with the prefix", func(t *testing.T) {
		a, mr := newTestAdapter(t, WithPrefix("shop"), WithName("carts"))
		assert.Equal(t, "carts", a.Name())
		commit(t, a, 1, "cart:1", "[]")
		fields, err := mr.HKeys("shop:doc:cart:1")
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, fields)
	})

	t.Run("Should index superseded versions by end id", func(t *testing.T) {
		a, mr := newTestAdapter(t)
		commit(t, a, 1, "k", "v1")
		assert.False(t, mr.Exists("epoxy:ended"), "open versions are not indexed")
		commit(t, a, 2, "k", "v2")
		members, err := mr.ZMembers("epoxy:ended")
		require.NoError(t, err)
		assert.Equal(t, []string{"1:k"}, members)
		score, err := mr.ZScore("epoxy:ended", "1:k")
		require.NoError(t, err)
		assert.Equal(t, float64(2), score)
	})

	t.Run("Should drop index entries when an abort reopens a version", func(t *testing.T) {
		a, mr := newTestAdapter(t)
		commit(t, a, 1, "k", "v1")
		tc := txn.NewContext(2, 2, txn.IDSet{})
		require.NoError(t, a.Update(t.Context(), tc, "k", "v2"))
		require.NoError(t, a.PrepareCommit(t.Context(), tc))
		require.NoError(t, a.Abort(t.Context(), tc))
		assert.False(t, mr.Exists("epoxy:ended"))
		versions, err := a.Versions(t.Context(), "k")
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, txn.Infinity, versions[0].EndTxn)
	})

	t.Run("Should collect through the index and clean it", func(t *testing.T) {
		a, mr := newTestAdapter(t)
		commit(t, a, 1, "a", "a1")
		commit(t, a, 2, "a", "a2")
		commit(t, a, 3, "b", "b1")
		commit(t, a, 4, "b", "b2")
		deleted, err := a.GarbageCollect(t.Context(), 3)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		members, err := mr.ZMembers("epoxy:ended")
		require.NoError(t, err)
		assert.Equal(t, []string{"3:b"}, members)
		deleted, err = a.GarbageCollect(t.Context(), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		assert.False(t, mr.Exists("epoxy:ended"))
		got, err := a.Query(t.Context(), txn.NewContext(10, 10, txn.IDSet{}), "b")
		require.NoError(t, err)
		assert.Equal(t, "b2", got)
	})

	t.Run("Should keep live versions when large ids round in the index", func(t *testing.T) {
		a, _ := newTestAdapter(t)
		base := txn.ID(1 << 60)
		commit(t, a, base, "k", "v1")
		commit(t, a, base+1, "k", "v2")
		deleted, err := a.GarbageCollect(t.Context(), base+1)
		require.NoError(t, err)
		assert.Zero(t, deleted)
		deleted, err = a.GarbageCollect(t.Context(), base+1000)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		got, err := a.Query(t.Context(), txn.NewContext(base+1000, base+1000, txn.IDSet{}), "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)
	})

	t.Run("Should discard malformed index members", func(t *testing.T) {
		a, mr := newTestAdapter(t)
		_, err := mr.ZAdd("epoxy:ended", 1, "garbage")
		require.NoError(t, err)
		deleted, err := a.GarbageCollect(t.Context(), 5)
		require.NoError(t, err)
		assert.Zero(t, deleted)
		assert.False(t, mr.Exists("epoxy:ended"))
	})

	t.Run("Should surface server errors", func(t *testing.T) {
		a, mr := newTestAdapter(t)
		mr.SetError("READONLY")
		_, err := a.Query(t.Context(), txn.NewContext(1, 1, txn.IDSet{}), "k")
		assert.ErrorContains(t, err, "READONLY")
		mr.SetError("")
	})
}

func TestMember(t *testing.T) {
	t.Run("Should round trip keys containing separators", func(t *testing.T) {
		key, begin, err := parseMember(member("a:b:c", 42))
		require.NoError(t, err)
		assert.Equal(t, "a:b:c", key)
		assert.Equal(t, txn.ID(42), begin)
	})

	t.Run("Should reject members without a numeric prefix", func(t *testing.T) {
		_, _, err := parseMember("x:key")
		assert.Error(t, err)
	})
}
