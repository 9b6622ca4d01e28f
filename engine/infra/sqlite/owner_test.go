package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/compozy/epoxy/engine/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaim(t *testing.T) {
	t.Run("Should refuse a table another owner holds", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "epoxy.db")
		release, err := Claim(path, "")
		require.NoError(t, err)

		_, err = Claim(path, DefaultTable)
		assert.ErrorIs(t, err, txn.ErrStoreLocked)

		require.NoError(t, release(t.Context()))
		again, err := Claim(path, DefaultTable)
		require.NoError(t, err)
		assert.NoError(t, again(t.Context()))
	})

	t.Run("Should claim each table separately", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "epoxy.db")
		first, err := Claim(path, "catalog_versions")
		require.NoError(t, err)
		defer func() { assert.NoError(t, first(t.Context())) }()
		second, err := Claim(path, "order_versions")
		require.NoError(t, err)
		assert.NoError(t, second(t.Context()))
	})

	t.Run("Should never lock in-memory databases", func(t *testing.T) {
		a, err := Claim(memoryPath, "")
		require.NoError(t, err)
		b, err := Claim(memoryPath, "")
		require.NoError(t, err)
		assert.NoError(t, a(t.Context()))
		assert.NoError(t, b(t.Context()))
	})
}
