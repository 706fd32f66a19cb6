package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/internal/storage/sqlite"
	"github.com/relves/randao/internal/storage/storagetest"
	"github.com/relves/randao/pkg/types"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.StateStore {
		store, err := sqlite.OpenStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestStore_OpenAndClose(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := sqlite.OpenStore(tmpDir)
	require.NoError(t, err)
	require.NotNil(t, store)

	_, err = os.Stat(filepath.Join(tmpDir, "randao.db"))
	assert.NoError(t, err, "database file should exist")
	assert.Equal(t, filepath.Join(tmpDir, "randao.db"), store.DBPath())

	err = store.Close()
	assert.NoError(t, err)
}

func TestStore_Reopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	next := types.GroupID(7)

	store1, err := sqlite.OpenStore(tmpDir)
	require.NoError(t, err)
	require.NoError(t, store1.Apply(ctx, &storage.Changeset{Height: 42, NextGroupID: &next}))
	require.NoError(t, store1.Close())

	store2, err := sqlite.OpenStore(tmpDir)
	require.NoError(t, err)
	defer store2.Close()

	g, _, err := store2.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, g)
	head, err := store2.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), head)
}

func TestStore_ApplyIsAtomic(t *testing.T) {
	store, err := sqlite.OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	next := types.GroupID(1)

	// The member references a group that does not exist, so the foreign key
	// check fails and the counter update must be rolled back with it.
	err = store.Apply(ctx, &storage.Changeset{
		Height:      9,
		NextGroupID: &next,
		Members: []*types.Member{{
			Group:   5,
			Account: common.HexToAddress("0x01"),
			Bond:    uint256.NewInt(1),
		}},
	})
	require.Error(t, err)

	g, _, err := store.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.GroupID(0), g)
	head, err := store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)
}
