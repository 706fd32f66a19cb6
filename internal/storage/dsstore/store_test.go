package dsstore_test

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/internal/storage/dsstore"
	"github.com/relves/randao/internal/storage/storagetest"
	"github.com/relves/randao/pkg/types"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.StateStore {
		return dsstore.NewMemory()
	})
}

func TestStore_SharedDatastore(t *testing.T) {
	ctx := context.Background()
	d := dssync.MutexWrap(ds.NewMapDatastore())
	next := types.RequestID(12)

	require.NoError(t, dsstore.New(d).Apply(ctx, &storage.Changeset{Height: 3, NextRequestID: &next}))

	// A second store over the same datastore observes the write.
	_, r, err := dsstore.New(d).Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, r)

	ok, err := d.Has(ctx, ds.NewKey("/meta/head"))
	require.NoError(t, err)
	assert.True(t, ok)
}
