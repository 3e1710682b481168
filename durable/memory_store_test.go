package durable_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/durable"
	"go.spoilers.dev/core/durable/durabletest"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

func TestMemoryStoreConformance(t *testing.T) {
	durabletest.Conformance(t, func(t *testing.T, stage staging.Store) durable.Store {
		return durable.NewMemoryStore(stage)
	})
}

func TestMemoryStoreFaults(t *testing.T) {
	var ctx = context.Background()
	var spec = durabletest.Spec()
	var stage = durabletest.NewStagingStore()
	var store = durable.NewMemoryStore(stage)

	store.SetPageFault(errors.New("warehouse offline"))
	_, err := store.Page(ctx, spec, 10)
	require.EqualError(t, err, "warehouse offline: durable store unavailable")
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)
	_, err = store.Insert(ctx, spec, durabletest.Row(1))
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)

	// Loads are unaffected by a page fault.
	var obj = durabletest.Stage(t, stage, spec, "a.csv", pb.Codec_GZIP,
		[]pb.Fields{durabletest.Row(1), durabletest.Row(2)})
	n, err := store.BulkLoad(ctx, spec, obj)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	store.SetPageFault(nil)
	store.SetLoadFault(errors.New("COPY aborted"))

	_, err = store.BulkLoad(ctx, spec, obj)
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)
	require.Equal(t, 2, store.Count(spec.TableName()))
	require.Equal(t, []pb.StagedObject{obj}, store.Loads())

	store.SetLoadFault(nil)
	_, err = store.BulkLoad(ctx, spec, obj)
	require.NoError(t, err)
	require.Equal(t, 4, store.Count(spec.TableName()))
}

func TestInsertValidatesFields(t *testing.T) {
	var store = durable.NewMemoryStore(durabletest.NewStagingStore())
	var _, err = store.Insert(context.Background(), durabletest.Spec(), pb.Fields{"title": "no timestamp"})
	require.EqualError(t, err, "timestamp: expected a value (column is not nullable)")
}
