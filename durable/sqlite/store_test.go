package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/durable"
	"go.spoilers.dev/core/durable/durabletest"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

func TestStoreConformance(t *testing.T) {
	durabletest.Conformance(t, func(t *testing.T, stage staging.Store) durable.Store {
		return openFixture(t, stage, time.Second)
	})
}

func TestCreateTableStatement(t *testing.T) {
	var store = openFixture(t, durabletest.NewStagingStore(), time.Second)

	var ddl string
	require.NoError(t, store.DB.QueryRow(
		`SELECT sql FROM sqlite_master WHERE name = 'log_level_warning'`).Scan(&ddl))
	for _, frag := range []string{
		`"id" INTEGER PRIMARY KEY AUTOINCREMENT`,
		`"timestamp" TEXT NOT NULL`,
		`"user_id" INTEGER,`,
		`"tags" TEXT,`,
		`"score" REAL,`,
		`"urgent" BOOLEAN`,
	} {
		require.Contains(t, ddl, frag)
	}

	// CreateTable is idempotent.
	require.NoError(t, store.CreateTable(context.Background(), durabletest.Spec()))
}

func TestPoolExhaustionIsServiceUnavailable(t *testing.T) {
	var ctx = context.Background()
	var store, err = Open(filepath.Join(t.TempDir(), "durable.db"), durabletest.NewStagingStore(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	require.Equal(t, 1, store.DB.Stats().MaxOpenConnections)
	require.NoError(t, store.CreateTable(ctx, durabletest.Spec()))

	held, err := store.DB.Conn(ctx)
	require.NoError(t, err)

	_, err = store.Page(ctx, durabletest.Spec(), 10)
	require.ErrorIs(t, err, pb.ErrServiceUnavailable)
	require.True(t, pb.IsRetryable(err))

	require.NoError(t, held.Close())
	_, err = store.Page(ctx, durabletest.Spec(), 10)
	require.NoError(t, err)
}

func TestErrorMapping(t *testing.T) {
	require.NoError(t, mapErr(nil, "op"))
	require.Equal(t, context.Canceled, mapErr(context.Canceled, "op"))

	var err = mapErr(sqlite3.Error{Code: sqlite3.ErrBusy}, "insert")
	require.ErrorIs(t, err, pb.ErrServiceUnavailable)

	err = mapErr(errors.New("no such table: foo"), "page")
	require.EqualError(t, err, "page: no such table: foo: durable store unavailable")
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)
}

func TestMissingTableIsUnavailable(t *testing.T) {
	var store = openFixture(t, durabletest.NewStagingStore(), time.Second)

	var spec = durabletest.Spec()
	spec.Table = "not_created"

	var _, err = store.Page(context.Background(), spec, 10)
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)
}

func openFixture(t *testing.T, stage staging.Store, acquireTimeout time.Duration) *Store {
	var store, err = Open(filepath.Join(t.TempDir(), "durable.db"), stage, 0, acquireTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	require.NoError(t, store.CreateTable(context.Background(), durabletest.Spec()))
	return store
}
