package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/buffer"
	"go.spoilers.dev/core/buffer/buffertest"
	pb "go.spoilers.dev/core/protocol"
)

func TestSQLiteBufferConformance(t *testing.T) {
	buffertest.Conformance(t, func(t *testing.T) buffer.Buffer {
		var b, err = Open(filepath.Join(t.TempDir(), "buffer.db"), time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })
		return b
	})
}

func TestSQLiteBufferSurvivesReopen(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "buffer.db")

	var b, err = Open(path, 0)
	require.NoError(t, err)

	one, err := b.Append(ctx, "res", []byte("one"))
	require.NoError(t, err)
	two, err := b.Append(ctx, "res", []byte("two"))
	require.NoError(t, err)

	// Pop the first Entry, then close and re-open.
	_, err = b.DrainAndClear(ctx, "res", 1)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = Open(path, 0)
	require.NoError(t, err)
	defer b.Close()

	snap, err := b.Snapshot(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, []buffer.Entry{two}, snap)

	// Seqs are not re-used, even of cleared Entries.
	three, err := b.Append(ctx, "res", []byte("three"))
	require.NoError(t, err)
	require.True(t, three.Seq > two.Seq && two.Seq > one.Seq)
}

func TestErrorMapping(t *testing.T) {
	var err = mapErr(sqlite3.Error{Code: sqlite3.ErrBusy}, "append")
	require.ErrorIs(t, err, pb.ErrBufferUnavailable)
	require.Contains(t, err.Error(), "append: database is busy")

	err = mapErr(errors.New("disk I/O error"), "clear")
	require.EqualError(t, err, "clear: disk I/O error: buffer unavailable")

	require.Equal(t, context.Canceled, mapErr(context.Canceled, "drain"))
	require.NoError(t, mapErr(nil, "drain"))
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	var b, err = Open(filepath.Join(t.TempDir(), "buffer.db"), 0)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.Append(context.Background(), "res", []byte("one"))
	require.ErrorIs(t, err, pb.ErrBufferUnavailable)
}
