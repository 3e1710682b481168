package buffer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/buffer"
	"go.spoilers.dev/core/buffer/buffertest"
	pb "go.spoilers.dev/core/protocol"
)

func TestMemoryBufferConformance(t *testing.T) {
	buffertest.Conformance(t, func(*testing.T) buffer.Buffer { return buffer.NewMemoryBuffer() })
}

func TestMemoryBufferFault(t *testing.T) {
	var ctx = context.Background()
	var b = buffer.NewMemoryBuffer()

	var _, err = b.Append(ctx, "res", []byte("one"))
	require.NoError(t, err)

	b.SetFault(errors.New("disk on fire"))
	_, err = b.Append(ctx, "res", []byte("two"))
	require.EqualError(t, err, "disk on fire: buffer unavailable")
	require.ErrorIs(t, err, pb.ErrBufferUnavailable)

	_, err = b.Snapshot(ctx, "res")
	require.ErrorIs(t, err, pb.ErrBufferUnavailable)
	_, err = b.DrainAndClear(ctx, "res", 0)
	require.ErrorIs(t, err, pb.ErrBufferUnavailable)

	// Contents are retained through the fault.
	b.SetFault(nil)
	n, err := b.Depth(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBatchAccessors(t *testing.T) {
	var batch = buffer.Batch{Name: "res", Entries: []buffer.Entry{{Seq: 3}, {Seq: 9}, {Seq: 5}}}
	require.Equal(t, 3, batch.Len())
	require.Equal(t, int64(9), batch.Through())
	require.Equal(t, []int64{3, 9, 5}, batch.Seqs())

	require.True(t, batch.SameEntries(buffer.Batch{Name: "res", Entries: []buffer.Entry{{Seq: 3}, {Seq: 9}, {Seq: 5}}}))
	require.False(t, batch.SameEntries(buffer.Batch{Name: "other", Entries: batch.Entries}))
	require.False(t, batch.SameEntries(buffer.Batch{Name: "res", Entries: batch.Entries[:2]}))
}
