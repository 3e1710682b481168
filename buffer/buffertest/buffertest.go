// Package buffertest provides a behavioral test suite run against each
// implementation of buffer.Buffer.
package buffertest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/buffer"
)

// Conformance runs the Buffer test suite. |newBuffer| must return a new and
// empty Buffer on each invocation.
func Conformance(t *testing.T, newBuffer func(t *testing.T) buffer.Buffer) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, newBuffer(t)) })
	t.Run("AppendAndSnapshot", func(t *testing.T) { testAppendAndSnapshot(t, newBuffer(t)) })
	t.Run("DeferredClear", func(t *testing.T) { testDeferredClear(t, newBuffer(t)) })
	t.Run("DrainAndClear", func(t *testing.T) { testDrainAndClear(t, newBuffer(t)) })
	t.Run("Names", func(t *testing.T) { testNames(t, newBuffer(t)) })
	t.Run("NoLossUnderConcurrency", func(t *testing.T) { testNoLoss(t, newBuffer(t)) })
}

func testEmpty(t *testing.T, b buffer.Buffer) {
	var ctx = context.Background()

	var n, err = b.Depth(ctx, "empty")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	snap, err := b.Snapshot(ctx, "empty")
	require.NoError(t, err)
	require.Empty(t, snap)

	batch, err := b.Drain(ctx, "empty", 0)
	require.NoError(t, err)
	require.Equal(t, 0, batch.Len())
	require.NoError(t, b.Clear(ctx, batch))

	batch, err = b.DrainAndClear(ctx, "empty", 10)
	require.NoError(t, err)
	require.Equal(t, 0, batch.Len())
	require.Equal(t, int64(0), batch.Through())
}

func testAppendAndSnapshot(t *testing.T, b buffer.Buffer) {
	var ctx = context.Background()
	var entries = appendAll(t, b, "res", "one", "two", "three")

	require.True(t, entries[0].Seq < entries[1].Seq)
	require.True(t, entries[1].Seq < entries[2].Seq)

	snap, err := b.Snapshot(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, entries, snap)

	// Snapshot doesn't mutate.
	snap, err = b.Snapshot(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, entries, snap)

	n, err := b.Depth(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func testDeferredClear(t *testing.T, b buffer.Buffer) {
	var ctx = context.Background()
	var entries = appendAll(t, b, "res", "one", "two", "three")

	var batch, err = b.Drain(ctx, "res", 2)
	require.NoError(t, err)
	require.Equal(t, buffer.Batch{Name: "res", Entries: entries[:2]}, batch)
	require.Equal(t, entries[1].Seq, batch.Through())

	// Drain is non-destructive.
	again, err := b.Drain(ctx, "res", 2)
	require.NoError(t, err)
	require.True(t, batch.SameEntries(again))

	// An Entry appended after the Drain survives the Clear.
	var late = appendAll(t, b, "res", "four")
	require.NoError(t, b.Clear(ctx, batch))

	snap, err := b.Snapshot(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, []buffer.Entry{entries[2], late[0]}, snap)

	// Clearing a Batch a second time is a no-op.
	require.NoError(t, b.Clear(ctx, batch))
	n, err := b.Depth(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Clear of an unlimited Drain leaves an empty buffer.
	batch, err = b.Drain(ctx, "res", 0)
	require.NoError(t, err)
	require.Equal(t, 2, batch.Len())
	require.NoError(t, b.Clear(ctx, batch))

	n, err = b.Depth(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func testDrainAndClear(t *testing.T, b buffer.Buffer) {
	var ctx = context.Background()
	var entries = appendAll(t, b, "res", "one", "two", "three")

	var batch, err = b.DrainAndClear(ctx, "res", 1)
	require.NoError(t, err)
	require.Equal(t, buffer.Batch{Name: "res", Entries: entries[:1]}, batch)

	batch, err = b.DrainAndClear(ctx, "res", 0)
	require.NoError(t, err)
	require.Equal(t, buffer.Batch{Name: "res", Entries: entries[1:]}, batch)

	n, err := b.Depth(ctx, "res")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func testNames(t *testing.T, b buffer.Buffer) {
	var ctx = context.Background()
	appendAll(t, b, "beta", "x")
	appendAll(t, b, "alpha", "y", "z")

	var names, err = b.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, names)

	// Buffers of other names are unaffected by a drain.
	_, err = b.DrainAndClear(ctx, "beta", 0)
	require.NoError(t, err)

	names, err = b.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha"}, names)
}

// testNoLoss appends from concurrent writers while a drainer alternates
// between deferred and atomic drains. Every appended Entry must be either
// drained exactly once or remain buffered afterward.
func testNoLoss(t *testing.T, b buffer.Buffer) {
	const writers, perWriter = 4, 25
	var ctx = context.Background()

	var wg sync.WaitGroup
	var done = make(chan struct{})

	var appended = make(chan string, writers*perWriter)
	for w := 0; w != writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i != perWriter; i++ {
				var data = fmt.Sprintf("w%d-%d", w, i)
				var _, err = b.Append(ctx, "res", []byte(data))
				require.NoError(t, err)
				appended <- data
			}
		}(w)
	}
	go func() { wg.Wait(); close(done) }()

	var drained = make(map[string]int)
	var record = func(batch buffer.Batch) {
		for _, e := range batch.Entries {
			drained[string(e.Data)]++
		}
	}

	for i, exiting := 0, false; !exiting; i++ {
		select {
		case <-done:
			exiting = true
		default:
		}

		if i%2 == 0 {
			var batch, err = b.Drain(ctx, "res", 7)
			require.NoError(t, err)
			require.NoError(t, b.Clear(ctx, batch))
			record(batch)
		} else {
			var batch, err = b.DrainAndClear(ctx, "res", 5)
			require.NoError(t, err)
			record(batch)
		}
	}

	var rest, err = b.Snapshot(ctx, "res")
	require.NoError(t, err)
	for _, e := range rest {
		drained[string(e.Data)]++
	}

	close(appended)
	var count int
	for data := range appended {
		require.Equal(t, 1, drained[data], data)
		count++
	}
	require.Equal(t, writers*perWriter, count)
	require.Len(t, drained, count)
}

func appendAll(t *testing.T, b buffer.Buffer, name string, data ...string) []buffer.Entry {
	var out []buffer.Entry
	for _, d := range data {
		var e, err = b.Append(context.Background(), name, []byte(d))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}
