package flush

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/durable/durabletest"
	"go.spoilers.dev/core/metrics"
	pb "go.spoilers.dev/core/protocol"
)

func TestRegistryLifecycle(t *testing.T) {
	var f = newFixture(t)
	var r = NewRegistry(context.Background())

	require.NoError(t, r.Add(f.flusher))
	require.EqualError(t, r.Add(NewFlusher(f.spec, f.buf, f.pipeline)),
		"resource events already has a flusher")

	var other = durabletest.Spec()
	other.Name, other.Table = "critical", "log_level_critical"
	var otherFlusher = NewFlusher(other, f.buf, f.pipeline)
	otherFlusher.FlushOnExit = true
	require.NoError(t, r.Add(otherFlusher))

	require.Equal(t, []string{"critical", "events"}, r.Names())
	var got, ok = r.Lookup("critical")
	require.True(t, ok)
	require.Equal(t, otherFlusher, got)
	_, ok = r.Lookup("missing")
	require.False(t, ok)

	f.append(t, 0, 3)
	var outcomes = r.TickAll(context.Background())
	require.Equal(t, metrics.Empty, outcomes["critical"].Kind)
	require.Equal(t, metrics.Committed, outcomes["events"].Kind)
	require.Equal(t, int64(3), outcomes["events"].Rows)

	r.GoRun()

	// A Flusher added after GoRun serves at once, and exits on Stop.
	var late = durabletest.Spec()
	late.Name = "late"
	require.NoError(t, r.Add(NewFlusher(late, f.buf, f.pipeline)))

	// Records appended before Stop are flushed on exit by |otherFlusher|.
	var data, err = pb.NewPendingRecord(durabletest.Row(7), time.Now()).Marshal()
	require.NoError(t, err)
	_, err = f.buf.Append(context.Background(), "critical", data)
	require.NoError(t, err)

	r.Stop()
	require.NoError(t, r.Wait())

	require.Equal(t, 1, f.store.Count("log_level_critical"))
}
