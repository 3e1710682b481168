package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/buffer"
	"go.spoilers.dev/core/durable"
	"go.spoilers.dev/core/durable/durabletest"
	"go.spoilers.dev/core/flush"
	"go.spoilers.dev/core/ingest"
	"go.spoilers.dev/core/metrics"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

func TestScenarioCreateIsVisibleAsPending(t *testing.T) {
	var f = newFixture(t, true)

	var rec, err = f.res.Create(f.ctx, []byte(`{"title":"x"}`))
	require.NoError(t, err)
	require.False(t, rec.IsPersisted())
	require.Equal(t, "x", rec.RecordFields()["title"])

	var listing = f.list(t)
	require.Empty(t, listing.Persisted)
	require.Len(t, listing.Pending, 1)
	require.Equal(t, rec.(*pb.PendingRecord).Token, listing.Pending[0].Token)
	require.Equal(t, pb.Fields{"title": "x", "body": nil}, listing.Pending[0].Fields)
	require.Equal(t, time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC), listing.Pending[0].AcceptedAt)
}

func TestScenarioFlushPersistsRecord(t *testing.T) {
	var f = newFixture(t, true)
	var _, err = f.res.Create(f.ctx, []byte(`{"title":"x"}`))
	require.NoError(t, err)

	var out = f.flusher.Tick(f.ctx)
	require.Equal(t, metrics.Committed, out.Kind)

	var listing = f.list(t)
	require.Empty(t, listing.Pending)
	require.Len(t, listing.Persisted, 1)
	require.Equal(t, "x", listing.Persisted[0].Fields["title"])
	require.NotZero(t, listing.Persisted[0].ID)
	require.True(t, listing.Records()[0].IsPersisted())

	depth, err := f.res.Depth(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestScenarioUploadFailureKeepsRecordPending(t *testing.T) {
	var f = newFixture(t, true)
	var _, err = f.res.Create(f.ctx, []byte(`{"title":"x"}`))
	require.NoError(t, err)

	var fail = true
	f.pipeline.Staging = &staging.CallbackStore{
		Store: f.stage,
		PutFunc: func(s staging.Store, ctx context.Context, path string, r io.ReaderAt, n int64, enc string) error {
			if fail {
				return errors.New("access denied")
			}
			return s.Put(ctx, path, r, n, enc)
		},
	}

	require.Equal(t, metrics.Failed, f.flusher.Tick(f.ctx).Kind)

	var listing = f.list(t)
	require.Len(t, listing.Pending, 1)
	require.Equal(t, "x", listing.Pending[0].Fields["title"])
	require.Empty(t, listing.Persisted)
	require.Equal(t, 0, f.store.Count("posts"))

	fail = false
	require.Equal(t, metrics.Committed, f.flusher.Tick(f.ctx).Kind)

	listing = f.list(t)
	require.Empty(t, listing.Pending)
	require.Len(t, listing.Persisted, 1)
}

func TestScenarioCreateDuringFlushIsNotDropped(t *testing.T) {
	var f = newFixture(t, true)
	var _, err = f.res.Create(f.ctx, []byte(`{"title":"x"}`))
	require.NoError(t, err)

	// "y" is created after the flush drained its batch, and before it commits.
	var once sync.Once
	f.flusher = flush.NewFlusher(f.spec, f.buf, &stageHook{
		Pipeline: f.pipeline,
		hook: func() {
			once.Do(func() {
				var _, err = f.res.Create(f.ctx, []byte(`{"title":"y"}`))
				require.NoError(t, err)
			})
		},
	})
	require.Equal(t, metrics.Committed, f.flusher.Tick(f.ctx).Kind)

	var listing = f.list(t)
	require.Equal(t, []string{"x"}, titles(listing.Records()[:1]))
	require.Len(t, listing.Persisted, 1)
	require.Len(t, listing.Pending, 1)
	require.Equal(t, "y", listing.Pending[0].Fields["title"])

	require.Equal(t, metrics.Committed, f.flusher.Tick(f.ctx).Kind)
	listing = f.list(t)
	require.Empty(t, listing.Pending)
	require.ElementsMatch(t, []string{"x", "y"}, titles(listing.Records()))
}

func TestScenarioFlushOfFiftyRecords(t *testing.T) {
	var f = newFixture(t, true)
	for i := 0; i != 50; i++ {
		var _, err = f.res.Create(f.ctx, []byte(fmt.Sprintf(`{"title":"r%d"}`, i)))
		require.NoError(t, err)
	}

	var before = f.store.Count("posts")
	var out = f.flusher.Tick(f.ctx)
	require.Equal(t, int64(50), out.Rows)

	require.Len(t, f.stage.Content, 1)
	var loads = f.store.Loads()
	require.Len(t, loads, 1)
	require.Equal(t, 50, loads[0].Rows)
	require.Equal(t, before+50, f.store.Count("posts"))

	depth, err := f.res.Depth(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestReadCompletenessUnderConcurrentFlushes(t *testing.T) {
	var f = newFixture(t, true)
	const writers, perWriter = 4, 25

	var wg sync.WaitGroup
	for w := 0; w != writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i != perWriter; i++ {
				var _, err = f.res.Create(f.ctx, []byte(fmt.Sprintf(`{"title":"w%d-%d"}`, w, i)))
				require.NoError(t, err)
			}
		}(w)
	}

	var stop = make(chan struct{})
	var flushed = make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-stop:
				return
			default:
			}
			require.NoError(t, f.flusher.Tick(f.ctx).Err)

			// Persisted records are never duplicated.
			var listing = f.list(t)
			require.Len(t, uniq(titles(persistedRecords(listing))), len(listing.Persisted))
		}
	}()

	wg.Wait()

	// Every created record is visible, either pending or persisted.
	var seen = make(map[string]bool)
	for _, title := range titles(f.list(t).Records()) {
		seen[title] = true
	}
	for w := 0; w != writers; w++ {
		for i := 0; i != perWriter; i++ {
			require.True(t, seen[fmt.Sprintf("w%d-%d", w, i)])
		}
	}

	close(stop)
	<-flushed
	require.NoError(t, f.flusher.Tick(f.ctx).Err)

	// Once flushed, each is persisted exactly once.
	var listing = f.list(t)
	require.Empty(t, listing.Pending)
	require.Len(t, listing.Persisted, writers*perWriter)
	require.Len(t, uniq(titles(listing.Records())), writers*perWriter)
}

func TestListPartialFailures(t *testing.T) {
	var f = newFixture(t, true)
	var _, err = f.res.Create(f.ctx, []byte(`{"title":"pending"}`))
	require.NoError(t, err)
	_, err = f.store.Insert(f.ctx, f.spec, pb.Fields{"title": "persisted"})
	require.NoError(t, err)

	// Durable store is down: pending records are still returned.
	f.store.SetPageFault(errors.New("cluster paused"))
	listing, err := f.res.List(f.ctx, Filters{})
	var partial *pb.PartialFailure
	require.True(t, errors.As(err, &partial))
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)
	require.Equal(t, []string{"pending"}, titles(listing.Records()))

	// Buffer is down: persisted records are still returned.
	f.store.SetPageFault(nil)
	f.buf.SetFault(errors.New("disk on fire"))
	listing, err = f.res.List(f.ctx, Filters{})
	require.True(t, errors.As(err, &partial))
	require.ErrorIs(t, err, pb.ErrBufferUnavailable)
	require.EqualError(t, err,
		"partial failure: reading buffer snapshot: disk on fire: buffer unavailable")
	require.Equal(t, []string{"persisted"}, titles(listing.Records()))

	// Both are down.
	f.store.SetPageFault(errors.New("cluster paused"))
	listing, err = f.res.List(f.ctx, Filters{})
	require.False(t, errors.As(err, &partial))
	require.Error(t, err)
	require.Empty(t, listing.Records())
}

func TestCreateFailures(t *testing.T) {
	var f = newFixture(t, true)

	var _, err = f.res.Create(f.ctx, []byte(`{"title":"x","id":12}`))
	require.EqualError(t, err, `"id" is assigned by the store and may not be submitted`)
	var ve *pb.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = f.res.Create(f.ctx, []byte(`{"body":"no title"}`))
	require.EqualError(t, err, "title: expected a value (column is not nullable)")

	f.buf.SetFault(errors.New("disk on fire"))
	_, err = f.res.Create(f.ctx, []byte(`{"title":"x"}`))
	require.ErrorIs(t, err, pb.ErrBufferUnavailable)
	require.True(t, pb.IsRetryable(err))
}

func TestListIncludesRecentlyFlushedBeyondPageLimit(t *testing.T) {
	var f = newFixture(t, true)
	f.spec.PageLimit = 2

	for _, title := range []string{"a", "b"} {
		var _, err = f.res.Create(f.ctx, []byte(`{"title":"`+title+`"}`))
		require.NoError(t, err)
	}
	require.Equal(t, metrics.Committed, f.flusher.Tick(f.ctx).Kind)

	var _, err = f.res.Create(f.ctx, []byte(`{"title":"new"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "new"}, titles(f.list(t).Records()))

	// Once flushed, the newest record remains listed as persisted, and the
	// oldest falls outside of the page.
	require.Equal(t, metrics.Committed, f.flusher.Tick(f.ctx).Kind)
	var listing = f.list(t)
	require.Empty(t, listing.Pending)
	require.Equal(t, []string{"b", "new"}, titles(listing.Records()))
}

func TestDirectResource(t *testing.T) {
	var f = newFixture(t, false)

	for i := 0; i != 12; i++ {
		var rec, err = f.res.Create(f.ctx, []byte(fmt.Sprintf(`{"title":"d%d"}`, i)))
		require.NoError(t, err)
		require.True(t, rec.IsPersisted())
		require.Equal(t, int64(i+1), rec.(*pb.PersistedRecord).ID)
	}
	require.Equal(t, 12, f.store.Count("posts"))

	// Pages of un-buffered resources default to 10.
	var listing = f.list(t)
	require.Len(t, listing.Persisted, pb.DefaultDirectPageLimit)
	require.Empty(t, listing.Pending)

	listing, err := f.res.List(f.ctx, Filters{Limit: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"d9", "d10", "d11"}, titles(listing.Records()))

	// The page limit bounds larger requested limits.
	listing, err = f.res.List(f.ctx, Filters{Limit: 1000})
	require.NoError(t, err)
	require.Len(t, listing.Persisted, pb.DefaultDirectPageLimit)

	depth, err := f.res.Depth(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 0, depth)

	// Durable failures are not partial.
	f.store.SetPageFault(errors.New("down"))
	_, err = f.res.List(f.ctx, Filters{})
	require.ErrorIs(t, err, pb.ErrDurableStoreUnavailable)
	var partial *pb.PartialFailure
	require.False(t, errors.As(err, &partial))
}

func TestFlushThresholdNotifies(t *testing.T) {
	var f = newFixture(t, true)
	f.spec.FlushThreshold = 3

	var n = new(countingNotifier)
	f.res.SetNotifier(n)

	for i := 0; i != 4; i++ {
		var _, err = f.res.Create(f.ctx, []byte(`{"title":"t"}`))
		require.NoError(t, err)
	}
	require.Equal(t, 2, n.count)
}

func TestNewValidation(t *testing.T) {
	var spec = specFixture(true)
	var buf = buffer.NewMemoryBuffer()
	var store = durable.NewMemoryStore(durabletest.NewStagingStore())

	var _, err = New(spec, nil, store)
	require.EqualError(t, err, "resource posts is buffered, but has no Buffer")
	_, err = New(spec, buf, nil)
	require.EqualError(t, err, "resource posts has no durable Store")

	spec.Columns = nil
	_, err = New(spec, buf, store)
	require.EqualError(t, err, "resource posts: expected at least one column")

	// Un-buffered resources don't require a Buffer.
	_, err = New(specFixture(false), nil, store)
	require.NoError(t, err)
}

type fixture struct {
	ctx      context.Context
	spec     *pb.ResourceSpec
	buf      *buffer.MemoryBuffer
	stage    *staging.MemoryStore
	store    *durable.MemoryStore
	pipeline *ingest.Pipeline
	flusher  *flush.Flusher
	res      *Resource
}

func newFixture(t *testing.T, buffered bool) *fixture {
	var spec = specFixture(buffered)
	var buf = buffer.NewMemoryBuffer()
	var stage = durabletest.NewStagingStore()
	var store = durable.NewMemoryStore(stage)
	var pipeline = ingest.NewPipeline(stage, store, "test-proc", pb.Codec_GZIP)

	var res, err = New(spec, buf, store)
	require.NoError(t, err)
	res.now = func() time.Time { return time.Date(2018, 1, 2, 3, 4, 5, 0, time.UTC) }

	return &fixture{
		ctx:      context.Background(),
		spec:     spec,
		buf:      buf,
		stage:    stage,
		store:    store,
		pipeline: pipeline,
		flusher:  flush.NewFlusher(spec, buf, pipeline),
		res:      res,
	}
}

func (f *fixture) list(t *testing.T) Listing {
	var listing, err = f.res.List(f.ctx, Filters{})
	require.NoError(t, err)
	return listing
}

func specFixture(buffered bool) *pb.ResourceSpec {
	return &pb.ResourceSpec{
		Name:     "posts",
		Buffered: buffered,
		Columns: []pb.ColumnSpec{
			{Name: "title", Type: pb.ColumnType_VARCHAR},
			{Name: "body", Type: pb.ColumnType_TEXT, Nullable: true},
		},
	}
}

func titles(recs []pb.Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.RecordFields()["title"].(string))
	}
	return out
}

func persistedRecords(l Listing) []pb.Record {
	return Listing{Persisted: l.Persisted}.Records()
}

func uniq(s []string) map[string]struct{} {
	var out = make(map[string]struct{}, len(s))
	for _, v := range s {
		out[v] = struct{}{}
	}
	return out
}

// stageHook wraps a Pipeline, invoking |hook| before each Stage.
type stageHook struct {
	*ingest.Pipeline
	hook func()
}

func (s *stageHook) Stage(ctx context.Context, spec *pb.ResourceSpec, batch buffer.Batch) (pb.StagedObject, error) {
	s.hook()
	return s.Pipeline.Stage(ctx, spec, batch)
}

type countingNotifier struct{ count int }

func (n *countingNotifier) Notify() { n.count++ }
