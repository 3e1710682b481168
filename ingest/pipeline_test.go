package ingest

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/buffer"
	"go.spoilers.dev/core/durable"
	"go.spoilers.dev/core/durable/durabletest"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

func TestProcessStagesOneObjectAndLoadsIt(t *testing.T) {
	var f = newFixture(t, pb.Codec_GZIP)

	var rows, err = f.pipeline.Process(f.ctx, f.spec, f.batch(t, 50))
	require.NoError(t, err)
	require.Equal(t, int64(50), rows)

	// Exactly one staged object, and one load of all 50 rows.
	require.Len(t, f.stage.Content, 1)
	var loads = f.store.Loads()
	require.Len(t, loads, 1)
	require.Equal(t, 50, loads[0].Rows)
	require.Equal(t, pb.Codec_GZIP, loads[0].Codec)
	require.Equal(t, "memory://staging/"+loads[0].Path, loads[0].URL)
	require.Regexp(t, regexp.MustCompile(
		`^log_level_warning/test-proc/2018-01-02/[0-9a-f-]{36}\.csv\.gz$`), loads[0].Path)
	require.Equal(t, int64(len(f.stage.Content[loads[0].Path])), loads[0].Bytes)

	require.Equal(t, 50, f.store.Count("log_level_warning"))

	recs, err := f.store.Page(f.ctx, f.spec, 100)
	require.NoError(t, err)
	for i, rec := range recs {
		require.Equal(t, durabletest.Row(i), rec.Fields)
	}
}

func TestStagedPathsAreUnique(t *testing.T) {
	var f = newFixture(t, pb.Codec_NONE)

	var a, err = f.pipeline.Stage(f.ctx, f.spec, f.batch(t, 1))
	require.NoError(t, err)
	b, err := f.pipeline.Stage(f.ctx, f.spec, f.batch(t, 1))
	require.NoError(t, err)

	require.NotEqual(t, a.Path, b.Path)
	require.Regexp(t, `\.csv$`, a.Path)
	require.Len(t, f.stage.Content, 2)
}

func TestUploadFailureAttemptsNoLoad(t *testing.T) {
	var f = newFixture(t, pb.Codec_ZSTD)
	f.pipeline.Staging = &staging.CallbackStore{
		Store: f.stage,
		PutFunc: func(staging.Store, context.Context, string, io.ReaderAt, int64, string) error {
			return errors.New("connection reset")
		},
	}

	var _, err = f.pipeline.Process(f.ctx, f.spec, f.batch(t, 3))
	var upload *pb.StagingUploadError
	require.True(t, errors.As(err, &upload))
	require.Equal(t, "log_level_warning", upload.Table)
	require.Regexp(t, `^log_level_warning/test-proc/2018-01-02/.*\.csv\.zst$`, upload.Path)
	require.True(t, pb.IsRetryable(err))

	require.Empty(t, f.store.Loads())
	require.Equal(t, 0, f.store.Count("log_level_warning"))
}

func TestUploadIsBoundedByTimeout(t *testing.T) {
	var f = newFixture(t, pb.Codec_NONE)
	f.pipeline.UploadTimeout = 10 * time.Millisecond
	f.pipeline.Staging = &staging.CallbackStore{
		Store: f.stage,
		PutFunc: func(_ staging.Store, ctx context.Context, _ string, _ io.ReaderAt, _ int64, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	var _, err = f.pipeline.Stage(f.ctx, f.spec, f.batch(t, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadFailureRetainsStagedObject(t *testing.T) {
	var f = newFixture(t, pb.Codec_GZIP)
	var puts int
	f.pipeline.Staging = &staging.CallbackStore{
		Store: f.stage,
		PutFunc: func(s staging.Store, ctx context.Context, path string, r io.ReaderAt, n int64, enc string) error {
			puts++
			return s.Put(ctx, path, r, n, enc)
		},
	}
	f.store.SetLoadFault(errors.New("cluster is resizing"))

	var _, err = f.pipeline.Process(f.ctx, f.spec, f.batch(t, 4))
	var load *pb.BulkLoadError
	require.True(t, errors.As(err, &load))
	require.Equal(t, 4, load.Staged.Rows)
	require.True(t, pb.IsRetryable(err))
	require.Equal(t, 0, f.store.Count("log_level_warning"))

	// The staged object is re-loaded without a re-upload.
	f.store.SetLoadFault(nil)
	rows, err := f.pipeline.Load(f.ctx, f.spec, load.Staged)
	require.NoError(t, err)
	require.Equal(t, int64(4), rows)
	require.Equal(t, 1, puts)
	require.Equal(t, 4, f.store.Count("log_level_warning"))
}

func TestRemoveStaged(t *testing.T) {
	var f = newFixture(t, pb.Codec_NONE)
	f.pipeline.RemoveStaged = true

	var rows, err = f.pipeline.Process(f.ctx, f.spec, f.batch(t, 2))
	require.NoError(t, err)
	require.Equal(t, int64(2), rows)
	require.Empty(t, f.stage.Content)
}

func TestUndecodableEntriesAreSkipped(t *testing.T) {
	var f = newFixture(t, pb.Codec_NONE)

	var batch = f.batch(t, 2)
	batch.Entries = append(batch.Entries, buffer.Entry{Seq: 99, Data: []byte("not json")})

	var rows, err = f.pipeline.Process(f.ctx, f.spec, batch)
	require.NoError(t, err)
	require.Equal(t, int64(2), rows)

	// A batch of only undecodable entries stages nothing.
	obj, err := f.pipeline.Stage(f.ctx, f.spec, buffer.Batch{
		Name:    f.spec.Name,
		Entries: []buffer.Entry{{Seq: 100, Data: []byte(`{}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, pb.StagedObject{}, obj)
	require.Len(t, f.stage.Content, 1)
}

func TestEmptyBatchIsANoop(t *testing.T) {
	var f = newFixture(t, pb.Codec_GZIP)

	var rows, err = f.pipeline.Process(f.ctx, f.spec, buffer.Batch{Name: f.spec.Name})
	require.NoError(t, err)
	require.Equal(t, int64(0), rows)
	require.Empty(t, f.stage.Content)
	require.Empty(t, f.store.Loads())
}

func TestUnknownCodecIsAnUploadError(t *testing.T) {
	var f = newFixture(t, "snappy")

	var _, err = f.pipeline.Stage(f.ctx, f.spec, f.batch(t, 1))
	require.EqualError(t, err, `staging upload of log_level_warning to "`+
		err.(*pb.StagingUploadError).Path+`": unsupported codec snappy`)
}

type fixture struct {
	ctx      context.Context
	spec     *pb.ResourceSpec
	stage    *staging.MemoryStore
	store    *durable.MemoryStore
	pipeline *Pipeline
	seq      int64
}

func newFixture(t *testing.T, codec pb.Codec) *fixture {
	var stage = durabletest.NewStagingStore()
	var store = durable.NewMemoryStore(stage)
	var p = NewPipeline(stage, store, "test-proc", codec)
	p.now = func() time.Time { return time.Date(2018, 1, 2, 23, 0, 0, 0, time.UTC) }

	return &fixture{
		ctx:      context.Background(),
		spec:     durabletest.Spec(),
		stage:    stage,
		store:    store,
		pipeline: p,
	}
}

// batch returns a Batch of |n| PendingRecords of durabletest.Row.
func (f *fixture) batch(t *testing.T, n int) buffer.Batch {
	var out = buffer.Batch{Name: f.spec.Name}
	for i := 0; i != n; i++ {
		var data, err = pb.NewPendingRecord(durabletest.Row(i), time.Now()).Marshal()
		require.NoError(t, err)

		f.seq++
		out.Entries = append(out.Entries, buffer.Entry{Seq: f.seq, Data: data})
	}
	return out
}
