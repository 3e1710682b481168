// Package durabletest provides a conformance suite and fixtures for
// implementations of durable.Store.
package durabletest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/codecs"
	"go.spoilers.dev/core/durable"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

// Spec returns a ResourceSpec fixture having a column of every type.
func Spec() *pb.ResourceSpec {
	return &pb.ResourceSpec{
		Name:     "events",
		Table:    "log_level_warning",
		Buffered: true,
		Columns: []pb.ColumnSpec{
			{Name: "timestamp", Type: pb.ColumnType_TIMESTAMP},
			{Name: "user_id", Type: pb.ColumnType_BIGINT, Nullable: true},
			{Name: "title", Type: pb.ColumnType_VARCHAR, Nullable: true},
			{Name: "body", Type: pb.ColumnType_TEXT, Nullable: true},
			{Name: "tags", Type: pb.ColumnType_JSON, Nullable: true},
			{Name: "score", Type: pb.ColumnType_REAL, Nullable: true},
			{Name: "urgent", Type: pb.ColumnType_BOOLEAN, Nullable: true},
		},
	}
}

// Row returns normalized Fields of the Spec fixture, varied by |n|.
func Row(n int) pb.Fields {
	var f = pb.Fields{
		"timestamp": time.Date(2018, 3, 4, 5, 6, 7, n*1000, time.UTC),
		"user_id":   int64(1000 + n),
		"title":     "title " + string(rune('a'+n%26)),
		"body":      nil,
		"tags":      json.RawMessage(`{"n":` + strconv.Itoa(n) + `}`),
		"score":     float64(n) + 0.5,
		"urgent":    n%2 == 0,
	}
	if n%3 == 0 {
		f["body"] = "a body, with \"quotes\"\nand a newline"
	}
	return f
}

// NewStagingStore returns an empty staging.MemoryStore.
func NewStagingStore() *staging.MemoryStore {
	var ep, _ = url.Parse("memory://staging/")
	return staging.NewMemoryStore(ep)
}

// Stage encodes |rows| as a staged object at |path| of the staging Store.
func Stage(t *testing.T, store staging.Store, spec *pb.ResourceSpec, path string, codec pb.Codec, rows []pb.Fields) pb.StagedObject {
	var buf bytes.Buffer
	var cw, err = codecs.NewCodecWriter(&buf, codec)
	require.NoError(t, err)

	var w = csv.NewWriter(cw)
	for _, f := range rows {
		row, err := spec.MarshalCSV(f)
		require.NoError(t, err)
		require.NoError(t, w.Write(row))
	}
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, cw.Close())

	require.NoError(t, store.Put(context.Background(), path,
		bytes.NewReader(buf.Bytes()), int64(buf.Len()), codec.ContentEncoding()))

	return pb.StagedObject{
		URL:   store.URL(path),
		Path:  path,
		Rows:  len(rows),
		Bytes: int64(buf.Len()),
		Codec: codec,
	}
}

// Conformance runs a suite of tests which all durable.Store implementations
// must pass. |newStore| returns an empty Store which bulk-loads from |stage|.
func Conformance(t *testing.T, newStore func(t *testing.T, stage staging.Store) durable.Store) {
	var ctx = context.Background()
	var spec = Spec()

	t.Run("InsertAndPage", func(t *testing.T) {
		var store = newStore(t, NewStagingStore())

		recs, err := store.Page(ctx, spec, 10)
		require.NoError(t, err)
		require.Empty(t, recs)

		var ids []int64
		for i := 0; i != 3; i++ {
			rec, err := store.Insert(ctx, spec, Row(i))
			require.NoError(t, err)
			require.Equal(t, Row(i), rec.Fields)
			ids = append(ids, rec.ID)
		}
		require.True(t, ids[0] < ids[1] && ids[1] < ids[2])

		// A bounded page holds the most recent records, in ascending order.
		recs, err = store.Page(ctx, spec, 2)
		require.NoError(t, err)
		require.Equal(t, []*pb.PersistedRecord{
			{ID: ids[1], Fields: Row(1)},
			{ID: ids[2], Fields: Row(2)},
		}, recs)

		recs, err = store.Page(ctx, spec, 0)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		require.Equal(t, ids[0], recs[0].ID)
	})

	t.Run("BulkLoad", func(t *testing.T) {
		for _, codec := range []pb.Codec{pb.Codec_NONE, pb.Codec_GZIP, pb.Codec_ZSTD} {
			var stage = NewStagingStore()
			var store = newStore(t, stage)

			var rows []pb.Fields
			for i := 0; i != 5; i++ {
				rows = append(rows, Row(i))
			}
			var obj = Stage(t, stage, spec, "log_level_warning/batch.csv"+codec.Extension(), codec, rows)

			n, err := store.BulkLoad(ctx, spec, obj)
			require.NoError(t, err)
			require.Equal(t, int64(5), n)

			recs, err := store.Page(ctx, spec, 100)
			require.NoError(t, err)
			require.Len(t, recs, 5)

			for i, rec := range recs {
				require.Equal(t, rows[i], rec.Fields)
			}
		}
	})

	t.Run("BulkLoadMissingObject", func(t *testing.T) {
		var stage = NewStagingStore()
		var store = newStore(t, stage)

		_, err := store.BulkLoad(ctx, spec, pb.StagedObject{
			URL:  stage.URL("missing.csv"),
			Path: "missing.csv",
			Rows: 3,
		})
		require.Error(t, err)

		recs, err := store.Page(ctx, spec, 100)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("BulkLoadIsAllOrNothing", func(t *testing.T) {
		var stage = NewStagingStore()
		var store = newStore(t, stage)

		var obj = Stage(t, stage, spec, "bad.csv", pb.Codec_NONE, []pb.Fields{Row(1), Row(2)})
		// Corrupt the final row, which must not leave the first loaded.
		var content = stage.Content["bad.csv"]
		stage.Content["bad.csv"] = append(content[:len(content)-1], []byte(",extra\n")...)

		_, err := store.BulkLoad(ctx, spec, obj)
		require.Error(t, err)

		recs, err := store.Page(ctx, spec, 100)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("BulkLoadRowCountMismatch", func(t *testing.T) {
		var stage = NewStagingStore()
		var store = newStore(t, stage)

		var obj = Stage(t, stage, spec, "short.csv", pb.Codec_GZIP, []pb.Fields{Row(1), Row(2)})
		obj.Rows = 3

		_, err := store.BulkLoad(ctx, spec, obj)
		require.EqualError(t, err, "loaded 2 rows of memory://staging/short.csv (expected 3)")

		recs, err := store.Page(ctx, spec, 100)
		require.NoError(t, err)
		require.Empty(t, recs)
	})
}
