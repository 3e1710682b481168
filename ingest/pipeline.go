// Package ingest implements the bulk ingest of buffered batches: rows are
// encoded as compressed CSV, uploaded to a staging object store under a
// collision-free address, and bulk-loaded into the durable store.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/buffer"
	"go.spoilers.dev/core/codecs"
	"go.spoilers.dev/core/durable"
	"go.spoilers.dev/core/metrics"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

// Pipeline stages and loads batches of buffered PendingRecords.
type Pipeline struct {
	// Staging store to which batches are uploaded.
	Staging staging.Store
	// Durable store into which staged objects are loaded.
	Durable durable.Store
	// ProcessID is a path component of staged objects, which distinguishes
	// the objects of concurrent processes.
	ProcessID string
	// Codec with which staged objects are compressed.
	Codec pb.Codec
	// UploadTimeout bounds a single staging upload. Zero is unbounded.
	UploadTimeout time.Duration
	// RemoveStaged removes staged objects once they've been loaded.
	RemoveStaged bool

	// now is a test hook for the current time.
	now func() time.Time
}

// NewPipeline returns a Pipeline staging to |stage| and loading into |store|.
func NewPipeline(stage staging.Store, store durable.Store, processID string, codec pb.Codec) *Pipeline {
	return &Pipeline{
		Staging:   stage,
		Durable:   store,
		ProcessID: processID,
		Codec:     codec,
		now:       time.Now,
	}
}

// Process stages the Batch and loads it, returning the number of rows loaded.
// Failures are *pb.StagingUploadError, in which case no load was attempted,
// or *pb.BulkLoadError, which carries its StagedObject for a later Load.
func (p *Pipeline) Process(ctx context.Context, spec *pb.ResourceSpec, batch buffer.Batch) (int64, error) {
	var obj, err = p.Stage(ctx, spec, batch)
	if err != nil {
		return 0, err
	}
	return p.Load(ctx, spec, obj)
}

// Stage encodes the PendingRecords of the Batch and uploads them as a new
// staged object. Entries which cannot be decoded are logged and skipped.
// A Batch with no decodable entries is not uploaded, and returns a
// StagedObject of zero Rows.
func (p *Pipeline) Stage(ctx context.Context, spec *pb.ResourceSpec, batch buffer.Batch) (pb.StagedObject, error) {
	var path = p.stagedPath(spec)
	var obj = pb.StagedObject{
		Path:  path,
		URL:   p.Staging.URL(path),
		Codec: p.Codec,
	}

	var content, rows, err = p.encode(spec, batch)
	if err != nil {
		return pb.StagedObject{}, &pb.StagingUploadError{Table: spec.TableName(), Path: path, Err: err}
	} else if rows == 0 {
		return pb.StagedObject{}, nil
	}
	obj.Rows, obj.Bytes = rows, int64(len(content))

	var uploadCtx, cancel = ctx, context.CancelFunc(func() {})
	if p.UploadTimeout > 0 {
		uploadCtx, cancel = context.WithTimeout(ctx, p.UploadTimeout)
	}
	defer cancel()

	if err = p.Staging.Put(uploadCtx, path, bytes.NewReader(content),
		int64(len(content)), p.Codec.ContentEncoding()); err != nil {
		return pb.StagedObject{}, &pb.StagingUploadError{Table: spec.TableName(), Path: path, Err: err}
	}
	metrics.StagedBytesTotal.WithLabelValues(spec.Name).Add(float64(obj.Bytes))

	log.WithFields(log.Fields{
		"resource": spec.Name,
		"url":      obj.URL,
		"rows":     obj.Rows,
		"size":     humanize.Bytes(uint64(obj.Bytes)),
	}).Info("staged batch")

	return obj, nil
}

// Load the StagedObject into the durable store. Load may be called again
// with a StagedObject whose prior Load failed: a failed load loads no rows.
func (p *Pipeline) Load(ctx context.Context, spec *pb.ResourceSpec, obj pb.StagedObject) (int64, error) {
	if obj.Rows == 0 {
		return 0, nil
	}

	var rows, err = p.Durable.BulkLoad(ctx, spec, obj)
	if err == nil && rows != int64(obj.Rows) {
		err = errors.Errorf("loaded %d rows (expected %d)", rows, obj.Rows)
	}
	if err != nil {
		return 0, &pb.BulkLoadError{Table: spec.TableName(), Staged: obj, Err: err}
	}

	log.WithFields(log.Fields{
		"resource": spec.Name,
		"table":    spec.TableName(),
		"url":      obj.URL,
		"rows":     rows,
	}).Info("loaded staged batch")

	if p.RemoveStaged {
		if err = p.Staging.Remove(ctx, obj.Path); err != nil {
			log.WithFields(log.Fields{
				"url": obj.URL,
				"err": err,
			}).Warn("failed to remove loaded staged object")
		}
	}
	return rows, nil
}

// encode returns the compressed CSV content of the Batch, and its row count.
func (p *Pipeline) encode(spec *pb.ResourceSpec, batch buffer.Batch) ([]byte, int, error) {
	var buf bytes.Buffer
	var cw, err = codecs.NewCodecWriter(&buf, p.Codec)
	if err != nil {
		return nil, 0, err
	}
	var w = csv.NewWriter(cw)
	var rows int

	for _, entry := range batch.Entries {
		var row, err = encodeEntry(spec, entry)
		if err != nil {
			log.WithFields(log.Fields{
				"resource": spec.Name,
				"seq":      entry.Seq,
				"err":      err,
			}).Error("discarding buffered entry which cannot be decoded")
			metrics.FlushSkippedTotal.WithLabelValues(spec.Name).Inc()
			continue
		} else if err = w.Write(row); err != nil {
			return nil, 0, errors.WithMessage(err, "encoding rows")
		}
		rows++
	}
	w.Flush()

	if err = w.Error(); err != nil {
		return nil, 0, errors.WithMessage(err, "encoding rows")
	} else if err = cw.Close(); err != nil {
		return nil, 0, errors.WithMessage(err, "compressing rows")
	}
	return buf.Bytes(), rows, nil
}

func encodeEntry(spec *pb.ResourceSpec, entry buffer.Entry) ([]string, error) {
	var rec, err = spec.UnmarshalPendingRecord(entry.Data)
	if err != nil {
		return nil, err
	}
	return spec.MarshalCSV(rec.Fields)
}

// stagedPath returns a unique path of a staged object of the ResourceSpec:
// <table>/<process-id>/<YYYY-MM-DD>/<uuid>.csv[.gz|.zst]
func (p *Pipeline) stagedPath(spec *pb.ResourceSpec) string {
	var now = time.Now
	if p.now != nil {
		now = p.now
	}
	return spec.TableName() + "/" +
		p.ProcessID + "/" +
		now().UTC().Format("2006-01-02") + "/" +
		uuid.New().String() + ".csv" + p.Codec.Extension()
}
