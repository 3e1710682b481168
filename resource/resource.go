// Package resource implements the resource façade: writes which are accepted
// into a Buffer and return immediately, and reads which merge a page of
// persisted records with the records still pending in the Buffer.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/buffer"
	"go.spoilers.dev/core/durable"
	"go.spoilers.dev/core/metrics"
	pb "go.spoilers.dev/core/protocol"
)

// Notifier is notified when a Resource's Buffer reaches its FlushThreshold.
// It's implemented by *flush.Flusher.
type Notifier interface {
	Notify()
}

// Resource is one served resource: a validated ResourceSpec bound to its
// Buffer (if buffered) and its durable Store.
type Resource struct {
	spec     *pb.ResourceSpec
	buf      buffer.Buffer
	store    durable.Store
	notifier Notifier

	// now is a test hook for the accept time of PendingRecords.
	now func() time.Time
}

// Filters of a List.
type Filters struct {
	// Limit of persisted records to read. It's bounded by the PageLimit of
	// the ResourceSpec. Zero means PageLimit.
	Limit int `schema:"limit"`
}

// Listing is the result of a List: persisted records of the durable page,
// followed by records pending in the Buffer in their accept order. A record
// may briefly appear in both, but never in neither.
type Listing struct {
	Persisted []*pb.PersistedRecord
	Pending   []*pb.PendingRecord
}

// Records returns the persisted and then pending Records of the Listing.
func (l Listing) Records() []pb.Record {
	var out = make([]pb.Record, 0, len(l.Persisted)+len(l.Pending))
	for _, r := range l.Persisted {
		out = append(out, r)
	}
	for _, r := range l.Pending {
		out = append(out, r)
	}
	return out
}

// New returns a Resource of the ResourceSpec. Buffered resources require a
// Buffer; un-buffered resources write directly into the durable Store.
func New(spec *pb.ResourceSpec, buf buffer.Buffer, store durable.Store) (*Resource, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "resource %s", spec.Name)
	} else if spec.Buffered && buf == nil {
		return nil, fmt.Errorf("resource %s is buffered, but has no Buffer", spec.Name)
	} else if store == nil {
		return nil, fmt.Errorf("resource %s has no durable Store", spec.Name)
	}
	return &Resource{spec: spec, buf: buf, store: store, now: time.Now}, nil
}

// Spec returns the ResourceSpec of the Resource.
func (r *Resource) Spec() *pb.ResourceSpec { return r.spec }

// SetNotifier sets the Notifier of the Resource's FlushThreshold.
func (r *Resource) SetNotifier(n Notifier) { r.notifier = n }

// Create a record from a submitted JSON object form. A buffered Resource
// appends a PendingRecord to its Buffer and returns it without waiting on
// a flush; its only failure beyond an invalid form is ErrBufferUnavailable.
// An un-buffered Resource inserts and returns a PersistedRecord.
func (r *Resource) Create(ctx context.Context, form []byte) (pb.Record, error) {
	var rec, err = r.create(ctx, form)

	var status = metrics.Ok
	if err != nil {
		status = metrics.Fail
	}
	metrics.CreateTotal.WithLabelValues(r.spec.Name, status).Inc()

	return rec, err
}

func (r *Resource) create(ctx context.Context, form []byte) (pb.Record, error) {
	var fields, err = r.spec.DecodeForm(form)
	if err != nil {
		return nil, err
	} else if !r.spec.Buffered {
		var rec, err = r.store.Insert(ctx, r.spec, fields)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	var rec = pb.NewPendingRecord(fields, r.now())
	data, err := rec.Marshal()
	if err != nil {
		return nil, err
	} else if _, err = r.buf.Append(ctx, r.spec.Name, data); err != nil {
		return nil, errors.WithMessage(err, "appending to buffer")
	}

	if r.spec.FlushThreshold > 0 && r.notifier != nil {
		if depth, err := r.Depth(ctx); err == nil && depth >= r.spec.FlushThreshold {
			r.notifier.Notify()
		}
	}
	return rec, nil
}

// List a page of persisted records, and all pending records. If only one of
// the durable Store or the Buffer fails, the records of the other are
// returned with a *pb.PartialFailure. If both fail, an error is returned.
func (r *Resource) List(ctx context.Context, filters Filters) (Listing, error) {
	var out Listing
	var errs []error

	var limit = r.spec.EffectivePageLimit()
	if filters.Limit > 0 && filters.Limit < limit {
		limit = filters.Limit
	}

	// The snapshot is read before the page. A record cleared from the Buffer
	// after the snapshot was committed to the durable Store before its clear,
	// and is observed by the page.
	var err error
	if r.spec.Buffered {
		if out.Pending, err = r.pending(ctx); err != nil {
			errs = append(errs, errors.WithMessage(err, "reading buffer snapshot"))
		}
	}
	if persisted, err := r.store.Page(ctx, r.spec, limit); err != nil {
		errs = append(errs, errors.WithMessage(err, "reading persisted page"))
	} else {
		out.Persisted = persisted
	}

	var status = metrics.Ok
	defer func() { metrics.ListTotal.WithLabelValues(r.spec.Name, status).Inc() }()

	switch {
	case len(errs) == 0:
		return out, nil
	case len(errs) == 1 && r.spec.Buffered:
		status = "partial"
		log.WithFields(log.Fields{
			"resource": r.spec.Name,
			"err":      errs[0],
		}).Warn("listing is incomplete")
		return out, &pb.PartialFailure{Errs: errs}
	default:
		status = metrics.Fail
		return Listing{}, errs[len(errs)-1]
	}
}

func (r *Resource) pending(ctx context.Context) ([]*pb.PendingRecord, error) {
	var entries, err = r.buf.Snapshot(ctx, r.spec.Name)
	if err != nil {
		return nil, err
	}

	var out = make([]*pb.PendingRecord, 0, len(entries))
	for _, e := range entries {
		var rec, err = r.spec.UnmarshalPendingRecord(e.Data)
		if err != nil {
			log.WithFields(log.Fields{
				"resource": r.spec.Name,
				"seq":      e.Seq,
				"err":      err,
			}).Warn("skipping buffered entry which cannot be decoded")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Depth returns the number of records pending in the Buffer, and updates
// the spoilers_buffer_depth gauge. Un-buffered Resources have no depth.
func (r *Resource) Depth(ctx context.Context) (int, error) {
	if !r.spec.Buffered {
		return 0, nil
	}
	var depth, err = r.buf.Depth(ctx, r.spec.Name)
	if err != nil {
		return 0, err
	}
	metrics.BufferDepth.WithLabelValues(r.spec.Name).Set(float64(depth))
	return depth, nil
}
