// Package durable defines the Durable Store of persisted resource records:
// the analytical table into which buffered records are eventually bulk-loaded,
// and from which pages of persisted records are read.
package durable

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.spoilers.dev/core/codecs"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

// Store is a durable store of resource records. Table and column identifiers
// are drawn only from the (validated) ResourceSpec.
type Store interface {
	// Insert the Fields as a new row of the ResourceSpec's table, returning
	// the PersistedRecord with its assigned identity.
	Insert(ctx context.Context, spec *pb.ResourceSpec, fields pb.Fields) (*pb.PersistedRecord, error)
	// Page reads the most recent |limit| PersistedRecords of the ResourceSpec's
	// table (all of them, if |limit| <= 0), in ascending identity order.
	Page(ctx context.Context, spec *pb.ResourceSpec, limit int) ([]*pb.PersistedRecord, error)
	// BulkLoad the rows of a StagedObject into the ResourceSpec's table,
	// returning the number of rows loaded. A BulkLoad either loads all rows
	// of the object, or none of them.
	BulkLoad(ctx context.Context, spec *pb.ResourceSpec, obj pb.StagedObject) (int64, error)
}

// ReadStaged reads the StagedObject from the staging Store, decompresses it,
// and invokes |cb| with the Fields of each row in order. It returns the
// number of rows read.
func ReadStaged(ctx context.Context, store staging.Store, spec *pb.ResourceSpec,
	obj pb.StagedObject, cb func(pb.Fields) error) (int64, error) {

	var rc, err = store.Get(ctx, obj.Path)
	if err != nil {
		return 0, errors.WithMessagef(err, "fetching %s", obj.URL)
	}
	defer rc.Close()

	dec, err := codecs.NewCodecReader(rc, obj.Codec)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	var r = csv.NewReader(dec)
	r.FieldsPerRecord = len(spec.Columns)
	r.ReuseRecord = true

	var rows int64
	for {
		var row, err = r.Read()
		if err == io.EOF {
			return rows, nil
		} else if err != nil {
			return rows, errors.WithMessagef(err, "reading %s", obj.URL)
		}
		fields, err := spec.UnmarshalCSV(row)
		if err != nil {
			return rows, errors.WithMessagef(err, "%s row %d", obj.URL, rows)
		} else if err = cb(fields); err != nil {
			return rows, err
		}
		rows++
	}
}

// AcquireConn acquires a connection of the DB pool, waiting at most |timeout|.
// A pool which cannot supply a connection in time is ErrServiceUnavailable.
// A zero timeout waits only on the Context.
func AcquireConn(ctx context.Context, db *sql.DB, timeout time.Duration) (*sql.Conn, error) {
	var acquireCtx = ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var conn, err = db.Conn(acquireCtx)
	if err == nil {
		return conn, nil
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	} else if acquireCtx.Err() != nil {
		return nil, errors.WithMessagef(pb.ErrServiceUnavailable,
			"no database connection within %s", timeout)
	}
	return nil, errors.WithMessage(pb.ErrDurableStoreUnavailable, err.Error())
}

// DecodeRow maps values scanned from a SQL row, in column order, to
// normalized Fields of the ResourceSpec.
func DecodeRow(spec *pb.ResourceSpec, vals []interface{}) (pb.Fields, error) {
	var row = make([]string, len(vals))
	for i, v := range vals {
		switch tv := v.(type) {
		case nil:
			row[i] = pb.NullMarker
		case int64:
			row[i] = strconv.FormatInt(tv, 10)
		case float64:
			row[i] = strconv.FormatFloat(tv, 'g', -1, 64)
		case bool:
			row[i] = strconv.FormatBool(tv)[:1]
		case []byte:
			row[i] = string(tv)
		case string:
			row[i] = tv
		case time.Time:
			row[i] = tv.UTC().Format(pb.TimestampLayout)
		default:
			return nil, fmt.Errorf("unexpected scanned type %T", v)
		}
	}
	return spec.UnmarshalCSV(row)
}

// Ascending reverses PersistedRecords of a newest-first page.
func Ascending(recs []*pb.PersistedRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

// CheckRows returns a non-nil error if a load of StagedObject produced
// a number of rows other than those it was staged with.
func CheckRows(obj pb.StagedObject, rows int64) error {
	if obj.Rows != 0 && int64(obj.Rows) != rows {
		return fmt.Errorf("loaded %d rows of %s (expected %d)", rows, obj.URL, obj.Rows)
	}
	return nil
}
