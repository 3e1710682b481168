// Package redshift implements a durable.Store over the Postgres wire protocol,
// using lib/pq. Bulk loads are Redshift COPY commands which read staged
// objects directly from S3. Point inserts use INSERT ... RETURNING, and are
// intended for un-buffered resources backed by PostgreSQL.
package redshift

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/auth"
	"go.spoilers.dev/core/durable"
	pb "go.spoilers.dev/core/protocol"
)

// Store is a durable.Store of a Redshift (or PostgreSQL) database.
type Store struct {
	// DB is the opened database pool.
	DB *sql.DB
	// Credentials which authorize COPY to read staged objects.
	Credentials auth.CredentialProvider
	// Region of the staging bucket, if it differs from the cluster's.
	Region string
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
}

// Open a Store of the database at |dsn|, with at most |maxConns| open connections.
func Open(dsn string, maxConns int, creds auth.CredentialProvider) (*Store, error) {
	var db, err = sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "opening postgres database")
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	return &Store{DB: db, Credentials: creds}, nil
}

// Close the Store's database pool.
func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Insert(ctx context.Context, spec *pb.ResourceSpec, fields pb.Fields) (*pb.PersistedRecord, error) {
	var norm, err = spec.Normalize(fields)
	if err != nil {
		return nil, err
	}
	conn, err := durable.AcquireConn(ctx, s.DB, s.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var rec = &pb.PersistedRecord{Fields: norm}
	if err = conn.QueryRowContext(ctx, insertStatement(spec), bindArgs(spec, norm)...).Scan(&rec.ID); err != nil {
		return nil, mapErr(err, "insert")
	}
	return rec, nil
}

func (s *Store) Page(ctx context.Context, spec *pb.ResourceSpec, limit int) ([]*pb.PersistedRecord, error) {
	var conn, err = durable.AcquireConn(ctx, s.DB, s.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var args []interface{}
	var stmt = pageStatement(spec, limit > 0)
	if limit > 0 {
		args = append(args, limit)
	}

	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapErr(err, "page")
	}
	defer rows.Close()

	var out []*pb.PersistedRecord
	var id int64
	var vals = make([]interface{}, len(spec.Columns))
	var dest = []interface{}{&id}
	for i := range vals {
		dest = append(dest, &vals[i])
	}

	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			return nil, mapErr(err, "page")
		}
		var rec = &pb.PersistedRecord{ID: id}
		if rec.Fields, err = durable.DecodeRow(spec, vals); err != nil {
			return nil, errors.WithMessagef(err, "row %d", id)
		}
		out = append(out, rec)
	}
	durable.Ascending(out)
	return out, mapErr(rows.Err(), "page")
}

func (s *Store) BulkLoad(ctx context.Context, spec *pb.ResourceSpec, obj pb.StagedObject) (int64, error) {
	if !strings.HasPrefix(obj.URL, "s3://") {
		return 0, errors.Errorf("COPY requires an s3:// staged object (%s)", obj.URL)
	}
	var creds, err = s.Credentials.Credentials(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "bulk load credentials")
	}
	conn, err := durable.AcquireConn(ctx, s.DB, s.AcquireTimeout)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	// The load and its row-count check commit together, or not at all.
	txn, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err, "bulk load")
	}
	defer txn.Rollback()

	res, err := txn.ExecContext(ctx, copyStatement(spec, obj, creds, s.Region))
	if err != nil {
		return 0, mapErr(err, "bulk load")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(err, "bulk load")
	} else if err = durable.CheckRows(obj, rows); err != nil {
		return 0, err
	} else if err = txn.Commit(); err != nil {
		return 0, mapErr(err, "bulk load")
	}

	log.WithFields(log.Fields{
		"table": spec.TableName(),
		"url":   obj.URL,
		"rows":  rows,
	}).Debug("copied staged object")

	return rows, nil
}

func insertStatement(spec *pb.ResourceSpec) string {
	var marks = make([]string, len(spec.Columns))
	for i := range marks {
		marks[i] = "$" + strconv.Itoa(i+1)
	}
	return "INSERT INTO " + pq.QuoteIdentifier(spec.TableName()) +
		" (" + columnList(spec) + ") VALUES (" + strings.Join(marks, ", ") + ")" +
		" RETURNING " + pq.QuoteIdentifier(pb.IdentityColumn) + ";"
}

func pageStatement(spec *pb.ResourceSpec, limited bool) string {
	var stmt = "SELECT " + pq.QuoteIdentifier(pb.IdentityColumn) + ", " + columnList(spec) +
		" FROM " + pq.QuoteIdentifier(spec.TableName()) +
		" ORDER BY " + pq.QuoteIdentifier(pb.IdentityColumn) + " DESC"
	if limited {
		stmt += " LIMIT $1"
	}
	return stmt + ";"
}

// copyStatement builds the COPY of a staged object. Identifiers are drawn from
// the validated ResourceSpec and quoted; the object URL, credentials and
// region are quoted as literals. The statement embeds secrets, and must
// never be logged.
func copyStatement(spec *pb.ResourceSpec, obj pb.StagedObject, creds auth.Credentials, region string) string {
	var credential = "aws_access_key_id=" + creds.AccessKeyID +
		";aws_secret_access_key=" + creds.SecretAccessKey
	if creds.SessionToken != "" {
		credential += ";token=" + creds.SessionToken
	}

	var b strings.Builder
	b.WriteString("COPY " + pq.QuoteIdentifier(spec.TableName()))
	b.WriteString(" (" + columnList(spec) + ")")
	b.WriteString(" FROM " + pq.QuoteLiteral(obj.URL))
	b.WriteString(" CREDENTIALS " + pq.QuoteLiteral(credential))
	b.WriteString(" " + copyFormatOptions)

	switch obj.Codec {
	case pb.Codec_GZIP:
		b.WriteString(" GZIP")
	case pb.Codec_ZSTD:
		b.WriteString(" ZSTD")
	}
	if region != "" {
		b.WriteString(" REGION " + pq.QuoteLiteral(region))
	}
	b.WriteString(";")
	return b.String()
}

func columnList(spec *pb.ResourceSpec) string {
	var cols = make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = pq.QuoteIdentifier(c.Name)
	}
	return strings.Join(cols, ", ")
}

// bindArgs returns normalized Fields as statement arguments, in column order.
func bindArgs(spec *pb.ResourceSpec, f pb.Fields) []interface{} {
	var args = make([]interface{}, len(spec.Columns))
	for i, c := range spec.Columns {
		switch v := f[c.Name].(type) {
		case time.Time:
			args[i] = v.UTC().Format(pb.TimestampLayout)
		case json.RawMessage:
			args[i] = string(v)
		default:
			args[i] = v
		}
	}
	return args
}

func mapErr(err error, op string) error {
	var pqErr *pq.Error

	if err == nil {
		return nil
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	} else if errors.As(err, &pqErr) && pqErr.Code == tooManyConnections {
		return errors.WithMessagef(pb.ErrServiceUnavailable, "%s: %s", op, pqErr.Message)
	}
	return errors.WithMessagef(pb.ErrDurableStoreUnavailable, "%s: %s", op, err)
}

const (
	// SQLSTATE of a server which refuses new connections.
	tooManyConnections = pq.ErrorCode("53300")

	// Options of COPY matching the staged row encoding.
	copyFormatOptions = `CSV NULL AS '\\N' TIMEFORMAT 'auto' COMPUPDATE OFF STATUPDATE OFF`
)
