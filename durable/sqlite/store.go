// Package sqlite implements a durable.Store over an embedded SQLite database.
// Its BulkLoad reads the staged object and inserts its rows within a single
// transaction, standing in for a warehouse COPY in development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/durable"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

// Store is a durable.Store backed by a SQLite database file.
type Store struct {
	// DB is the opened SQLite database.
	DB *sql.DB
	// Stage is the staging Store from which objects are bulk-loaded.
	Stage staging.Store
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
}

// Open the SQLite database at |path| as a Store which bulk-loads from |stage|.
// If |maxConns| > 0, it bounds the open connections of the database pool.
func Open(path string, stage staging.Store, maxConns int, acquireTimeout time.Duration) (*Store, error) {
	var values = url.Values{
		"_journal_mode": {"WAL"},
		"_txlock":       {"immediate"},
		"_busy_timeout": {"5000"},
	}
	var db, err = sql.Open("sqlite3", "file:"+path+"?"+values.Encode())
	if err != nil {
		return nil, errors.WithMessage(err, "opening SQLite store")
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	log.WithFields(log.Fields{
		"path":     path,
		"maxConns": maxConns,
	}).Info("opened SQLite durable store")

	return &Store{DB: db, Stage: stage, AcquireTimeout: acquireTimeout}, nil
}

// CreateTable creates the table of the ResourceSpec, if it doesn't exist.
func (s *Store) CreateTable(ctx context.Context, spec *pb.ResourceSpec) error {
	var cols = []string{quoteIdent(pb.IdentityColumn) + " INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, c := range spec.Columns {
		var def = quoteIdent(c.Name) + " " + columnTypes[c.Type]
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	var stmt = "CREATE TABLE IF NOT EXISTS " + quoteIdent(spec.TableName()) +
		" (" + strings.Join(cols, ", ") + ");"

	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return mapErr(err, "create table")
	}
	return nil
}

// Close the Store's database.
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

	res, err := conn.ExecContext(ctx, insertStatement(spec), bindArgs(spec, norm)...)
	if err != nil {
		return nil, mapErr(err, "insert")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, mapErr(err, "insert")
	}
	return &pb.PersistedRecord{ID: id, Fields: norm}, nil
}

func (s *Store) Page(ctx context.Context, spec *pb.ResourceSpec, limit int) ([]*pb.PersistedRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	var conn, err = durable.AcquireConn(ctx, s.DB, s.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var stmt = "SELECT " + quoteIdent(pb.IdentityColumn) + ", " + columnList(spec) +
		" FROM " + quoteIdent(spec.TableName()) +
		" ORDER BY " + quoteIdent(pb.IdentityColumn) + " DESC LIMIT ?;"

	rows, err := conn.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, mapErr(err, "page")
	}
	defer rows.Close()

	var out []*pb.PersistedRecord
	var dest = make([]interface{}, len(spec.Columns)+1)
	var vals = make([]interface{}, len(spec.Columns)+1)
	for i := range dest {
		dest[i] = &vals[i]
	}

	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			return nil, mapErr(err, "page")
		}
		var rec = &pb.PersistedRecord{ID: vals[0].(int64)}
		if rec.Fields, err = durable.DecodeRow(spec, vals[1:]); err != nil {
			return nil, errors.WithMessagef(err, "row %d", rec.ID)
		}
		out = append(out, rec)
	}
	durable.Ascending(out)
	return out, mapErr(rows.Err(), "page")
}

func (s *Store) BulkLoad(ctx context.Context, spec *pb.ResourceSpec, obj pb.StagedObject) (int64, error) {
	var conn, err = durable.AcquireConn(ctx, s.DB, s.AcquireTimeout)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	txn, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err, "bulk load")
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, insertStatement(spec))
	if err != nil {
		return 0, mapErr(err, "bulk load")
	}
	defer stmt.Close()

	rows, err := durable.ReadStaged(ctx, s.Stage, spec, obj, func(f pb.Fields) error {
		var _, err = stmt.ExecContext(ctx, bindArgs(spec, f)...)
		return mapErr(err, "bulk load")
	})
	if err != nil {
		return 0, err
	} else if err = durable.CheckRows(obj, rows); err != nil {
		return 0, err
	} else if err = txn.Commit(); err != nil {
		return 0, mapErr(err, "bulk load")
	}

	log.WithFields(log.Fields{
		"table": spec.TableName(),
		"url":   obj.URL,
		"rows":  rows,
	}).Debug("bulk-loaded staged object")

	return rows, nil
}

func insertStatement(spec *pb.ResourceSpec) string {
	var marks = strings.TrimSuffix(strings.Repeat("?, ", len(spec.Columns)), ", ")
	return "INSERT INTO " + quoteIdent(spec.TableName()) +
		" (" + columnList(spec) + ") VALUES (" + marks + ");"
}

func columnList(spec *pb.ResourceSpec) string {
	var cols = make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	return strings.Join(cols, ", ")
}

// bindArgs returns normalized Fields as SQLite statement arguments, in column order.
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

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func mapErr(err error, op string) error {
	var sqliteErr sqlite3.Error

	if err == nil {
		return nil
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	} else if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return errors.WithMessagef(pb.ErrServiceUnavailable, "%s: database is busy (%s)", op, sqliteErr)
	}
	return errors.WithMessagef(pb.ErrDurableStoreUnavailable, "%s: %s", op, err)
}

// columnTypes are SQLite declared types of each ColumnType. Timestamps and
// JSON are stored as their staged row text. BOOLEAN is scanned as a bool.
var columnTypes = map[pb.ColumnType]string{
	pb.ColumnType_INTEGER:   "INTEGER",
	pb.ColumnType_BIGINT:    "INTEGER",
	pb.ColumnType_REAL:      "REAL",
	pb.ColumnType_BOOLEAN:   "BOOLEAN",
	pb.ColumnType_VARCHAR:   "TEXT",
	pb.ColumnType_TEXT:      "TEXT",
	pb.ColumnType_TIMESTAMP: "TEXT",
	pb.ColumnType_JSON:      "TEXT",
}
