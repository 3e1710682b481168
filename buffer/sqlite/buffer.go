// Package sqlite implements a durable buffer.Buffer over an embedded SQLite
// database. All named buffers share a single table, and the Seq of an Entry
// is its AUTOINCREMENT row identity, which is never re-used.
package sqlite

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/buffer"
	pb "go.spoilers.dev/core/protocol"
)

// Buffer is a buffer.Buffer backed by a SQLite database file.
type Buffer struct {
	// DB is the opened SQLite database.
	DB *sql.DB
}

// Open the SQLite database at |path|, creating it if required, and return
// a Buffer over it. Transactions take the database write lock as they begin,
// so that a drain can never observe a state which a concurrent Append has
// since invalidated.
func Open(path string, busyTimeout time.Duration) (*Buffer, error) {
	var values = url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"FULL"},
		"_txlock":       {"immediate"},
		"_busy_timeout": {formatMillis(busyTimeout)},
	}
	var db, err = sql.Open("sqlite3", "file:"+path+"?"+values.Encode())
	if err != nil {
		return nil, errors.WithMessage(err, "opening SQLite buffer")
	}
	if _, err = db.Exec(bootstrapSQL); err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "bootstrapping SQLite buffer %s", path)
	}

	log.WithFields(log.Fields{
		"path":        path,
		"busyTimeout": busyTimeout,
	}).Info("opened SQLite buffer")

	return &Buffer{DB: db}, nil
}

// Close the Buffer's database.
func (b *Buffer) Close() error { return b.DB.Close() }

func (b *Buffer) Append(ctx context.Context, name string, data []byte) (buffer.Entry, error) {
	var res, err = b.DB.ExecContext(ctx, insertSQL, name, data)
	if err != nil {
		return buffer.Entry{}, mapErr(err, "append")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return buffer.Entry{}, mapErr(err, "append")
	}
	return buffer.Entry{Seq: seq, Data: append([]byte(nil), data...)}, nil
}

func (b *Buffer) Snapshot(ctx context.Context, name string) ([]buffer.Entry, error) {
	var entries, err = queryEntries(ctx, b.DB, name, 0)
	return entries, mapErr(err, "snapshot")
}

func (b *Buffer) Drain(ctx context.Context, name string, limit int) (buffer.Batch, error) {
	var entries, err = queryEntries(ctx, b.DB, name, limit)
	return buffer.Batch{Name: name, Entries: entries}, mapErr(err, "drain")
}

func (b *Buffer) Clear(ctx context.Context, batch buffer.Batch) error {
	if len(batch.Entries) == 0 {
		return nil
	}
	var txn, err = b.DB.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err, "clear")
	}
	defer txn.Rollback()

	stmt, err := txn.PrepareContext(ctx, deleteOneSQL)
	if err != nil {
		return mapErr(err, "clear")
	}
	defer stmt.Close()

	for _, e := range batch.Entries {
		if _, err = stmt.ExecContext(ctx, batch.Name, e.Seq); err != nil {
			return mapErr(err, "clear")
		}
	}
	return mapErr(txn.Commit(), "clear")
}

func (b *Buffer) DrainAndClear(ctx context.Context, name string, limit int) (buffer.Batch, error) {
	var out = buffer.Batch{Name: name}

	var txn, err = b.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, mapErr(err, "drain and clear")
	}
	defer txn.Rollback()

	if out.Entries, err = queryEntries(ctx, txn, name, limit); err != nil {
		return buffer.Batch{Name: name}, mapErr(err, "drain and clear")
	} else if len(out.Entries) == 0 {
		return out, nil
	} else if _, err = txn.ExecContext(ctx, deleteThroughSQL, name, out.Through()); err != nil {
		return buffer.Batch{Name: name}, mapErr(err, "drain and clear")
	} else if err = txn.Commit(); err != nil {
		return buffer.Batch{Name: name}, mapErr(err, "drain and clear")
	}
	return out, nil
}

func (b *Buffer) Depth(ctx context.Context, name string) (int, error) {
	var n int
	var err = b.DB.QueryRowContext(ctx, depthSQL, name).Scan(&n)
	return n, mapErr(err, "depth")
}

func (b *Buffer) Names(ctx context.Context) ([]string, error) {
	var rows, err = b.DB.QueryContext(ctx, namesSQL)
	if err != nil {
		return nil, mapErr(err, "names")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, mapErr(err, "names")
		}
		out = append(out, name)
	}
	return out, mapErr(rows.Err(), "names")
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryEntries(ctx context.Context, q querier, name string, limit int) ([]buffer.Entry, error) {
	if limit <= 0 {
		limit = -1 // No limit.
	}
	var rows, err = q.QueryContext(ctx, selectSQL, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []buffer.Entry
	for rows.Next() {
		var e buffer.Entry
		if err = rows.Scan(&e.Seq, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// mapErr maps a SQLite failure into pb.ErrBufferUnavailable. Context errors
// are passed through.
func mapErr(err error, op string) error {
	var sqliteErr sqlite3.Error

	if err == nil {
		return nil
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	} else if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return errors.WithMessagef(pb.ErrBufferUnavailable, "%s: database is busy (%s)", op, sqliteErr)
	}
	return errors.WithMessagef(pb.ErrBufferUnavailable, "%s: %s", op, err)
}

func formatMillis(d time.Duration) string {
	if d <= 0 {
		d = defaultBusyTimeout
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

const (
	defaultBusyTimeout = 5 * time.Second

	bootstrapSQL = `
CREATE TABLE IF NOT EXISTS spoilers_buffer (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS spoilers_buffer_name_seq ON spoilers_buffer (name, seq);
`
	insertSQL        = `INSERT INTO spoilers_buffer (name, data) VALUES (?, ?);`
	selectSQL        = `SELECT seq, data FROM spoilers_buffer WHERE name = ? ORDER BY seq LIMIT ?;`
	deleteOneSQL     = `DELETE FROM spoilers_buffer WHERE name = ? AND seq = ?;`
	deleteThroughSQL = `DELETE FROM spoilers_buffer WHERE name = ? AND seq <= ?;`
	depthSQL         = `SELECT COUNT(*) FROM spoilers_buffer WHERE name = ?;`
	namesSQL         = `SELECT DISTINCT name FROM spoilers_buffer ORDER BY name;`
)

var _ buffer.Buffer = (*Buffer)(nil)
