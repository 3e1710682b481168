// Package staging provides an abstraction over object storage systems into
// which batches are staged ahead of a bulk load into a durable store.
//
// Stores are addressed by URL, such as "s3://bucket/prefix/". Paths of a
// Store are relative to its URL, and a staged object is referenced by bulk
// load commands through Store.URL of its path.
package staging

import (
	"context"
	"io"
	"net/url"
	"time"
)

// Store of staged objects.
type Store interface {
	// Provider names the backend of the Store ("s3", "gcs", "fs", "memory").
	Provider() string
	// URL of |path|, as referenced by a bulk load (eg "s3://bucket/prefix/path").
	URL(path string) string

	// Put |contentLength| bytes of |content| at |path|. A Put completes
	// entirely or not at all: a partial object is never observed at |path|.
	// A non-empty |contentEncoding| (eg "gzip") is recorded with the object.
	Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error
	// Get the stored bytes of |path|, without decoding its content encoding.
	// A missing |path| is an error matching os.ErrNotExist.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Exists returns whether an object is stored at |path|.
	Exists(ctx context.Context, path string) (bool, error)
	// List objects under |prefix|, invoking |callback| with each path
	// relative to |prefix| and its modification time. An error returned
	// by |callback| stops the listing and is returned.
	List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error
	// Remove the object at |path|.
	Remove(ctx context.Context, path string) error

	// IsAuthError is true if |err| is a failure of the Store's credentials
	// or bucket configuration, rather than a transient one. Such errors
	// won't resolve by retrying the same request.
	IsAuthError(error) bool
}

// Constructor builds a Store of a URL scheme.
type Constructor func(*url.URL) (Store, error)
