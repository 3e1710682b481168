package staging

import (
	"context"
	"io"
	"time"
)

// ActiveStore wraps a Store implementation with instrumentation.
type ActiveStore struct {
	Store Store
	label string
}

// NewActiveStore wraps |store| as an ActiveStore labeled in metrics by |label|.
// Don't use this in production code: use Open() for proper initialization and caching.
func NewActiveStore(label string, store Store) *ActiveStore {
	return &ActiveStore{Store: store, label: label}
}

func (s *ActiveStore) Provider() string       { return s.Store.Provider() }
func (s *ActiveStore) URL(path string) string { return s.Store.URL(path) }
func (s *ActiveStore) IsAuthError(err error) bool {
	return s.Store.IsAuthError(err)
}

// Exists checks if content exists at the given path.
func (s *ActiveStore) Exists(ctx context.Context, path string) (bool, error) {
	var started = time.Now()
	var exists, err = s.Store.Exists(ctx, path)
	s.observe("exists", started, err)

	return exists, err
}

// Get returns an io.ReadCloser for content at the given path.
func (s *ActiveStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var started = time.Now()
	var rc, err = s.Store.Get(ctx, path)
	s.observe("get", started, err)

	return rc, err
}

// Put durably writes content to the store at the given path.
func (s *ActiveStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var started = time.Now()
	var err = s.Store.Put(ctx, path, content, contentLength, contentEncoding)
	s.observe("put", started, err)

	// Track content size for successful puts
	if err == nil && contentLength > 0 {
		var encoding = contentEncoding
		if encoding == "" {
			encoding = "none"
		}
		storePutBytesTotal.WithLabelValues(s.label, encoding).Add(float64(contentLength))
	}
	return err
}

// List enumerates all objects under the given prefix.
func (s *ActiveStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var started = time.Now()
	var err = s.Store.List(ctx, prefix, callback)
	s.observe("list", started, err)

	return err
}

// Remove content at the given path.
func (s *ActiveStore) Remove(ctx context.Context, path string) error {
	var started = time.Now()
	var err = s.Store.Remove(ctx, path)
	s.observe("remove", started, err)

	return err
}

func (s *ActiveStore) observe(op string, started time.Time, err error) {
	var status = "success"
	if err != nil && s.Store.IsAuthError(err) {
		status = "auth_error"
	} else if err != nil {
		status = "error"
	}
	storeOperationTotal.WithLabelValues(s.label, op, status).Inc()
	storeOperationDuration.WithLabelValues(s.label, op, status).Observe(time.Since(started).Seconds())
}

var _ Store = (*ActiveStore)(nil)
