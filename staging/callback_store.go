package staging

import (
	"context"
	"io"
	"time"
)

// CallbackStore implements Store for testing with customizable behavior.
// Each non-nil callback overrides the corresponding method of the wrapped
// Store, which serves all other methods.
type CallbackStore struct {
	Store Store

	GetFunc         func(s Store, ctx context.Context, path string) (io.ReadCloser, error)
	ExistsFunc      func(s Store, ctx context.Context, path string) (bool, error)
	PutFunc         func(s Store, ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error
	RemoveFunc      func(s Store, ctx context.Context, path string) error
	IsAuthErrorFunc func(s Store, err error) bool
}

func (c *CallbackStore) Provider() string       { return c.Store.Provider() }
func (c *CallbackStore) URL(path string) string { return c.Store.URL(path) }

func (c *CallbackStore) Exists(ctx context.Context, path string) (bool, error) {
	if c.ExistsFunc != nil {
		return c.ExistsFunc(c.Store, ctx, path)
	}
	return c.Store.Exists(ctx, path)
}

func (c *CallbackStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if c.GetFunc != nil {
		return c.GetFunc(c.Store, ctx, path)
	}
	return c.Store.Get(ctx, path)
}

func (c *CallbackStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	if c.PutFunc != nil {
		return c.PutFunc(c.Store, ctx, path, content, contentLength, contentEncoding)
	}
	return c.Store.Put(ctx, path, content, contentLength, contentEncoding)
}

func (c *CallbackStore) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	return c.Store.List(ctx, prefix, callback)
}

func (c *CallbackStore) Remove(ctx context.Context, path string) error {
	if c.RemoveFunc != nil {
		return c.RemoveFunc(c.Store, ctx, path)
	}
	return c.Store.Remove(ctx, path)
}

func (c *CallbackStore) IsAuthError(err error) bool {
	if c.IsAuthErrorFunc != nil {
		return c.IsAuthErrorFunc(c.Store, err)
	}
	return c.Store.IsAuthError(err)
}

var _ Store = (*CallbackStore)(nil)
