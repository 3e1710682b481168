package staging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a Store of staged objects held in memory. It's used by
// tests, and by development servers which load into a store that reads
// staged objects back through the Store (such as durable/sqlite).
type MemoryStore struct {
	ep *url.URL
	// Content of staged objects, keyed on path.
	Content map[string][]byte
	// Encodings of staged objects, keyed on path. Unset for unencoded objects.
	Encodings map[string]string

	modTimes map[string]time.Time
	puts     int
	mu       sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore addressed by |ep|.
func NewMemoryStore(ep *url.URL) *MemoryStore {
	return &MemoryStore{
		ep:        ep,
		Content:   make(map[string][]byte),
		Encodings: make(map[string]string),
		modTimes:  make(map[string]time.Time),
	}
}

// Puts returns the number of objects which have been staged into the
// MemoryStore, including those since removed.
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) URL(path string) string { return m.ep.String() + path }

func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var _, ok = m.Content[path]
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b, ok = m.Content[path]
	if !ok {
		return nil, fmt.Errorf("staged object %s: %w", m.URL(path), os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemoryStore) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var b = make([]byte, contentLength)
	if _, err := content.ReadAt(b, 0); err != nil && err != io.EOF {
		return fmt.Errorf("reading staged content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Content[path] = b
	m.modTimes[path] = time.Now()
	m.puts++

	if contentEncoding != "" {
		m.Encodings[path] = contentEncoding
	} else {
		delete(m.Encodings, path)
	}
	return nil
}

// List staged objects under |prefix| in path order.
func (m *MemoryStore) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	m.mu.RLock()
	var paths []string
	var modTimes []time.Time
	for path := range m.Content {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		modTimes = append(modTimes, m.modTimes[path])
	}
	m.mu.RUnlock()

	// |callback| is invoked without holding the lock, so it may call back
	// into the MemoryStore (eg, to Remove a listed object).
	for i, path := range paths {
		if err := callback(strings.TrimPrefix(path, prefix), modTimes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Content[path]; !ok {
		return fmt.Errorf("staged object %s: %w", m.URL(path), os.ErrNotExist)
	}
	delete(m.Content, path)
	delete(m.Encodings, path)
	delete(m.modTimes, path)
	return nil
}

func (m *MemoryStore) IsAuthError(error) bool { return false }

var _ Store = (*MemoryStore)(nil)
