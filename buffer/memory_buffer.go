package buffer

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	pb "go.spoilers.dev/core/protocol"
)

// MemoryBuffer is an in-memory implementation of Buffer. Its contents do not
// survive the process, which makes it suitable for tests and for deployments
// which accept loss of buffered records on crash.
type MemoryBuffer struct {
	mu     sync.Mutex
	seq    int64
	queues map[string][]Entry
	fault  error
}

// NewMemoryBuffer returns an empty MemoryBuffer.
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{queues: make(map[string][]Entry)}
}

// SetFault causes all subsequent operations to fail with |err| wrapping
// ErrBufferUnavailable, until SetFault(nil) is called.
func (m *MemoryBuffer) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		err = errors.WithMessage(pb.ErrBufferUnavailable, err.Error())
	}
	m.fault = err
}

func (m *MemoryBuffer) Append(ctx context.Context, name string, data []byte) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return Entry{}, m.fault
	} else if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.seq++
	var e = Entry{Seq: m.seq, Data: append([]byte(nil), data...)}
	m.queues[name] = append(m.queues[name], e)
	return e, nil
}

func (m *MemoryBuffer) Snapshot(_ context.Context, name string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return nil, m.fault
	}
	return append([]Entry(nil), m.queues[name]...), nil
}

func (m *MemoryBuffer) Drain(_ context.Context, name string, limit int) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return Batch{Name: name}, m.fault
	}
	var q = m.queues[name]
	if limit > 0 && limit < len(q) {
		q = q[:limit]
	}
	return Batch{Name: name, Entries: append([]Entry(nil), q...)}, nil
}

func (m *MemoryBuffer) Clear(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return m.fault
	} else if len(batch.Entries) == 0 {
		return nil
	}

	var seqs = make(map[int64]struct{}, len(batch.Entries))
	for _, e := range batch.Entries {
		seqs[e.Seq] = struct{}{}
	}
	var q = m.queues[batch.Name]
	var kept = q[:0]

	for _, e := range q {
		if _, ok := seqs[e.Seq]; !ok {
			kept = append(kept, e)
		}
	}
	m.setQueue(batch.Name, kept)
	return nil
}

func (m *MemoryBuffer) DrainAndClear(_ context.Context, name string, limit int) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return Batch{Name: name}, m.fault
	}
	var q = m.queues[name]
	var n = len(q)
	if limit > 0 && limit < n {
		n = limit
	}
	var out = Batch{Name: name, Entries: append([]Entry(nil), q[:n]...)}
	m.setQueue(name, append([]Entry(nil), q[n:]...))
	return out, nil
}

func (m *MemoryBuffer) Depth(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return 0, m.fault
	}
	return len(m.queues[name]), nil
}

func (m *MemoryBuffer) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		return nil, m.fault
	}
	var out []string
	for name := range m.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBuffer) setQueue(name string, q []Entry) {
	if len(q) == 0 {
		delete(m.queues, name)
	} else {
		m.queues[name] = q
	}
}

var _ Buffer = (*MemoryBuffer)(nil)
