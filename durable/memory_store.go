package durable

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/staging"
)

// MemoryStore is an in-memory Store for testing. Its BulkLoad reads staged
// objects from a staging.Store.
type MemoryStore struct {
	stage staging.Store

	mu        sync.Mutex
	nextID    int64
	tables    map[string][]*pb.PersistedRecord
	loads     []pb.StagedObject
	pageFault error
	loadFault error
}

// NewMemoryStore returns an empty MemoryStore which bulk-loads from |stage|.
func NewMemoryStore(stage staging.Store) *MemoryStore {
	return &MemoryStore{
		stage:  stage,
		tables: make(map[string][]*pb.PersistedRecord),
	}
}

// SetPageFault causes Insert and Page to fail with |err| wrapping
// ErrDurableStoreUnavailable, until SetPageFault(nil) is called.
func (m *MemoryStore) SetPageFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFault = wrapUnavailable(err)
}

// SetLoadFault causes BulkLoad to fail with |err| wrapping
// ErrDurableStoreUnavailable, until SetLoadFault(nil) is called.
func (m *MemoryStore) SetLoadFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadFault = wrapUnavailable(err)
}

// Count returns the number of rows of the table.
func (m *MemoryStore) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Loads returns the StagedObjects which were successfully bulk-loaded, in order.
func (m *MemoryStore) Loads() []pb.StagedObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pb.StagedObject(nil), m.loads...)
}

func (m *MemoryStore) Insert(ctx context.Context, spec *pb.ResourceSpec, fields pb.Fields) (*pb.PersistedRecord, error) {
	var norm, err = spec.Normalize(fields)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pageFault != nil {
		return nil, m.pageFault
	} else if err = ctx.Err(); err != nil {
		return nil, err
	}
	return m.insertLocked(spec.TableName(), norm), nil
}

func (m *MemoryStore) Page(ctx context.Context, spec *pb.ResourceSpec, limit int) ([]*pb.PersistedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pageFault != nil {
		return nil, m.pageFault
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows = m.tables[spec.TableName()]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]*pb.PersistedRecord(nil), rows...), nil
}

func (m *MemoryStore) BulkLoad(ctx context.Context, spec *pb.ResourceSpec, obj pb.StagedObject) (int64, error) {
	m.mu.Lock()
	var fault = m.loadFault
	m.mu.Unlock()

	if fault != nil {
		return 0, fault
	}

	// Decode all rows before loading any, so that a load is all-or-nothing.
	var rows []pb.Fields
	if _, err := ReadStaged(ctx, m.stage, spec, obj, func(f pb.Fields) error {
		rows = append(rows, f)
		return nil
	}); err != nil {
		return 0, err
	} else if err = CheckRows(obj, int64(len(rows))); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range rows {
		m.insertLocked(spec.TableName(), f)
	}
	m.loads = append(m.loads, obj)
	return int64(len(rows)), nil
}

func (m *MemoryStore) insertLocked(table string, f pb.Fields) *pb.PersistedRecord {
	m.nextID++
	var rec = &pb.PersistedRecord{ID: m.nextID, Fields: f}
	m.tables[table] = append(m.tables[table], rec)
	return rec
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(pb.ErrDurableStoreUnavailable, err.Error())
}
