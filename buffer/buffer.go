// Package buffer defines the Buffer: a named, append-only and drainable
// sequence of serialized records which are awaiting a flush into a durable
// store. Implementations are provided over memory, SQLite (buffer/sqlite),
// and Etcd (buffer/etcd).
//
// A Buffer is drained in one of two ways. The deferred form, Drain followed
// by Clear, leaves entries buffered until their ingestion is known to have
// committed, and then removes exactly the Entries of the drained Batch:
// any Entry appended after the Drain survives the Clear. The atomic form,
// DrainAndClear, pops a range of Entries under a single lock or transaction.
// Neither form ever removes an Entry which wasn't also returned to the caller.
package buffer

import (
	"context"
)

// Buffer is a set of named, FIFO sequences of serialized records.
type Buffer interface {
	// Append durably stores |data| under the named buffer, and returns its
	// Entry. Append never blocks on downstream ingestion, and fails only with
	// an error wrapping pb.ErrBufferUnavailable.
	Append(ctx context.Context, name string, data []byte) (Entry, error)
	// Snapshot returns the current Entries of the named buffer in append
	// order, without mutating them.
	Snapshot(ctx context.Context, name string) ([]Entry, error)
	// Drain returns a Batch of up to |limit| Entries (or all Entries, if
	// |limit| is zero) from the front of the named buffer. The Entries are
	// not removed.
	Drain(ctx context.Context, name string, limit int) (Batch, error)
	// Clear removes exactly the Entries of the Batch from its buffer.
	// Entries which are no longer present are ignored.
	Clear(ctx context.Context, batch Batch) error
	// DrainAndClear atomically removes and returns up to |limit| Entries (or
	// all Entries, if |limit| is zero) from the front of the named buffer.
	DrainAndClear(ctx context.Context, name string, limit int) (Batch, error)
	// Depth returns the number of Entries of the named buffer.
	Depth(ctx context.Context, name string) (int, error)
	// Names returns the names of buffers having at least one Entry.
	Names(ctx context.Context) ([]string, error)
}

// Entry is a serialized record held by a Buffer.
type Entry struct {
	// Seq is the Buffer-assigned identity of the Entry. Seqs are strictly
	// increasing in append order within a named buffer.
	Seq int64
	// Data of the Entry.
	Data []byte
}

// Batch is an ordered set of Entries drained from a named buffer.
type Batch struct {
	Name    string
	Entries []Entry
}

// Len returns the number of Entries of the Batch.
func (b Batch) Len() int { return len(b.Entries) }

// Through returns the largest Seq of the Batch, or zero if it's empty.
func (b Batch) Through() int64 {
	var through int64
	for _, e := range b.Entries {
		if e.Seq > through {
			through = e.Seq
		}
	}
	return through
}

// Seqs returns the ordered Seqs of the Batch.
func (b Batch) Seqs() []int64 {
	var out = make([]int64, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Seq
	}
	return out
}

// SameEntries returns true if |other| is of the same buffer name and holds
// exactly the same Seqs, in the same order, as this Batch.
func (b Batch) SameEntries(other Batch) bool {
	if b.Name != other.Name || len(b.Entries) != len(other.Entries) {
		return false
	}
	for i := range b.Entries {
		if b.Entries[i].Seq != other.Entries[i].Seq {
			return false
		}
	}
	return true
}
