// Package etcd implements a durable buffer.Buffer over Etcd. Each Entry is a
// key of the form "<prefix>/<escaped-name>/<uuid>", and the Seq of an Entry
// is the revision at which its key was created. Entries are ordered by Seq.
package etcd

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.spoilers.dev/core/buffer"
	pb "go.spoilers.dev/core/protocol"
)

// Buffer is a buffer.Buffer backed by Etcd.
type Buffer struct {
	client *clientv3.Client
	prefix string
	// OpTimeout bounds each Etcd operation. An operation which exceeds it
	// fails with pb.ErrBufferUnavailable.
	OpTimeout time.Duration
}

// NewBuffer returns a Buffer of keys under |prefix|.
func NewBuffer(client *clientv3.Client, prefix string) *Buffer {
	return &Buffer{
		client:    client,
		prefix:    strings.TrimSuffix(prefix, "/"),
		OpTimeout: defaultOpTimeout,
	}
}

func (b *Buffer) Append(ctx context.Context, name string, data []byte) (buffer.Entry, error) {
	var opCtx, cancel = b.opContext(ctx)
	defer cancel()

	var resp, err = b.client.Put(opCtx, b.namePrefix(name)+uuid.New().String(), string(data))
	if err != nil {
		return buffer.Entry{}, b.mapErr(ctx, err, "append")
	}
	// The Put created its key, so the revision of the Put is its create revision.
	return buffer.Entry{Seq: resp.Header.Revision, Data: append([]byte(nil), data...)}, nil
}

func (b *Buffer) Snapshot(ctx context.Context, name string) ([]buffer.Entry, error) {
	var batch, err = b.Drain(ctx, name, 0)
	return batch.Entries, err
}

func (b *Buffer) Drain(ctx context.Context, name string, limit int) (buffer.Batch, error) {
	var opCtx, cancel = b.opContext(ctx)
	defer cancel()

	var out = buffer.Batch{Name: name}
	var resp, err = b.client.Get(opCtx, b.namePrefix(name), rangeOpts(limit)...)
	if err != nil {
		return out, b.mapErr(ctx, err, "drain")
	}
	out.Entries = toEntries(resp.Kvs)
	return out, nil
}

func (b *Buffer) Clear(ctx context.Context, batch buffer.Batch) error {
	if len(batch.Entries) == 0 {
		return nil
	}
	var opCtx, cancel = b.opContext(ctx)
	defer cancel()

	// Map Seqs of the Batch to their current keys. Keys are never re-created,
	// so a key whose create revision matches a Seq is that Entry.
	var resp, err = b.client.Get(opCtx, b.namePrefix(batch.Name),
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithMaxCreateRev(batch.Through()),
	)
	if err != nil {
		return b.mapErr(ctx, err, "clear")
	}

	var seqs = make(map[int64]struct{}, len(batch.Entries))
	for _, e := range batch.Entries {
		seqs[e.Seq] = struct{}{}
	}
	var ops []clientv3.Op

	var flush = func() error {
		if len(ops) == 0 {
			return nil
		}
		var _, err = b.client.Txn(opCtx).Then(ops...).Commit()
		ops = ops[:0]
		return err
	}
	for _, kv := range resp.Kvs {
		if _, ok := seqs[kv.CreateRevision]; !ok {
			continue
		}
		ops = append(ops, clientv3.OpDelete(string(kv.Key)))

		if len(ops) == maxTxnOps {
			if err = flush(); err != nil {
				return b.mapErr(ctx, err, "clear")
			}
		}
	}
	if err = flush(); err != nil {
		return b.mapErr(ctx, err, "clear")
	}
	return nil
}

func (b *Buffer) DrainAndClear(ctx context.Context, name string, limit int) (buffer.Batch, error) {
	var opCtx, cancel = b.opContext(ctx)
	defer cancel()

	var out = buffer.Batch{Name: name}

	if limit <= 0 {
		// A single DeleteRange of the prefix pops every Entry atomically.
		var resp, err = b.client.Delete(opCtx, b.namePrefix(name), clientv3.WithPrefix(), clientv3.WithPrevKV())
		if err != nil {
			return out, b.mapErr(ctx, err, "drain and clear")
		}
		sort.Slice(resp.PrevKvs, func(i, j int) bool {
			return resp.PrevKvs[i].CreateRevision < resp.PrevKvs[j].CreateRevision
		})
		out.Entries = toEntries(resp.PrevKvs)
		return out, nil
	}

	if limit > maxTxnOps {
		limit = maxTxnOps
	}
	for {
		var resp, err = b.client.Get(opCtx, b.namePrefix(name), rangeOpts(limit)...)
		if err != nil {
			return out, b.mapErr(ctx, err, "drain and clear")
		} else if len(resp.Kvs) == 0 {
			return out, nil
		}

		var cmps = make([]clientv3.Cmp, len(resp.Kvs))
		var ops = make([]clientv3.Op, len(resp.Kvs))
		for i, kv := range resp.Kvs {
			cmps[i] = clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)
			ops[i] = clientv3.OpDelete(string(kv.Key))
		}
		txnResp, err := b.client.Txn(opCtx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return out, b.mapErr(ctx, err, "drain and clear")
		} else if txnResp.Succeeded {
			out.Entries = toEntries(resp.Kvs)
			return out, nil
		}
		// A key was concurrently removed by another drain. Try again.
		log.WithFields(log.Fields{
			"name":     name,
			"revision": txnResp.Header.Revision,
		}).Debug("etcd buffer drain raced; retrying")
	}
}

func (b *Buffer) Depth(ctx context.Context, name string) (int, error) {
	var opCtx, cancel = b.opContext(ctx)
	defer cancel()

	var resp, err = b.client.Get(opCtx, b.namePrefix(name), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, b.mapErr(ctx, err, "depth")
	}
	return int(resp.Count), nil
}

func (b *Buffer) Names(ctx context.Context) ([]string, error) {
	var opCtx, cancel = b.opContext(ctx)
	defer cancel()

	var resp, err = b.client.Get(opCtx, b.prefix+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, b.mapErr(ctx, err, "names")
	}

	var names = make(map[string]struct{})
	for _, kv := range resp.Kvs {
		var rel = strings.TrimPrefix(string(kv.Key), b.prefix+"/")
		var ind = strings.IndexByte(rel, '/')
		if ind == -1 {
			continue // Not an Entry key.
		}
		if name, err := url.PathUnescape(rel[:ind]); err == nil {
			names[name] = struct{}{}
		}
	}
	var out []string
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Buffer) namePrefix(name string) string {
	return b.prefix + "/" + url.PathEscape(name) + "/"
}

func (b *Buffer) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.OpTimeout)
}

// mapErr maps a failed Etcd operation into pb.ErrBufferUnavailable, unless
// the failure is due to cancellation of the caller's own Context.
func (b *Buffer) mapErr(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.WithMessagef(pb.ErrBufferUnavailable, "etcd %s: %s", op, err)
}

func rangeOpts(limit int) []clientv3.OpOption {
	var opts = []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	return opts
}

func toEntries(kvs []*mvccpb.KeyValue) []buffer.Entry {
	if len(kvs) == 0 {
		return nil
	}
	var out = make([]buffer.Entry, len(kvs))
	for i, kv := range kvs {
		out[i] = buffer.Entry{Seq: kv.CreateRevision, Data: kv.Value}
	}
	return out
}

const (
	defaultOpTimeout = 10 * time.Second
	// maxTxnOps is the default Etcd server limit of operations in one Txn.
	maxTxnOps = 128
)

var _ buffer.Buffer = (*Buffer)(nil)
