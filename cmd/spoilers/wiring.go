package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/auth"
	"go.spoilers.dev/core/buffer"
	etcdbuffer "go.spoilers.dev/core/buffer/etcd"
	sqlitebuffer "go.spoilers.dev/core/buffer/sqlite"
	"go.spoilers.dev/core/durable"
	"go.spoilers.dev/core/durable/redshift"
	sqlitestore "go.spoilers.dev/core/durable/sqlite"
	"go.spoilers.dev/core/flush"
	"go.spoilers.dev/core/ingest"
	mbp "go.spoilers.dev/core/mainboilerplate"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/resource"
	"go.spoilers.dev/core/staging"
	"go.spoilers.dev/core/staging/fs"
	"go.spoilers.dev/core/staging/gcs"
	"go.spoilers.dev/core/staging/s3"
)

func init() {
	staging.RegisterProviders(map[string]staging.Constructor{
		"s3":   s3.New,
		"gs":   gcs.New,
		"file": fs.New,
		"memory": func(ep *url.URL) (staging.Store, error) {
			return staging.NewMemoryStore(ep), nil
		},
	})
}

func mustReadDefinitions(path string) resource.Definitions {
	var f, err = os.Open(path)
	mbp.Must(err, "failed to open resource definitions", "path", path)
	defer f.Close()

	defs, err := resource.ReadDefinitions(f)
	mbp.Must(err, "invalid resource definitions", "path", path)
	return defs
}

// mustOpenBuffer returns the configured Buffer, and a Closer of its resources.
func mustOpenBuffer() (buffer.Buffer, io.Closer) {
	switch Config.Buffer.Type {
	case "memory":
		log.Warn("using a memory Buffer: accepted writes which aren't yet flushed are lost on exit")
		return buffer.NewMemoryBuffer(), closerFunc(func() error { return nil })
	case "sqlite":
		var buf, err = sqlitebuffer.Open(Config.Buffer.Path, Config.Buffer.BusyTimeout)
		mbp.Must(err, "failed to open sqlite Buffer", "path", Config.Buffer.Path)
		return buf, buf
	case "etcd":
		var client = Config.Etcd.MustDial()
		return etcdbuffer.NewBuffer(client, Config.Buffer.Prefix), client
	default:
		panic(fmt.Sprintf("unexpected Buffer type %q", Config.Buffer.Type))
	}
}

// mustOpenDurable returns the configured durable Store, and a Closer of its
// resources. Tables of a sqlite store are created if they don't exist.
func mustOpenDurable(ctx context.Context, stage staging.Store, specs []*pb.ResourceSpec) (durable.Store, io.Closer) {
	var cfg = Config.Database

	switch cfg.Driver {
	case "sqlite3":
		var store, err = sqlitestore.Open(cfg.DSN, stage, cfg.MaxConns, cfg.AcquireTimeout)
		mbp.Must(err, "failed to open sqlite store", "path", cfg.DSN)

		for _, spec := range specs {
			mbp.Must(store.CreateTable(ctx, spec), "failed to create table", "table", spec.TableName())
		}
		return store, store

	case "postgres":
		var creds, err = auth.NewAWSProvider(cfg.AWSProfile)
		mbp.Must(err, "failed to build bulk-load credentials provider")

		store, err := redshift.Open(cfg.DSN, cfg.MaxConns, creds)
		mbp.Must(err, "failed to open postgres store")
		store.Region = cfg.Region
		store.AcquireTimeout = cfg.AcquireTimeout

		return store, store

	default:
		panic(fmt.Sprintf("unexpected database driver %q", cfg.Driver))
	}
}

// buildResources returns the Set of resources of the ResourceSpecs, and
// registers a Flusher of each buffered resource with the Registry.
func buildResources(specs []*pb.ResourceSpec, buf buffer.Buffer, store durable.Store,
	ingester flush.Ingester, registry *flush.Registry) (*resource.Set, error) {

	var all []*resource.Resource
	for _, spec := range specs {
		var res, err = resource.New(spec, buf, store)
		if err != nil {
			return nil, err
		}
		all = append(all, res)

		if !spec.Buffered {
			continue
		}
		var f = flush.NewFlusher(spec, buf, ingester)
		f.MaxBackoff = Config.Flush.MaxBackoff
		f.FlushOnExit = Config.Flush.OnExit

		if err = registry.Add(f); err != nil {
			return nil, err
		}
		res.SetNotifier(f)
	}
	return resource.NewSet(all...)
}

func newPipeline(stage staging.Store, store durable.Store) *ingest.Pipeline {
	var p = ingest.NewPipeline(stage, store, Config.Service.ProcessID(), pb.Codec(Config.Staging.Codec))
	p.UploadTimeout = Config.Staging.UploadTimeout
	p.RemoveStaged = Config.Staging.RemoveLoaded
	return p
}

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }
