package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/api"
	"go.spoilers.dev/core/auth"
	"go.spoilers.dev/core/flush"
	mbp "go.spoilers.dev/core/mainboilerplate"
	"go.spoilers.dev/core/metrics"
	"go.spoilers.dev/core/server"
	"go.spoilers.dev/core/staging"
	"go.spoilers.dev/core/task"
)

type cmdServe struct{}

func (cmdServe) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	// Config carries secrets (auth keys and DSNs) and isn't logged in full.
	log.WithFields(log.Fields{
		"id":        Config.Service.ProcessID(),
		"version":   mbp.Version,
		"resources": Config.Resources.Path,
		"buffer":    Config.Buffer.Type,
		"database":  Config.Database.Driver,
		"staging":   Config.Staging.URL,
		"codec":     Config.Staging.Codec,
	}).Info("starting spoilers")
	prometheus.MustRegister(metrics.SpoilersCollectors()...)

	var ctx = context.Background()
	var defs = mustReadDefinitions(Config.Resources.Path)

	var stage, err = staging.Open(Config.Staging.URL)
	mbp.Must(err, "failed to open staging store", "url", Config.Staging.URL)

	var buf, bufCloser = mustOpenBuffer()
	var store, storeCloser = mustOpenDurable(ctx, stage, defs.Resources)

	// Writes are accepted only while the Buffer is reachable.
	mbp.SetReadinessCheck(func(ctx context.Context) error {
		var _, err = buf.Names(ctx)
		return err
	})

	var tasks = task.NewGroup(ctx)
	var registry = flush.NewRegistry(tasks.Context())

	set, err := buildResources(defs.Resources, buf, store, newPipeline(stage, store), registry)
	mbp.Must(err, "failed to build resources")

	var verifier api.Verifier
	if Config.Auth.Keys != "" {
		var ka, err = auth.NewKeyedAuth(Config.Auth.Keys)
		mbp.Must(err, "failed to parse auth keys")
		verifier = ka
	} else {
		log.Warn("auth keys are not configured: requests will not be authorized")
	}

	srv, err := server.New(Config.Service.Iface, Config.Service.Port)
	mbp.Must(err, "building Server instance")
	srv.HTTPMux.Handle("/", api.NewGateway(set, verifier, registry))
	srv.QueueTasks(tasks)

	tasks.Queue("flush.Registry", func() error {
		registry.GoRun()
		return registry.Wait()
	})

	var signalCh = make(chan os.Signal, 1)
	tasks.Queue("watch signals", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
		return nil
	})

	// Install signal handler & start tasks.
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.GoRun()

	log.WithFields(log.Fields{
		"endpoint":  srv.Endpoint(),
		"resources": len(set.All()),
		"flushers":  len(registry.Names()),
	}).Info("serving resources")

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "spoilers task failed")

	mbp.Must(bufCloser.Close(), "failed to close Buffer")
	mbp.Must(storeCloser.Close(), "failed to close durable store")
	log.Info("goodbye")

	return nil
}
