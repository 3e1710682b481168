// Package task runs groups of long-lived, cancellable service tasks.
package task

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks which are executed concurrently, and which are
// collectively waited on. The first task to return a non-nil error cancels
// the Group Context, and tasks are expected to return upon its cancellation.
// Group is not itself thread-safe.
type Group struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	eg       *errgroup.Group
	queued   []queued
	started  bool
}

type queued struct {
	desc string
	fn   func() error
}

// NewGroup returns a new, empty Group deriving from the Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, cancelFn: cancel, eg: eg}
}

// Context of the Group, which is cancelled by any task returning an error,
// by Cancel, or by cancellation of the parent Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a task for execution. Tasks queued after GoRun start immediately.
func (g *Group) Queue(desc string, fn func() error) {
	if g.started {
		g.start(queued{desc, fn})
	} else {
		g.queued = append(g.queued, queued{desc, fn})
	}
}

// GoRun starts all queued tasks. It panics if called twice.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for _, t := range g.queued {
		g.start(t)
	}
	g.queued = nil
}

// Wait for all started tasks, returning the first non-nil error.
// It panics if GoRun wasn't called.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}

func (g *Group) start(t queued) {
	g.eg.Go(func() error {
		var err = t.fn()
		log.WithFields(log.Fields{"task": t.desc, "err": err}).Debug("task exited")
		return errors.WithMessage(err, t.desc)
	})
}
