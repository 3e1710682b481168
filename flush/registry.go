package flush

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.spoilers.dev/core/task"
)

// Registry owns the Flushers of a process, keyed by resource name. Each
// resource has at most one Flusher, and all are stopped together.
type Registry struct {
	mu       sync.Mutex
	flushers map[string]*Flusher
	tg       *task.Group
	running  bool
}

// NewRegistry returns an empty Registry whose Flushers serve until |ctx|
// is cancelled, or Stop is called.
func NewRegistry(ctx context.Context) *Registry {
	return &Registry{
		flushers: make(map[string]*Flusher),
		tg:       task.NewGroup(ctx),
	}
}

// Add a Flusher to the Registry. It's an error to Add a second Flusher of
// the same resource. A Flusher added after GoRun begins serving at once.
func (r *Registry) Add(f *Flusher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var name = f.spec.Name
	if _, ok := r.flushers[name]; ok {
		return fmt.Errorf("resource %s already has a flusher", name)
	}
	r.flushers[name] = f

	if r.running {
		r.queue(f)
	}
	return nil
}

// Lookup the Flusher of the named resource.
func (r *Registry) Lookup(name string) (*Flusher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var f, ok = r.flushers[name]
	return f, ok
}

// Names returns the sorted resource names of registered Flushers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

// GoRun starts serving each registered Flusher in its own goroutine.
func (r *Registry) GoRun() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.namesLocked() {
		r.queue(r.flushers[name])
	}
	r.running = true
	r.tg.GoRun()
}

// Stop all Flushers. In-progress ticks complete before their Flusher exits.
func (r *Registry) Stop() { r.tg.Cancel() }

// Wait for all Flushers to exit after a Stop.
func (r *Registry) Wait() error { return r.tg.Wait() }

// TickAll runs a Tick of every registered Flusher, returning Outcomes keyed
// on resource name.
func (r *Registry) TickAll(ctx context.Context) map[string]Outcome {
	var out = make(map[string]Outcome)
	for _, name := range r.Names() {
		var f, _ = r.Lookup(name)
		out[name] = f.Tick(ctx)
	}
	return out
}

func (r *Registry) queue(f *Flusher) {
	var ctx = r.tg.Context()
	r.tg.Queue("flush "+f.spec.Name, func() error { return f.Serve(ctx) })
}

func (r *Registry) namesLocked() []string {
	var out = make([]string, 0, len(r.flushers))
	for name := range r.flushers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
