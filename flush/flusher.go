// Package flush schedules the periodic flush of buffered resources into
// their durable store.
package flush

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/buffer"
	"go.spoilers.dev/core/metrics"
	pb "go.spoilers.dev/core/protocol"
)

// Ingester stages and loads buffered batches. It's implemented by
// *ingest.Pipeline.
type Ingester interface {
	// Stage the Batch, returning its StagedObject.
	Stage(ctx context.Context, spec *pb.ResourceSpec, batch buffer.Batch) (pb.StagedObject, error)
	// Load a StagedObject, returning the number of rows loaded.
	Load(ctx context.Context, spec *pb.ResourceSpec, obj pb.StagedObject) (int64, error)
}

// State of a Flusher.
type State int32

const (
	// Idle Flushers are awaiting their next tick.
	Idle State = iota
	// Draining Flushers are reading a batch from their Buffer.
	Draining
	// Ingesting Flushers are staging and loading a drained batch.
	Ingesting
	// Committing Flushers are clearing a loaded batch from their Buffer.
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Ingesting:
		return "ingesting"
	case Committing:
		return "committing"
	default:
		return "unknown"
	}
}

// Outcome of a flush tick.
type Outcome struct {
	// Kind is one of metrics.Committed, metrics.Empty, or metrics.Failed.
	Kind string
	// Rows loaded by the tick.
	Rows int64
	// Started is the time at which the tick began.
	Started time.Time
	// Duration of the tick.
	Duration time.Duration
	// Err of a Failed tick.
	Err error
}

// Flusher periodically drains the Buffer of a resource, ingests the drained
// batch, and clears exactly that batch once it's been loaded. Entries
// remain buffered (and visible to readers) until their load commits.
type Flusher struct {
	spec     *pb.ResourceSpec
	buf      buffer.Buffer
	ingester Ingester

	// MaxBackoff caps the delay between ticks after consecutive failures.
	MaxBackoff time.Duration
	// FlushOnExit runs a final tick when Serve's Context is cancelled.
	FlushOnExit bool

	notifyCh chan struct{}
	tickMu   sync.Mutex // Serializes Ticks.

	mu       sync.Mutex
	state    State
	last     Outcome
	failures int
	// Batch & StagedObject of a load which failed, and may be re-loaded.
	// Guarded by tickMu, as is |uncleared|.
	staged *stagedBatch
	// Batch which was loaded, but which could not be cleared.
	uncleared *buffer.Batch

	// newTimer is a test hook for the delay between ticks.
	newTimer func(time.Duration) (<-chan time.Time, func() bool)
}

type stagedBatch struct {
	batch buffer.Batch
	obj   pb.StagedObject
}

// NewFlusher returns a Flusher of the ResourceSpec's Buffer.
func NewFlusher(spec *pb.ResourceSpec, buf buffer.Buffer, ingester Ingester) *Flusher {
	return &Flusher{
		spec:       spec,
		buf:        buf,
		ingester:   ingester,
		MaxBackoff: DefaultMaxBackoff,
		notifyCh:   make(chan struct{}, 1),
		newTimer: func(d time.Duration) (<-chan time.Time, func() bool) {
			var t = time.NewTimer(d)
			return t.C, t.Stop
		},
	}
}

// DefaultMaxBackoff is the default Flusher.MaxBackoff.
const DefaultMaxBackoff = time.Hour

// Spec returns the ResourceSpec of the Flusher.
func (f *Flusher) Spec() *pb.ResourceSpec { return f.spec }

// State returns the current State of the Flusher.
func (f *Flusher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastOutcome returns the Outcome of the most recent tick.
func (f *Flusher) LastOutcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Notify requests an early tick of a serving Flusher. It never blocks.
// Notifications are ignored while the Flusher is backing off from failures.
func (f *Flusher) Notify() {
	select {
	case f.notifyCh <- struct{}{}:
	default: // A tick is already requested.
	}
}

// Serve ticks the Flusher every FlushInterval of its ResourceSpec until the
// Context is cancelled. A tick which is in progress when the Context is
// cancelled runs to completion under its own FlushTimeout. If FlushOnExit,
// a final tick then runs before Serve returns.
func (f *Flusher) Serve(ctx context.Context) error {
	log.WithFields(log.Fields{
		"resource": f.spec.Name,
		"interval": f.spec.EffectiveFlushInterval(),
	}).Info("serving resource flusher")

	for {
		var timerCh, stop = f.newTimer(f.nextDelay())

	Wait:
		for {
			select {
			case <-ctx.Done():
				stop()
				if f.FlushOnExit {
					var out = f.Tick(context.WithoutCancel(ctx))
					log.WithFields(log.Fields{
						"resource": f.spec.Name,
						"outcome":  out.Kind,
						"rows":     out.Rows,
					}).Info("completed final flush")
				}
				return nil
			case <-timerCh:
				break Wait
			case <-f.notifyCh:
				// While backing off, the armed timer keeps running and
				// a retry tick fires at its deadline regardless of notifies.
				if !f.backingOff() {
					stop()
					break Wait
				}
			}
		}
		f.Tick(context.WithoutCancel(ctx))
	}
}

// Tick runs one flush of the Buffer, bounded by FlushTimeout:
// Idle → Draining → Ingesting → Committing → Idle. A drained batch is
// cleared only after its load commits. If the load fails, the batch
// remains buffered, and its StagedObject is re-loaded by the next Tick
// without a re-upload provided the drained batch is unchanged.
func (f *Flusher) Tick(ctx context.Context) Outcome {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, f.spec.EffectiveFlushTimeout())
	defer cancel()

	var out = Outcome{Started: time.Now()}
	out.Kind, out.Rows, out.Err = f.tick(ctx)
	out.Duration = time.Since(out.Started)

	f.mu.Lock()
	f.state = Idle

	if out.Err != nil {
		f.failures++

		log.WithFields(log.Fields{
			"resource": f.spec.Name,
			"failures": f.failures,
			"err":      out.Err,
		}).Warn("failed to flush resource (will retry)")
	} else {
		f.failures = 0
	}
	f.last = out
	var failures = f.failures
	f.mu.Unlock()

	metrics.FlushTicksTotal.WithLabelValues(f.spec.Name, out.Kind).Inc()
	metrics.FlushConsecutiveFailures.WithLabelValues(f.spec.Name).Set(float64(failures))
	if out.Kind == metrics.Committed {
		metrics.FlushRowsTotal.WithLabelValues(f.spec.Name).Add(float64(out.Rows))
		metrics.FlushDurationSeconds.WithLabelValues(f.spec.Name).Observe(out.Duration.Seconds())
	}
	if depth, err := f.buf.Depth(ctx, f.spec.Name); err == nil {
		metrics.BufferDepth.WithLabelValues(f.spec.Name).Set(float64(depth))
	}
	return out
}

func (f *Flusher) tick(ctx context.Context) (string, int64, error) {
	// A prior batch was loaded, but not cleared. Clear it before draining
	// again, so that it's not loaded twice.
	if f.uncleared != nil {
		f.setState(Committing)
		if err := f.clear(ctx, *f.uncleared); err != nil {
			return metrics.Failed, 0, err
		}
		f.uncleared = nil
	}

	// If a staged object awaits re-load, drain only as many entries as it
	// holds. Buffers are FIFO, so these are the same entries unless they
	// were since cleared.
	var limit = f.spec.MaxBatch
	if f.staged != nil {
		limit = f.staged.batch.Len()
	}

	f.setState(Draining)
	var batch, err = f.buf.Drain(ctx, f.spec.Name, limit)
	if err != nil {
		return metrics.Failed, 0, errors.WithMessage(err, "draining buffer")
	} else if batch.Len() == 0 {
		f.staged = nil
		return metrics.Empty, 0, nil
	}

	f.setState(Ingesting)
	var obj pb.StagedObject

	if f.staged != nil && f.staged.batch.SameEntries(batch) {
		obj = f.staged.obj

		log.WithFields(log.Fields{
			"resource": f.spec.Name,
			"url":      obj.URL,
			"rows":     obj.Rows,
		}).Debug("re-loading staged batch")
	} else {
		f.staged = nil
		if obj, err = f.ingester.Stage(ctx, f.spec, batch); err != nil {
			return metrics.Failed, 0, err
		}
	}

	rows, err := f.ingester.Load(ctx, f.spec, obj)
	if err != nil {
		f.staged = &stagedBatch{batch: batch, obj: obj}
		return metrics.Failed, 0, err
	}
	f.staged = nil

	f.setState(Committing)
	if err = f.clear(ctx, batch); err != nil {
		f.uncleared = &batch
		return metrics.Failed, rows, err
	}

	log.WithFields(log.Fields{
		"resource": f.spec.Name,
		"entries":  batch.Len(),
		"rows":     rows,
	}).Debug("flushed batch")

	return metrics.Committed, rows, nil
}

// clear the loaded Batch. Clear runs under its own deadline, so that a tick
// which exhausts its FlushTimeout in a committed load still clears it.
func (f *Flusher) clear(ctx context.Context, batch buffer.Batch) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	defer cancel()

	if err := f.buf.Clear(ctx, batch); err != nil {
		return errors.WithMessage(err, "clearing loaded batch")
	}
	return nil
}

func (f *Flusher) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Flusher) backingOff() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures != 0
}

// nextDelay returns the FlushInterval, doubled for each consecutive failure
// and capped at MaxBackoff.
func (f *Flusher) nextDelay() time.Duration {
	f.mu.Lock()
	var n = f.failures
	f.mu.Unlock()

	var interval = f.spec.EffectiveFlushInterval()
	if n == 0 || f.MaxBackoff <= interval {
		return interval
	}
	var d = float64(interval) * math.Pow(2, float64(n))
	if d > float64(f.MaxBackoff) {
		return f.MaxBackoff
	}
	return time.Duration(d)
}

const clearTimeout = 30 * time.Second
