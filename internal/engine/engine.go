// Package engine streams targets from a source through the worker pool and
// keeps results and progress durable.
//
// A single feeder goroutine reads the source and dispatches tasks, the pool
// probes them and the collector, running in the caller's goroutine, is the
// only writer of the sink and the one which checkpoints the tracker. The sink
// is always flushed before the tracker is checkpointed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/pool"
	"github.com/CZERTAINLY/Sweeper/internal/progress"
	"github.com/CZERTAINLY/Sweeper/internal/source"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrAlreadyStarted = errors.New("engine already started")

type Config struct {
	Workers            int
	Queue              int // capacity of the intake queue, 0 means 2*Workers
	Timeout            time.Duration
	Retries            int
	Backoff            pool.Backoff
	Rate               float64 // dispatched targets per second, 0 is unlimited
	Batch              int     // checkpoint after this many outcomes, 0 disables
	CheckpointInterval time.Duration
	Validate           source.Validator
}

// Sink records successful outcomes.
type Sink interface {
	Record(model.Outcome) error
	Flush() error
	Close() error
}

// SourceFunc opens the target list with the resume options applied.
type SourceFunc func(opts ...source.Option) (*source.Source, error)

// SinkFunc opens the result sink for a run.
type SinkFunc func(runID string) (Sink, error)

// Deps are the collaborators of the Engine. Store is owned by the caller,
// the Source and the Sink are closed by Run.
type Deps struct {
	Prober model.Prober
	Source SourceFunc
	Store  progress.Store
	Sink   SinkFunc
}

type Engine struct {
	cfg   Config
	deps  Deps
	state atomic.Int32

	tracker    atomic.Pointer[progress.Tracker]
	dispatched atomic.Int64
	duplicates atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	timeouts   atomic.Int64
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Resumed     bool
	Dispatched  int64
	Duplicates  int64 // targets skipped as completed or in flight
	Successes   int64
	Failures    int64
	Timeouts    int64
	Cursor      uint64 // durable cursor after the run
	Elapsed     time.Duration
	Interrupted bool
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.Bool("resumed", s.Resumed),
		slog.Int64("dispatched", s.Dispatched),
		slog.Int64("duplicates", s.Duplicates),
		slog.Int64("successes", s.Successes),
		slog.Int64("failures", s.Failures),
		slog.Int64("timeouts", s.Timeouts),
		slog.Uint64("cursor", s.Cursor),
		slog.String("elapsed", s.Elapsed.String()),
		slog.Bool("interrupted", s.Interrupted),
	)
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 2 * cfg.Workers
	}
	return &Engine{cfg: cfg, deps: deps}
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(ctx context.Context, to State) {
	from := State(e.state.Swap(int32(to)))
	if from != to {
		slog.InfoContext(ctx, "state changed", "from", from.String(), "to", to.String())
	}
}

// Stats is a point in time view of a running engine.
type Stats struct {
	State      State
	Dispatched int64
	Duplicates int64
	Successes  int64
	Failures   int64
	Timeouts   int64
	Cursor     uint64
	Saved      uint64
	InFlight   int
}

func (e *Engine) Stats() Stats {
	s := Stats{
		State:      e.State(),
		Dispatched: e.dispatched.Load(),
		Duplicates: e.duplicates.Load(),
		Successes:  e.successes.Load(),
		Failures:   e.failures.Load(),
		Timeouts:   e.timeouts.Load(),
	}
	if t := e.tracker.Load(); t != nil {
		s.Cursor = t.Cursor()
		s.Saved = t.Saved()
		s.InFlight = t.InFlight()
	}
	return s
}

// Run executes the whole scan. It returns once all dispatched targets were
// drained and the final checkpoint was attempted. Cancelling ctx stops the
// dispatch, it is not an error.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateLoading)) {
		return Summary{}, ErrAlreadyStarted
	}
	start := time.Now()
	slog.InfoContext(ctx, "state changed", "from", StateIdle.String(), "to", StateLoading.String())

	tracker, err := progress.Load(ctx, e.deps.Store)
	if err != nil {
		e.setState(ctx, StateFailed)
		return Summary{}, err
	}
	e.tracker.Store(tracker)
	ctx = log.ContextAttrs(ctx, slog.String("run_id", tracker.RunID()))
	if tracker.Resumed() {
		slog.InfoContext(ctx, "resuming", "cursor", tracker.Cursor(), "completed", tracker.Completed())
	}

	summary := Summary{
		RunID:   tracker.RunID(),
		Resumed: tracker.Resumed(),
	}
	finish := func(err error) (Summary, error) {
		summary.Dispatched = e.dispatched.Load()
		summary.Duplicates = e.duplicates.Load()
		summary.Successes = e.successes.Load()
		summary.Failures = e.failures.Load()
		summary.Timeouts = e.timeouts.Load()
		summary.Cursor = tracker.Saved()
		summary.Elapsed = time.Since(start)
		summary.Interrupted = ctx.Err() != nil
		if err != nil {
			e.setState(ctx, StateFailed)
			return summary, err
		}
		e.setState(ctx, StateDone)
		return summary, nil
	}

	x := &excluder{tracker: tracker, hits: &e.duplicates}
	src, err := e.deps.Source(
		source.WithOffset(tracker.Cursor()),
		source.WithExclusion(x),
		source.WithValidator(e.cfg.Validate),
	)
	if err != nil {
		return finish(fmt.Errorf("opening targets: %w", err))
	}
	defer func() {
		_ = src.Close()
	}()

	snk, err := e.deps.Sink(tracker.RunID())
	if err != nil {
		return finish(fmt.Errorf("opening results: %w", err))
	}

	err = e.stream(ctx, src, tracker, snk)
	if cerr := snk.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing results: %w", cerr)
	}
	return finish(err)
}

func (e *Engine) stream(ctx context.Context, src *source.Source, tracker *progress.Tracker, snk Sink) error {
	e.setState(ctx, StateStreaming)

	// stop ends the dispatch and any further retries, it is called on
	// shutdown and on a fatal error
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	p := pool.New(e.deps.Prober, pool.Config{
		Workers: e.cfg.Workers,
		Timeout: e.cfg.Timeout,
		Retries: e.cfg.Retries,
		Backoff: e.cfg.Backoff,
	})
	tasks := make(chan model.Task, e.cfg.Queue)
	outcomes := make(chan model.Outcome, e.cfg.Workers)
	fed := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(fed)
		defer close(tasks)
		return e.feed(stopCtx, src, tracker, tasks)
	})
	g.Go(func() error {
		defer close(outcomes)
		return p.Run(stopCtx, tasks, outcomes)
	})

	var ticker <-chan time.Time
	if e.cfg.CheckpointInterval > 0 {
		t := time.NewTicker(e.cfg.CheckpointInterval)
		defer t.Stop()
		ticker = t.C
	}

	// checkpoints must not be canceled by a shutdown
	cctx := context.WithoutCancel(ctx)
	var fatal error
	sinkBroken := false
	checkpoint := func() error {
		if err := snk.Flush(); err != nil {
			sinkBroken = true
			return fmt.Errorf("flushing results: %w", err)
		}
		return tracker.Checkpoint(cctx)
	}
	fail := func(err error) {
		slog.ErrorContext(ctx, "fatal error, draining", "err", err)
		fatal = err
		stop()
		e.setState(ctx, StateDraining)
	}

	done := ctx.Done()
	pending := 0
loop:
	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				break loop
			}
			if fatal != nil {
				continue
			}
			if err := e.apply(tracker, snk, o); err != nil {
				sinkBroken = true
				fail(fmt.Errorf("recording result: %w", err))
				continue
			}
			pending++
			if e.cfg.Batch > 0 && pending >= e.cfg.Batch {
				pending = 0
				if err := checkpoint(); err != nil {
					fail(err)
				}
			}
		case <-ticker:
			if fatal != nil {
				continue
			}
			pending = 0
			if err := checkpoint(); err != nil {
				fail(err)
			}
		case <-fed:
			fed = nil
			e.setState(ctx, StateDraining)
		case <-done:
			// dispatch stops via stopCtx, outcomes are still collected
			done = nil
			slog.InfoContext(ctx, "shutdown requested, draining")
			e.setState(ctx, StateDraining)
		}
	}

	feedErr := g.Wait()
	if feedErr != nil {
		slog.ErrorContext(ctx, "reading targets failed", "err", feedErr)
	}

	var final error
	if !sinkBroken {
		final = checkpoint()
	}
	if err := errors.Join(fatal, feedErr, final); err != nil {
		return err
	}
	e.setState(ctx, StateCheckpointed)
	return nil
}

func (e *Engine) apply(tracker *progress.Tracker, snk Sink, o model.Outcome) error {
	if err := snk.Record(o); err != nil {
		return err
	}
	tracker.Advance(o.Target, o.Line)
	switch o.Status {
	case model.StatusSuccess:
		e.successes.Add(1)
	case model.StatusTimeout:
		e.timeouts.Add(1)
	default:
		e.failures.Add(1)
	}
	return nil
}

// feed is the only reader of src. It returns nil when the source is
// exhausted or ctx is done.
func (e *Engine) feed(ctx context.Context, src *source.Source, tracker *progress.Tracker, tasks chan<- model.Task) error {
	var limiter *rate.Limiter
	if e.cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.Rate), 1)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		item, err := src.Next()
		if errors.Is(err, io.EOF) {
			tracker.Skip(src.Lines())
			slog.DebugContext(ctx, "all targets read", "lines", src.Lines(), "malformed", src.Malformed())
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading targets: %w", err)
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		if !tracker.Dispatch(item.Target, item.Line) {
			e.duplicates.Add(1)
			continue
		}
		select {
		case tasks <- model.Task{Target: item.Target, Line: item.Line}:
			e.dispatched.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}

// excluder counts the targets the source skips as completed or in flight.
type excluder struct {
	tracker *progress.Tracker
	hits    *atomic.Int64
}

func (x *excluder) Contains(target model.Target) bool {
	if x.tracker.Contains(target) {
		x.hits.Add(1)
		return true
	}
	return false
}
