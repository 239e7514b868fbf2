// Package service turns a configuration into a sweep: it builds the prober,
// opens the progress store, result sink and target list and runs the engine
// together with a periodic progress report.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/engine"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/pool"
	"github.com/CZERTAINLY/Sweeper/internal/probe"
	"github.com/CZERTAINLY/Sweeper/internal/progress"
	"github.com/CZERTAINLY/Sweeper/internal/sink"
	"github.com/CZERTAINLY/Sweeper/internal/source"
)

// Sweeper is a component, which encapsulates a configured sweep and executes it.
type Sweeper struct {
	cfg       model.Config
	prober    model.Prober
	validator source.Validator
	formats   []sink.Format
}

func New(cfg model.Config) (*Sweeper, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	prober, err := probe.FromConfig(cfg.Probe)
	if err != nil {
		return nil, fmt.Errorf("initializing probe: %w", err)
	}
	validator, err := source.ValidatorByName(cfg.Input.Validate)
	if err != nil {
		return nil, fmt.Errorf("initializing input: %w", err)
	}
	formats, err := sink.ParseFormats(cfg.Output.Formats)
	if err != nil {
		return nil, fmt.Errorf("initializing output: %w", err)
	}
	return &Sweeper{
		cfg:       cfg,
		prober:    prober,
		validator: validator,
		formats:   formats,
	}, nil
}

// WithProber replaces the configured prober.
// This method exists for a unit testing only.
func (s *Sweeper) WithProber(p model.Prober) *Sweeper {
	s.prober = p
	return s
}

// Run executes the sweep until the target list is exhausted or ctx is done.
func (s *Sweeper) Run(ctx context.Context) (engine.Summary, error) {
	store, err := progress.Open(ctx, s.cfg.Progress)
	if err != nil {
		return engine.Summary{}, fmt.Errorf("opening progress store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "closing progress store", "err", err)
		}
	}()

	e := engine.New(s.engineConfig(), engine.Deps{
		Prober: s.prober,
		Source: func(opts ...source.Option) (*source.Source, error) {
			return source.Open(s.cfg.Input.Path, opts...)
		},
		Store: store,
		Sink: func(runID string) (engine.Sink, error) {
			snk, err := sink.Open(s.cfg.Output.Dir, sink.Config{
				Buffer:  s.cfg.Output.Buffer,
				Formats: s.formats,
				Prefix:  s.cfg.Output.Prefix,
				RunID:   runID,
			})
			if err != nil {
				return nil, err
			}
			return snk, nil
		},
	})

	reporter, err := NewReporter(ctx, s.cfg.Service.Report, func(ctx context.Context) {
		report(ctx, e.Stats())
	})
	if err != nil {
		return engine.Summary{}, err
	}
	reporter.Start()
	defer func() {
		if err := reporter.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	slog.InfoContext(ctx, "sweep started",
		"input", s.cfg.Input.Path,
		"probe", s.cfg.Probe.Kind,
		"workers", s.cfg.Engine.Workers,
	)
	summary, err := e.Run(ctx)
	if err != nil {
		return summary, err
	}
	slog.InfoContext(ctx, "sweep finished", "summary", summary)
	return summary, nil
}

func (s *Sweeper) engineConfig() engine.Config {
	ecfg := s.cfg.Engine
	return engine.Config{
		Workers: ecfg.Workers,
		Queue:   ecfg.QueueSize(),
		Timeout: ecfg.Timeout.Duration,
		Retries: ecfg.Retries,
		Backoff: pool.Backoff{
			Kind:  ecfg.Backoff.Kind,
			Delay: ecfg.Backoff.Delay.Duration,
			Max:   ecfg.Backoff.Max.Duration,
		},
		Rate:               ecfg.Rate,
		Batch:              ecfg.Batch,
		CheckpointInterval: ecfg.CheckpointInterval.Duration,
		Validate:           s.validator,
	}
}

func report(ctx context.Context, stats engine.Stats) {
	slog.InfoContext(ctx, "progress",
		"state", stats.State.String(),
		"line", stats.Cursor,
		"saved", stats.Saved,
		"dispatched", stats.Dispatched,
		"in_flight", stats.InFlight,
		"successes", stats.Successes,
		"failures", stats.Failures,
		"timeouts", stats.Timeouts,
	)
}

// Status is the persisted progress of a sweep.
type Status struct {
	Found     bool      `json:"found" yaml:"found"`
	RunID     string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Cursor    uint64    `json:"cursor" yaml:"cursor"`
	Completed int       `json:"completed" yaml:"completed"`
	Updated   time.Time `json:"updated,omitzero" yaml:"updated,omitempty"`
}

// Inspect reads the progress store without modifying it, a running sweep
// may use the same store.
func Inspect(ctx context.Context, cfg model.Progress) (Status, error) {
	state, ok, err := progress.Peek(ctx, cfg)
	if err != nil {
		return Status{}, fmt.Errorf("reading progress store: %w", err)
	}
	if !ok {
		return Status{}, nil
	}
	return Status{
		Found:     true,
		RunID:     state.RunID,
		Cursor:    state.Cursor,
		Completed: len(state.Completed),
		Updated:   state.Updated,
	}, nil
}
