// Package pool runs a Prober over a stream of targets with a fixed number of
// workers.
//
// Every task started before shutdown gets exactly one Outcome no matter how
// many attempts were made. Each attempt runs under its own deadline derived from a context which
// is not canceled on shutdown: an in-flight attempt may finish (up to the
// timeout), but no further retry is started once the parent context is done.
// The worker never waits for a probe longer than the timeout, a probe which
// ignores its context is abandoned and reported as a timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/model"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	Workers int
	Timeout time.Duration // per attempt, DefaultTimeout when not positive
	Retries int           // attempts per target, at least one is made
	Backoff Backoff
}

// DefaultTimeout bounds an attempt when Config.Timeout is not set.
const DefaultTimeout = 5 * time.Second

type Pool struct {
	prober model.Prober
	cfg    Config

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	timeouts  atomic.Int64
}

type Stats struct {
	Attempts  int64
	Successes int64
	Failures  int64
	Timeouts  int64
}

func New(prober model.Prober, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Pool{
		prober: prober,
		cfg:    cfg,
	}
}

// Run starts exactly Workers goroutines which take tasks from in until it is
// closed and send one Outcome per task to out. Once ctx is done the remaining
// tasks are drained from in without an Outcome. Run returns once all workers
// exited, it never closes out.
func (p *Pool) Run(ctx context.Context, in <-chan model.Task, out chan<- model.Outcome) error {
	var g errgroup.Group
	for id := range p.cfg.Workers {
		g.Go(func() error {
			wctx := log.ContextAttrs(ctx, slog.Int("worker", id))
			for task := range in {
				if ctx.Err() != nil {
					continue
				}
				out <- p.Do(wctx, task)
			}
			return nil
		})
	}
	return g.Wait()
}

// Do probes a single task with the retry policy.
func (p *Pool) Do(ctx context.Context, task model.Task) model.Outcome {
	ctx = log.ContextAttrs(ctx, slog.String("target", task.Target))
	outcome := model.Outcome{
		Target:  task.Target,
		Line:    task.Line,
		Started: time.Now(),
	}

	for attempt := 1; ; attempt++ {
		res := p.attempt(ctx, task.Target)
		outcome.Status = res.Status
		outcome.Detail = res.Detail
		outcome.Attempt = attempt

		if res.Status == model.StatusSuccess || attempt >= p.cfg.Retries {
			break
		}
		slog.DebugContext(ctx, "attempt failed", "attempt", attempt, "status", res.Status, "detail", res.Detail)
		if !sleep(ctx, p.cfg.Backoff.Wait(attempt)) {
			slog.DebugContext(ctx, "shutdown: no more retries", "attempt", attempt)
			break
		}
	}
	outcome.Finished = time.Now()

	switch outcome.Status {
	case model.StatusSuccess:
		p.successes.Add(1)
	case model.StatusTimeout:
		p.timeouts.Add(1)
	default:
		p.failures.Add(1)
	}
	return outcome
}

func (p *Pool) Stats() Stats {
	return Stats{
		Attempts:  p.attempts.Load(),
		Successes: p.successes.Load(),
		Failures:  p.failures.Load(),
		Timeouts:  p.timeouts.Load(),
	}
}

func (p *Pool) attempt(ctx context.Context, target model.Target) model.Result {
	p.attempts.Add(1)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	// buffered, so an abandoned probe can always deliver and exit
	done := make(chan model.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.Failure(fmt.Sprintf("panic: %v", r))
			}
		}()
		res, err := p.prober.Probe(actx, target)
		done <- classify(actx, res, err)
	}()

	select {
	case res := <-done:
		return res
	case <-actx.Done():
		return model.Result{
			Status: model.StatusTimeout,
			Detail: "timeout after " + p.cfg.Timeout.String(),
		}
	}
}

func classify(ctx context.Context, res model.Result, err error) model.Result {
	if err == nil {
		if res.Status != model.StatusSuccess && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Status = model.StatusTimeout
		}
		return res
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.Result{Status: model.StatusTimeout, Detail: err.Error()}
	default:
		return model.Result{Status: model.StatusFailure, Detail: err.Error()}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
