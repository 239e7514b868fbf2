package pool_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/pool"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type counter struct {
	mx    sync.Mutex
	calls map[string]int
}

func (c *counter) inc(target string) int {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[target]++
	return c.calls[target]
}

func (c *counter) get(target string) int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.calls[target]
}

func TestDo(t *testing.T) {
	t.Parallel()

	type given struct {
		probe func(c *counter) model.ProberFunc
	}
	type then struct {
		status  model.Status
		attempt int
		calls   int
		elapsed time.Duration
		detail  string
	}

	cfg := pool.Config{
		Workers: 1,
		Timeout: 1 * time.Second,
		Retries: 3,
		Backoff: pool.Backoff{Kind: model.BackoffConstant, Delay: 2 * time.Second},
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			scenario: "always failure",
			given: given{probe: func(c *counter) model.ProberFunc {
				return func(_ context.Context, target string) (model.Result, error) {
					c.inc(target)
					return model.Failure("530 login incorrect"), nil
				}
			}},
			then: then{model.StatusFailure, 3, 3, 4 * time.Second, "530 login incorrect"},
		},
		{
			scenario: "success on second attempt",
			given: given{probe: func(c *counter) model.ProberFunc {
				return func(_ context.Context, target string) (model.Result, error) {
					if c.inc(target) == 2 {
						return model.Success("230 login successful"), nil
					}
					return model.Failure("421 try later"), nil
				}
			}},
			then: then{model.StatusSuccess, 2, 2, 2 * time.Second, "230 login successful"},
		},
		{
			scenario: "always timeout",
			given: given{probe: func(c *counter) model.ProberFunc {
				return func(ctx context.Context, target string) (model.Result, error) {
					c.inc(target)
					<-ctx.Done()
					return model.Result{}, ctx.Err()
				}
			}},
			then: then{model.StatusTimeout, 3, 3, 3*time.Second + 4*time.Second, ""},
		},
		{
			scenario: "hung probe ignoring context",
			given: given{probe: func(c *counter) model.ProberFunc {
				return func(_ context.Context, target string) (model.Result, error) {
					c.inc(target)
					time.Sleep(time.Hour)
					return model.Success("too late"), nil
				}
			}},
			then: then{model.StatusTimeout, 3, 3, 3*time.Second + 4*time.Second, "timeout after 1s"},
		},
		{
			scenario: "panic",
			given: given{probe: func(c *counter) model.ProberFunc {
				return func(_ context.Context, target string) (model.Result, error) {
					c.inc(target)
					panic("boom")
				}
			}},
			then: then{model.StatusFailure, 3, 3, 4 * time.Second, "panic: boom"},
		},
		{
			scenario: "error",
			given: given{probe: func(c *counter) model.ProberFunc {
				return func(_ context.Context, target string) (model.Result, error) {
					c.inc(target)
					return model.Result{}, errors.New("connection refused")
				}
			}},
			then: then{model.StatusFailure, 3, 3, 4 * time.Second, "connection refused"},
		},
		{
			scenario: "net timeout error",
			given: given{probe: func(c *counter) model.ProberFunc {
				return func(_ context.Context, target string) (model.Result, error) {
					c.inc(target)
					return model.Result{}, &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}
				}
			}},
			then: then{model.StatusTimeout, 3, 3, 4 * time.Second, ""},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				var c counter
				p := pool.New(tt.given.probe(&c), cfg)
				start := time.Now()
				outcome := p.Do(t.Context(), model.Task{Target: "192.0.2.1", Line: 7})
				require.Equal(t, tt.then.elapsed, time.Since(start))

				require.Equal(t, "192.0.2.1", outcome.Target)
				require.Equal(t, uint64(7), outcome.Line)
				require.Equal(t, tt.then.status, outcome.Status)
				require.Equal(t, tt.then.attempt, outcome.Attempt)
				require.Equal(t, tt.then.calls, c.get("192.0.2.1"))
				if tt.then.detail != "" {
					require.Equal(t, tt.then.detail, outcome.Detail)
				}

				stats := p.Stats()
				require.Equal(t, int64(tt.then.calls), stats.Attempts)
				require.Equal(t, int64(1), stats.Successes+stats.Failures+stats.Timeouts)
			})
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestDoShutdown(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		var calls atomic.Int32
		probe := model.ProberFunc(func(actx context.Context, _ string) (model.Result, error) {
			calls.Add(1)
			cancel()
			// the running attempt is not affected by the shutdown
			time.Sleep(500 * time.Millisecond)
			if actx.Err() != nil {
				return model.Result{}, actx.Err()
			}
			return model.Failure("refused"), nil
		})

		p := pool.New(probe, pool.Config{
			Workers: 1,
			Timeout: time.Second,
			Retries: 5,
			Backoff: pool.Backoff{Delay: 10 * time.Second},
		})
		outcome := p.Do(ctx, model.Task{Target: "192.0.2.1"})
		require.Equal(t, int32(1), calls.Load())
		require.Equal(t, 1, outcome.Attempt)
		require.Equal(t, model.StatusFailure, outcome.Status)
		require.Equal(t, "refused", outcome.Detail)
	})
}

func TestRun(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		const workers = 5
		const tasks = 40

		var inflight, maxInflight atomic.Int32
		var seen sync.Map
		probe := model.ProberFunc(func(_ context.Context, target string) (model.Result, error) {
			if _, loaded := seen.LoadOrStore(target, true); loaded {
				return model.Failure("probed twice"), nil
			}
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				m := maxInflight.Load()
				if n <= m || maxInflight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(100 * time.Millisecond)
			return model.Success("ok"), nil
		})

		p := pool.New(probe, pool.Config{Workers: workers, Timeout: time.Second, Retries: 1})
		in := make(chan model.Task, workers)
		out := make(chan model.Outcome, workers)

		go func() {
			defer close(in)
			for i := range tasks {
				in <- model.Task{Target: fmt.Sprintf("10.0.0.%d", i), Line: uint64(i + 1)}
			}
		}()

		done := make(chan error, 1)
		go func() {
			done <- p.Run(t.Context(), in, out)
			close(out)
		}()

		lines := make(map[uint64]int)
		for o := range out {
			require.Equal(t, model.StatusSuccess, o.Status)
			lines[o.Line]++
		}
		require.NoError(t, <-done)
		require.Len(t, lines, tasks)
		for line, n := range lines {
			require.Equal(t, 1, n, "line %d", line)
		}
		require.Equal(t, int32(workers), maxInflight.Load())
		require.Equal(t, int64(tasks), p.Stats().Successes)
	})
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	constant := pool.Backoff{Kind: model.BackoffConstant, Delay: 2 * time.Second}
	require.Equal(t, 2*time.Second, constant.Wait(1))
	require.Equal(t, 2*time.Second, constant.Wait(5))

	exp := pool.Backoff{Kind: model.BackoffExponential, Delay: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, exp.Wait(1))
	require.Equal(t, 2*time.Second, exp.Wait(2))
	require.Equal(t, 4*time.Second, exp.Wait(3))
	require.Equal(t, 8*time.Second, exp.Wait(4))
	require.Equal(t, 10*time.Second, exp.Wait(5))
	require.Equal(t, 10*time.Second, exp.Wait(100))

	require.Zero(t, pool.Backoff{}.Wait(3))
}

func TestRunShutdown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var calls atomic.Int32
	probe := model.ProberFunc(func(context.Context, string) (model.Result, error) {
		calls.Add(1)
		return model.Success("ok"), nil
	})
	p := pool.New(probe, pool.Config{Workers: 2, Retries: 1})

	in := make(chan model.Task, 10)
	for i := range 10 {
		in <- model.Task{Target: fmt.Sprintf("10.0.0.%d", i), Line: uint64(i + 1)}
	}
	close(in)
	out := make(chan model.Outcome, 10)
	require.NoError(t, p.Run(ctx, in, out))
	require.Empty(t, out)
	require.Zero(t, calls.Load())
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		// hangs, ignoring its context
		probe := model.ProberFunc(func(context.Context, string) (model.Result, error) {
			time.Sleep(time.Hour)
			return model.Success("too late"), nil
		})

		p := pool.New(probe, pool.Config{Workers: 1, Retries: 1})
		start := time.Now()
		outcome := p.Do(t.Context(), model.Task{Target: "192.0.2.1"})
		require.Equal(t, model.StatusTimeout, outcome.Status)
		require.Equal(t, "timeout after 5s", outcome.Detail)
		require.Equal(t, pool.DefaultTimeout, time.Since(start))
	})
}
