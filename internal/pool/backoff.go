package pool

import (
	"math"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// Backoff is the wait between two attempts on the same target.
type Backoff struct {
	Kind  string // model.BackoffConstant or model.BackoffExponential
	Delay time.Duration
	Max   time.Duration // cap for exponential, 0 means no cap
}

// Wait returns the delay after the given (1-based) failed attempt.
func (b Backoff) Wait(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Kind != model.BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	shift := min(attempt-1, 30)
	d := b.Delay << shift
	if d <= 0 || d>>shift != b.Delay {
		d = math.MaxInt64
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
