package monitor

import (
	"math/rand"
	"time"
)

// BackoffController turns per-cycle outcomes into the next sleep delay.
//
// A clean cycle sleeps exactly the base interval. Each consecutive failed
// cycle doubles the delay (capped at max) and adds uniform jitter in
// [0, delay*jitterFraction]; the jittered delay is clamped to max as well.
// State is process-wide, not per-target: one flaky code backs off the
// whole loop, which is what a polite client of a shared endpoint wants.
//
// Owned by the loop goroutine; not safe for concurrent use.
type BackoffController struct {
	base     time.Duration
	max      time.Duration
	jitter   float64
	failures int
	delay    time.Duration
	rng      *rand.Rand
}

func NewBackoffController(base, max time.Duration, jitter float64) *BackoffController {
	if base <= 0 {
		base = 5 * time.Minute
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &BackoffController{
		base:   base,
		max:    max,
		jitter: jitter,
		delay:  base,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnCycleResult records whether the cycle saw any fetch failure and
// returns the delay to sleep before the next cycle.
func (b *BackoffController) OnCycleResult(anyFailures bool) time.Duration {
	if !anyFailures {
		b.failures = 0
		b.delay = b.base
		return b.delay
	}

	b.failures++
	d := b.base
	for i := 0; i < b.failures; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	if b.jitter > 0 {
		d += time.Duration(b.rng.Float64() * b.jitter * float64(d))
		if d > b.max {
			d = b.max
		}
	}
	b.delay = d
	return d
}

// ConsecutiveFailures returns the current failed-cycle streak.
func (b *BackoffController) ConsecutiveFailures() int { return b.failures }

// Delay returns the most recently computed delay (base before any cycle).
func (b *BackoffController) Delay() time.Duration { return b.delay }
