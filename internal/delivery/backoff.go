package delivery

import (
	"math"
	"time"
)

// QueueRetrySchedule is the coarse retry schedule the queue worker uses:
// delay before attempt n+1, indexed by the number of attempts already made.
// After the schedule is exhausted the entry moves to the dead letter store.
var QueueRetrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

// BackoffDelay computes the interactive retry delay for attempt i:
// min(base * factor^i, max) scaled by a jitter factor drawn uniformly from
// [0.5, 1.0). rnd supplies the uniform [0,1) sample so tests can pin it.
func BackoffDelay(attempt int, base, max time.Duration, factor float64, rnd func() float64) time.Duration {
	d := float64(base) * math.Pow(factor, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.5 + rnd()*0.5
	return time.Duration(d * jitter)
}
