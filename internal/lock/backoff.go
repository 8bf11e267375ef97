package lock

import (
	"context"
	"math"
	"time"
)

// backoff computes poll delays for read verification
// Formula: delay = min(initial * (multiplier ^ (attempt-1)), max)
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

func newBackoff(max time.Duration) backoff {
	return backoff{
		initial:    10 * time.Millisecond,
		max:        max,
		multiplier: 2.0,
	}
}

// delay returns the wait before the given attempt, attempt 0 waits nothing
func (b backoff) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	d := float64(b.initial) * math.Pow(b.multiplier, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
