package util

import (
	"context"
	"math/rand"
	"time"
)

// RandomWait sleeps for a random duration between min and max. It is used to
// space out requests against remote sources so we never hammer them at full
// speed. The wait is cancellable; the context error is returned if the caller
// is cancelled mid-sleep.
func RandomWait(ctx context.Context, min, max time.Duration) error {
	if max < min {
		max = min
	}
	wait := min
	if max > min {
		wait = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
