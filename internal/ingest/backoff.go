package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetryBackOff returns a schedule that starts at base, doubles on every
// failure and stays at max once reached. There is no jitter and no deadline.
func newRetryBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
// It returns false when ctx was cancelled; cancellation wins over an expired timer.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}
