package telegram

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blockedby/channel-ingest/internal/metrics"
)

// RateLimiter spaces MTProto calls and honours server-imposed pauses.
// All calls of a client share one limiter, so a FLOOD_WAIT on history
// also delays forwards and username lookups.
type RateLimiter struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// DefaultRateLimiter returns a limiter with conservative settings.
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(2.0, 1)
}

// Wait blocks until a pause is over and the next request is allowed.
// A pause extended while waiting is honoured too.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		d := r.PausedFor()
		if d <= 0 {
			break
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return r.limiter.Wait(ctx)
}

// Pause holds all requests for d, typically after FLOOD_WAIT_X.
// A shorter pause never cuts an active one short.
func (r *RateLimiter) Pause(d time.Duration) {
	metrics.FloodWaits.Inc()
	metrics.FloodWaitSeconds.Set(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	if until := time.Now().Add(d); until.After(r.pausedUntil) {
		r.pausedUntil = until
	}
}

// PausedFor returns the remaining pause, zero when none is active.
func (r *RateLimiter) PausedFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(time.Until(r.pausedUntil), 0)
}
