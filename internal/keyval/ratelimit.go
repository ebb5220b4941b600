package keyval

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimiter implements a fixed-window limiter over the shared store, so
// the limit applies fleet-wide. A store failure fails open; throttling is
// protection, not a correctness guarantee.
type RateLimiter struct {
	store  Store
	limit  int
	window time.Duration
}

// RateLimitResult reports the outcome of a limiter check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfterSeconds is set when the request was rejected.
	RetryAfterSeconds int
}

func NewRateLimiter(store Store, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{store: store, limit: limit, window: window}
}

// Allow consumes one request from the caller's window.
func (r *RateLimiter) Allow(ctx context.Context, key string) RateLimitResult {
	count, err := r.store.Increment(ctx, "ratelimit:"+key, r.window)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable, failing open")
		return RateLimitResult{Allowed: true, Limit: r.limit, Remaining: r.limit}
	}

	if count > int64(r.limit) {
		return RateLimitResult{
			Allowed:           false,
			Limit:             r.limit,
			Remaining:         0,
			RetryAfterSeconds: int(r.window.Seconds()),
		}
	}

	return RateLimitResult{
		Allowed:   true,
		Limit:     r.limit,
		Remaining: r.limit - int(count),
	}
}
