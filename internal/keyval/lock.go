package keyval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Lock provides bounded mutual exclusion across process instances using the
// store's atomic set-if-absent. Every lock carries a TTL, so a crashed holder
// self-heals after the TTL elapses at the cost of a bounded duplicate-work
// window. Store failures degrade to "not acquired" rather than propagating.
type Lock struct {
	store Store
}

func NewLock(store Store) *Lock {
	return &Lock{store: store}
}

// TryAcquire attempts to take the lock. It succeeds only when no unexpired
// entry exists for key; the existence check and the write are a single
// atomic store operation.
func (l *Lock) TryAcquire(ctx context.Context, key string, ttl time.Duration) bool {
	acquired, err := l.store.SetIfAbsent(ctx, key, uuid.NewString(), ttl)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("lock acquire failed, treating as not acquired")
		return false
	}
	return acquired
}

// Release deletes the lock entry unconditionally. Releasing a lock that was
// never held (or that already expired) is a no-op, not an error.
func (l *Lock) Release(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("lock release failed; entry will expire by TTL")
	}
}
