package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/keyval"
)

// eventStore is the durable surface the ledger depends on.
type eventStore interface {
	Create(ctx context.Context, key, eventType string, payload json.RawMessage) (*Event, error)
	FindByKey(ctx context.Context, key string) (*Event, error)
}

// Ledger answers "has this delivery been seen" with a cache fast path in
// front of the durable store. The cache is an optimization only: its entries
// expire, and a miss always falls through to the durable lookup, so the
// unique constraint remains the single source of truth.
type Ledger struct {
	store eventStore
	cache *keyval.Cache
	ttl   time.Duration
}

func NewLedger(store eventStore, kv keyval.Store, ttl time.Duration) *Ledger {
	return &Ledger{
		store: store,
		cache: keyval.NewCache(kv, "idempotency"),
		ttl:   ttl,
	}
}

// IsDuplicate reports whether an event with this key is already recorded.
// A durable hit backfills the cache best effort.
func (l *Ledger) IsDuplicate(ctx context.Context, key string) (bool, error) {
	if l.cache.Exists(ctx, key) {
		return true, nil
	}

	event, err := l.store.FindByKey(ctx, key)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}

	l.cache.Set(ctx, key, true, l.ttl)
	return true, nil
}

// Record stores the event, returning duplicate=true when the key was
// already recorded. Losing the insert race is a duplicate outcome, not an
// error.
func (l *Ledger) Record(ctx context.Context, key, eventType string, payload json.RawMessage) (*Event, bool, error) {
	event, err := l.store.Create(ctx, key, eventType, payload)
	if errors.Is(err, ErrDuplicateKey) {
		log.Ctx(ctx).Info().Str("idempotencyKey", key).Msg("concurrent duplicate delivery lost the insert race")
		l.cache.Set(ctx, key, true, l.ttl)
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	l.cache.Set(ctx, key, true, l.ttl)
	return event, false, nil
}
