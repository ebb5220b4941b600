package keyval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore wraps a working store and fails every operation, simulating
// store unavailability.
type failingStore struct {
	Store
}

var errStoreDown = errors.New("store unavailable")

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errStoreDown
}

func (f *failingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errStoreDown
}

func (f *failingStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, errStoreDown
}

func (f *failingStore) Delete(ctx context.Context, keys ...string) error {
	return errStoreDown
}

func (f *failingStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return nil, errStoreDown
}

func (f *failingStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, errStoreDown
}

func (f *failingStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errStoreDown
}

type testValue struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestCache_RoundTrip(t *testing.T) {
	cache := NewCache(NewMemoryStore(100), "products")
	ctx := context.Background()

	cache.Set(ctx, "item", testValue{Name: "apples", Count: 3}, time.Minute)

	var got testValue
	require.True(t, cache.Get(ctx, "item", &got))
	assert.Equal(t, testValue{Name: "apples", Count: 3}, got)
}

func TestCache_MissOnAbsent(t *testing.T) {
	cache := NewCache(NewMemoryStore(100), "products")

	var got testValue
	assert.False(t, cache.Get(context.Background(), "absent", &got))
}

func TestCache_Namespacing(t *testing.T) {
	store := NewMemoryStore(100)
	products := NewCache(store, "products")
	tokens := NewCache(store, "token")
	ctx := context.Background()

	products.Set(ctx, "shared-key", testValue{Name: "a"}, 0)
	tokens.Set(ctx, "shared-key", testValue{Name: "b"}, 0)

	var got testValue
	require.True(t, products.Get(ctx, "shared-key", &got))
	assert.Equal(t, "a", got.Name)
	require.True(t, tokens.Get(ctx, "shared-key", &got))
	assert.Equal(t, "b", got.Name)
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	store := NewMemoryStore(100)
	cache := NewCache(store, "products")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products:item", "{not json", 0))

	var got testValue
	assert.False(t, cache.Get(ctx, "item", &got))

	// the corrupted entry is removed on a best-effort basis
	_, found, err := store.Get(ctx, "products:item")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_StoreFailureDegradesToMiss(t *testing.T) {
	cache := NewCache(&failingStore{}, "products")
	ctx := context.Background()

	var got testValue
	assert.False(t, cache.Get(ctx, "item", &got))
	assert.False(t, cache.Exists(ctx, "item"))

	// writes must absorb failures silently
	cache.Set(ctx, "item", testValue{Name: "a"}, time.Minute)
	cache.Delete(ctx, "item")
	cache.DeletePattern(ctx, "*")
}

func TestCache_DeletePattern(t *testing.T) {
	store := NewMemoryStore(100)
	cache := NewCache(store, "products")
	ctx := context.Background()

	cache.Set(ctx, "list:a", testValue{}, 0)
	cache.Set(ctx, "list:b", testValue{}, 0)
	cache.Set(ctx, "item:c", testValue{}, 0)

	cache.DeletePattern(ctx, "list:*")

	assert.False(t, cache.Exists(ctx, "list:a"))
	assert.False(t, cache.Exists(ctx, "list:b"))
	assert.True(t, cache.Exists(ctx, "item:c"))
}

func TestLock_AcquireAndContend(t *testing.T) {
	lock := NewLock(NewMemoryStore(100))
	ctx := context.Background()

	assert.True(t, lock.TryAcquire(ctx, "lock:token:default", 10*time.Second))
	assert.False(t, lock.TryAcquire(ctx, "lock:token:default", 10*time.Second))

	lock.Release(ctx, "lock:token:default")
	assert.True(t, lock.TryAcquire(ctx, "lock:token:default", 10*time.Second))
}

func TestLock_ReleaseUnheldIsNoop(t *testing.T) {
	lock := NewLock(NewMemoryStore(100))
	lock.Release(context.Background(), "never-held")
}

func TestLock_StoreFailureMeansNotAcquired(t *testing.T) {
	lock := NewLock(&failingStore{})
	assert.False(t, lock.TryAcquire(context.Background(), "k", time.Second))
}

func TestRateLimiter_Window(t *testing.T) {
	limiter := NewRateLimiter(NewMemoryStore(100), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := limiter.Allow(ctx, "1.2.3.4")
		assert.True(t, result.Allowed)
		assert.Equal(t, 3, result.Limit)
		assert.Equal(t, 2-i, result.Remaining)
	}

	result := limiter.Allow(ctx, "1.2.3.4")
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 60, result.RetryAfterSeconds)

	// a different client has its own window
	assert.True(t, limiter.Allow(ctx, "5.6.7.8").Allowed)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	limiter := NewRateLimiter(&failingStore{}, 1, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(context.Background(), "1.2.3.4").Allowed)
	}
}
