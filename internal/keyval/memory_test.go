package keyval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGet(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))

	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", value)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore(100)

	_, found, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", "v", 5*time.Second))

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	now = now.Add(6 * time.Second)

	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "expired entry must not be returned")
}

func TestMemoryStore_SetIfAbsent(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	stored, err := store.SetIfAbsent(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = store.SetIfAbsent(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, stored, "second set-if-absent must fail while entry is live")

	value, _, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", value)
}

func TestMemoryStore_SetIfAbsentAfterExpiry(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	stored, err := store.SetIfAbsent(ctx, "lock", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, stored)

	now = now.Add(11 * time.Second)

	stored, err = store.SetIfAbsent(ctx, "lock", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, stored, "expired lock must be acquirable")
}

func TestMemoryStore_DeleteAndExists(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))

	found, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, store.Delete(ctx, "k", "never-existed"))

	found, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_KeysPattern(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "products:list:a", "1", 0))
	require.NoError(t, store.Set(ctx, "products:list:b", "2", 0))
	require.NoError(t, store.Set(ctx, "token:default", "3", 0))

	keys, err := store.Keys(ctx, "products:list:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"products:list:a", "products:list:b"}, keys)
}

func TestMemoryStore_Increment(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	for want := int64(1); want <= 3; want++ {
		count, err := store.Increment(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	now = now.Add(2 * time.Minute)

	count, err := store.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "window expiry must reset the counter")
}
