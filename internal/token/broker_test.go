package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmlokal/catalog-api/internal/apierror"
	"github.com/farmlokal/catalog-api/internal/config"
	"github.com/farmlokal/catalog-api/internal/keyval"
)

func tokenServer(t *testing.T, fetches *atomic.Int64, expiresIn int) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.FormValue("grant_type"))
		require.Equal(t, "client-id", r.FormValue("client_id"))
		require.Equal(t, "client-secret", r.FormValue("client_secret"))

		n := fetches.Add(1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("issued-token-%d", n),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(server.Close)

	return server
}

func testBroker(t *testing.T, tokenURL string) *Broker {
	t.Helper()

	cfg := config.OAuthConfig{
		TokenURL:              tokenURL,
		ClientID:              "client-id",
		ClientSecret:          "client-secret",
		Scope:                 "api:read api:write",
		RequestTimeoutSeconds: 5,
		TokenBufferSeconds:    60,
		LockTTLSeconds:        10,
		LockWaitMillis:        2000,
		LockPollMillis:        5,
	}

	return NewBroker(cfg, keyval.NewMemoryStore(1000), nil)
}

func TestBroker_TokenCachedAcrossCalls(t *testing.T) {
	var fetches atomic.Int64
	server := tokenServer(t, &fetches, 3600)
	broker := testBroker(t, server.URL)
	ctx := context.Background()

	first, err := broker.Token(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "issued-token-1", first)

	second, err := broker.Token(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(1), fetches.Load())
}

func TestBroker_SingleFlightUnderConcurrency(t *testing.T) {
	var fetches atomic.Int64
	server := tokenServer(t, &fetches, 3600)
	broker := testBroker(t, server.URL)

	const callers = 20

	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = broker.Token(context.Background(), "api:read")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, int64(1), fetches.Load(), "concurrent callers must share one exchange")
}

func TestBroker_ScopesCachedIndependently(t *testing.T) {
	var fetches atomic.Int64
	server := tokenServer(t, &fetches, 3600)
	broker := testBroker(t, server.URL)
	ctx := context.Background()

	readToken, err := broker.Token(ctx, "api:read")
	require.NoError(t, err)

	writeToken, err := broker.Token(ctx, "api:write")
	require.NoError(t, err)

	assert.NotEqual(t, readToken, writeToken)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestBroker_ExpiredTokenRefetched(t *testing.T) {
	var fetches atomic.Int64
	server := tokenServer(t, &fetches, 3600)
	broker := testBroker(t, server.URL)
	ctx := context.Background()

	first, err := broker.Token(ctx, "")
	require.NoError(t, err)

	// the cache entry outlives the credential check when now jumps forward
	broker.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	second, err := broker.Token(ctx, "")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestBroker_InvalidateForcesRefresh(t *testing.T) {
	var fetches atomic.Int64
	server := tokenServer(t, &fetches, 3600)
	broker := testBroker(t, server.URL)
	ctx := context.Background()

	_, err := broker.Token(ctx, "")
	require.NoError(t, err)

	broker.Invalidate(ctx, "")

	_, err = broker.Token(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestBroker_UpstreamRejectionPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	broker := testBroker(t, server.URL)

	_, err := broker.Token(context.Background(), "")
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.CodeAuthentication))

	// failures are never cached: the next call hits the endpoint again
	_, err = broker.Token(context.Background(), "")
	require.Error(t, err)
}

func TestBroker_WaiterFallsBackAfterDeadline(t *testing.T) {
	var fetches atomic.Int64
	server := tokenServer(t, &fetches, 3600)

	cfg := config.OAuthConfig{
		TokenURL:              server.URL,
		ClientID:              "client-id",
		ClientSecret:          "client-secret",
		Scope:                 "api:read",
		RequestTimeoutSeconds: 5,
		TokenBufferSeconds:    60,
		LockTTLSeconds:        10,
		LockWaitMillis:        30,
		LockPollMillis:        5,
	}

	store := keyval.NewMemoryStore(1000)
	broker := NewBroker(cfg, store, nil)
	ctx := context.Background()

	// simulate a lock holder that never publishes
	acquired, err := store.SetIfAbsent(ctx, "lock:token:api:read", "stuck-holder", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	got, err := broker.Token(ctx, "api:read")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Equal(t, int64(1), fetches.Load())
}

func TestBroker_WaiterChecksCacheAtDeadline(t *testing.T) {
	var fetches atomic.Int64
	server := tokenServer(t, &fetches, 3600)

	// the poll interval exceeds the wait budget, so the deadline check is
	// the waiter's only chance to see the published token
	cfg := config.OAuthConfig{
		TokenURL:              server.URL,
		ClientID:              "client-id",
		ClientSecret:          "client-secret",
		Scope:                 "api:read",
		RequestTimeoutSeconds: 5,
		TokenBufferSeconds:    60,
		LockTTLSeconds:        10,
		LockWaitMillis:        200,
		LockPollMillis:        5000,
	}

	store := keyval.NewMemoryStore(1000)
	broker := NewBroker(cfg, store, nil)
	ctx := context.Background()

	acquired, err := store.SetIfAbsent(ctx, "lock:token:api:read", "holder", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// the holder publishes while the waiter is parked on its poll timer
	go func() {
		time.Sleep(50 * time.Millisecond)
		keyval.NewCache(store, "oauth").Set(ctx, "token:api:read", CachedToken{
			AccessToken: "published-by-holder",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, time.Hour)
	}()

	start := time.Now()
	got, err := broker.Token(ctx, "api:read")
	require.NoError(t, err)

	assert.Equal(t, "published-by-holder", got)
	assert.Equal(t, int64(0), fetches.Load(), "published token must satisfy the waiter without an exchange")
	assert.Less(t, time.Since(start), time.Second, "waiter must return at its deadline, not at the next poll")
}
