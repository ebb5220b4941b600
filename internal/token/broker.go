// Package token acquires OAuth client-credentials tokens for outbound calls.
// Acquisition is single-flight across the fleet: the shared cache holds the
// current token, and a distributed lock elects one refresher per scope while
// other callers poll for the published result.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/apierror"
	"github.com/farmlokal/catalog-api/internal/config"
	"github.com/farmlokal/catalog-api/internal/keyval"
)

// minCacheTTL is the floor applied after the expiry buffer is subtracted, so
// a short-lived credential is still shared rather than refetched per call.
const minCacheTTL = 5 * time.Second

// CachedToken is the cache representation of an issued credential.
type CachedToken struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Valid reports whether the token is usable at the given instant.
func (t CachedToken) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Broker vends bearer tokens, refreshing through the token endpoint at most
// once per scope per credential lifetime.
type Broker struct {
	cfg    config.OAuthConfig
	cache  *keyval.Cache
	lock   *keyval.Lock
	client *http.Client

	now func() time.Time
}

// NewBroker constructs a Broker over the shared store.
func NewBroker(cfg config.OAuthConfig, store keyval.Store, transport http.RoundTripper) *Broker {
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Broker{
		cfg:   cfg,
		cache: keyval.NewCache(store, "oauth"),
		lock:  keyval.NewLock(store),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout(),
		},
		now: time.Now,
	}
}

// Token returns a bearer token for the scope, using the configured default
// scope when none is given. The cache is consulted first; on a miss the
// caller either refreshes under the distributed lock or waits for the lock
// holder to publish.
func (b *Broker) Token(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		scope = b.cfg.Scope
	}

	if token, ok := b.cached(ctx, scope); ok {
		return token, nil
	}

	lockKey := "lock:token:" + scope
	if b.lock.TryAcquire(ctx, lockKey, b.cfg.LockTTL()) {
		defer b.lock.Release(ctx, lockKey)

		// another process may have published between the miss and the
		// acquisition
		if token, ok := b.cached(ctx, scope); ok {
			return token, nil
		}
		return b.refresh(ctx, scope)
	}

	return b.awaitRefresh(ctx, scope)
}

// Invalidate drops the cached token for the scope, forcing the next caller
// to refresh. Used when the downstream rejects a credential early.
func (b *Broker) Invalidate(ctx context.Context, scope string) {
	if scope == "" {
		scope = b.cfg.Scope
	}
	b.cache.Delete(ctx, cacheKey(scope))
}

func (b *Broker) cached(ctx context.Context, scope string) (string, bool) {
	var token CachedToken
	if !b.cache.Get(ctx, cacheKey(scope), &token) {
		return "", false
	}
	if !token.Valid(b.now()) {
		return "", false
	}
	return token.AccessToken, true
}

// refresh performs the client-credentials exchange and publishes the result.
// Failures are never cached.
func (b *Broker) refresh(ctx context.Context, scope string) (string, error) {
	issued, err := b.fetch(ctx, scope)
	if err != nil {
		return "", err
	}

	ttl := time.Duration(issued.ExpiresIn)*time.Second - b.cfg.TokenBuffer()
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}

	token := CachedToken{
		AccessToken: issued.AccessToken,
		ExpiresAt:   b.now().Add(time.Duration(issued.ExpiresIn) * time.Second),
	}
	b.cache.Set(ctx, cacheKey(scope), token, ttl)

	log.Ctx(ctx).Debug().
		Str("scope", scope).
		Time("expiresAt", token.ExpiresAt).
		Msg("token refreshed")

	return issued.AccessToken, nil
}

// awaitRefresh polls the cache while another process holds the refresh lock.
// If the deadline passes without a published token, the caller fetches
// directly rather than starving; the handful of extra upstream calls in that
// degenerate case is the accepted tradeoff.
func (b *Broker) awaitRefresh(ctx context.Context, scope string) (string, error) {
	wait := time.NewTimer(b.cfg.LockWait())
	defer wait.Stop()
	ticker := time.NewTicker(b.cfg.LockPoll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-ticker.C:
			if token, ok := b.cached(ctx, scope); ok {
				return token, nil
			}

		case <-wait.C:
			// the holder may have published between the last poll and the
			// deadline; one last cache check before going upstream
			if token, ok := b.cached(ctx, scope); ok {
				return token, nil
			}

			log.Ctx(ctx).Warn().
				Str("scope", scope).
				Dur("waited", b.cfg.LockWait()).
				Msg("lock holder did not publish a token, fetching directly")

			// refresh rather than raw fetch: publishing the result lets any
			// other waiters hitting the same deadline converge on it
			return b.refresh(ctx, scope)
		}
	}
}

func (b *Broker) fetch(ctx context.Context, scope string) (tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {b.cfg.ClientID},
		"client_secret": {b.cfg.ClientSecret},
		"scope":         {scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return tokenResponse{}, apierror.Authentication("token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, apierror.Authentication("reading token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).Error().
			Int("status", resp.StatusCode).
			Str("scope", scope).
			Msg("token endpoint refused the exchange")
		return tokenResponse{}, apierror.Authentication(
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var issued tokenResponse
	if err := json.Unmarshal(body, &issued); err != nil {
		return tokenResponse{}, apierror.Authentication("decoding token response", err)
	}
	if issued.AccessToken == "" {
		return tokenResponse{}, apierror.Authentication("token response missing access_token", nil)
	}

	return issued, nil
}

func cacheKey(scope string) string {
	return "token:" + scope
}
