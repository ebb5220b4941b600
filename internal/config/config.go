package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	OAuth     OAuthConfig
	External  ExternalConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Observe   ObserveConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// DatabaseConfig specifies the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `env:"DATABASE_URL, required"`

	PoolMinConns          int `env:"DATABASE_POOL_MIN_CONNS, default=2"`
	PoolMaxConns          int `env:"DATABASE_POOL_MAX_CONNS, default=20"`
	ConnectTimeoutSeconds int `env:"DATABASE_CONNECT_TIMEOUT_SECS, default=5"`
}

// CacheConfig specifies the shared key-value store used simultaneously as
// cache, distributed lock and idempotency fast path.
type CacheConfig struct {
	// Type selects the store implementation: "memory" (default) or "valkey"
	Type string `env:"CACHE_TYPE, default=memory"`

	// Valkey holds distributed store settings.
	Valkey ValkeyConfig

	ProductListTTLSeconds int `env:"CACHE_PRODUCT_LIST_TTL_SECS, default=300"`
	ProductItemTTLSeconds int `env:"CACHE_PRODUCT_ITEM_TTL_SECS, default=900"`

	// IdempotencyTTLSeconds bounds the dedup fast path; the durable store
	// remains the source of truth after expiry.
	IdempotencyTTLSeconds int `env:"CACHE_IDEMPOTENCY_TTL_SECS, default=86400"`
}

// ValkeyConfig specifies distributed store configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	// Username for Valkey authentication.
	Username string `env:"VALKEY_USERNAME"`

	// Password for Valkey authentication.
	Password string `env:"VALKEY_PASSWORD"`
}

// OAuthConfig specifies the upstream client-credentials exchange and the
// fleet-wide coordination parameters for token refresh.
type OAuthConfig struct {
	TokenURL     string `env:"OAUTH_TOKEN_URL, required"`
	ClientID     string `env:"OAUTH_CLIENT_ID, required"`
	ClientSecret string `env:"OAUTH_CLIENT_SECRET, required"`
	Scope        string `env:"OAUTH_SCOPE, default=api:read api:write"`

	RequestTimeoutSeconds int `env:"OAUTH_REQUEST_TIMEOUT_SECS, default=5"`

	// TokenBufferSeconds is subtracted from expires_in when caching, so the
	// cache entry expires strictly before the credential does.
	TokenBufferSeconds int `env:"OAUTH_TOKEN_BUFFER_SECS, default=60"`

	// LockTTLSeconds bounds the refresh critical section; a crashed holder
	// self-heals after this long.
	LockTTLSeconds int `env:"OAUTH_LOCK_TTL_SECS, default=10"`

	// LockWaitMillis is the maximum time a caller waits for another process
	// to publish a refreshed token before fetching directly.
	LockWaitMillis int `env:"OAUTH_LOCK_WAIT_MS, default=5000"`
	LockPollMillis int `env:"OAUTH_LOCK_POLL_MS, default=100"`
}

// ExternalConfig specifies the downstream dependency and its protection
// parameters (retry policy and circuit breaker).
type ExternalConfig struct {
	BaseURL       string `env:"EXTERNAL_API_BASE_URL, required"`
	TimeoutMillis int    `env:"EXTERNAL_API_TIMEOUT_MS, default=10000"`

	RetryMaxAttempts        int `env:"EXTERNAL_API_RETRY_MAX_ATTEMPTS, default=3"`
	RetryInitialDelayMillis int `env:"EXTERNAL_API_RETRY_INITIAL_DELAY_MS, default=100"`
	RetryMaxDelayMillis     int `env:"EXTERNAL_API_RETRY_MAX_DELAY_MS, default=5000"`

	BreakerVolumeThreshold       int `env:"CIRCUIT_BREAKER_VOLUME_THRESHOLD, default=5"`
	BreakerErrorThresholdPercent int `env:"CIRCUIT_BREAKER_ERROR_THRESHOLD_PCT, default=50"`
	BreakerResetTimeoutMillis    int `env:"CIRCUIT_BREAKER_RESET_TIMEOUT_MS, default=30000"`
	BreakerWindowMillis          int `env:"CIRCUIT_BREAKER_WINDOW_MS, default=60000"`
}

// WebhookConfig specifies inbound webhook authentication.
type WebhookConfig struct {
	Secret                    string `env:"WEBHOOK_SECRET, required"`
	TimestampToleranceSeconds int    `env:"WEBHOOK_TIMESTAMP_TOLERANCE_SECS, default=300"`
}

type RateLimitConfig struct {
	RequestsPerWindow int `env:"RATE_LIMIT_REQUESTS_PER_WINDOW, default=1000"`
	WindowSeconds     int `env:"RATE_LIMIT_WINDOW_SECS, default=60"`
}

type ObserveConfig struct {
	SDKLogLevel               string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                   bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled            bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                      string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName               string `env:"OBSERVE_SERVICE_NAME, default=catalog-api"`
	TraceBatchTimeoutSeconds  int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled      bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Cache.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	err = cfg.OAuth.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid oauth configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	if c.Type != "memory" && c.Type != "valkey" {
		return fmt.Errorf("invalid cache type %q: must be either \"memory\" or \"valkey\"", c.Type)
	}

	// Valkey requires address
	if c.Type == "valkey" && c.Valkey.Address == "" {
		return fmt.Errorf("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
	}

	return nil
}

// Validate checks that the token refresh coordination windows are coherent:
// the poll loop must be able to observe the cache at least once per wait, and
// a non-positive buffer would let cache entries outlive the credential.
func (c *OAuthConfig) Validate() error {
	if c.LockPollMillis <= 0 {
		return fmt.Errorf("OAUTH_LOCK_POLL_MS must be positive")
	}
	if c.LockWaitMillis < c.LockPollMillis {
		return fmt.Errorf("OAUTH_LOCK_WAIT_MS must be at least OAUTH_LOCK_POLL_MS")
	}
	if c.TokenBufferSeconds < 0 {
		return fmt.Errorf("OAUTH_TOKEN_BUFFER_SECS must not be negative")
	}
	return nil
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c OAuthConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c OAuthConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c OAuthConfig) LockWait() time.Duration {
	return time.Duration(c.LockWaitMillis) * time.Millisecond
}

func (c OAuthConfig) LockPoll() time.Duration {
	return time.Duration(c.LockPollMillis) * time.Millisecond
}

func (c OAuthConfig) TokenBuffer() time.Duration {
	return time.Duration(c.TokenBufferSeconds) * time.Second
}

func (c ExternalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c ExternalConfig) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMillis) * time.Millisecond
}

func (c ExternalConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMillis) * time.Millisecond
}

func (c ExternalConfig) BreakerResetTimeout() time.Duration {
	return time.Duration(c.BreakerResetTimeoutMillis) * time.Millisecond
}

func (c ExternalConfig) BreakerWindow() time.Duration {
	return time.Duration(c.BreakerWindowMillis) * time.Millisecond
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c WebhookConfig) TimestampTolerance() time.Duration {
	return time.Duration(c.TimestampToleranceSeconds) * time.Second
}
