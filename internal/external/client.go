// Package external is the outbound HTTP client for the downstream product
// API. Every call carries a brokered bearer token and runs under the
// protection stack: a retry policy for transient failures nested inside a
// circuit breaker observation, so one logical call counts once against the
// breaker regardless of how many attempts it took.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/farmlokal/catalog-api/internal/apierror"
	"github.com/farmlokal/catalog-api/internal/config"
	"github.com/farmlokal/catalog-api/internal/resilience"
)

var (
	metricsOnce  sync.Once
	breakerState metric.Int64Gauge
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/farmlokal/catalog-api/internal/external")

		var err error
		breakerState, err = meter.Int64Gauge(
			"external.breaker.state",
			metric.WithDescription("Circuit breaker state (0 closed, 1 open, 2 half-open)"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// maxResponseBytes bounds how much of a downstream response is read.
const maxResponseBytes = 10 << 20

// TokenSource supplies bearer tokens for outbound calls and accepts
// invalidation when the downstream rejects one.
type TokenSource interface {
	Token(ctx context.Context, scope string) (string, error)
	Invalidate(ctx context.Context, scope string)
}

// Client calls the downstream API with bearer auth, retry and breaker
// protection.
type Client struct {
	service string
	baseURL string
	client  *http.Client
	tokens  TokenSource
	breaker *resilience.Breaker
	retry   resilience.RetryPolicy
}

// New constructs a Client from the downstream configuration. The transport
// is injectable so the instrumented OTel transport wraps outbound calls.
func New(cfg config.ExternalConfig, tokens TokenSource, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}

	service := "product-api"
	initMetrics()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		VolumeThreshold:       cfg.BreakerVolumeThreshold,
		ErrorThresholdPercent: cfg.BreakerErrorThresholdPercent,
		ResetTimeout:          cfg.BreakerResetTimeout(),
		Window:                cfg.BreakerWindow(),
	}, func(from, to resilience.State) {
		log.Info().
			Str("service", service).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state change")

		breakerState.Record(context.Background(), int64(to),
			metric.WithAttributes(
				attribute.String("service", service),
				attribute.String("state", to.String()),
			))
	})

	return &Client{
		service: service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout(),
		},
		tokens:  tokens,
		breaker: breaker,
		retry: resilience.RetryPolicy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay(),
			MaxDelay:     cfg.RetryMaxDelay(),
		},
	}
}

// BreakerState exposes the breaker state for readiness reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// Get performs an authenticated GET. Transient failures (network errors,
// 5xx) are retried; the call is idempotent.
func (c *Client) Get(ctx context.Context, path, scope string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, path, nil, scope, true)
}

// Post performs an authenticated POST. The request is not assumed
// idempotent, so failed attempts are not retried.
func (c *Client) Post(ctx context.Context, path string, body any, scope string) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, apierror.Internal("encoding request body", err)
		}
	}
	return c.call(ctx, http.MethodPost, path, payload, scope, false)
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, scope string, idempotent bool) (json.RawMessage, error) {
	token, err := c.tokens.Token(ctx, scope)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage

	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			payload, attemptErr := c.attempt(ctx, method, path, body, token, scope)
			if attemptErr != nil {
				if idempotent {
					return attemptErr
				}
				return stripRetryable(attemptErr)
			}
			result = payload
			return nil
		})
	})

	if errors.Is(err, resilience.ErrOpen) {
		log.Ctx(ctx).Warn().
			Str("service", c.service).
			Str("path", path).
			Msg("call rejected, circuit breaker open")
		return nil, apierror.ServiceUnavailable(c.service)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attempt performs one HTTP exchange and classifies the outcome. Errors
// eligible for retry carry the retryable marker.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, token, scope string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apierror.Internal("building downstream request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, resilience.Retryable(apierror.GatewayTimeout(c.service))
		}
		return nil, resilience.Retryable(apierror.ExternalDependency(
			c.service, "request failed", 0, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.Retryable(apierror.ExternalDependency(
			c.service, "reading response body", resp.StatusCode, err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apierror.RateLimited(retryAfterSeconds(resp))

	case resp.StatusCode == http.StatusUnauthorized:
		// the cached credential for this scope is no longer honoured; drop
		// it so the next logical call refreshes
		c.tokens.Invalidate(ctx, scope)
		return nil, apierror.ExternalDependency(
			c.service, "downstream rejected credentials", resp.StatusCode, nil)

	case resp.StatusCode >= 500:
		return nil, resilience.Retryable(apierror.ExternalDependency(
			c.service, fmt.Sprintf("downstream returned status %d", resp.StatusCode),
			resp.StatusCode, nil))

	default:
		return nil, apierror.ExternalDependency(
			c.service, fmt.Sprintf("downstream returned status %d", resp.StatusCode),
			resp.StatusCode, nil)
	}
}

func stripRetryable(err error) error {
	if !resilience.IsRetryable(err) {
		return err
	}
	return errors.Unwrap(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func retryAfterSeconds(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return secs
		}
	}
	return 60
}
