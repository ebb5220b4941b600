package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/apierror"
	"github.com/farmlokal/catalog-api/internal/keyval"
)

type contextKey string

const requestIDKey contextKey = "requestID"

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID assigns each request an identifier, echoes it in the response,
// and binds it to the context logger so every log line downstream carries it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", id)

		logger := log.Ctx(r.Context()).With().Str("requestId", id).Logger()
		ctx := context.WithValue(logger.WithContext(r.Context()), requestIDKey, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		log.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// rateLimit throttles by client address against the shared store, so the
// limit holds across instances. Responses carry the standard limit headers;
// rejections additionally carry Retry-After via the error mapping.
func rateLimit(limiter *keyval.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := limiter.Allow(r.Context(), clientAddress(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				w.Header().Set("X-RateLimit-Reset",
					time.Now().Add(time.Duration(result.RetryAfterSeconds)*time.Second).UTC().Format(time.RFC3339))
				writeError(w, r, apierror.RateLimited(result.RetryAfterSeconds))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddress picks the originating client: the first X-Forwarded-For hop
// when present, otherwise the connection peer.
func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if addr := strings.TrimSpace(first); addr != "" {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
