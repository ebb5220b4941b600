package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/apierror"
	"github.com/farmlokal/catalog-api/internal/catalog"
	"github.com/farmlokal/catalog-api/internal/webhook"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// productReader is the catalog surface the handlers consume.
type productReader interface {
	List(ctx context.Context, p catalog.ListParams) (*catalog.ListResult, error)
	Get(ctx context.Context, id string) (*catalog.Product, error)
}

// webhookProcessor authenticates and records one delivery.
type webhookProcessor interface {
	Process(ctx context.Context, body []byte, signature, timestamp, idempotencyKey string) (webhook.Result, error)
}

// pinger is any dependency the readiness check can probe.
type pinger interface {
	Ping(ctx context.Context) error
}

type responseMeta struct {
	RequestID string `json:"requestId,omitempty"`
	Timestamp string `json:"timestamp"`
}

type paginationInfo struct {
	NextCursor *string `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}

type productListResponse struct {
	Data       []catalog.Product `json:"data"`
	Pagination paginationInfo    `json:"pagination"`
	Meta       responseMeta      `json:"meta"`
}

type productResponse struct {
	Data *catalog.Product `json:"data"`
	Meta responseMeta     `json:"meta"`
}

func handleListProducts(products productReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		params, err := catalog.ParseListParams(r.URL.Query())
		if err != nil {
			writeError(w, r, err)
			return
		}

		result, err := products.List(r.Context(), params)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, productListResponse{
			Data:       result.Products,
			Pagination: paginationInfo{NextCursor: result.NextCursor, HasMore: result.HasMore},
			Meta:       newResponseMeta(r),
		})
	})
}

func handleGetProduct(products productReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		product, err := products.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, productResponse{
			Data: product,
			Meta: newResponseMeta(r),
		})
	})
}

type webhookResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Duplicate    bool   `json:"duplicate"`
	RequestID    string `json:"requestId,omitempty"`
}

func handleWebhookEvent(events webhookProcessor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, apierror.Validation("unable to read request body", nil))
			return
		}

		result, err := events.Process(
			r.Context(),
			body,
			r.Header.Get("X-Webhook-Signature"),
			r.Header.Get("X-Webhook-Timestamp"),
			r.Header.Get("X-Idempotency-Key"),
		)
		if err != nil {
			writeError(w, r, err)
			return
		}

		// a redelivery acknowledges with 200, a fresh event with 202
		status := http.StatusAccepted
		if result.Duplicate {
			status = http.StatusOK
		}

		writeJSON(w, status, webhookResponse{
			Acknowledged: result.Acknowledged,
			Duplicate:    result.Duplicate,
			RequestID:    requestIDFromContext(r.Context()),
		})
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// handleReadiness probes the durable store and the key-value store. Either
// failing means the instance cannot serve correctly and should be rotated
// out, not sent traffic.
func handleReadiness(checks map[string]pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))

		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				log.Ctx(r.Context()).Warn().Err(err).Str("dependency", name).Msg("readiness probe failed")
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		state := "ready"
		if status != http.StatusOK {
			state = "degraded"
		}

		writeJSON(w, status, map[string]any{
			"status": state,
			"checks": results,
		})
	})
}

func newResponseMeta(r *http.Request) responseMeta {
	return responseMeta{
		RequestID: requestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// the status line is already written; nothing to do but log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

type errorBody struct {
	Code      apierror.Code  `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeError maps a typed error onto the response envelope. Errors without
// status information are internal faults: logged in full, reported without
// detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		log.Ctx(r.Context()).Error().Err(err).Msg("unhandled error")
		apiErr = apierror.Internal("an unexpected error occurred", nil)
	}

	status, _ := apiErr.Status()
	if retryAfter := apierror.RetryAfter(err); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	writeJSON(w, status, errorResponse{Error: errorBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Details:   apiErr.Details,
		RequestID: requestIDFromContext(r.Context()),
	}})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// drainRequestBody drains the request body by reading and discarding the
// contents, which matters for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
