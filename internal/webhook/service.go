package webhook

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/farmlokal/catalog-api/internal/apierror"
	"github.com/farmlokal/catalog-api/internal/config"
)

// Result is the processing outcome reported to the sender.
type Result struct {
	Acknowledged bool `json:"acknowledged"`
	Duplicate    bool `json:"duplicate"`
}

// Service authenticates and records webhook deliveries.
type Service struct {
	ledger    *Ledger
	secret    string
	tolerance time.Duration

	now func() time.Time
}

func NewService(ledger *Ledger, cfg config.WebhookConfig) *Service {
	return &Service{
		ledger:    ledger,
		secret:    cfg.Secret,
		tolerance: cfg.TimestampTolerance(),
		now:       time.Now,
	}
}

// Process verifies the delivery and records it exactly once. The signature
// covers the raw body bytes as received; verification and freshness both
// happen before any ledger access.
func (s *Service) Process(ctx context.Context, body []byte, signature, timestamp, idempotencyKey string) (Result, error) {
	if signature == "" || timestamp == "" || idempotencyKey == "" {
		return Result{}, apierror.Validation("missing webhook headers", map[string]any{
			"required": []string{"X-Webhook-Signature", "X-Webhook-Timestamp", "X-Idempotency-Key"},
		})
	}

	if !VerifySignature(body, signature, s.secret) {
		log.Ctx(ctx).Warn().Str("idempotencyKey", idempotencyKey).Msg("webhook signature mismatch")
		return Result{}, apierror.Authentication("invalid webhook signature", nil)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Result{}, apierror.Authentication("invalid webhook timestamp", nil)
	}
	if !VerifyTimestamp(ts, s.tolerance, s.now()) {
		log.Ctx(ctx).Warn().
			Str("idempotencyKey", idempotencyKey).
			Int64("timestamp", ts).
			Msg("webhook timestamp out of tolerance")
		return Result{}, apierror.Authentication("webhook timestamp out of tolerance", nil)
	}

	var incoming IncomingEvent
	if err := json.Unmarshal(body, &incoming); err != nil {
		return Result{}, apierror.Validation("invalid webhook body", nil)
	}
	if incoming.EventType == "" {
		return Result{}, apierror.Validation("eventType is required", nil)
	}

	duplicate, err := s.ledger.IsDuplicate(ctx, idempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if duplicate {
		log.Ctx(ctx).Info().Str("idempotencyKey", idempotencyKey).Msg("duplicate webhook event detected")
		return Result{Acknowledged: true, Duplicate: true}, nil
	}

	event, duplicate, err := s.ledger.Record(ctx, idempotencyKey, incoming.EventType, incoming.Data)
	if err != nil {
		return Result{}, err
	}
	if duplicate {
		return Result{Acknowledged: true, Duplicate: true}, nil
	}

	log.Ctx(ctx).Info().
		Str("idempotencyKey", idempotencyKey).
		Str("eventType", incoming.EventType).
		Str("eventId", event.ID).
		Msg("webhook event stored")

	return Result{Acknowledged: true, Duplicate: false}, nil
}
