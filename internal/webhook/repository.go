package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateKey reports that an event with the same idempotency key is
// already recorded. The unique constraint is the arbiter: under concurrent
// deliveries exactly one insert wins.
var ErrDuplicateKey = errors.New("idempotency key already recorded")

// Repository persists webhook events.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a pending event. A unique violation on the idempotency key
// maps to ErrDuplicateKey.
func (r *Repository) Create(ctx context.Context, key, eventType string, payload json.RawMessage) (*Event, error) {
	id := uuid.NewString()

	row := r.db.QueryRow(ctx, `
		INSERT INTO webhook_events (id, idempotency_key, event_type, payload, status, attempts)
		VALUES ($1, $2, $3, $4, 'pending', 0)
		RETURNING created_at`,
		id, key, eventType, payload)

	var createdAt pgtype.Timestamptz
	if err := row.Scan(&createdAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("recording webhook event: %w", err)
	}

	return &Event{
		ID:             id,
		IdempotencyKey: key,
		EventType:      eventType,
		Payload:        payload,
		Status:         StatusPending,
		CreatedAt:      createdAt.Time,
	}, nil
}

// FindByKey returns the event recorded under the idempotency key, or nil
// when none exists.
func (r *Repository) FindByKey(ctx context.Context, key string) (*Event, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, idempotency_key, event_type, payload, status, attempts,
		       last_error, processed_at, created_at
		FROM webhook_events
		WHERE idempotency_key = $1`,
		key)

	var (
		event       Event
		lastError   pgtype.Text
		processedAt pgtype.Timestamptz
		createdAt   pgtype.Timestamptz
	)

	err := row.Scan(
		&event.ID, &event.IdempotencyKey, &event.EventType, &event.Payload,
		&event.Status, &event.Attempts, &lastError, &processedAt, &createdAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up webhook event: %w", err)
	}

	if lastError.Valid {
		event.LastError = &lastError.String
	}
	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}
	event.CreatedAt = createdAt.Time

	return &event, nil
}

// ClaimPending atomically moves up to limit pending events to processing
// and returns them. SKIP LOCKED keeps concurrent claimers from handing the
// same event to two workers.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE webhook_events
		SET status = 'processing'
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, idempotency_key, event_type, payload, status, attempts,
		          last_error, processed_at, created_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claiming pending webhook events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event       Event
			lastError   pgtype.Text
			processedAt pgtype.Timestamptz
			createdAt   pgtype.Timestamptz
		)
		err := rows.Scan(
			&event.ID, &event.IdempotencyKey, &event.EventType, &event.Payload,
			&event.Status, &event.Attempts, &lastError, &processedAt, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed webhook event: %w", err)
		}
		if lastError.Valid {
			event.LastError = &lastError.String
		}
		if processedAt.Valid {
			event.ProcessedAt = &processedAt.Time
		}
		event.CreatedAt = createdAt.Time
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claiming pending webhook events: %w", err)
	}

	return events, nil
}

// MarkProcessed completes the event lifecycle.
func (r *Repository) MarkProcessed(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'completed', attempts = attempts + 1, processed_at = now()
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("marking webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s not found", id)
	}
	return nil
}

// MarkFailed records a processing failure, keeping the event for retry
// inspection.
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'failed', attempts = attempts + 1, last_error = $2
		WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("marking webhook event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s not found", id)
	}
	return nil
}
