package webhook

import (
	"encoding/json"
	"time"
)

// Status is the processing lifecycle state of a recorded event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is a recorded webhook delivery.
type Event struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"lastError"`
	ProcessedAt    *time.Time      `json:"processedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// IncomingEvent is the request body shape of a webhook delivery.
type IncomingEvent struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}
