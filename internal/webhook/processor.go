package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// eventQueue is the claim/settle surface of the durable store.
type eventQueue interface {
	ClaimPending(ctx context.Context, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// productFetcher reads fresh product data from the downstream API.
type productFetcher interface {
	Get(ctx context.Context, path, scope string) (json.RawMessage, error)
}

// cacheInvalidator drops cached catalog entries for a product.
type cacheInvalidator interface {
	InvalidateProduct(ctx context.Context, id string)
}

// Processor drains recorded events in the background. Product events
// re-fetch the product from the downstream API and invalidate the catalog
// cache; events that fail stay in the ledger as failed with their error.
type Processor struct {
	queue       eventQueue
	products    productFetcher
	invalidator cacheInvalidator

	batchSize int
	interval  time.Duration
}

func NewProcessor(queue eventQueue, products productFetcher, invalidator cacheInvalidator) *Processor {
	return &Processor{
		queue:       queue,
		products:    products,
		invalidator: invalidator,
		batchSize:   20,
		interval:    5 * time.Second,
	}
}

// Run drains batches until the context is cancelled. Intended for a
// dedicated goroutine started by the composition root.
func (p *Processor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Info().Interface("recover", r).Msg("webhook processor panicked; stopping")
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("webhook processor stopping")
			return
		case <-ticker.C:
		}

		if err := p.ProcessBatch(ctx); err != nil {
			// transient store failures are retried on the next tick
			log.Warn().Err(err).Msg("webhook batch processing failed, continuing")
		}
	}
}

// ProcessBatch claims one batch and settles every event in it.
func (p *Processor) ProcessBatch(ctx context.Context) error {
	events, err := p.queue.ClaimPending(ctx, p.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := p.handle(ctx, event); err != nil {
			log.Ctx(ctx).Warn().
				Err(err).
				Str("eventId", event.ID).
				Str("eventType", event.EventType).
				Msg("webhook event processing failed")

			if markErr := p.queue.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
				return markErr
			}
			continue
		}

		if err := p.queue.MarkProcessed(ctx, event.ID); err != nil {
			return err
		}
	}

	return nil
}

type productEventData struct {
	ProductID string `json:"productId"`
}

func (p *Processor) handle(ctx context.Context, event Event) error {
	switch event.EventType {
	case "product.created", "product.updated", "product.price_changed", "product.deleted":
		var data productEventData
		if err := json.Unmarshal(event.Payload, &data); err != nil || data.ProductID == "" {
			// nothing to refresh; the record itself is still valid
			log.Ctx(ctx).Debug().Str("eventId", event.ID).Msg("product event without productId")
			return nil
		}

		if event.EventType != "product.deleted" {
			if _, err := p.products.Get(ctx, "/products/"+data.ProductID, ""); err != nil {
				return err
			}
		}

		p.invalidator.InvalidateProduct(ctx, data.ProductID)
		return nil

	default:
		// unrecognized types are acknowledged without side effects
		log.Ctx(ctx).Debug().Str("eventType", event.EventType).Msg("ignoring webhook event type")
		return nil
	}
}
