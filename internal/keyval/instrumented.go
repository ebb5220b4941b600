package keyval

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	storeOperations metric.Int64Counter
	storeDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/farmlokal/catalog-api/internal/keyval")

		var err error
		storeOperations, err = meter.Int64Counter(
			"keyval.operations",
			metric.WithDescription("Total key-value store operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		storeDuration, err = meter.Float64Histogram(
			"keyval.operation.duration",
			metric.WithDescription("Key-value store operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Store with metrics instrumentation.
type Instrumented struct {
	wrapped   Store
	storeType string
}

// NewInstrumented creates an instrumented store wrapper.
func NewInstrumented(store Store, storeType string) *Instrumented {
	initMetrics()
	return &Instrumented{
		wrapped:   store,
		storeType: storeType,
	}
}

func (i *Instrumented) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return value, found, err
}

func (i *Instrumented) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := i.wrapped.Set(ctx, key, value, ttl)
	i.record(ctx, "set", successStatus(err), time.Since(start))
	return err
}

func (i *Instrumented) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	stored, err := i.wrapped.SetIfAbsent(ctx, key, value, ttl)

	status := "contended"
	if err != nil {
		status = "error"
	} else if stored {
		status = "success"
	}
	i.record(ctx, "set_if_absent", status, time.Since(start))

	return stored, err
}

func (i *Instrumented) Delete(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := i.wrapped.Delete(ctx, keys...)
	i.record(ctx, "delete", successStatus(err), time.Since(start))
	return err
}

func (i *Instrumented) Keys(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()
	keys, err := i.wrapped.Keys(ctx, pattern)
	i.record(ctx, "keys", successStatus(err), time.Since(start))
	return keys, err
}

func (i *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	found, err := i.wrapped.Exists(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "exists", status, time.Since(start))

	return found, err
}

func (i *Instrumented) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	start := time.Now()
	count, err := i.wrapped.Increment(ctx, key, window)
	i.record(ctx, "increment", successStatus(err), time.Since(start))
	return count, err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	return i.wrapped.Ping(ctx)
}

func (i *Instrumented) Close() {
	i.wrapped.Close()
}

func (i *Instrumented) record(ctx context.Context, operation, status string, duration time.Duration) {
	if storeOperations != nil {
		storeOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("store.type", i.storeType),
				attribute.String("store.operation", operation),
				attribute.String("store.status", status),
			),
		)
	}
	if storeDuration != nil {
		storeDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("store.type", i.storeType),
				attribute.String("store.operation", operation),
			),
		)
	}
}

func successStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
