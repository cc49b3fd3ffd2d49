package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheEntries    metric.Int64UpDownCounter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/chinmina-client/internal/cache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheEntries, err = meter.Int64UpDownCounter(
			"cache.entries",
			metric.WithDescription("Entries currently held by the cache"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// instruments records cache activity against a named cache type.
type instruments struct {
	cacheType string
}

func newInstruments(cacheType string) instruments {
	initMetrics()
	return instruments{cacheType: cacheType}
}

func (i instruments) recordOperation(ctx context.Context, operation, status string) {
	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}
}

func (i instruments) recordEntries(ctx context.Context, delta int64) {
	if cacheEntries == nil || delta == 0 {
		return
	}
	cacheEntries.Add(ctx, delta,
		metric.WithAttributes(attribute.String("cache.type", i.cacheType)),
	)
}
