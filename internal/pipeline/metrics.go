package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Stats contains pipeline statistics
type Stats struct {
	Running         bool   `json:"running"`
	Collectors      int    `json:"collectors"`
	Processors      int    `json:"processors"`
	Workers         int    `json:"workers"`
	Ingested        uint64 `json:"ingested"`
	Invalid         uint64 `json:"invalid"`
	Processed       uint64 `json:"processed"`
	Filtered        uint64 `json:"filtered"`
	ProcessorErrors uint64 `json:"processor_errors"`
	Lagged          uint64 `json:"lagged"`
	Stored          uint64 `json:"stored"`
	StorageErrors   uint64 `json:"storage_errors"`
	Flushes         uint64 `json:"flushes"`

	IngressSubscribers int    `json:"ingress_subscribers"`
	IngressDropped     uint64 `json:"ingress_dropped"`
	OutputSubscribers  int    `json:"output_subscribers"`
	OutputDropped      uint64 `json:"output_dropped"`
}

type counters struct {
	ingested        atomic.Uint64
	invalid         atomic.Uint64
	processed       atomic.Uint64
	filtered        atomic.Uint64
	processorErrors atomic.Uint64
	lagged          atomic.Uint64
	stored          atomic.Uint64
	storageErrors   atomic.Uint64
	flushes         atomic.Uint64
}

// instruments are nil when creation failed; every record checks first
type instruments struct {
	ingested        metric.Int64Counter
	processed       metric.Int64Counter
	filtered        metric.Int64Counter
	processorErrors metric.Int64Counter
	lagged          metric.Int64Counter
	stored          metric.Int64Counter
	storageErrors   metric.Int64Counter
	flushDuration   metric.Float64Histogram
	batchSize       metric.Int64Histogram
}

func newInstruments(meter metric.Meter, logger *zap.Logger) *instruments {
	in := &instruments{}

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			logger.Debug("Failed to create counter", zap.String("metric", name), zap.Error(err))
			return nil
		}
		return c
	}

	in.ingested = counter("vigil_pipeline_events_ingested_total", "Events accepted from collectors")
	in.processed = counter("vigil_pipeline_events_processed_total", "Events that passed a worker's processor chain")
	in.filtered = counter("vigil_pipeline_events_filtered_total", "Events dropped by a processor")
	in.processorErrors = counter("vigil_pipeline_processor_errors_total", "Processor failures")
	in.lagged = counter("vigil_pipeline_events_lagged_total", "Events a worker lost by falling behind the ingress bus")
	in.stored = counter("vigil_pipeline_events_stored_total", "Events written to storage")
	in.storageErrors = counter("vigil_pipeline_storage_errors_total", "Failed storage writes")

	var err error
	in.flushDuration, err = meter.Float64Histogram(
		"vigil_pipeline_flush_duration_seconds",
		metric.WithDescription("Batch flush duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0),
	)
	if err != nil {
		logger.Debug("Failed to create flush duration histogram", zap.Error(err))
		in.flushDuration = nil
	}

	in.batchSize, err = meter.Int64Histogram(
		"vigil_pipeline_batch_size",
		metric.WithDescription("Events per flushed batch"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000),
	)
	if err != nil {
		logger.Debug("Failed to create batch size histogram", zap.Error(err))
		in.batchSize = nil
	}

	return in
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (in *instruments) recordFlush(ctx context.Context, worker int, size int, took time.Duration) {
	attrs := metric.WithAttributes(attribute.Int("worker", worker))
	if in.flushDuration != nil {
		in.flushDuration.Record(ctx, took.Seconds(), attrs)
	}
	if in.batchSize != nil {
		in.batchSize.Record(ctx, int64(size), attrs)
	}
}
