package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// flush deadline used after the worker context was cancelled
const cancelledFlushTimeout = 2 * time.Second

// worker runs the full processor chain over its own ingress subscription
// and owns a private batch
type worker struct {
	id     int
	p      *Pipeline
	sub    *bus.Subscription[domain.Event]
	batch  []domain.Event
	logger *zap.Logger
}

func newWorker(id int, p *Pipeline, sub *bus.Subscription[domain.Event]) *worker {
	return &worker{
		id:     id,
		p:      p,
		sub:    sub,
		batch:  make([]domain.Event, 0, p.config.Event.BatchSize),
		logger: p.logger.With(zap.Int("worker", id)),
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.sub.Close()

	var tick <-chan time.Time
	if w.p.config.FlushInterval > 0 {
		ticker := time.NewTicker(w.p.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	w.logger.Debug("Worker started")
	for {
		event, err := w.sub.TryRecv()
		switch {
		case err == nil:
			w.handle(ctx, event)
			continue
		case errors.Is(err, bus.ErrClosed):
			w.flush(ctx)
			w.logger.Debug("Worker drained")
			return
		case errors.Is(err, bus.ErrEmpty):
		default:
			var lagged *bus.LaggedError
			if errors.As(err, &lagged) {
				w.p.stats.lagged.Add(lagged.Missed)
				add(ctx, w.p.metrics.lagged, int64(lagged.Missed), attribute.Int("worker", w.id))
				w.logger.Warn("Worker lagged behind ingress, events skipped",
					zap.Uint64("missed", lagged.Missed))
			}
			continue
		}

		select {
		case <-w.sub.Ready():
		case <-tick:
			if len(w.batch) > 0 {
				w.flush(ctx)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelledFlushTimeout)
			w.flush(flushCtx)
			cancel()
			w.logger.Debug("Worker cancelled")
			return
		}
	}
}

// handle runs the chain, batches the result and publishes it
func (w *worker) handle(ctx context.Context, event domain.Event) {
	out, ok := w.runChain(ctx, event)
	if !ok {
		return
	}
	w.p.stats.processed.Add(1)
	add(ctx, w.p.metrics.processed, 1, attribute.String("event_type", string(out.Type)))

	w.batch = append(w.batch, out)
	if len(w.batch) >= w.p.config.Event.BatchSize {
		w.flush(ctx)
	}

	if err := w.p.output.Publish(ctx, out); err != nil && !errors.Is(err, bus.ErrClosed) {
		w.logger.Debug("Failed to publish processed event",
			zap.String("event_id", out.ID),
			zap.Error(err))
	}
}

// runChain applies every processor in order. It reports false when the
// event was dropped.
func (w *worker) runChain(ctx context.Context, event domain.Event) (domain.Event, bool) {
	current := event
	for _, proc := range w.p.processors {
		next, err := safeProcess(ctx, proc, current)
		if err != nil {
			w.p.stats.processorErrors.Add(1)
			add(ctx, w.p.metrics.processorErrors, 1, attribute.String("processor", proc.Name()))
			w.logger.Error("Processor failed",
				zap.String("processor", proc.Name()),
				zap.String("event_id", current.ID),
				zap.Error(domain.NewProcessingError(proc.Name(), err)))

			if w.p.config.ProcessorErrorPolicy == DropOnError {
				w.p.stats.filtered.Add(1)
				add(ctx, w.p.metrics.filtered, 1,
					attribute.String("processor", proc.Name()),
					attribute.String("reason", "error"))
				return domain.Event{}, false
			}
			continue
		}
		if next == nil {
			w.p.stats.filtered.Add(1)
			add(ctx, w.p.metrics.filtered, 1,
				attribute.String("processor", proc.Name()),
				attribute.String("reason", "filtered"))
			return domain.Event{}, false
		}
		current = *next
	}
	return current, true
}

func safeProcess(ctx context.Context, proc domain.Processor, event domain.Event) (out *domain.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc.Process(ctx, event)
}

// flush writes the batch to storage in order and empties it. Store failures
// are logged and the remaining events are still written.
func (w *worker) flush(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}

	start := time.Now()
	failed := 0
	for i := range w.batch {
		if err := w.p.storage.Store(ctx, w.batch[i]); err != nil {
			failed++
			w.p.stats.storageErrors.Add(1)
			w.logger.Error("Failed to store event",
				zap.String("event_id", w.batch[i].ID),
				zap.Error(domain.NewStorageError(err)))
			continue
		}
		w.p.stats.stored.Add(1)
	}

	size := len(w.batch)
	clear(w.batch)
	w.batch = w.batch[:0]

	w.p.stats.flushes.Add(1)
	add(ctx, w.p.metrics.stored, int64(size-failed))
	add(ctx, w.p.metrics.storageErrors, int64(failed))
	w.p.metrics.recordFlush(ctx, w.id, size, time.Since(start))

	w.logger.Debug("Batch flushed",
		zap.Int("size", size),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)))
}
