package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned by Stop when workers did not drain in time
	ErrShutdownTimeout = errors.New("pipeline shutdown timeout")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrNotRunning is returned by Stop before Start
	ErrNotRunning = errors.New("pipeline not running")
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// CollectorHealth is the last known health of one collector
type CollectorHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Pipeline runs collectors, processor workers and batched storage writes
type Pipeline struct {
	config     Config
	collectors []domain.Collector
	processors []domain.Processor
	storage    domain.Storage
	logger     *zap.Logger
	meter      metric.Meter
	metrics    *instruments
	stats      counters

	ingress *bus.Bus[domain.Event]
	output  *bus.Bus[domain.Event]

	mu     sync.Mutex
	state  state
	ctx    context.Context
	cancel context.CancelFunc

	shutdown     chan struct{}
	shutdownOnce sync.Once

	// closed after every collector's Stop returned
	collectorsStopped chan struct{}

	forwarders sync.WaitGroup
	workers    sync.WaitGroup
}

// New creates a pipeline. Collectors start in the given order and processors
// run in the given order inside every worker.
func New(config Config, collectors []domain.Collector, processors []domain.Processor, storage domain.Storage, opts ...Option) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	seen := make(map[string]struct{}, len(collectors))
	for _, c := range collectors {
		if c == nil {
			return nil, fmt.Errorf("nil collector")
		}
		if _, exists := seen[c.Name()]; exists {
			return nil, fmt.Errorf("collector %s already registered", c.Name())
		}
		seen[c.Name()] = struct{}{}
	}
	for _, proc := range processors {
		if proc == nil {
			return nil, fmt.Errorf("nil processor")
		}
	}

	p := &Pipeline{
		config:            config,
		collectors:        append([]domain.Collector(nil), collectors...),
		processors:        append([]domain.Processor(nil), processors...),
		storage:           storage,
		logger:            zap.NewNop(),
		meter:             otel.Meter("github.com/yairfalse/vigil/internal/pipeline"),
		shutdown:          make(chan struct{}),
		collectorsStopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = newInstruments(p.meter, p.logger)

	var err error
	p.ingress, err = bus.New(bus.Config[domain.Event]{
		Name:     "ingress",
		Capacity: config.Event.BufferSize,
		Policy:   config.IngressPolicy,
		Copy:     domain.Event.Clone,
		Logger:   p.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingress bus: %w", err)
	}

	p.output, err = bus.New(bus.Config[domain.Event]{
		Name:     "output",
		Capacity: config.Event.BufferSize,
		Policy:   config.OutputPolicy,
		Copy:     domain.Event.Clone,
		Logger:   p.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create output bus: %w", err)
	}

	return p, nil
}

// RegisterCollector appends a collector before Start
func (p *Pipeline) RegisterCollector(collector domain.Collector) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateIdle {
		return fmt.Errorf("cannot register collector after pipeline started")
	}
	for _, c := range p.collectors {
		if c.Name() == collector.Name() {
			return fmt.Errorf("collector %s already registered", collector.Name())
		}
	}
	p.collectors = append(p.collectors, collector)
	return nil
}

// Start starts every collector in order, then the forwarders and workers.
// The pipeline keeps its values but not its cancellation from ctx: it runs
// until Stop.
//
// When a collector fails to start, the collectors already started are
// stopped in reverse order and a collection error naming the failed
// collector is returned. A pipeline starts at most once.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateIdle {
		return ErrAlreadyStarted
	}

	// Only Stop ends the pipeline's context. Cancelling the caller's ctx
	// must not abandon events that are still queued for the workers.
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i, c := range p.collectors {
		if err := c.Start(p.ctx); err != nil {
			p.logger.Error("Failed to start collector",
				zap.String("collector", c.Name()),
				zap.Error(err))
			p.rollback(p.collectors[:i])
			p.state = stateStopped
			p.cancel()
			p.ingress.Close()
			p.output.Close()
			return domain.NewCollectionError(c.Name(), fmt.Errorf("start: %w", err))
		}
		p.logger.Debug("Collector started", zap.String("collector", c.Name()))
	}

	// workers subscribe before any event is forwarded
	workers := p.config.Event.ProcessorParallelism
	for i := 0; i < workers; i++ {
		w := newWorker(i, p, p.ingress.Subscribe())
		wctx, wcancel := context.WithCancel(p.ctx)
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			defer wcancel()
			w.run(wctx)
		}()
	}

	for _, c := range p.collectors {
		p.forwarders.Add(1)
		go p.forward(c)
	}

	p.state = stateRunning
	p.logger.Info("Pipeline started",
		zap.Int("collectors", len(p.collectors)),
		zap.Int("processors", len(p.processors)),
		zap.Int("workers", workers),
		zap.Int("buffer_size", p.config.Event.BufferSize),
		zap.Int("batch_size", p.config.Event.BatchSize),
		zap.String("ingress_policy", string(p.config.IngressPolicy)),
	)
	return nil
}

// rollback stops started collectors in reverse start order
func (p *Pipeline) rollback(started []domain.Collector) {
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(); err != nil {
			p.logger.Warn("Failed to stop collector during start rollback",
				zap.String("collector", c.Name()),
				zap.Error(err))
		}
	}
}

// Stop shuts the pipeline down.
//
// Collectors are stopped in order and a failing Stop does not prevent the
// others from stopping. Events already accepted are drained through the
// workers and every partial batch is flushed. If ctx ends before the workers
// finish, in-flight work is cancelled and ErrShutdownTimeout is returned.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		st := p.state
		p.mu.Unlock()
		if st == stateStopped {
			p.signalShutdown()
			return nil
		}
		return ErrNotRunning
	}
	p.state = stateStopped
	p.mu.Unlock()

	start := time.Now()
	p.logger.Info("Stopping pipeline")
	p.signalShutdown()

	for _, c := range p.collectors {
		if err := c.Stop(); err != nil {
			p.logger.Error("Failed to stop collector",
				zap.String("collector", c.Name()),
				zap.Error(err))
			continue
		}
		p.logger.Debug("Collector stopped", zap.String("collector", c.Name()))
	}
	close(p.collectorsStopped)

	if !waitWithContext(ctx, &p.forwarders) {
		// forwarders may be parked in a blocking publish
		p.cancel()
		p.forwarders.Wait()
	}

	p.ingress.Close()

	var result error
	if !waitWithContext(ctx, &p.workers) {
		p.logger.Warn("Workers did not drain before deadline, cancelling",
			zap.Duration("elapsed", time.Since(start)))
		p.cancel()
		p.workers.Wait()
		result = ErrShutdownTimeout
	}

	p.output.Close()
	p.cancel()

	p.logger.Info("Pipeline stopped",
		zap.Duration("duration", time.Since(start)),
		zap.Uint64("ingested", p.stats.ingested.Load()),
		zap.Uint64("stored", p.stats.stored.Load()),
		zap.Uint64("lagged", p.stats.lagged.Load()),
	)
	return result
}

func (p *Pipeline) signalShutdown() {
	delivered := false
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
		delivered = true
	})
	if !delivered {
		p.logger.Warn("Shutdown signal already delivered")
	}
}

// Done is closed once shutdown has begun
func (p *Pipeline) Done() <-chan struct{} {
	return p.shutdown
}

// Subscribe returns a live subscription to processed events.
// Events are delivered once per worker that let them through.
func (p *Pipeline) Subscribe() *bus.Subscription[domain.Event] {
	return p.output.Subscribe()
}

// SubscribeIngress returns a live subscription to raw collector events
func (p *Pipeline) SubscribeIngress() *bus.Subscription[domain.Event] {
	return p.ingress.Subscribe()
}

// IsRunning reports whether the pipeline was started and not yet stopped
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() Config {
	return p.config
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() Stats {
	in, out := p.ingress.Stats(), p.output.Stats()
	return Stats{
		Running:            p.IsRunning(),
		Collectors:         len(p.collectors),
		Processors:         len(p.processors),
		Workers:            p.config.Event.ProcessorParallelism,
		Ingested:           p.stats.ingested.Load(),
		Invalid:            p.stats.invalid.Load(),
		Processed:          p.stats.processed.Load(),
		Filtered:           p.stats.filtered.Load(),
		ProcessorErrors:    p.stats.processorErrors.Load(),
		Lagged:             p.stats.lagged.Load(),
		Stored:             p.stats.stored.Load(),
		StorageErrors:      p.stats.storageErrors.Load(),
		Flushes:            p.stats.flushes.Load(),
		IngressSubscribers: in.Subscribers,
		IngressDropped:     in.Dropped,
		OutputSubscribers:  out.Subscribers,
		OutputDropped:      out.Dropped,
	}
}

// Health returns the health of every collector. Collectors that do not
// report health are healthy while the pipeline runs.
func (p *Pipeline) Health() map[string]CollectorHealth {
	running := p.IsRunning()
	status := make(map[string]CollectorHealth, len(p.collectors))

	for _, c := range p.collectors {
		health := CollectorHealth{Healthy: running}
		if reporter, ok := c.(interface{ IsHealthy() bool }); ok {
			health.Healthy = running && reporter.IsHealthy()
		}
		if reporter, ok := c.(interface{ LastError() error }); ok {
			if err := reporter.LastError(); err != nil {
				health.Error = err.Error()
			}
		}
		status[c.Name()] = health
	}
	return status
}

// forward moves one collector's events onto the ingress bus until the
// collector closes its channel or every collector was stopped
func (p *Pipeline) forward(c domain.Collector) {
	defer p.forwarders.Done()

	name := c.Name()
	events := c.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			p.ingest(name, event)
		case <-p.collectorsStopped:
			for {
				select {
				case event, ok := <-events:
					if !ok {
						return
					}
					p.ingest(name, event)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) ingest(collector string, event domain.Event) {
	if event.Source == "" {
		event.Source = collector
	}
	if err := event.Validate(); err != nil {
		n := p.stats.invalid.Add(1)
		if n%1000 == 1 {
			p.logger.Warn("Dropping invalid event",
				zap.String("collector", collector),
				zap.Uint64("invalid_total", n),
				zap.Error(err))
		}
		return
	}

	if err := p.ingress.Publish(p.ctx, event); err != nil {
		if !errors.Is(err, bus.ErrClosed) {
			p.logger.Error("Failed to publish event",
				zap.String("collector", collector),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
		return
	}
	p.stats.ingested.Add(1)
	add(p.ctx, p.metrics.ingested, 1, attribute.String("collector", collector))
}

// waitWithContext waits for wg, returning false if ctx ended first
func waitWithContext(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
