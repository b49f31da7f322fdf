// Package replay feeds previously recorded events into the pipeline.
//
// The input is JSON Lines, one domain.Event per line, in the format the
// HTTP stream and `events watch --format json` produce. Events without an ID
// or timestamp get fresh ones; the source is always the collector name.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/vigil/internal/collectors/base"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Name is the default collector name
const Name = "replay"

const (
	maxLineSize        = 1 << 20
	defaultStopTimeout = 5 * time.Second
)

// Config configures the collector
type Config struct {
	Name string

	// Path of the JSON Lines file, "-" reads stdin
	Path string

	// Rate caps replayed events per second; zero replays as fast as the
	// pipeline accepts
	Rate float64

	BufferSize int
}

// Collector replays a recorded event stream once
type Collector struct {
	*base.Health

	config  Config
	logger  *zap.Logger
	open    func() (io.ReadCloser, error)
	emitter *base.Emitter
	clock   *base.Clock
	limiter *rate.Limiter

	mu        sync.Mutex
	lifecycle *base.Lifecycle
	done      chan struct{}

	replayed  atomic.Uint64
	malformed atomic.Uint64
}

// New creates a replay collector for config.Path
func New(config Config, logger *zap.Logger) (*Collector, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("replay path is required")
	}
	path := config.Path
	open := func() (io.ReadCloser, error) {
		if path == "-" {
			return io.NopCloser(os.Stdin), nil
		}
		return os.Open(path)
	}
	return newCollector(config, open, logger)
}

// NewFromReader creates a replay collector reading r
func NewFromReader(config Config, r io.Reader, logger *zap.Logger) (*Collector, error) {
	return newCollector(config, func() (io.ReadCloser, error) { return io.NopCloser(r), nil }, logger)
}

func newCollector(config Config, open func() (io.ReadCloser, error), logger *zap.Logger) (*Collector, error) {
	if config.Name == "" {
		config.Name = Name
	}
	if config.Rate < 0 {
		return nil, fmt.Errorf("replay rate cannot be negative, got %v", config.Rate)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("collector", config.Name))

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.Rate), 1)
	}

	return &Collector{
		Health:  base.NewHealth(),
		config:  config,
		logger:  logger,
		open:    open,
		emitter: base.NewEmitter(config.Name, config.BufferSize, logger),
		clock:   base.NewClock(nil),
		limiter: limiter,
		done:    make(chan struct{}),
	}, nil
}

// Name implements domain.Collector
func (c *Collector) Name() string { return c.config.Name }

// Events implements domain.Collector
func (c *Collector) Events() <-chan domain.Event { return c.emitter.Events() }

// Done is closed when the input was fully replayed or replay was aborted
func (c *Collector) Done() <-chan struct{} { return c.done }

// Start opens the input and begins replaying
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lifecycle != nil {
		return fmt.Errorf("collector %s already started", c.config.Name)
	}

	rc, err := c.open()
	if err != nil {
		return fmt.Errorf("failed to open replay input: %w", err)
	}

	c.lifecycle = base.NewLifecycle(ctx, c.logger)
	c.lifecycle.Go("replay", func(ctx context.Context) {
		defer close(c.done)
		defer rc.Close()
		c.replay(ctx, rc)
	})

	c.logger.Info("Collector started", zap.String("path", c.config.Path), zap.Float64("rate", c.config.Rate))
	return nil
}

// Stop aborts an unfinished replay and closes the event channel
func (c *Collector) Stop() error {
	c.mu.Lock()
	lc := c.lifecycle
	c.mu.Unlock()

	var err error
	if lc != nil {
		err = lc.Stop(defaultStopTimeout)
	}
	c.emitter.Close()

	c.logger.Info("Collector stopped",
		zap.Uint64("replayed", c.replayed.Load()),
		zap.Uint64("malformed", c.malformed.Load()))
	return err
}

func (c *Collector) replay(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event domain.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.malformed.Add(1)
			c.logger.Warn("Skipping malformed line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if event.ID == "" {
			event.ID = base.NewEventID()
		}
		if event.Timestamp == 0 {
			event.Timestamp = c.clock.Next()
		}
		event.Source = c.config.Name

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if err := c.emitter.EmitWait(ctx, event); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.malformed.Add(1)
			c.logger.Warn("Skipping invalid event", zap.Int("line", line), zap.Error(err))
			continue
		}
		c.replayed.Add(1)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.Fail(err)
		c.logger.Error("Replay input failed", zap.Int("line", line), zap.Error(err))
		return
	}
	c.logger.Info("Replay finished",
		zap.Uint64("replayed", c.replayed.Load()),
		zap.Uint64("malformed", c.malformed.Load()))
}

// Replayed returns the number of events handed to the pipeline
func (c *Collector) Replayed() uint64 { return c.replayed.Load() }

// Malformed returns the number of skipped lines
func (c *Collector) Malformed() uint64 { return c.malformed.Load() }
