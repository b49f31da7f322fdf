// Package procfs observes process starts and exits by diffing successive
// /proc snapshots.
//
// Scanning sees only processes alive at a scan; anything that starts and
// exits between two scans is missed. Processes already running when the
// collector starts form the baseline and produce no events.
package procfs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/yairfalse/vigil/internal/collectors/base"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
)

// Name is the default collector name
const Name = "procfs"

// Config configures the collector
type Config struct {
	Name       string
	Interval   time.Duration
	ProcRoot   string
	BufferSize int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Name:       Name,
		Interval:   time.Second,
		ProcRoot:   procfs.DefaultMountPoint,
		BufferSize: 1000,
	}
}

// Collector emits process_exec and process_exit events
type Collector struct {
	*base.Health

	config  Config
	logger  *zap.Logger
	source  source
	emitter *base.Emitter
	clock   *base.Clock

	mu        sync.Mutex
	lifecycle *base.Lifecycle
	known     map[int32]process
	scans     uint64
}

// New creates a collector reading config.ProcRoot
func New(config Config, logger *zap.Logger) (*Collector, error) {
	if config.ProcRoot == "" {
		config.ProcRoot = procfs.DefaultMountPoint
	}
	src, err := newProcSource(config.ProcRoot)
	if err != nil {
		return nil, err
	}
	return newCollector(config, src, logger)
}

func newCollector(config Config, src source, logger *zap.Logger) (*Collector, error) {
	if config.Name == "" {
		config.Name = Name
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("scan interval must be positive, got %v", config.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("collector", config.Name))

	return &Collector{
		Health:  base.NewHealth(),
		config:  config,
		logger:  logger,
		source:  src,
		emitter: base.NewEmitter(config.Name, config.BufferSize, logger),
		clock:   base.NewClock(nil),
	}, nil
}

// Name implements domain.Collector
func (c *Collector) Name() string { return c.config.Name }

// Events implements domain.Collector
func (c *Collector) Events() <-chan domain.Event { return c.emitter.Events() }

// Start takes the baseline snapshot and begins scanning
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lifecycle != nil {
		return fmt.Errorf("collector %s already started", c.config.Name)
	}

	baseline, err := c.source.Snapshot()
	if err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}
	c.known = baseline

	c.lifecycle = base.NewLifecycle(ctx, c.logger)
	c.lifecycle.Go("scan-loop", c.run)

	c.logger.Info("Collector started",
		zap.String("proc_root", c.config.ProcRoot),
		zap.Duration("interval", c.config.Interval),
		zap.Int("baseline_processes", len(baseline)))
	return nil
}

// Stop ends scanning and closes the event channel
func (c *Collector) Stop() error {
	c.mu.Lock()
	lc := c.lifecycle
	c.mu.Unlock()

	var err error
	if lc != nil {
		err = lc.Stop(5 * c.config.Interval)
	}
	c.emitter.Close()

	c.logger.Info("Collector stopped",
		zap.Uint64("sent", c.emitter.Sent()),
		zap.Uint64("dropped", c.emitter.Dropped()))
	return err
}

func (c *Collector) run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scan()
		}
	}
}

// scan diffs a fresh snapshot against the previous one
func (c *Collector) scan() {
	current, err := c.source.Snapshot()
	if err != nil {
		c.Fail(err)
		c.logger.Warn("Process scan failed", zap.Error(err))
		return
	}
	c.Recover()

	c.mu.Lock()
	previous := c.known
	c.known = current
	c.scans++
	c.mu.Unlock()

	for pid, proc := range previous {
		now, alive := current[pid]
		if !alive || now.StartTime != proc.StartTime {
			c.emit(domain.EventTypeProcessExit, proc)
		}
	}
	for pid, proc := range current {
		before, existed := previous[pid]
		if !existed || before.StartTime != proc.StartTime {
			c.emit(domain.EventTypeProcessExec, proc)
		}
	}
}

func (c *Collector) emit(t domain.EventType, proc process) {
	event := domain.Event{
		ID:        base.NewEventID(),
		Timestamp: c.clock.Next(),
		Type:      t,
		Process:   proc.info,
		Source:    c.config.Name,
	}
	if t == domain.EventTypeProcessExec && len(proc.Cmdline) > 0 {
		event.Data = map[string]any{
			"cmdline": strings.Join(proc.Cmdline, " "),
			"args":    append([]string(nil), proc.Cmdline...),
		}
	}
	c.emitter.Emit(event)
}

// Stats contains collector statistics
type Stats struct {
	Known   int    `json:"known_processes"`
	Scans   uint64 `json:"scans"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns collector statistics
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Known:   len(c.known),
		Scans:   c.scans,
		Sent:    c.emitter.Sent(),
		Dropped: c.emitter.Dropped(),
	}
}
