// Package base holds the plumbing shared by vigil's collectors: a
// drop-counting event channel, goroutine lifecycle, health tracking and
// event identity.
package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
)

// ErrEmitterClosed is returned by EmitWait after Close
var ErrEmitterClosed = errors.New("emitter closed")

// Emitter owns a collector's event channel. Emit never blocks: when the
// channel is full the event is dropped and counted. EmitWait is the
// lossless variant for sources that can pause.
type Emitter struct {
	mu        sync.RWMutex
	channel   chan domain.Event
	closed    atomic.Bool
	sent      atomic.Uint64
	dropped   atomic.Uint64
	invalid   atomic.Uint64
	logger    *zap.Logger
	collector string
}

// NewEmitter creates an emitter with a channel of the given size
func NewEmitter(collector string, size int, logger *zap.Logger) *Emitter {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		channel:   make(chan domain.Event, size),
		logger:    logger,
		collector: collector,
	}
}

// Emit sends an event and reports whether it was accepted
func (e *Emitter) Emit(event domain.Event) bool {
	if e.closed.Load() {
		return false
	}

	if err := event.Validate(); err != nil {
		e.invalid.Add(1)
		e.logger.Error("Event validation failed, dropping event",
			zap.String("collector", e.collector),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	// re-check under the lock, Close holds it exclusively
	if e.closed.Load() {
		return false
	}

	select {
	case e.channel <- event:
		e.sent.Add(1)
		return true
	default:
		n := e.dropped.Add(1)
		if n%1000 == 1 {
			e.logger.Warn("Event channel full, dropping events",
				zap.String("collector", e.collector),
				zap.String("event_type", string(event.Type)),
				zap.Uint64("dropped_total", n))
		}
		return false
	}
}

// EmitWait sends an event, waiting for room in the channel until ctx ends.
// Close must not be called before ctx is done.
func (e *Emitter) EmitWait(ctx context.Context, event domain.Event) error {
	if err := event.Validate(); err != nil {
		e.invalid.Add(1)
		return fmt.Errorf("invalid event: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() {
		return ErrEmitterClosed
	}

	select {
	case e.channel <- event:
		e.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the channel for reading
func (e *Emitter) Events() <-chan domain.Event {
	return e.channel
}

// Close closes the channel. Close is idempotent.
func (e *Emitter) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	close(e.channel)
	e.mu.Unlock()
}

// Sent returns the number of accepted events
func (e *Emitter) Sent() uint64 { return e.sent.Load() }

// Dropped returns the number of events lost to a full channel
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// Invalid returns the number of events rejected by validation
func (e *Emitter) Invalid() uint64 { return e.invalid.Load() }

// Utilization returns the share of channel capacity in use, in percent
func (e *Emitter) Utilization() float64 {
	if e.closed.Load() {
		return 0
	}
	return float64(len(e.channel)) / float64(cap(e.channel)) * 100
}
