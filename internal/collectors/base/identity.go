package base

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewEventID returns a fresh event identifier
func NewEventID() string {
	return uuid.NewString()
}

// Clock hands out strictly increasing nanosecond timestamps, so events from
// one collector are ordered even when the wall clock stalls or steps back
type Clock struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewClock creates a clock reading now; nil uses time.Now
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns the next timestamp
func (c *Clock) Next() uint64 {
	ts := uint64(c.now().UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Health records the last failure of a collector
type Health struct {
	healthy atomic.Bool
	lastErr atomic.Value // errorBox
}

type errorBox struct{ err error }

// NewHealth returns a healthy tracker
func NewHealth() *Health {
	h := &Health{}
	h.healthy.Store(true)
	return h
}

// Fail marks the collector unhealthy
func (h *Health) Fail(err error) {
	h.healthy.Store(false)
	h.lastErr.Store(errorBox{err: err})
}

// Recover marks the collector healthy again. The last error is kept.
func (h *Health) Recover() {
	h.healthy.Store(true)
}

// IsHealthy reports the current state
func (h *Health) IsHealthy() bool {
	return h.healthy.Load()
}

// LastError returns the most recent failure, if any
func (h *Health) LastError() error {
	if box, ok := h.lastErr.Load().(errorBox); ok {
		return box.err
	}
	return nil
}
