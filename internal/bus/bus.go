// Package bus provides an in-process publish/subscribe bus.
//
// Every subscription owns a bounded queue of Capacity items and receives its
// own copy of every message published after it subscribed; nothing published
// earlier is replayed. What happens when a subscription falls behind is an
// explicit OverflowPolicy:
//
//   - DropOldest: the publisher never waits. The subscription's oldest unread
//     message is overwritten and the next receive reports a *LaggedError with
//     the number of messages lost before delivery resumes.
//   - Block: the publisher waits until the slow subscription has room, so no
//     subscription ever loses a message.
//
// Close ends the producer side. Subscribers drain whatever is still queued and
// then receive ErrClosed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// OverflowPolicy decides what a full subscription does with a new message
type OverflowPolicy string

const (
	// DropOldest overwrites the oldest unread message of a full subscription
	DropOldest OverflowPolicy = "drop_oldest"

	// Block makes the publisher wait for room in every subscription
	Block OverflowPolicy = "block"
)

var (
	// ErrClosed is returned once the bus is closed and the queue is drained,
	// or after the subscription itself was closed
	ErrClosed = errors.New("bus closed")

	// ErrEmpty is returned by TryRecv when no message is queued
	ErrEmpty = errors.New("no message available")
)

// LaggedError reports messages a subscription lost by falling behind
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged behind, %d messages dropped", e.Missed)
}

// ParsePolicy converts a configuration string to an OverflowPolicy
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, "":
		return DropOldest, nil
	case Block:
		return Block, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q (valid: %s, %s)", s, DropOldest, Block)
	}
}

// Config configures a bus
type Config[T any] struct {
	// Name identifies the bus in logs
	Name string

	// Capacity of every subscription queue
	Capacity int

	Policy OverflowPolicy

	// Copy produces the independent value handed to each subscription.
	// Nil delivers the published value as is.
	Copy func(T) T

	Logger *zap.Logger
}

// Bus fans published messages out to all current subscriptions
type Bus[T any] struct {
	name     string
	capacity int
	policy   OverflowPolicy
	copyFn   func(T) T
	logger   *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed atomic.Bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus
func New[T any](config Config[T]) (*Bus[T], error) {
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("bus capacity must be positive, got %d", config.Capacity)
	}
	policy, err := ParsePolicy(string(config.Policy))
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bus[T]{
		name:     config.Name,
		capacity: config.Capacity,
		policy:   policy,
		copyFn:   config.Copy,
		logger:   logger,
		subs:     make(map[uint64]*Subscription[T]),
	}, nil
}

// Subscribe registers a new subscription. It observes only messages
// published after this call returns. Subscribing to a closed bus yields a
// subscription that immediately reports ErrClosed.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscription(b, b.nextID)
	if b.closed.Load() {
		sub.markClosed()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers msg to every current subscription.
//
// Under DropOldest it never blocks. Under Block it waits for room and
// returns ctx.Err() if ctx ends first; subscriptions already served keep
// their copy.
func (b *Bus[T]) Publish(ctx context.Context, msg T) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	b.published.Add(1)

	for _, sub := range subs {
		value := msg
		if b.copyFn != nil {
			value = b.copyFn(msg)
		}

		overwrote, err := sub.push(ctx, value, b.policy)
		if err != nil {
			return err
		}
		if overwrote {
			total := b.dropped.Add(1)
			if total%1000 == 1 {
				b.logger.Warn("Subscriber falling behind, dropping oldest messages",
					zap.String("bus", b.name),
					zap.Uint64("subscription", sub.id),
					zap.Uint64("dropped_total", total),
				)
			}
		}
	}
	return nil
}

// Close ends the producer side of the bus. Queued messages stay readable.
// Close is idempotent.
func (b *Bus[T]) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}

	b.logger.Debug("Bus closed",
		zap.String("bus", b.name),
		zap.Int("subscriptions", len(subs)),
		zap.Uint64("published", b.published.Load()),
		zap.Uint64("dropped", b.dropped.Load()),
	)
}

// IsClosed reports whether Close was called
func (b *Bus[T]) IsClosed() bool {
	return b.closed.Load()
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns bus counters
func (b *Bus[T]) Stats() Stats {
	return Stats{
		Name:        b.name,
		Capacity:    b.capacity,
		Policy:      b.policy,
		Subscribers: b.SubscriberCount(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Stats contains bus statistics
type Stats struct {
	Name        string         `json:"name"`
	Capacity    int            `json:"capacity"`
	Policy      OverflowPolicy `json:"policy"`
	Subscribers int            `json:"subscribers"`
	Published   uint64         `json:"published"`
	Dropped     uint64         `json:"dropped"`
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
