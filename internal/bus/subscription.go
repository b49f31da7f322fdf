package bus

import (
	"context"
	"errors"
	"sync"
)

// Subscription is one consumer's view of a bus. A subscription must be
// read by a single goroutine at a time.
type Subscription[T any] struct {
	id  uint64
	bus *Bus[T]

	mu       sync.Mutex
	buf      []T
	head     int
	count    int
	pending  uint64 // lost messages not yet reported
	missed   uint64 // lost messages over the lifetime
	closed   bool   // producer side ended, drain then ErrClosed
	detached bool   // consumer unsubscribed

	ready    chan struct{}
	space    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newSubscription[T any](b *Bus[T], id uint64) *Subscription[T] {
	return &Subscription[T]{
		id:    id,
		bus:   b,
		buf:   make([]T, b.capacity),
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// ID returns the subscription identifier
func (s *Subscription[T]) ID() uint64 {
	return s.id
}

// Recv waits for the next message.
//
// It returns a *LaggedError when messages were lost since the previous
// receive; the following call resumes with the oldest retained message.
// After the bus is closed and the queue drained it returns ErrClosed.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	for {
		msg, err := s.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryRecv returns the next message without waiting, or ErrEmpty
func (s *Subscription[T]) TryRecv() (T, error) {
	var zero T

	s.mu.Lock()
	if s.pending > 0 {
		n := s.pending
		s.pending = 0
		s.mu.Unlock()
		return zero, &LaggedError{Missed: n}
	}

	if s.count > 0 {
		msg := s.buf[s.head]
		s.buf[s.head] = zero
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.mu.Unlock()

		select {
		case s.space <- struct{}{}:
		default:
		}
		return msg, nil
	}

	ended := s.closed || s.detached
	s.mu.Unlock()

	if ended {
		return zero, ErrClosed
	}
	return zero, ErrEmpty
}

// Ready returns a channel that is signalled when a message may be available
// or the subscription ended. Callers follow a wake-up with TryRecv.
func (s *Subscription[T]) Ready() <-chan struct{} {
	return s.ready
}

// Len returns the number of queued messages
func (s *Subscription[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Missed returns the number of messages lost over the subscription lifetime
func (s *Subscription[T]) Missed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}

// Close unsubscribes. Queued messages are discarded.
func (s *Subscription[T]) Close() {
	s.bus.unsubscribe(s.id)

	s.mu.Lock()
	s.detached = true
	s.buf = make([]T, len(s.buf))
	s.head, s.count = 0, 0
	s.mu.Unlock()

	s.finish()
}

// push enqueues msg, reporting whether an unread message was overwritten
func (s *Subscription[T]) push(ctx context.Context, msg T, policy OverflowPolicy) (bool, error) {
	for {
		s.mu.Lock()
		if s.closed || s.detached {
			s.mu.Unlock()
			return false, nil
		}

		if s.count < len(s.buf) {
			s.buf[(s.head+s.count)%len(s.buf)] = msg
			s.count++
			s.mu.Unlock()
			s.signal()
			return false, nil
		}

		if policy == DropOldest {
			// full ring: the slot at head is the oldest, write there and advance
			s.buf[s.head] = msg
			s.head = (s.head + 1) % len(s.buf)
			s.pending++
			s.missed++
			s.mu.Unlock()
			s.signal()
			return true, nil
		}
		s.mu.Unlock()

		select {
		case <-s.space:
		case <-s.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Subscription[T]) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.finish()
}

func (s *Subscription[T]) finish() {
	s.doneOnce.Do(func() { close(s.done) })
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
