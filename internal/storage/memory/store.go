// Package memory provides an in-memory event store with bounded retention.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/yairfalse/vigil/pkg/domain"
)

// DefaultMaxEvents bounds the store when no limit is configured
const DefaultMaxEvents = 100000

// Store keeps the most recent events in a circular buffer. When full, the
// oldest stored event is evicted.
type Store struct {
	mu    sync.RWMutex
	buf   []domain.Event
	head  int // next write position
	count int

	stored  atomic.Uint64
	evicted atomic.Uint64
	queries atomic.Uint64
}

// Stats contains store statistics
type Stats struct {
	Events   int    `json:"events"`
	Capacity int    `json:"capacity"`
	Stored   uint64 `json:"stored"`
	Evicted  uint64 `json:"evicted"`
	Queries  uint64 `json:"queries"`
}

// New creates a store holding at most maxEvents events
func New(maxEvents int) (*Store, error) {
	if maxEvents < 0 {
		return nil, fmt.Errorf("max events cannot be negative, got %d", maxEvents)
	}
	if maxEvents == 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Store{buf: make([]domain.Event, maxEvents)}, nil
}

// Store implements domain.Storage
func (s *Store) Store(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	s.mu.Lock()
	s.buf[s.head] = event
	s.head = (s.head + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	} else {
		s.evicted.Add(1)
	}
	s.mu.Unlock()

	s.stored.Add(1)
	return nil
}

// Query implements domain.Storage. Results are ordered by timestamp, oldest
// first; events with equal timestamps keep insertion order. With a limit,
// the most recent matching events are kept.
func (s *Store) Query(ctx context.Context, query domain.EventQuery) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query.Limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative, got %d", query.Limit)
	}
	s.queries.Add(1)

	s.mu.RLock()
	results := make([]domain.Event, 0)
	start := (s.head - s.count + len(s.buf)) % len(s.buf)
	for i := 0; i < s.count; i++ {
		e := s.buf[(start+i)%len(s.buf)]
		if query.Matches(e) {
			results = append(results, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})

	if query.Limit > 0 && len(results) > query.Limit {
		results = results[len(results)-query.Limit:]
	}
	return results, nil
}

// Len returns the number of stored events
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Stats returns store statistics
func (s *Store) Stats() Stats {
	s.mu.RLock()
	events, capacity := s.count, len(s.buf)
	s.mu.RUnlock()

	return Stats{
		Events:   events,
		Capacity: capacity,
		Stored:   s.stored.Load(),
		Evicted:  s.evicted.Load(),
		Queries:  s.queries.Load(),
	}
}
