package domain

import (
	"context"
)

// Collector is the interface that all collectors must implement.
// Start and Stop are called exactly once per lifecycle.
type Collector interface {
	// Name returns the collector name
	Name() string

	// Start begins collecting events. It should return quickly and run
	// collection in the background.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the collector
	Stop() error

	// Events returns the channel events are produced on.
	// The collector closes it once stopped.
	Events() <-chan Event
}

// Processor transforms or filters events. Implementations must be safe for
// concurrent use, since every worker runs the same processor chain.
type Processor interface {
	// Name returns the processor name
	Name() string

	// Process returns the (possibly new) event, nil to drop it, or an error
	Process(ctx context.Context, event Event) (*Event, error)
}

// Storage persists processed events and answers queries.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Store persists a single event
	Store(ctx context.Context, event Event) error

	// Query returns matching events ordered by timestamp, oldest first.
	// It must not modify stored state.
	Query(ctx context.Context, query EventQuery) ([]Event, error)
}

// ProcessorFunc adapts a function to the Processor interface
type ProcessorFunc struct {
	ProcessorName string
	Fn            func(ctx context.Context, event Event) (*Event, error)
}

// Name implements Processor
func (p ProcessorFunc) Name() string { return p.ProcessorName }

// Process implements Processor
func (p ProcessorFunc) Process(ctx context.Context, event Event) (*Event, error) {
	return p.Fn(ctx, event)
}
