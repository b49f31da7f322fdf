package pipeline

import (
	"fmt"
	"time"

	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/pkg/domain"
)

// ErrorPolicy decides what a worker does with an event whose processor failed
type ErrorPolicy string

const (
	// PassThrough continues the chain with the event as it stood before the
	// failing processor ran
	PassThrough ErrorPolicy = "passthrough"

	// DropOnError discards the worker's copy of the event
	DropOnError ErrorPolicy = "drop"
)

// ParseErrorPolicy converts a configuration string to an ErrorPolicy
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(s) {
	case PassThrough, "":
		return PassThrough, nil
	case DropOnError:
		return DropOnError, nil
	default:
		return "", fmt.Errorf("unknown processor error policy %q (valid: %s, %s)", s, PassThrough, DropOnError)
	}
}

// Config holds pipeline configuration
type Config struct {
	// Event sizes the buses, batches and worker pool
	Event domain.EventConfig

	// IngressPolicy applies to the bus between collectors and workers.
	// DropOldest keeps collectors fast, Block makes every worker lossless.
	IngressPolicy bus.OverflowPolicy

	// OutputPolicy applies to the bus serving live subscribers
	OutputPolicy bus.OverflowPolicy

	// ProcessorErrorPolicy decides the fate of an event whose processor failed
	ProcessorErrorPolicy ErrorPolicy

	// FlushInterval flushes a non-empty partial batch periodically.
	// Zero flushes only on a full batch and at shutdown.
	FlushInterval time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Event:                domain.DefaultEventConfig(),
		IngressPolicy:        bus.DropOldest,
		OutputPolicy:         bus.DropOldest,
		ProcessorErrorPolicy: PassThrough,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Event.Validate(); err != nil {
		return err
	}
	if _, err := bus.ParsePolicy(string(c.IngressPolicy)); err != nil {
		return fmt.Errorf("ingress: %w", err)
	}
	if _, err := bus.ParsePolicy(string(c.OutputPolicy)); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if _, err := ParseErrorPolicy(string(c.ProcessorErrorPolicy)); err != nil {
		return err
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush_interval cannot be negative, got %v", c.FlushInterval)
	}
	return nil
}
