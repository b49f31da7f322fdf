package domain

import "fmt"

// EventConfig sizes the pipeline. It is fixed at construction.
type EventConfig struct {
	// BufferSize is the bus capacity per subscriber and the lag threshold
	BufferSize int `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`

	// BatchSize is the number of processed events a worker holds before flushing
	BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`

	// ProcessorParallelism is the number of independent worker pipelines
	ProcessorParallelism int `json:"processor_parallelism" yaml:"processor_parallelism" mapstructure:"processor_parallelism"`
}

// DefaultEventConfig returns the stock sizing
func DefaultEventConfig() EventConfig {
	return EventConfig{
		BufferSize:           10000,
		BatchSize:            100,
		ProcessorParallelism: 4,
	}
}

// Validate rejects non-positive sizes
func (c EventConfig) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ProcessorParallelism <= 0 {
		return fmt.Errorf("processor_parallelism must be positive, got %d", c.ProcessorParallelism)
	}
	return nil
}
