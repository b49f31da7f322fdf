package pipeline

import (
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger receiving pipeline records
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMeter sets the OTEL meter used for pipeline metrics
func WithMeter(meter metric.Meter) Option {
	return func(p *Pipeline) {
		if meter != nil {
			p.meter = meter
		}
	}
}
