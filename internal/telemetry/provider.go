// Package telemetry wires the OpenTelemetry metric SDK to a Prometheus
// registry that the API serves on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string

	// RuntimeMetrics adds the Go runtime and process collectors
	RuntimeMetrics bool

	// SetGlobal installs the meter provider as the otel global
	SetGlobal bool

	Logger *zap.Logger
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		RuntimeMetrics: true,
		SetGlobal:      true,
	}
}

// Provider owns the meter provider and the registry it exports to
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	registry      *prometheus.Registry
	logger        *zap.Logger
}

// NewProvider creates the meter provider
func NewProvider(config Config) (*Provider, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	registry := prometheus.NewRegistry()
	if config.RuntimeMetrics {
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("failed to register go collector: %w", err)
		}
		if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, fmt.Errorf("failed to register process collector: %w", err)
		}
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", config.ServiceName),
		attribute.String("service.version", config.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	if config.SetGlobal {
		otel.SetMeterProvider(mp)
	}

	logger.Debug("Telemetry initialized",
		zap.String("service", config.ServiceName),
		zap.Bool("runtime_metrics", config.RuntimeMetrics))

	return &Provider{meterProvider: mp, registry: registry, logger: logger}, nil
}

// Meter returns a named meter
func (p *Provider) Meter(name string) metric.Meter {
	return p.meterProvider.Meter(name)
}

// Registry returns the Prometheus registry backing the exporter
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
