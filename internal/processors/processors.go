// Package processors contains the processors vigil ships with. Every
// processor is stateless after construction and safe for concurrent use by
// all pipeline workers.
package processors

import (
	"context"
	"fmt"
	"os"

	"github.com/yairfalse/vigil/pkg/domain"
)

// TypeFilter drops events of the configured types
type TypeFilter struct {
	drop map[domain.EventType]struct{}
}

// NewTypeFilter creates a filter dropping every event whose type is listed
func NewTypeFilter(types ...domain.EventType) *TypeFilter {
	drop := make(map[domain.EventType]struct{}, len(types))
	for _, t := range types {
		drop[t] = struct{}{}
	}
	return &TypeFilter{drop: drop}
}

// Name implements domain.Processor
func (f *TypeFilter) Name() string { return "type-filter" }

// Process implements domain.Processor
func (f *TypeFilter) Process(ctx context.Context, event domain.Event) (*domain.Event, error) {
	if _, ok := f.drop[event.Type]; ok {
		return nil, nil
	}
	return &event, nil
}

// HostEnricher stamps every event with the host it was observed on
type HostEnricher struct {
	host string
}

// HostKey is the data key written by HostEnricher
const HostKey = "host"

// NewHostEnricher creates an enricher. An empty host resolves the local hostname.
func NewHostEnricher(host string) (*HostEnricher, error) {
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve hostname: %w", err)
		}
		host = h
	}
	return &HostEnricher{host: host}, nil
}

// Name implements domain.Processor
func (e *HostEnricher) Name() string { return "host-enricher" }

// Process implements domain.Processor. Events that already carry a host keep it.
func (e *HostEnricher) Process(ctx context.Context, event domain.Event) (*domain.Event, error) {
	if _, ok := event.DataString(HostKey); ok {
		return &event, nil
	}
	out := event.WithData(HostKey, e.host)
	return &out, nil
}
