package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against a *PipelineError to classify a failure.
var (
	ErrCollection = errors.New("collection error")
	ErrProcessing = errors.New("processing error")
	ErrStorage    = errors.New("storage error")
)

// PipelineError attaches a kind and the failing component to an underlying error
type PipelineError struct {
	Kind      error
	Component string
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v in %s: %v", e.Kind, e.Component, e.Err)
}

func (e *PipelineError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewCollectionError wraps a collector failure
func NewCollectionError(collector string, err error) error {
	return &PipelineError{Kind: ErrCollection, Component: collector, Err: err}
}

// NewProcessingError wraps a processor failure
func NewProcessingError(processor string, err error) error {
	return &PipelineError{Kind: ErrProcessing, Component: processor, Err: err}
}

// NewStorageError wraps a storage failure
func NewStorageError(err error) error {
	return &PipelineError{Kind: ErrStorage, Component: "storage", Err: err}
}
