package base

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when goroutines outlive the stop timeout
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Lifecycle tracks a collector's goroutines and stops them together
type Lifecycle struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *zap.Logger
	running  atomic.Int32
}

// NewLifecycle creates a lifecycle bound to ctx
func NewLifecycle(ctx context.Context, logger *zap.Logger) *Lifecycle {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Lifecycle{ctx: ctx, cancel: cancel, logger: logger}
}

// Go runs fn in a tracked goroutine. fn must return once ctx is done.
func (l *Lifecycle) Go(name string, fn func(ctx context.Context)) {
	l.wg.Add(1)
	l.running.Add(1)

	go func() {
		defer l.wg.Done()
		defer l.running.Add(-1)

		l.logger.Debug("Starting goroutine", zap.String("name", name))
		defer l.logger.Debug("Goroutine stopped", zap.String("name", name))

		fn(l.ctx)
	}()
}

// Stop cancels the context and waits up to timeout for every goroutine
func (l *Lifecycle) Stop(timeout time.Duration) error {
	l.stopOnce.Do(l.cancel)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		l.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", l.running.Load()))
		return ErrShutdownTimeout
	}
}

// Context returns the lifecycle context
func (l *Lifecycle) Context() context.Context {
	return l.ctx
}

// IsStopping reports whether Stop was called or the parent context ended
func (l *Lifecycle) IsStopping() bool {
	return l.ctx.Err() != nil
}

// Running returns the number of live goroutines
func (l *Lifecycle) Running() int32 {
	return l.running.Load()
}
