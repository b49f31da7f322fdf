package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// MockCollector implements a test collector
type MockCollector struct {
	name     string
	events   chan domain.Event
	startErr error
	stopErr  error
	healthy  atomic.Bool
	journal  *journal
	stopOnce sync.Once
	started  atomic.Bool
	stopped  atomic.Bool
	startCtx context.Context
}

func NewMockCollector(name string, j *journal) *MockCollector {
	m := &MockCollector{
		name:    name,
		events:  make(chan domain.Event, 128),
		journal: j,
	}
	m.healthy.Store(true)
	return m
}

func (m *MockCollector) Name() string { return m.name }

func (m *MockCollector) Start(ctx context.Context) error {
	m.journal.record("start:" + m.name)
	if m.startErr != nil {
		return m.startErr
	}
	m.startCtx = ctx
	m.started.Store(true)
	return nil
}

func (m *MockCollector) Stop() error {
	m.journal.record("stop:" + m.name)
	m.stopped.Store(true)
	m.stopOnce.Do(func() { close(m.events) })
	return m.stopErr
}

func (m *MockCollector) Events() <-chan domain.Event { return m.events }

func (m *MockCollector) IsHealthy() bool { return m.healthy.Load() }

func (m *MockCollector) Send(event domain.Event) {
	m.events <- event
}

// journal records lifecycle calls across collectors in order
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) record(s string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// recordingStorage keeps every stored event in write order
type recordingStorage struct {
	mu     sync.Mutex
	events []domain.Event
	failID string
}

func (s *recordingStorage) Store(ctx context.Context, event domain.Event) error {
	if event.ID == s.failID {
		return errors.New("disk full")
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *recordingStorage) Query(ctx context.Context, query domain.EventQuery) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if query.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *recordingStorage) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.events))
	for i, e := range s.events {
		ids[i] = e.ID
	}
	return ids
}

func (s *recordingStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var tsCounter atomic.Uint64

func newEvent(id string, eventType domain.EventType) domain.Event {
	return domain.Event{
		ID:        id,
		Timestamp: 1_700_000_000_000_000_000 + tsCounter.Add(1),
		Type:      eventType,
		Process:   domain.ProcessInfo{PID: 42, PPID: 1, UID: 1000, Comm: "bash", Exe: "/usr/bin/bash"},
	}
}

func testConfig(buffer, batch, workers int) Config {
	cfg := DefaultConfig()
	cfg.Event = domain.EventConfig{BufferSize: buffer, BatchSize: batch, ProcessorParallelism: workers}
	return cfg
}

func stopWithin(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func dropType(t domain.EventType) domain.Processor {
	return domain.ProcessorFunc{
		ProcessorName: "drop-" + string(t),
		Fn: func(ctx context.Context, e domain.Event) (*domain.Event, error) {
			if e.Type == t {
				return nil, nil
			}
			return &e, nil
		},
	}
}

type countingProcessor struct {
	name  string
	calls atomic.Int64
}

func (c *countingProcessor) Name() string { return c.name }

func (c *countingProcessor) Process(ctx context.Context, e domain.Event) (*domain.Event, error) {
	c.calls.Add(1)
	return &e, nil
}

func TestNewRejectsInvalidInput(t *testing.T) {
	store := &recordingStorage{}

	_, err := New(testConfig(10, 0, 1), nil, nil, store)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)

	a := NewMockCollector("dup", nil)
	b := NewMockCollector("dup", nil)
	_, err = New(DefaultConfig(), []domain.Collector{a, b}, nil, store)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.IngressPolicy = "newest"
	_, err = New(cfg, nil, nil, store)
	assert.Error(t, err)
}

func TestRegisterCollector(t *testing.T) {
	p, err := New(DefaultConfig(), nil, nil, &recordingStorage{}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	c := NewMockCollector("test", nil)
	require.NoError(t, p.RegisterCollector(c))
	assert.Error(t, p.RegisterCollector(c), "same name twice")

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.RegisterCollector(NewMockCollector("late", nil)))
	stopWithin(t, p)
}

func TestBatchFlushAndShutdownDrain(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}

	p, err := New(testConfig(10, 2, 1), []domain.Collector{c}, nil, store,
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("A", domain.EventTypeProcessExec))
	c.Send(newEvent("B", domain.EventTypeProcessExec))

	require.Eventually(t, func() bool { return store.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, store.ids())

	c.Send(newEvent("C", domain.EventTypeProcessExec))

	// C sits in the partial batch until shutdown
	require.Eventually(t, func() bool { return p.Stats().Processed == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, store.count())

	stopWithin(t, p)
	assert.Equal(t, []string{"A", "B", "C"}, store.ids())
	assert.Equal(t, uint64(2), p.Stats().Flushes)
}

func TestStopDrainsAfterStartContextCancelled(t *testing.T) {
	tests := []struct {
		name         string
		policy       bus.OverflowPolicy
		cancelBefore bool
	}{
		{name: "cancel after sending", policy: bus.DropOldest},
		{name: "cancel before sending", policy: bus.DropOldest, cancelBefore: true},
		{name: "block policy", policy: bus.Block, cancelBefore: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMockCollector("test", nil)
			store := &recordingStorage{}

			cfg := testConfig(16, 3, 1)
			cfg.IngressPolicy = tt.policy
			p, err := New(cfg, []domain.Collector{c}, nil, store, WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			require.NoError(t, p.Start(ctx))

			if tt.cancelBefore {
				cancel()
			}
			for i := 0; i < 8; i++ {
				c.Send(newEvent(fmt.Sprintf("e%d", i), domain.EventTypeProcessExec))
			}
			cancel()
			assert.NoError(t, c.startCtx.Err(), "collectors outlive the caller's context")

			stopWithin(t, p)

			stats := p.Stats()
			assert.Equal(t, uint64(8), stats.Ingested)
			assert.Equal(t, uint64(8), stats.Stored)
			assert.Zero(t, stats.StorageErrors)
			assert.Equal(t, 8, store.count())
			assert.Error(t, c.startCtx.Err(), "Stop ends the collector context")
		})
	}
}

func TestProcessorDropsNoise(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}

	p, err := New(testConfig(10, 1, 1), []domain.Collector{c},
		[]domain.Processor{dropType("noise")}, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("n1", "noise"))
	c.Send(newEvent("e1", domain.EventTypeProcessExec))
	stopWithin(t, p)

	assert.Equal(t, []string{"e1"}, store.ids())
	assert.Equal(t, uint64(1), p.Stats().Filtered)
}

func TestEveryWorkerRunsFullChain(t *testing.T) {
	const workers = 3
	c := NewMockCollector("test", nil)
	first := &countingProcessor{name: "first"}
	second := &countingProcessor{name: "second"}
	store := &recordingStorage{}

	p, err := New(testConfig(10, 5, workers), []domain.Collector{c},
		[]domain.Processor{first, second}, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("x", domain.EventTypeFileOpen))
	c.Send(newEvent("y", domain.EventTypeFileOpen))
	stopWithin(t, p)

	assert.Equal(t, int64(2*workers), first.calls.Load())
	assert.Equal(t, int64(2*workers), second.calls.Load())
	assert.Equal(t, 2*workers, store.count())
	assert.Equal(t, uint64(2), p.Stats().Ingested)
}

func TestChainSeesTransformedEvent(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}

	rename := domain.ProcessorFunc{
		ProcessorName: "rename",
		Fn: func(ctx context.Context, e domain.Event) (*domain.Event, error) {
			out := e.WithData("renamed", true)
			out.Process.Comm = "renamed"
			return &out, nil
		},
	}

	var mu sync.Mutex
	var seen []string
	observe := domain.ProcessorFunc{
		ProcessorName: "observe",
		Fn: func(ctx context.Context, e domain.Event) (*domain.Event, error) {
			mu.Lock()
			seen = append(seen, e.Process.Comm)
			mu.Unlock()
			return &e, nil
		},
	}

	p, err := New(testConfig(10, 1, 1), []domain.Collector{c},
		[]domain.Processor{rename, observe}, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("a", domain.EventTypeProcessExec))
	stopWithin(t, p)

	mu.Lock()
	assert.Equal(t, []string{"renamed"}, seen)
	mu.Unlock()

	stored, err := store.Query(context.Background(), domain.EventQuery{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "renamed", stored[0].Process.Comm)
	assert.Equal(t, true, stored[0].Data["renamed"])
}

func TestDropStopsChainStorageAndOutput(t *testing.T) {
	c := NewMockCollector("test", nil)
	after := &countingProcessor{name: "after"}
	store := &recordingStorage{}

	p, err := New(testConfig(10, 1, 2), []domain.Collector{c},
		[]domain.Processor{dropType(domain.EventTypeNetworkConnect), after}, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	sub := p.Subscribe()
	c.Send(newEvent("net", domain.EventTypeNetworkConnect))
	stopWithin(t, p)

	assert.Equal(t, int64(0), after.calls.Load())
	assert.Equal(t, 0, store.count())

	_, err = sub.TryRecv()
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestProcessorErrorPolicies(t *testing.T) {
	failing := domain.ProcessorFunc{
		ProcessorName: "failing",
		Fn: func(ctx context.Context, e domain.Event) (*domain.Event, error) {
			mutated := e.WithType("mutated")
			return &mutated, errors.New("lookup failed")
		},
	}

	tests := []struct {
		name       string
		policy     ErrorPolicy
		wantStored int
	}{
		{"passthrough keeps event", PassThrough, 1},
		{"drop discards event", DropOnError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			c := NewMockCollector("test", nil)
			store := &recordingStorage{}

			cfg := testConfig(10, 1, 1)
			cfg.ProcessorErrorPolicy = tt.policy
			p, err := New(cfg, []domain.Collector{c}, []domain.Processor{failing}, store,
				WithLogger(zap.New(core)))
			require.NoError(t, err)
			require.NoError(t, p.Start(context.Background()))

			c.Send(newEvent("e", domain.EventTypeProcessExit))
			stopWithin(t, p)

			require.Equal(t, tt.wantStored, store.count())
			if tt.wantStored > 0 {
				stored, _ := store.Query(context.Background(), domain.EventQuery{})
				assert.Equal(t, domain.EventTypeProcessExit, stored[0].Type, "failed processor output must be ignored")
			}
			assert.Equal(t, uint64(1), p.Stats().ProcessorErrors)

			failures := logs.FilterMessage("Processor failed").All()
			require.Len(t, failures, 1)
			assert.Equal(t, "failing", failures[0].ContextMap()["processor"])
		})
	}
}

func TestProcessorPanicIsContained(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}
	panicky := domain.ProcessorFunc{
		ProcessorName: "panicky",
		Fn: func(ctx context.Context, e domain.Event) (*domain.Event, error) {
			panic("boom")
		},
	}

	p, err := New(testConfig(10, 1, 1), []domain.Collector{c}, []domain.Processor{panicky}, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("e", domain.EventTypeProcessExec))
	stopWithin(t, p)

	assert.Equal(t, 1, store.count())
	assert.Equal(t, uint64(1), p.Stats().ProcessorErrors)
}

func TestStartRollsBackOnCollectorFailure(t *testing.T) {
	j := &journal{}
	c1 := NewMockCollector("c1", j)
	c2 := NewMockCollector("c2", j)
	c3 := NewMockCollector("c3", j)
	c3.startErr = errors.New("permission denied")

	p, err := New(DefaultConfig(), []domain.Collector{c1, c2, c3}, nil, &recordingStorage{},
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	err = p.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCollection)
	assert.Contains(t, err.Error(), "c3")
	assert.Contains(t, err.Error(), "permission denied")

	assert.Equal(t, []string{"start:c1", "start:c2", "start:c3", "stop:c2", "stop:c1"}, j.list())
	assert.False(t, c3.stopped.Load())
	assert.False(t, p.IsRunning())

	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopContinuesAfterCollectorError(t *testing.T) {
	j := &journal{}
	c1 := NewMockCollector("c1", j)
	c1.stopErr = errors.New("detach failed")
	c2 := NewMockCollector("c2", j)

	core, logs := observer.New(zapcore.InfoLevel)
	p, err := New(DefaultConfig(), []domain.Collector{c1, c2}, nil, &recordingStorage{},
		WithLogger(zap.New(core)))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	stopWithin(t, p)

	assert.Equal(t, []string{"start:c1", "start:c2", "stop:c1", "stop:c2"}, j.list())
	assert.True(t, c2.stopped.Load())
	assert.Equal(t, 1, logs.FilterMessage("Failed to stop collector").Len())
}

func TestStopLifecycle(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p, err := New(DefaultConfig(), nil, nil, &recordingStorage{}, WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Stop(context.Background()), ErrNotRunning)

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	stopWithin(t, p)
	assert.False(t, p.IsRunning())
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	stopWithin(t, p)
	assert.Equal(t, 1, logs.FilterMessage("Shutdown signal already delivered").Len())
}

func TestOutputCarriesProcessedEventsOnce(t *testing.T) {
	const workers = 2
	c := NewMockCollector("test", nil)
	counter := &countingProcessor{name: "counter"}
	store := &recordingStorage{}

	p, err := New(testConfig(10, 10, workers), []domain.Collector{c},
		[]domain.Processor{counter}, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	sub := p.Subscribe()
	c.Send(newEvent("once", domain.EventTypeProcessExec))
	stopWithin(t, p)

	var got []string
	for {
		e, err := sub.TryRecv()
		if err != nil {
			assert.ErrorIs(t, err, bus.ErrClosed)
			break
		}
		got = append(got, e.ID)
	}

	assert.Equal(t, []string{"once", "once"}, got, "one copy per worker")
	assert.Equal(t, int64(workers), counter.calls.Load(), "processed events must not re-enter the chain")
}

func TestSubscribeIngressSeesRawEvents(t *testing.T) {
	c := NewMockCollector("kernel", nil)
	p, err := New(testConfig(10, 1, 1), []domain.Collector{c},
		[]domain.Processor{dropType(domain.EventTypeFileOpen)}, &recordingStorage{})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	raw := p.SubscribeIngress()
	defer raw.Close()

	c.Send(newEvent("f", domain.EventTypeFileOpen))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := raw.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "f", e.ID)
	assert.Equal(t, "kernel", e.Source, "source defaults to the collector name")

	stopWithin(t, p)
}

func TestInvalidEventsAreDropped(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}
	p, err := New(testConfig(10, 1, 1), []domain.Collector{c}, nil, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(domain.Event{Type: domain.EventTypeProcessExec})
	c.Send(newEvent("ok", domain.EventTypeProcessExec))
	stopWithin(t, p)

	assert.Equal(t, []string{"ok"}, store.ids())
	assert.Equal(t, uint64(1), p.Stats().Invalid)
}

func TestFlushInterval(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}
	cfg := testConfig(10, 100, 1)
	cfg.FlushInterval = 10 * time.Millisecond

	p, err := New(cfg, []domain.Collector{c}, nil, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("lonely", domain.EventTypeProcessExec))
	assert.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopWithin(t, p)
	assert.Equal(t, 1, store.count(), "remainder flushed exactly once")
}

func TestStorageErrorDoesNotLoseRestOfBatch(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &recordingStorage{failID: "bad"}
	p, err := New(testConfig(10, 3, 1), []domain.Collector{c}, nil, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("a", domain.EventTypeProcessExec))
	c.Send(newEvent("bad", domain.EventTypeProcessExec))
	c.Send(newEvent("c", domain.EventTypeProcessExec))
	stopWithin(t, p)

	assert.Equal(t, []string{"a", "c"}, store.ids())
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.StorageErrors)
	assert.Equal(t, uint64(2), stats.Stored)
}

func TestBlockPolicyIsLossless(t *testing.T) {
	const total = 60
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}
	slow := domain.ProcessorFunc{
		ProcessorName: "slow",
		Fn: func(ctx context.Context, e domain.Event) (*domain.Event, error) {
			time.Sleep(200 * time.Microsecond)
			return &e, nil
		},
	}

	cfg := testConfig(2, 7, 2)
	cfg.IngressPolicy = bus.Block
	p, err := New(cfg, []domain.Collector{c}, []domain.Processor{slow}, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < total; i++ {
		c.Send(newEvent(fmt.Sprintf("e%d", i), domain.EventTypeProcessExec))
	}
	stopWithin(t, p)

	assert.Equal(t, 2*total, store.count())
	assert.Equal(t, uint64(0), p.Stats().Lagged)
}

func TestDropOldestReportsWorkerLag(t *testing.T) {
	const total = 5
	c := NewMockCollector("test", nil)
	store := &recordingStorage{}

	gate := make(chan struct{})
	gated := domain.ProcessorFunc{
		ProcessorName: "gated",
		Fn: func(ctx context.Context, e domain.Event) (*domain.Event, error) {
			<-gate
			return &e, nil
		},
	}

	core, logs := observer.New(zapcore.WarnLevel)
	p, err := New(testConfig(1, 1, 1), []domain.Collector{c}, []domain.Processor{gated}, store,
		WithLogger(zap.New(core)))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < total; i++ {
		c.Send(newEvent(fmt.Sprintf("e%d", i), domain.EventTypeProcessExec))
	}
	require.Eventually(t, func() bool { return p.Stats().Ingested == total }, 2*time.Second, 5*time.Millisecond,
		"collectors must never wait on a slow worker")

	close(gate)
	stopWithin(t, p)

	stats := p.Stats()
	assert.Greater(t, stats.Lagged, uint64(0))
	assert.Equal(t, uint64(total), stats.Lagged+stats.Stored)
	assert.GreaterOrEqual(t, logs.FilterMessage("Worker lagged behind ingress, events skipped").Len(), 1)
}

// blockingStorage holds every write until its context ends
type blockingStorage struct {
	entered chan struct{}
	once    sync.Once
}

func (s *blockingStorage) Store(ctx context.Context, event domain.Event) error {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingStorage) Query(ctx context.Context, query domain.EventQuery) ([]domain.Event, error) {
	return nil, nil
}

func TestStopTimesOutOnStuckStorage(t *testing.T) {
	c := NewMockCollector("test", nil)
	store := &blockingStorage{entered: make(chan struct{})}

	p, err := New(testConfig(10, 1, 1), []domain.Collector{c}, nil, store)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	c.Send(newEvent("stuck", domain.EventTypeProcessExec))
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("storage never called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), ErrShutdownTimeout)
	assert.Equal(t, uint64(1), p.Stats().StorageErrors)
}

func TestHealth(t *testing.T) {
	good := NewMockCollector("good", nil)
	bad := NewMockCollector("bad", nil)
	bad.healthy.Store(false)

	p, err := New(DefaultConfig(), []domain.Collector{good, bad}, nil, &recordingStorage{})
	require.NoError(t, err)

	assert.False(t, p.Health()["good"].Healthy, "not running yet")

	require.NoError(t, p.Start(context.Background()))
	health := p.Health()
	assert.True(t, health["good"].Healthy)
	assert.False(t, health["bad"].Healthy)

	stopWithin(t, p)
	stats := p.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, 2, stats.Collectors)
}
