// Package natsexport forwards processed events to a NATS JetStream stream.
package natsexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
)

// Config configures the exporter
type Config struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`

	// Stream is created when missing and captures Subject.>
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`

	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

// DefaultConfig returns the stock exporter settings
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "vigil",
		Stream:         "VIGIL_EVENTS",
		Subject:        "vigil.events",
		MaxReconnects:  10,
		ReconnectWait:  time.Second,
		PublishTimeout: 5 * time.Second,
		MaxAge:         24 * time.Hour,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}
	if c.Stream == "" {
		return fmt.Errorf("nats stream is required")
	}
	if c.Subject == "" || strings.ContainsAny(c.Subject, "*> ") {
		return fmt.Errorf("nats subject %q must be a literal subject prefix", c.Subject)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("nats publish_timeout must be positive, got %v", c.PublishTimeout)
	}
	return nil
}

// publisher is the slice of JetStream the exporter needs
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

type jetStreamPublisher struct {
	js nats.JetStreamContext
}

func (p jetStreamPublisher) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	_, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(msgID))
	return err
}

// Stats contains exporter statistics
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Lagged    uint64 `json:"lagged"`
}

// Exporter publishes every event of a pipeline subscription to JetStream
type Exporter struct {
	config Config
	logger *zap.Logger
	pub    publisher
	nc     *nats.Conn

	connected atomic.Bool
	closeOnce sync.Once

	published atomic.Uint64
	failed    atomic.Uint64
	lagged    atomic.Uint64
}

// New connects to NATS and makes sure the stream exists
func New(config Config, logger *zap.Logger) (*Exporter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Exporter{config: config, logger: logger.With(zap.String("component", "nats-exporter"))}

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(e.onDisconnect),
		nats.ReconnectHandler(e.onReconnect),
		nats.ClosedHandler(e.onClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	e.nc = nc
	e.connected.Store(nc.IsConnected())

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	if err := ensureStream(js, config, e.logger); err != nil {
		nc.Close()
		return nil, err
	}

	e.pub = jetStreamPublisher{js: js}
	return e, nil
}

func newExporter(config Config, pub publisher, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exporter{config: config, logger: logger, pub: pub}
	e.connected.Store(true)
	return e
}

func ensureStream(js nats.JetStreamContext, config Config, logger *zap.Logger) error {
	info, err := js.StreamInfo(config.Stream)
	if err == nil {
		logger.Info("JetStream stream already exists",
			zap.String("stream", info.Config.Name),
			zap.Strings("subjects", info.Config.Subjects))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", config.Stream, err)
	}

	info, err = js.AddStream(&nats.StreamConfig{
		Name:       config.Stream,
		Subjects:   []string{config.Subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     config.MaxAge,
		Duplicates: 2 * time.Minute,
		Discard:    nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", config.Stream, err)
	}
	logger.Info("Created JetStream stream",
		zap.String("stream", info.Config.Name),
		zap.Strings("subjects", info.Config.Subjects))
	return nil
}

// Subject returns the subject an event is published on:
// <subject>.<source>.<event_type>
func (e *Exporter) Subject(event domain.Event) string {
	source := event.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s.%s.%s", e.config.Subject, token(source), token(string(event.Type)))
}

// token makes s safe to use as a single subject token
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, strings.ToLower(s))
}

// Run publishes events from sub until the subscription ends or ctx is
// cancelled. Failed publishes are logged and counted, never retried.
func (e *Exporter) Run(ctx context.Context, sub *bus.Subscription[domain.Event]) error {
	defer sub.Close()

	for {
		event, err := sub.Recv(ctx)
		var lagged *bus.LaggedError
		switch {
		case err == nil:
			if perr := e.Publish(ctx, event); perr != nil && ctx.Err() == nil {
				n := e.failed.Add(1)
				if n%100 == 1 {
					e.logger.Warn("Failed to publish event",
						zap.String("event_id", event.ID),
						zap.Uint64("failed_total", n),
						zap.Error(perr))
				}
			}
		case errors.As(err, &lagged):
			e.lagged.Add(lagged.Missed)
			e.logger.Warn("Exporter lagged behind pipeline output, events skipped",
				zap.Uint64("missed", lagged.Missed))
		case errors.Is(err, bus.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("exporter subscription failed: %w", err)
		}
	}
}

// Publish sends a single event
func (e *Exporter) Publish(ctx context.Context, event domain.Event) error {
	if !e.IsHealthy() {
		return fmt.Errorf("publisher not connected to NATS")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.PublishTimeout)
	defer cancel()

	subject := e.Subject(event)
	if err := e.pub.Publish(ctx, subject, data, event.ID); err != nil {
		return fmt.Errorf("failed to publish event to subject %s: %w", subject, err)
	}
	e.published.Add(1)
	return nil
}

// IsHealthy reports whether the connection is up
func (e *Exporter) IsHealthy() bool {
	if e.nc != nil && !e.nc.IsConnected() {
		return false
	}
	return e.connected.Load()
}

// Stats returns exporter statistics
func (e *Exporter) Stats() Stats {
	return Stats{
		Published: e.published.Load(),
		Failed:    e.failed.Load(),
		Lagged:    e.lagged.Load(),
	}
}

// Close drains the connection
func (e *Exporter) Close() {
	e.closeOnce.Do(func() {
		if e.nc != nil {
			if err := e.nc.Drain(); err != nil {
				e.logger.Warn("Failed to drain NATS connection", zap.Error(err))
				e.nc.Close()
			}
		}
		e.connected.Store(false)
	})
}

func (e *Exporter) onDisconnect(_ *nats.Conn, err error) {
	e.connected.Store(false)
	if err != nil {
		e.logger.Warn("NATS disconnected", zap.Error(err))
		return
	}
	e.logger.Warn("NATS disconnected")
}

func (e *Exporter) onReconnect(nc *nats.Conn) {
	e.connected.Store(true)
	e.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
}

func (e *Exporter) onClosed(_ *nats.Conn) {
	e.connected.Store(false)
	e.logger.Info("NATS connection closed")
}
