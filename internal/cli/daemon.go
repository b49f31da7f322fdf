package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yairfalse/vigil/internal/api"
	"github.com/yairfalse/vigil/internal/collectors/procfs"
	"github.com/yairfalse/vigil/internal/collectors/replay"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/export/natsexport"
	"github.com/yairfalse/vigil/internal/pipeline"
	"github.com/yairfalse/vigil/internal/processors"
	"github.com/yairfalse/vigil/internal/storage/memory"
	"github.com/yairfalse/vigil/internal/telemetry"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap"
)

const meterName = "github.com/yairfalse/vigil/internal/pipeline"

func newDaemonCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or inspect the vigil agent",
	}

	var foreground bool
	start := &cobra.Command{
		Use:   "start",
		Short: "Run the telemetry pipeline until interrupted",
		Long: `Start runs the configured collectors, processors and in-memory storage,
serves the HTTP API and, when enabled, exports events to NATS JetStream.

SIGINT, SIGTERM or "vigil daemon stop" trigger a graceful shutdown bounded by
pipeline.shutdown_timeout.`,
		Example: `  # Run with the default config search path
  vigil daemon start

  # Replay a recording instead of watching /proc
  VIGIL_COLLECTORS_PROCFS_ENABLED=false vigil daemon start --config replay.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !foreground {
				fmt.Fprintln(cmd.ErrOrStderr(), "vigil does not daemonize itself; running in the foreground (use a service manager to background it)")
			}
			return runDaemon(cmd, opts)
		},
	}
	start.Flags().BoolVar(&foreground, "foreground", true, "run in the foreground")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, false)
		},
	}

	var (
		wait    bool
		timeout time.Duration
	)
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to shut down gracefully",
		Long: `Stop asks the daemon over its API to shut down. The daemon drains queued
events into storage before it exits, exactly as on SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, opts, wait, timeout)
		},
	}
	stop.Flags().BoolVar(&wait, "wait", false, "wait until the daemon stopped answering")
	stop.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --wait waits")

	cmd.AddCommand(start, stop, status)
	return cmd
}

func runStop(cmd *cobra.Command, opts *globalOptions, wait bool, timeout time.Duration) error {
	client := NewClient(opts.server)
	if err := client.Shutdown(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
	if !wait {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon still running after %s", timeout)
		case <-ticker.C:
			if _, err := client.Status(ctx); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "vigil stopped")
				return nil
			}
		}
	}
}

func runDaemon(cmd *cobra.Command, opts *globalOptions) error {
	v := viper.New()
	if opts.logLevel != "" {
		v.Set("log.level", opts.logLevel)
	}

	cfg, err := config.Load(v, opts.configFile)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, s := range verrs.GetFixSuggestions() {
				fmt.Fprintf(cmd.ErrOrStderr(), "  hint: %s\n", s)
			}
		}
		return err
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("Using config file", zap.String("path", used))
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

// daemon owns every long-running component of the agent
type daemon struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Provider
	store     *memory.Store
	pipeline  *pipeline.Pipeline
	api       *api.Server
	exporter  *natsexport.Exporter
	rules     *processors.RuleFilter

	mu       sync.Mutex
	listener net.Listener
	started  chan struct{}

	stopRequested chan struct{}
	stopOnce      sync.Once
}

func newDaemon(cfg *config.Config, logger *zap.Logger) (*daemon, error) {
	tp, err := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "vigil",
		ServiceVersion: version,
		RuntimeMetrics: true,
		SetGlobal:      true,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	collectors, err := buildCollectors(cfg, logger)
	if err != nil {
		return nil, err
	}

	procs, rules, err := buildProcessors(cfg.Processors)
	if err != nil {
		return nil, err
	}

	store, err := memory.New(cfg.Storage.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(pcfg, collectors, procs, store,
		pipeline.WithLogger(logger),
		pipeline.WithMeter(tp.Meter(meterName)))
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		telemetry: tp,
		store:     store,
		pipeline:  p,
		rules:     rules,

		started:       make(chan struct{}),
		stopRequested: make(chan struct{}),
	}

	apiOpts := []api.Option{
		api.WithMetrics(tp.Handler()),
		api.WithRules(rules),
		api.WithShutdown(d.requestStop),
		api.WithStatus("storage", func() any { return store.Stats() }),
	}
	if cfg.NATS.Enabled {
		exporter, err := natsexport.New(cfg.NATS.Config, logger)
		if err != nil {
			return nil, err
		}
		d.exporter = exporter
		apiOpts = append(apiOpts, api.WithStatus("nats", func() any { return exporter.Stats() }))
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = cfg.API.Addr
	d.api, err = api.NewServer(p, store, logger, apiCfg, apiOpts...)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func buildCollectors(cfg *config.Config, logger *zap.Logger) ([]domain.Collector, error) {
	var collectors []domain.Collector

	if cfg.Collectors.Procfs.Enabled {
		pc := procfs.DefaultConfig()
		pc.Interval = cfg.Collectors.Procfs.Interval
		pc.ProcRoot = cfg.Collectors.Procfs.ProcRoot
		c, err := procfs.New(pc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create procfs collector: %w", err)
		}
		collectors = append(collectors, c)
	}

	if path := cfg.Collectors.Replay.Path; path != "" {
		c, err := replay.New(replay.Config{Path: path, Rate: cfg.Collectors.Replay.Rate}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create replay collector: %w", err)
		}
		collectors = append(collectors, c)
	}
	return collectors, nil
}

// buildProcessors assembles the chain: type filter, inline expression
// filter, rule filter, host enricher. The rule filter is always present so
// rules can be loaded into a running daemon.
func buildProcessors(cfg config.ProcessorsConfig) ([]domain.Processor, *processors.RuleFilter, error) {
	var procs []domain.Processor

	if len(cfg.DropTypes) > 0 {
		types := make([]domain.EventType, len(cfg.DropTypes))
		for i, t := range cfg.DropTypes {
			types[i] = domain.EventType(t)
		}
		procs = append(procs, processors.NewTypeFilter(types...))
	}

	if len(cfg.Expressions) > 0 {
		f, err := processors.NewExpressionFilter(cfg.Expressions)
		if err != nil {
			return nil, nil, err
		}
		procs = append(procs, f)
	}

	ruleSet := &processors.RuleSet{}
	if cfg.RulesFile != "" {
		var err error
		if ruleSet, err = processors.LoadRules(cfg.RulesFile); err != nil {
			return nil, nil, err
		}
	}
	rules, err := processors.NewRuleFilter(ruleSet)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid rules in %s: %w", cfg.RulesFile, err)
	}
	procs = append(procs, rules)

	if cfg.EnrichHost {
		e, err := processors.NewHostEnricher(cfg.Hostname)
		if err != nil {
			return nil, nil, err
		}
		procs = append(procs, e)
	}
	return procs, rules, nil
}

// Addr returns the API listen address once the daemon is up
func (d *daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Started is closed once the pipeline runs and the API listens
func (d *daemon) Started() <-chan struct{} {
	return d.started
}

// requestStop makes Run shut down as if its context was cancelled
func (d *daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopRequested) })
}

// Run starts everything, blocks until ctx is done, a stop is requested over
// the API or the API fails, then shuts down in order: pipeline, API,
// exporter, telemetry. Events queued when the shutdown begins are still
// stored.
func (d *daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.API.Addr, err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	if err := d.pipeline.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	var wg sync.WaitGroup
	apiCtx, stopAPI := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAPI()

	apiErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.api.Serve(apiCtx, ln); err != nil {
			apiErr <- err
		}
	}()

	if d.exporter != nil {
		sub := d.pipeline.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			// runs until the pipeline output closes during Stop
			if err := d.exporter.Run(context.WithoutCancel(ctx), sub); err != nil {
				d.logger.Error("NATS exporter stopped", zap.Error(err))
			}
		}()
	}

	d.logger.Info("vigil started",
		zap.String("api", ln.Addr().String()),
		zap.Int("workers", d.cfg.Pipeline.ProcessorParallelism),
		zap.Bool("nats", d.exporter != nil))
	close(d.started)

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("Shutdown requested")
	case <-d.stopRequested:
		d.logger.Info("Shutdown requested over API")
	case runErr = <-apiErr:
		d.logger.Error("API server failed", zap.Error(runErr))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Pipeline.ShutdownTimeout)
	defer cancel()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := d.pipeline.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	stopAPI()
	wg.Wait()

	if d.exporter != nil {
		d.exporter.Close()
	}
	if err := d.telemetry.Shutdown(stopCtx); err != nil {
		errs = append(errs, err)
	}

	stats := d.pipeline.Stats()
	d.logger.Info("vigil stopped",
		zap.Uint64("ingested", stats.Ingested),
		zap.Uint64("stored", stats.Stored),
		zap.Uint64("lagged", stats.Lagged))
	return errors.Join(errs...)
}
