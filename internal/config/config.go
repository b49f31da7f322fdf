// Package config loads the vigil daemon configuration from file,
// environment and flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/internal/collectors/procfs"
	"github.com/yairfalse/vigil/internal/export/natsexport"
	"github.com/yairfalse/vigil/internal/pipeline"
	"github.com/yairfalse/vigil/internal/storage/memory"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override, e.g.
// VIGIL_PIPELINE_BATCH_SIZE
const EnvPrefix = "VIGIL"

// Config is the complete daemon configuration
type Config struct {
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Log        LogConfig        `mapstructure:"log"`
	Collectors CollectorsConfig `mapstructure:"collectors"`
	Processors ProcessorsConfig `mapstructure:"processors"`
	Storage    StorageConfig    `mapstructure:"storage"`
	NATS       NATSConfig       `mapstructure:"nats"`
	API        APIConfig        `mapstructure:"api"`
}

// PipelineConfig sizes and tunes the pipeline
type PipelineConfig struct {
	BufferSize           int           `mapstructure:"buffer_size"`
	BatchSize            int           `mapstructure:"batch_size"`
	ProcessorParallelism int           `mapstructure:"processor_parallelism"`
	OverflowPolicy       string        `mapstructure:"overflow_policy"`
	OutputPolicy         string        `mapstructure:"output_policy"`
	FlushInterval        time.Duration `mapstructure:"flush_interval"`
	ProcessorErrorPolicy string        `mapstructure:"processor_error_policy"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// CollectorsConfig enables and configures the bundled collectors
type CollectorsConfig struct {
	Procfs ProcfsConfig `mapstructure:"procfs"`
	Replay ReplayConfig `mapstructure:"replay"`
}

// ProcfsConfig configures the /proc process collector
type ProcfsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	ProcRoot string        `mapstructure:"proc_root"`
}

// ReplayConfig configures the JSON Lines replay collector.
// An empty path disables it.
type ReplayConfig struct {
	Path string  `mapstructure:"path"`
	Rate float64 `mapstructure:"rate"`
}

// ProcessorsConfig builds the processor chain. Processors run in the order
// drop_types, expressions, rules_file, enrich_host.
type ProcessorsConfig struct {
	DropTypes   []string `mapstructure:"drop_types"`
	Expressions []string `mapstructure:"expressions"`
	RulesFile   string   `mapstructure:"rules_file"`
	EnrichHost  bool     `mapstructure:"enrich_host"`
	Hostname    string   `mapstructure:"hostname"`
}

// StorageConfig configures the in-memory store
type StorageConfig struct {
	MaxEvents int `mapstructure:"max_events"`
}

// NATSConfig configures the optional JetStream exporter
type NATSConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	natsexport.Config `mapstructure:",squash"`
}

// APIConfig configures the HTTP API
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key with its default so that environment
// overrides are picked up by Unmarshal
func SetDefaults(v *viper.Viper) {
	event := domain.DefaultEventConfig()
	v.SetDefault("pipeline.buffer_size", event.BufferSize)
	v.SetDefault("pipeline.batch_size", event.BatchSize)
	v.SetDefault("pipeline.processor_parallelism", event.ProcessorParallelism)
	v.SetDefault("pipeline.overflow_policy", string(bus.DropOldest))
	v.SetDefault("pipeline.output_policy", string(bus.DropOldest))
	v.SetDefault("pipeline.flush_interval", time.Second)
	v.SetDefault("pipeline.processor_error_policy", string(pipeline.PassThrough))
	v.SetDefault("pipeline.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")

	proc := procfs.DefaultConfig()
	v.SetDefault("collectors.procfs.enabled", true)
	v.SetDefault("collectors.procfs.interval", proc.Interval)
	v.SetDefault("collectors.procfs.proc_root", proc.ProcRoot)
	v.SetDefault("collectors.replay.path", "")
	v.SetDefault("collectors.replay.rate", 0.0)

	v.SetDefault("processors.drop_types", []string{})
	v.SetDefault("processors.expressions", []string{})
	v.SetDefault("processors.rules_file", "")
	v.SetDefault("processors.enrich_host", true)
	v.SetDefault("processors.hostname", "")

	v.SetDefault("storage.max_events", memory.DefaultMaxEvents)

	nats := natsexport.DefaultConfig()
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", nats.URL)
	v.SetDefault("nats.name", nats.Name)
	v.SetDefault("nats.stream", nats.Stream)
	v.SetDefault("nats.subject", nats.Subject)
	v.SetDefault("nats.max_reconnects", nats.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", nats.ReconnectWait)
	v.SetDefault("nats.publish_timeout", nats.PublishTimeout)
	v.SetDefault("nats.max_age", nats.MaxAge)

	v.SetDefault("api.addr", "127.0.0.1:9470")
}

// DefaultFiles returns the files searched when no config file is given,
// in order of preference
func DefaultFiles() []string {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".vigil.yaml"))
	}
	return append(files, "/etc/vigil/config.yaml")
}

// Load reads the configuration into v and decodes it.
//
// With an explicit file a missing or unreadable file is an error. Without
// one, the first existing DefaultFiles entry is used and running on
// defaults alone is fine.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		for _, candidate := range DefaultFiles() {
			if _, err := os.Stat(candidate); err == nil {
				file = candidate
				break
			}
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, ConfigError{Type: "load", File: file, Message: err.Error(), Cause: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, ConfigError{Type: "parse", File: v.ConfigFileUsed(), Message: err.Error(), Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and returns ValidationErrors listing all
// problems, or nil
func (c *Config) Validate() error {
	var verrs ValidationErrors
	add := func(field, message, suggestion string, current interface{}, valid ...string) {
		e := NewValidationError(field, message, suggestion)
		e.CurrentValue = current
		e.ValidValues = valid
		verrs.Errors = append(verrs.Errors, e)
	}

	p := c.Pipeline
	if p.BufferSize <= 0 {
		add("pipeline.buffer_size", "must be positive", "use the default of 10000", p.BufferSize)
	}
	if p.BatchSize <= 0 {
		add("pipeline.batch_size", "must be positive", "use the default of 100", p.BatchSize)
	}
	if p.ProcessorParallelism <= 0 {
		add("pipeline.processor_parallelism", "must be positive", "use the number of CPUs", p.ProcessorParallelism)
	}
	policies := []string{string(bus.DropOldest), string(bus.Block)}
	if _, err := bus.ParsePolicy(p.OverflowPolicy); err != nil {
		add("pipeline.overflow_policy", err.Error(), "drop_oldest keeps collectors fast", p.OverflowPolicy, policies...)
	}
	if _, err := bus.ParsePolicy(p.OutputPolicy); err != nil {
		add("pipeline.output_policy", err.Error(), "drop_oldest keeps slow subscribers from stalling workers", p.OutputPolicy, policies...)
	}
	if _, err := pipeline.ParseErrorPolicy(p.ProcessorErrorPolicy); err != nil {
		add("pipeline.processor_error_policy", err.Error(), "passthrough keeps events when a processor fails",
			p.ProcessorErrorPolicy, string(pipeline.PassThrough), string(pipeline.DropOnError))
	}
	if p.FlushInterval < 0 {
		add("pipeline.flush_interval", "cannot be negative", "use 0 to flush only full batches", p.FlushInterval)
	}
	if p.ShutdownTimeout <= 0 {
		add("pipeline.shutdown_timeout", "must be positive", "use 30s", p.ShutdownTimeout)
	}

	levels := []string{"debug", "info", "warn", "error"}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level", fmt.Sprintf("unknown level %q", c.Log.Level), "use info", c.Log.Level, levels...)
	}

	if c.Collectors.Procfs.Enabled && c.Collectors.Procfs.Interval <= 0 {
		add("collectors.procfs.interval", "must be positive", "use 1s", c.Collectors.Procfs.Interval)
	}
	if c.Collectors.Replay.Rate < 0 {
		add("collectors.replay.rate", "cannot be negative", "use 0 for unlimited", c.Collectors.Replay.Rate)
	}
	if !c.Collectors.Procfs.Enabled && c.Collectors.Replay.Path == "" {
		add("collectors", "no collector enabled", "enable collectors.procfs or set collectors.replay.path", nil)
	}

	for _, t := range c.Processors.DropTypes {
		if strings.TrimSpace(t) == "" {
			add("processors.drop_types", "contains an empty event type", "remove the empty entry", c.Processors.DropTypes)
			break
		}
	}

	if c.Storage.MaxEvents < 0 {
		add("storage.max_events", "cannot be negative", "use 0 for the default capacity", c.Storage.MaxEvents)
	}

	if c.NATS.Enabled {
		if err := c.NATS.Config.Validate(); err != nil {
			add("nats", err.Error(), "check the nats section or set nats.enabled to false", nil)
		}
	}

	if c.API.Addr == "" {
		add("api.addr", "is required", "use 127.0.0.1:9470", c.API.Addr)
	}

	if verrs.IsEmpty() {
		return nil
	}
	return verrs
}

// PipelineConfig converts the pipeline section
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	ingress, err := bus.ParsePolicy(c.Pipeline.OverflowPolicy)
	if err != nil {
		return pipeline.Config{}, err
	}
	output, err := bus.ParsePolicy(c.Pipeline.OutputPolicy)
	if err != nil {
		return pipeline.Config{}, err
	}
	errPolicy, err := pipeline.ParseErrorPolicy(c.Pipeline.ProcessorErrorPolicy)
	if err != nil {
		return pipeline.Config{}, err
	}

	cfg := pipeline.Config{
		Event: domain.EventConfig{
			BufferSize:           c.Pipeline.BufferSize,
			BatchSize:            c.Pipeline.BatchSize,
			ProcessorParallelism: c.Pipeline.ProcessorParallelism,
		},
		IngressPolicy:        ingress,
		OutputPolicy:         output,
		ProcessorErrorPolicy: errPolicy,
		FlushInterval:        c.Pipeline.FlushInterval,
	}
	return cfg, cfg.Validate()
}

// DropTypes returns the configured event types to drop
func (c *Config) DropTypes() []domain.EventType {
	types := make([]domain.EventType, 0, len(c.Processors.DropTypes))
	for _, t := range c.Processors.DropTypes {
		types = append(types, domain.EventType(strings.TrimSpace(t)))
	}
	return types
}
