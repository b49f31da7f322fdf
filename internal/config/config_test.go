package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/vigil/internal/bus"
	"github.com/yairfalse/vigil/internal/pipeline"
	"github.com/yairfalse/vigil/pkg/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Pipeline.BufferSize)
	assert.Equal(t, 100, cfg.Pipeline.BatchSize)
	assert.Equal(t, 4, cfg.Pipeline.ProcessorParallelism)
	assert.Equal(t, "drop_oldest", cfg.Pipeline.OverflowPolicy)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Collectors.Procfs.Enabled)
	assert.Equal(t, time.Second, cfg.Collectors.Procfs.Interval)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "vigil.events", cfg.NATS.Subject)
	assert.Equal(t, "127.0.0.1:9470", cfg.API.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  buffer_size: 512
  batch_size: 10
  processor_parallelism: 2
  overflow_policy: block
  flush_interval: 250ms
  processor_error_policy: drop
log:
  level: debug
collectors:
  procfs:
    enabled: false
  replay:
    path: /var/lib/vigil/recording.jsonl
    rate: 500
processors:
  drop_types: [file_open]
  expressions:
    - comm == "sshd"
  enrich_host: false
nats:
  enabled: true
  url: nats://nats:4222
  subject: edr.events
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Pipeline.BufferSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.FlushInterval)
	assert.False(t, cfg.Collectors.Procfs.Enabled)
	assert.Equal(t, "/var/lib/vigil/recording.jsonl", cfg.Collectors.Replay.Path)
	assert.Equal(t, 500.0, cfg.Collectors.Replay.Rate)
	assert.Equal(t, []domain.EventType{domain.EventTypeFileOpen}, cfg.DropTypes())
	assert.Equal(t, []string{`comm == "sshd"`}, cfg.Processors.Expressions)
	assert.False(t, cfg.Processors.EnrichHost)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "edr.events", cfg.NATS.Subject)
	assert.Equal(t, "VIGIL_EVENTS", cfg.NATS.Stream, "unset keys keep their defaults")

	pc, err := cfg.PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.EventConfig{BufferSize: 512, BatchSize: 10, ProcessorParallelism: 2}, pc.Event)
	assert.Equal(t, bus.Block, pc.IngressPolicy)
	assert.Equal(t, bus.DropOldest, pc.OutputPolicy)
	assert.Equal(t, pipeline.DropOnError, pc.ProcessorErrorPolicy)
	assert.Equal(t, 250*time.Millisecond, pc.FlushInterval)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  batch_size: 10\n")
	t.Setenv("VIGIL_PIPELINE_BATCH_SIZE", "64")
	t.Setenv("VIGIL_API_ADDR", "0.0.0.0:8080")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Pipeline.BatchSize)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	var cfgErr ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "load", cfgErr.Type)
}

func TestValidationCollectsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  buffer_size: 0
  batch_size: -1
  overflow_policy: newest
  processor_error_policy: retry
log:
  level: loud
collectors:
  procfs:
    enabled: false
nats:
  enabled: true
  subject: "vigil.>"
`)

	_, err := Load(viper.New(), path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make([]string, 0, len(verrs.Errors))
	for _, e := range verrs.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"pipeline.buffer_size",
		"pipeline.batch_size",
		"pipeline.overflow_policy",
		"pipeline.processor_error_policy",
		"log.level",
		"collectors",
		"nats",
	}, fields)

	assert.Contains(t, err.Error(), "multiple validation errors")
	assert.NotEmpty(t, verrs.GetFixSuggestions())
}

func TestValidationErrorsFormatting(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.True(t, ValidationErrors{}.IsEmpty())

	single := ValidationErrors{Errors: []ValidationError{NewValidationError("api.addr", "is required", "")}}
	assert.Equal(t, "config validation error in field 'api.addr': is required", single.Error())
	assert.Empty(t, single.GetFixSuggestions())
}

func TestValidateReturnsNilInterfaceWhenValid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	err = cfg.Validate()
	assert.Nil(t, err)
	assert.False(t, errors.As(err, new(ValidationErrors)))

	cfg.API.Addr = ""
	var verrs ValidationErrors
	require.ErrorAs(t, cfg.Validate(), &verrs)
	assert.False(t, verrs.IsEmpty())
}
