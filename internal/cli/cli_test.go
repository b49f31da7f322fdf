package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/pkg/domain"
	"go.uber.org/zap/zaptest"
)

const recording = `{"id":"e1","timestamp":1000,"event_type":"process_exec","process":{"pid":10,"ppid":1,"uid":0,"comm":"bash","exe":"/bin/bash"}}
{"id":"e2","timestamp":2000,"event_type":"file_open","process":{"pid":10,"ppid":1,"uid":0,"comm":"bash"},"data":{"path":"/etc/shadow"}}
{"id":"e3","timestamp":3000,"event_type":"process_exec","process":{"pid":11,"ppid":10,"uid":1000,"comm":"curl","exe":"/usr/bin/curl"}}
{"id":"e4","timestamp":4000,"event_type":"network_connect","process":{"pid":11,"ppid":10,"uid":1000,"comm":"curl"}}
`

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vigil dev")
	assert.Contains(t, out, "Git Commit: unknown")
}

const rulesFile = `rules:
  - name: sshd-root
    description: routine sshd activity
    expression: comm == "sshd" && uid == 0
    tags: [noise, auth]
  - name: tmp-writes
    expression: event_type == "file_open" && data.path startsWith "/tmp/"
    disabled: true
`

func TestRulesValidate(t *testing.T) {
	path := writeFile(t, "rules.yaml", rulesFile)
	out, _, err := execute(t, "rules", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rules, 1 enabled, all valid")

	bad := writeFile(t, "bad.yaml", "rules:\n  - name: broken\n    expression: 'comm =='\n  - expression: pid == 1\n")
	_, errOut, err := execute(t, "rules", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, errOut, "rule broken")
	assert.Contains(t, errOut, "rule 1: name is required")

	_, _, err = execute(t, "rules", "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRulesList(t *testing.T) {
	path := writeFile(t, "rules.yaml", rulesFile)

	out, _, err := execute(t, "rules", "list", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "STATUS", "TAGS"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"sshd-root", "enabled", "noise,auth"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"tmp-writes", "disabled"}, strings.Fields(lines[2]))

	out, _, err = execute(t, "rules", "list", "--detailed", path)
	require.NoError(t, err)
	assert.Contains(t, out, "description: routine sshd activity")
	assert.Contains(t, out, `expression:  comm == "sshd" && uid == 0`)
	assert.Contains(t, out, "tags:        noise, auth")
}

func TestFormatEvent(t *testing.T) {
	e := domain.Event{
		ID:        "x",
		Timestamp: uint64(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano()),
		Type:      domain.EventTypeFileOpen,
		Process:   domain.ProcessInfo{PID: 7, PPID: 1, UID: 0, Comm: "cat", Exe: "/bin/cat"},
		Data:      map[string]any{"path": "/etc/passwd"},
		Source:    "replay",
	}
	assert.Equal(t,
		`2024-03-01T12:00:00.000Z file_open       pid=7 ppid=1 uid=0 comm=cat exe=/bin/cat path="/etc/passwd" [replay]`,
		formatEvent(e))
}

func TestPrintStreamLine(t *testing.T) {
	var out, errOut bytes.Buffer

	require.NoError(t, printStreamLine(&out, &errOut, []byte(`{"lagged":12}`), formatText))
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "12 events skipped")

	line := []byte(`{"id":"a","timestamp":1,"event_type":"process_exec","process":{"pid":3,"comm":"sh"}}`)
	require.NoError(t, printStreamLine(&out, &errOut, line, formatJSON))
	assert.Equal(t, string(line)+"\n", out.String())

	out.Reset()
	require.NoError(t, printStreamLine(&out, &errOut, line, formatText))
	assert.Contains(t, out.String(), "process_exec")
	assert.Contains(t, out.String(), "comm=sh")

	assert.Error(t, printStreamLine(&out, &errOut, []byte("{"), formatText))
}

func TestEventsFlagValidation(t *testing.T) {
	_, _, err := execute(t, "events", "query", "--format", "yaml")
	assert.Error(t, err)
	_, _, err = execute(t, "events", "watch", "--format", "xml")
	assert.Error(t, err)
	_, _, err = execute(t, "events", "query", "--limit", "-5")
	assert.Error(t, err)
}

func TestClientReportsUnreachableDaemon(t *testing.T) {
	_, _, err := execute(t, "--server", "127.0.0.1:1", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach vigil daemon")
}

func TestDaemonEndToEnd(t *testing.T) {
	replayPath := writeFile(t, "recording.jsonl", recording)
	rulesPath := writeFile(t, "rules.yaml", "rules:\n  - name: drop-shadow\n    expression: data.path == \"/etc/shadow\"\n")
	cfgPath := writeFile(t, "vigil.yaml", `
pipeline:
  batch_size: 2
  processor_parallelism: 1
  flush_interval: 10ms
  shutdown_timeout: 5s
collectors:
  procfs:
    enabled: false
  replay:
    path: `+replayPath+`
processors:
  drop_types: [network_connect]
  rules_file: `+rulesPath+`
  enrich_host: true
  hostname: test-host
api:
  addr: 127.0.0.1:0
`)

	cfg, err := config.Load(viper.New(), cfgPath)
	require.NoError(t, err)

	d, err := newDaemon(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Started():
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start")
	}
	server := d.Addr()

	client := NewClient(server)
	require.Eventually(t, func() bool {
		status, err := client.Status(context.Background())
		return err == nil && status.Pipeline.Stored == 2
	}, 5*time.Second, 10*time.Millisecond)

	out, _, err := execute(t, "--server", server, "events", "query", "--format", "json")
	require.NoError(t, err)

	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var e domain.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		ids = append(ids, e.ID)
		host, _ := e.DataString("host")
		assert.Equal(t, "test-host", host)
		assert.Equal(t, "replay", e.Source)
	}
	assert.Equal(t, []string{"e1", "e3"}, ids, "network_connect and the rule match are filtered")

	out, _, err = execute(t, "--server", server, "events", "query", "--comm", "curl")
	require.NoError(t, err)
	assert.Contains(t, out, "comm=curl")
	assert.Contains(t, out, "1 events")

	_, _, err = execute(t, "--server", server, "events", "query", "--filter", "comm ==")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter")

	out, _, err = execute(t, "--server", server, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "vigil is running")
	assert.Contains(t, out, "replay")

	out, _, err = execute(t, "--server", server, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"storage"`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

// startDaemon runs a daemon from a YAML config until the test ends
func startDaemon(t *testing.T, yamlConfig string) (*daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg, err := config.Load(viper.New(), writeFile(t, "vigil.yaml", yamlConfig))
	require.NoError(t, err)

	d, err := newDaemon(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(cancel)

	select {
	case <-d.Started():
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start")
	}
	return d, cancel, done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonStoresEverythingIngestedOnInterrupt(t *testing.T) {
	var lines strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&lines, `{"id":"r%d","timestamp":%d,"event_type":"process_exec","process":{"pid":%d,"comm":"sh"}}`+"\n", i, 1000+i, 100+i)
	}
	replayPath := writeFile(t, "paced.jsonl", lines.String())

	// a batch never fills and the interval never fires, so everything the
	// store holds afterwards was written by the shutdown drain
	d, cancel, done := startDaemon(t, `
pipeline:
  batch_size: 1000
  processor_parallelism: 1
  flush_interval: 1h
  shutdown_timeout: 5s
collectors:
  procfs:
    enabled: false
  replay:
    path: `+replayPath+`
    rate: 500
api:
  addr: 127.0.0.1:0
`)

	require.Eventually(t, func() bool { return d.pipeline.Stats().Ingested >= 20 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, d.store.Len())

	cancel()
	waitStopped(t, done)

	stats := d.pipeline.Stats()
	assert.GreaterOrEqual(t, stats.Ingested, uint64(20))
	assert.Equal(t, stats.Ingested, stats.Stored)
	assert.Zero(t, stats.StorageErrors)
	assert.Equal(t, int(stats.Ingested), d.store.Len())
}

func TestDaemonStopAndRulesLoad(t *testing.T) {
	replayPath := writeFile(t, "recording.jsonl", recording)
	d, _, done := startDaemon(t, `
pipeline:
  processor_parallelism: 1
  flush_interval: 10ms
collectors:
  procfs:
    enabled: false
  replay:
    path: `+replayPath+`
api:
  addr: 127.0.0.1:0
`)
	server := d.Addr()

	out, _, err := execute(t, "--server", server, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No rules defined")

	path := writeFile(t, "rules.yaml", rulesFile)
	out, _, err = execute(t, "--server", server, "rules", "load", "--dry-run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rules, 1 enabled, valid (dry run, nothing loaded)")
	assert.Empty(t, d.rules.Rules())

	bad := writeFile(t, "bad.yaml", "rules:\n  - name: broken\n    expression: 'comm =='\n")
	_, errOut, err := execute(t, "--server", server, "rules", "load", "--dry-run", bad)
	require.Error(t, err)
	assert.Contains(t, errOut, "rule broken")

	out, _, err = execute(t, "--server", server, "rules", "load", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 2 rules (1 enabled)")
	require.Len(t, d.rules.Rules(), 2)

	out, _, err = execute(t, "--server", server, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sshd-root")
	assert.Contains(t, out, "tmp-writes")

	out, _, err = execute(t, "--server", server, "daemon", "stop", "--wait", "--timeout", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, "Shutdown requested")
	assert.Contains(t, out, "vigil stopped")

	waitStopped(t, done)
	assert.False(t, d.pipeline.IsRunning())
}
