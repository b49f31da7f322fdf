package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/vigil/internal/api"
	"github.com/yairfalse/vigil/pkg/domain"
)

const (
	formatText = "text"
	formatJSON = "json"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown format %q (valid: %s, %s)", format, formatText, formatJSON)
	}
}

func newEventsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Watch and query events of a running daemon",
	}
	cmd.AddCommand(newWatchCommand(opts), newQueryCommand(opts))
	return cmd
}

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		types  []string
		filter string
		format string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream processed events as they happen",
		Example: `  # Everything
  vigil events watch

  # Only executions by root, as JSON lines
  vigil events watch --type process_exec --filter 'uid == 0' --format json`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validateFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			params := url.Values{}
			for _, t := range types {
				params.Add("type", t)
			}
			if filter != "" {
				params.Set("filter", filter)
			}

			out := cmd.OutOrStdout()
			return NewClient(opts.server).Stream(ctx, params, func(line []byte) error {
				return printStreamLine(out, cmd.ErrOrStderr(), line, format)
			})
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "only show these event types (repeatable)")
	cmd.Flags().StringVar(&filter, "filter", "", "only show events matching this expression")
	cmd.Flags().StringVarP(&format, "format", "o", formatText, "output format: text, json")
	return cmd
}

func printStreamLine(out, errOut io.Writer, line []byte, format string) error {
	if bytes.HasPrefix(line, []byte(`{"lagged":`)) {
		var notice api.LagNotice
		if err := json.Unmarshal(line, &notice); err != nil {
			return fmt.Errorf("malformed stream line: %w", err)
		}
		fmt.Fprintf(errOut, "warning: fell behind, %d events skipped\n", notice.Lagged)
		return nil
	}

	if format == formatJSON {
		_, err := fmt.Fprintf(out, "%s\n", line)
		return err
	}

	var event domain.Event
	if err := json.Unmarshal(line, &event); err != nil {
		return fmt.Errorf("malformed stream line: %w", err)
	}
	_, err := fmt.Fprintln(out, formatEvent(event))
	return err
}

// formatEvent renders one event as a single human-readable line
func formatEvent(e domain.Event) string {
	var b strings.Builder
	ts := time.Unix(0, int64(e.Timestamp)).UTC().Format("2006-01-02T15:04:05.000Z07:00")
	fmt.Fprintf(&b, "%s %-15s pid=%d ppid=%d uid=%d comm=%s", ts, e.Type, e.Process.PID, e.Process.PPID, e.Process.UID, e.Process.Comm)
	if e.Process.Exe != "" {
		fmt.Fprintf(&b, " exe=%s", e.Process.Exe)
	}
	for _, key := range []string{"path", "cmdline", "addr", "host"} {
		if v, ok := e.DataString(key); ok {
			fmt.Fprintf(&b, " %s=%q", key, v)
		}
	}
	if e.Source != "" {
		fmt.Fprintf(&b, " [%s]", e.Source)
	}
	return b.String()
}

func newQueryCommand(opts *globalOptions) *cobra.Command {
	var (
		since  time.Duration
		types  []string
		pid    int32
		comm   string
		uid    uint32
		limit  int
		filter string
		format string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored events",
		Example: `  # Last hour of executions of curl
  vigil events query --range 1h --type process_exec --comm curl

  # Newest 20 events of pid 4242 as JSON
  vigil events query --pid 4242 --limit 20 --format json`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if since < 0 {
				return fmt.Errorf("--range cannot be negative")
			}
			if limit < 0 {
				return fmt.Errorf("--limit cannot be negative")
			}
			return validateFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if since > 0 {
				params.Set("since", since.String())
			}
			for _, t := range types {
				params.Add("type", t)
			}
			if cmd.Flags().Changed("pid") {
				params.Set("pid", strconv.FormatInt(int64(pid), 10))
			}
			if comm != "" {
				params.Set("comm", comm)
			}
			if cmd.Flags().Changed("uid") {
				params.Set("uid", strconv.FormatUint(uint64(uid), 10))
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if filter != "" {
				params.Set("filter", filter)
			}

			resp, err := NewClient(opts.server).Query(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), resp.Events, format)
		},
	}

	cmd.Flags().DurationVar(&since, "range", 0, "only events from this far back, e.g. 15m or 1h")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these event types (repeatable)")
	cmd.Flags().Int32Var(&pid, "pid", 0, "only events of this process id")
	cmd.Flags().StringVar(&comm, "comm", "", "only events of this command name")
	cmd.Flags().Uint32Var(&uid, "uid", 0, "only events of this user id")
	cmd.Flags().IntVar(&limit, "limit", 100, "return at most this many of the newest matches")
	cmd.Flags().StringVar(&filter, "filter", "", "only events matching this expression")
	cmd.Flags().StringVarP(&format, "format", "o", formatText, "output format: text, json")
	return cmd
}

func printEvents(out io.Writer, events []domain.Event, format string) error {
	if format == formatJSON {
		enc := json.NewEncoder(out)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	if len(events) == 0 {
		fmt.Fprintln(out, "No events found")
		return nil
	}
	for _, e := range events {
		fmt.Fprintln(out, formatEvent(e))
	}
	fmt.Fprintf(out, "\n%d events\n", len(events))
	return nil
}
