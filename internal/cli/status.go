package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/yairfalse/vigil/internal/api"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running daemon (alias of daemon status)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *globalOptions, asJSON bool) error {
	status, err := NewClient(opts.server).Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printStatus(out, status)
	return nil
}

func printStatus(out io.Writer, s *api.StatusResponse) {
	state := "stopped"
	if s.Running {
		state = "running"
	}
	p := s.Pipeline

	fmt.Fprintf(out, "vigil is %s\n\n", state)
	fmt.Fprintf(out, "Pipeline: %d collectors, %d processors, %d workers\n", p.Collectors, p.Processors, p.Workers)
	fmt.Fprintf(out, "  ingested %d, processed %d, filtered %d, stored %d\n", p.Ingested, p.Processed, p.Filtered, p.Stored)
	fmt.Fprintf(out, "  invalid %d, processor errors %d, storage errors %d, lagged %d\n",
		p.Invalid, p.ProcessorErrors, p.StorageErrors, p.Lagged)
	fmt.Fprintf(out, "  live subscribers %d, output dropped %d\n", p.OutputSubscribers, p.OutputDropped)

	if len(s.Collectors) > 0 {
		names := make([]string, 0, len(s.Collectors))
		for name := range s.Collectors {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(out, "\nCollectors:")
		for _, name := range names {
			h := s.Collectors[name]
			health := "healthy"
			if !h.Healthy {
				health = "unhealthy"
			}
			if h.Error != "" {
				fmt.Fprintf(out, "  %-12s %s (last error: %s)\n", name, health, h.Error)
			} else {
				fmt.Fprintf(out, "  %-12s %s\n", name, health)
			}
		}
	}
}
