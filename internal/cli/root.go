// Package cli implements the vigil command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// DefaultServer is the address of a local daemon's API
const DefaultServer = "http://127.0.0.1:9470"

// globalOptions are shared by every subcommand
type globalOptions struct {
	configFile string
	logLevel   string
	server     string
}

// NewRootCommand builds the vigil command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "vigil",
		Short: "Endpoint telemetry pipeline",
		Long: `vigil collects process, file and network activity on a host, filters and
enriches it, keeps recent history queryable and streams it live.

Run the agent with 'vigil daemon start' and inspect it with the events
and status commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is $HOME/.vigil.yaml, then /etc/vigil/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	root.PersistentFlags().StringVar(&opts.server, "server", DefaultServer, "address of a running daemon's API")

	root.AddCommand(
		newDaemonCommand(opts),
		newEventsCommand(opts),
		newRulesCommand(opts),
		newStatusCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}
