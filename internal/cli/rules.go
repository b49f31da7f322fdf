package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/yairfalse/vigil/internal/processors"
	"gopkg.in/yaml.v3"
)

func newRulesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate, load and inspect expression rules",
		Long: `A rules file lists named filter expressions. Every enabled rule drops the
events it matches, either from processors.rules_file at daemon start or after
"vigil rules load" replaced the running daemon's rules.

  rules:
    - name: ignore-sshd-root
      description: routine sshd activity
      expression: comm == "sshd" && uid == 0
      tags: [noise]`,
	}

	validate := &cobra.Command{
		Use:   "validate <path>",
		Short: "Check that every rule is well formed and compiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadValidRules(cmd, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules, %d enabled, all valid\n",
				args[0], len(rules.Rules), rules.Enabled())
			return nil
		},
	}

	var dryRun bool
	load := &cobra.Command{
		Use:   "load <path>",
		Short: "Replace the running daemon's rules with a file or directory of rules",
		Example: `  # Check what would be loaded without touching the daemon
  vigil rules load /etc/vigil/rules.d --dry-run

  vigil rules load rules.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadValidRules(cmd, args[0])
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules, %d enabled, valid (dry run, nothing loaded)\n",
					args[0], len(rules.Rules), rules.Enabled())
				return nil
			}

			document, err := yaml.Marshal(rules)
			if err != nil {
				return fmt.Errorf("failed to encode rules: %w", err)
			}
			resp, err := NewClient(opts.server).LoadRules(cmd.Context(), document, false)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d rules (%d enabled)\n", resp.Rules, resp.Enabled)
			return nil
		},
	}
	load.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "validate the rules without loading them")

	var detailed bool
	list := &cobra.Command{
		Use:   "list [path]",
		Short: "List the rules in a file, or the running daemon's rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rules []processors.Rule
			if len(args) == 1 {
				rs, err := processors.LoadRules(args[0])
				if err != nil {
					return err
				}
				rules = rs.Rules
			} else {
				var err error
				rules, err = NewClient(opts.server).Rules(cmd.Context())
				if err != nil {
					return err
				}
			}
			return printRules(cmd.OutOrStdout(), rules, detailed)
		},
	}
	list.Flags().BoolVarP(&detailed, "detailed", "d", false, "show descriptions and expressions")

	cmd.AddCommand(validate, load, list)
	return cmd
}

// loadValidRules reads path and prints every validation problem
func loadValidRules(cmd *cobra.Command, path string) (*processors.RuleSet, error) {
	rules, err := processors.LoadRules(path)
	if err != nil {
		return nil, err
	}
	if err := rules.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s is invalid:\n", path)
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", line)
		}
		return nil, fmt.Errorf("rules validation failed")
	}
	return rules, nil
}

func printRules(out io.Writer, rules []processors.Rule, detailed bool) error {
	if len(rules) == 0 {
		fmt.Fprintln(out, "No rules defined")
		return nil
	}

	if detailed {
		for i, r := range rules {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%s (%s)\n", r.Name, ruleStatus(r))
			if r.Description != "" {
				fmt.Fprintf(out, "  description: %s\n", r.Description)
			}
			fmt.Fprintf(out, "  expression:  %s\n", r.Expression)
			if len(r.Tags) > 0 {
				fmt.Fprintf(out, "  tags:        %s\n", strings.Join(r.Tags, ", "))
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tTAGS")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, ruleStatus(r), strings.Join(r.Tags, ","))
	}
	return tw.Flush()
}

func ruleStatus(r processors.Rule) string {
	if r.Disabled {
		return "disabled"
	}
	return "enabled"
}
