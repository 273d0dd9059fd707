package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/agentrelay/pkg/provider"
)

var commandsCmd = &cobra.Command{
	Use:   "commands [provider]",
	Short: "List the commands a provider accepts",
	Long: `List the commands of each provider's command table, with their
aliases and target agents. Pass a provider name to show one table.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCommands,
}

func init() {
	rootCmd.AddCommand(commandsCmd)
}

func runCommands(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	providers := provider.All
	if len(args) == 1 {
		p, err := provider.Parse(args[0])
		if err != nil {
			return err
		}
		providers = []provider.Provider{p}
	}

	out := cmd.OutOrStdout()
	for _, p := range providers {
		table, err := cfg.CommandTable(p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}

		printf(out, "%s (default: %s, prefixes: %s)\n", p.Title(), table.DefaultCommand, strings.Join(table.Prefixes, " "))
		for _, c := range table.Commands {
			line := fmt.Sprintf("  %-12s -> %s", c.Name, c.TargetAgent)
			if len(c.Aliases) > 0 {
				line += fmt.Sprintf(" [aliases: %s]", strings.Join(c.Aliases, ", "))
			}
			if c.RequiresApproval {
				line += " (approval)"
			}
			printf(out, "%s\n", line)
		}
	}
	return nil
}
