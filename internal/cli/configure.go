package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harun/agentrelay/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up agentrelay.
The wizard asks for the executor, provider secrets and API credentials,
then saves the result to the config file.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(cfgFile)
	current, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	cfg, err := config.NewWizard(cmd.InOrStdin(), out).Run(current)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	printf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	printEndpoints(out, cfg)
	printf(out, "\nStart agentrelay with: agentrelay serve\n")
	return nil
}

// printEndpoints lists the webhook URLs to register with each enabled provider
func printEndpoints(w io.Writer, cfg *config.Config) {
	printf(w, "\nWebhook endpoints:\n")
	for _, p := range cfg.EnabledProviders() {
		printf(w, "  %-7s http://%s:%d/webhooks/%s\n", p, cfg.Server.Host, cfg.Server.Port, p)
	}
}
