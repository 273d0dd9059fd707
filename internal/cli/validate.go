package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/agentrelay/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration and command tables",
	Long: `Load the configuration file, check every setting and parse every
provider command table against its schema. Exits non-zero on the first
report with errors.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	v := config.NewValidator()
	errs := v.ValidateConfig(cfg)
	if _, err := cfg.CommandTables(); err != nil {
		errs = append(errs, err)
	}

	for _, w := range v.Warnings(cfg) {
		printf(out, "warning: %s\n", w)
	}
	for _, e := range errs {
		printf(out, "error: %s\n", e)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration has %d error(s)", len(errs))
	}
	printf(out, "Configuration OK\n")
	return nil
}
