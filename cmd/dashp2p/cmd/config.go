package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/konstantinmiller/dashp2p/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting the dashp2p configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

Without a config file or DASHP2P_ variables this prints the defaults, which
makes a usable template:

  dashp2p config dump > config.yaml

Environment variables use the DASHP2P_ prefix and underscores for nesting.
Example: adaptation.buffer_high -> DASHP2P_ADAPTATION_BUFFER_HIGH`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(cmd.OutOrStdout(), cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// initConfig has already validated cfg.
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
}

func writeConfig(w io.Writer, c *config.Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# dashp2p configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 500ms, 10s, 1h")
	fmt.Fprintln(w, "# Size format: 64KiB, 16MiB, 5MB")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   DASHP2P_LOGGING_LEVEL, DASHP2P_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   DASHP2P_ADAPTATION_BUFFER_LOW, DASHP2P_ADAPTATION_BUFFER_HIGH")
	fmt.Fprintln(w, "#   DASHP2P_STATS_PERSIST, DASHP2P_DATABASE_DSN")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
