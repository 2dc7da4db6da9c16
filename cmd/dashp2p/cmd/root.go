// Package cmd implements the CLI commands for dashp2p.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/konstantinmiller/dashp2p/internal/config"
	"github.com/konstantinmiller/dashp2p/internal/observability"
	"github.com/konstantinmiller/dashp2p/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// cfg is the configuration loaded before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "dashp2p",
	Short:   "Adaptive HTTP streaming client",
	Version: version.Short(),
	Long: `dashp2p plays a DASH presentation over pipelined HTTP/1.1 connections.

The rate-adaptation engine picks a representation for every segment from
the buffer level and the measured throughput. The media bytes are written
in playback order to a file, stdout, or the /stream endpoint of the
embedded API server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd.Root().PersistentFlags())
	}

	// Log flags are not bound to viper. They only override the config and
	// environment when set explicitly.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, ./configs/config.yaml or /etc/dashp2p/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig loads the configuration and installs the default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (DASHP2P_LOGGING_LEVEL, DASHP2P_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults
func initConfig(flags *pflag.FlagSet) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		loaded.Logging.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		loaded.Logging.Format = strings.ToLower(format)
	}
	if loaded.Logging.Level == "warning" {
		loaded.Logging.Level = "warn"
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	observability.SetDefault(observability.NewLogger(loaded.Logging))
	cfg = loaded
	return nil
}
