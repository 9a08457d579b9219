package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// logLevel is shared by every subcommand.
var logLevel string

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "insight",
	Short: "Behavioral analysis toolkit for reaction-game telemetry",
	Long: `insight drives the analysis library against synthetic populations:
simulate runs an A/B experiment scenario end to end, profile clusters a
behavior population and flags anomalies. The library itself owns no CLI;
these commands are a host-side consumer, the same role the game holds.`,
}

// configureLogging applies the --log flag. Subcommands call it first.
func configureLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
}
