package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inferloop/vaeanomaly/cmd/vaeanomaly/commands"
	"github.com/inferloop/vaeanomaly/pkg/constants"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.AppName,
		Short: constants.AppDescription,
		Long: `Train a convolutional variational autoencoder on images of a normal class
and score held-out images with VAE, importance-weighted and gamma-calibrated
anomaly scores.`,
		Version:       constants.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (YAML); VAEAD_* environment variables override it")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	rootCmd.AddCommand(commands.NewTrainCmd())
	rootCmd.AddCommand(commands.NewEvaluateCmd())
	rootCmd.AddCommand(commands.NewCalibrateCmd())
	rootCmd.AddCommand(commands.NewArchitectureCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
