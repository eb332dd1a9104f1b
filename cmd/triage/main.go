// Package main is the entry point for the triage assessment service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/triage/internal/config"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "triage",
		Short: "Telehealth assessment flow service",
		Long: `triage serves configurable assessment flows: patients answer one step at a
time and the next step is chosen from their accumulated answers.`,
		SilenceUsage: true,
		Version:      fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().String("config", "config.yaml", "path to configuration file")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the configuration")

	root.AddCommand(newServeCmd(), newValidateCmd())
	return root
}

// loadConfig loads the dotenv file and configuration named by the persistent
// flags. A missing config file at the default path falls back to defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}

	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return config.Load(path)
}
