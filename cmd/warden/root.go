package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/config"
	"github.com/yairfalse/warden/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	actorName  string

	// cfg is loaded once per invocation by the root pre-run hook
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "warden",
		Short: "Policy-gated remediation orchestrator",
		Long: `Warden - Policy-Gated Remediation

Warden runs remediation playbooks for incidents under a versioned lawbook.
Every run is admitted by guardrail gates, executed one step at a time and
recorded in a tamper-evident audit trail.

Publish a lawbook, activate it, then plan runs from the CLI or the API.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Warden {{.Version}} - Policy-Gated Remediation
`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML); defaults plus WARDEN_* env when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().StringVar(&actorName, "actor", os.Getenv("USER"), "Principal recorded on lawbook changes")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.Parse(nil, os.LookupEnv)
	}
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := telemetry.SetLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// printJSON writes v indented, the output format of every read command
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
