// Package cmd provides the administrative command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"ams/bootstrap"
	"ams/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for admin commands
var (
	outputJSON bool
	noColor    bool
	quiet      bool
)

const (
	maxSeedFileSize = 10 * 1024 * 1024
	defaultTimeout  = 2 * time.Minute
)

// openFunc opens the application without the API. Tests replace it.
var openFunc = openApp

// NewAdminCmd creates the root admin command with all subcommands.
func NewAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer the analysis database",
		Long: `Administrative commands that work directly on the configured SQLite database.

Reference data can be seeded from a YAML file, submission trees rendered as an outline,
and the history ledger of any node printed.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	adminCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	adminCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	adminCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	adminCmd.AddCommand(newSeedCmd())
	adminCmd.AddCommand(newTreeCmd())
	adminCmd.AddCommand(newHistoryCmd())

	return adminCmd
}

// openApp loads the configuration and opens storage and services.
func openApp(ctx context.Context) (*bootstrap.App, error) {
	logger, sugar, err := bootstrap.InitCLILogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return bootstrap.Open(ctx, cfg, logger, sugar)
}

// outputAsJSON writes data as indented JSON
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
