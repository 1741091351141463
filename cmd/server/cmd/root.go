package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/signoff/internal/config"
)

var (
	logLevel  string
	logFormat string
)

// NewRootCommand builds the signoff command tree. Running it without a
// subcommand starts the server.
func NewRootCommand() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:   "signoff",
		Short: "signoff - multi-approver event sign-off service",
		Long: `signoff runs the event approval workflow: owners create events, every
assigned approver signs off, and approved events can be published.

Event summaries are kept in sync on owner and approver profiles, and approvers
are notified by email when their sign-off is requested.`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")

	root.AddCommand(serve)
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newIdentityCmd())
	root.AddCommand(newHealthcheckCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the global logging flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}
