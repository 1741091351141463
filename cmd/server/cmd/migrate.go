package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/signoff/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "migrations directory (default: migrations embedded in the binary)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL()
			if err != nil {
				return err
			}
			if err := postgres.MigrateUp(url, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(url, path, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	riverCmd := &cobra.Command{
		Use:   "river",
		Short: "Install or upgrade the River job tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			repo, err := postgres.Open(ctx, url, 2)
			if err != nil {
				return err
			}
			defer repo.Close()
			if err := postgres.MigrateRiver(ctx, repo.Pool()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "river schema up to date")
			return nil
		},
	}

	cmd.AddCommand(up, down, riverCmd)
	return cmd
}

func databaseURL() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("config error: %w", err)
	}
	if !cfg.UsesPostgres() {
		return "", fmt.Errorf("migrations require STORE=postgres")
	}
	return cfg.Database.URL, nil
}
