package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/signoff/internal/config"
	"github.com/Togather-Foundation/signoff/internal/jobs"
)

func newReconcileCmd() *cobra.Command {
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-sync event summaries onto identity records",
		Long: `Re-runs status propagation for every stored event so that owner and
approver summaries match the events they point at.

By default the sweep runs in this process. With --enqueue a reconcile job is
handed to the River workers of a running server instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := config.NewLogger(cfg.Logging)
			ctx := cmd.Context()

			a, err := buildApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if enqueue {
				if a.river == nil {
					return fmt.Errorf("--enqueue needs the Postgres store with jobs enabled")
				}
				if err := a.queue.EnqueueReconcile(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "reconcile job enqueued")
				return nil
			}

			stats, err := jobs.Sweep(ctx, a.store.Events(), a.engine, cfg.Jobs.ReconcileConcurrency)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d changed=%d failed=%d\n", stats.Scanned, stats.Changed, stats.Failed)
			if stats.Failed > 0 {
				return fmt.Errorf("%d event(s) failed to reconcile", stats.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "enqueue a reconcile job instead of running the sweep inline")
	return cmd
}
