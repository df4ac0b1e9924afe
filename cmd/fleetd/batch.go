package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvik/fleetd/internal/batch"
	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/pkg/db"
)

var (
	batchStrategy string
	batchAt       string
	batchBy       string
	batchNotes    string
	batchRunNow   bool
	batchLimit    int
	batchOffset   int
)

func init() {
	batchCreateCmd.Flags().StringVar(&batchStrategy, "strategy", string(db.StrategyRolling), "parallel, rolling or canary")
	batchCreateCmd.Flags().StringVar(&batchAt, "at", "", "start time (RFC3339), defaults to now")
	batchCreateCmd.Flags().StringVar(&batchBy, "by", "", "who requested the batch")
	batchCreateCmd.Flags().StringVar(&batchNotes, "notes", "", "free text stored with the batch")
	batchCreateCmd.Flags().BoolVar(&batchRunNow, "run", false, "run the batch now instead of leaving it to the worker")

	batchListCmd.Flags().IntVar(&batchLimit, "limit", 20, "number of batches")
	batchListCmd.Flags().IntVar(&batchOffset, "offset", 0, "batches to skip")

	batchCmd.AddCommand(batchCreateCmd, batchRunCmd, batchCancelCmd, batchListCmd, batchGetCmd)
	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Roll deployments out over several instances",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create <instance-id>...",
	Short: "Schedule a batch deployment",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := batch.Options{CreatedBy: batchBy, Notes: batchNotes}
		if batchAt != "" {
			at, err := time.Parse(time.RFC3339, batchAt)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			at = at.UTC()
			opts.ScheduledAt = &at
		}
		if batchRunNow && opts.ScheduledAt != nil {
			return fmt.Errorf("--run and --at are exclusive")
		}

		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		b, err := e.Orchestrator.CreateBatch(cmd.Context(), args, db.BatchStrategy(batchStrategy), opts)
		if err != nil {
			return err
		}
		if batchRunNow {
			b, err = e.Orchestrator.RunBatch(cmd.Context(), b.ID)
			if err != nil {
				return err
			}
		}
		return printJSON(b)
	},
}

var batchRunCmd = &cobra.Command{
	Use:   "run <batch-id>",
	Short: "Run a scheduled batch now and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		b, err := e.Orchestrator.RunBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := printJSON(b); err != nil {
			return err
		}
		if b.Status == db.BatchFailed {
			return fmt.Errorf("batch %s failed: %d of %d instances failed", b.ID, b.FailedCount, b.TotalInstances)
		}
		return nil
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a scheduled or running batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		return e.Orchestrator.CancelBatch(cmd.Context(), args[0])
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		batches, err := e.Orchestrator.ListBatches(cmd.Context(), batchLimit, batchOffset)
		if err != nil {
			return err
		}
		for _, b := range batches {
			fmt.Printf("%s  %-9s %-8s %d/%d ok, %d failed\n",
				b.ID, b.Status, b.Strategy, b.CompletedCount, b.TotalInstances, b.FailedCount)
		}
		return nil
	},
}

var batchGetCmd = &cobra.Command{
	Use:   "get <batch-id>",
	Short: "Show a batch with its per-instance results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		b, err := e.Orchestrator.GetBatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}
