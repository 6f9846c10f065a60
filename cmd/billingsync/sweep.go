package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/billingsync/internal/pkg/jobqueue"
)

var replayStuck bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one trial expiry sweep and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		report, err := rt.svc.SweepTrials(cmd.Context())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List webhook events that were recorded but never processed",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.close()

		manager := jobqueue.NewManager(rt.svc, jobqueue.Options{
			StuckEventAge:     rt.cfg.Billing.StuckEventAge,
			ReplayStuckEvents: replayStuck,
		})
		n, err := manager.CheckStuckEventsOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d stuck webhook event(s)\n", n)
		return nil
	},
}

func init() {
	stuckCmd.Flags().BoolVar(&replayStuck, "replay", false, "replay each stuck event from its stored payload")
}
