package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRefreshCmd(a *app) *cobra.Command {
	var (
		loop     bool
		noEnrich bool
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch, enrich and promote a new snapshot",
		Long: `Run the ingestion pipeline: fetch live state vectors, parse them, enrich them
with routes, write them as a new snapshot, promote it and reap the snapshot it
replaced. A failed run leaves the active snapshot untouched.`,
		Example: `  flytie refresh
  flytie refresh --no-enrich --store sqlite
  flytie refresh --loop --interval 2m`,
		GroupID: "pipeline",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			ctx := cmd.Context()

			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			refresher, _, err := a.newRefresher(ctx, repo, !noEnrich)
			if err != nil {
				return err
			}

			if loop {
				a.logger.Info("refresh loop starting", "interval", a.cfg.Snapshot.Interval)
				if err := refresher.Loop(ctx, a.cfg.Snapshot.Interval); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}

			res, err := refresher.Run(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "repeat every --interval until interrupted")
	cmd.Flags().Duration("interval", 5*time.Minute, "refresh period with --loop")
	cmd.Flags().BoolVar(&noEnrich, "no-enrich", false, "skip route enrichment")
	return cmd
}

func newFlightsCmd(a *app) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:     "flights <icao24>",
		Short:   "Print the recent historical flights of one aircraft",
		Example: `  flytie flights 7c6ca3 --since 48h`,
		GroupID: "admin",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			client, err := a.openSkyClient()
			if err != nil {
				return err
			}

			end := time.Now().UTC()
			flights, err := client.FlightsByAircraft(cmd.Context(), args[0], end.Add(-since), end)
			if err != nil {
				return fmt.Errorf("flights of %s: %w", args[0], err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(flights)
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}
