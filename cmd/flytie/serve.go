package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"flytie/internal/api"
)

func newServeCmd(a *app) *cobra.Command {
	var withRefresh bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the active snapshot over HTTP",
		Long: `Serve the read API:

  GET /api/v1/health
  GET /api/v1/snapshot
  GET /api/v1/aircraft?bbox=lamin,lomin,lamax,lomax&enriched=true
  GET /api/v1/aircraft/{icao24}
  GET /api/v1/runs?limit=N          (when the ClickHouse run log is enabled)
  GET /metrics

With api.auth enabled, requests must carry an API key via the X-API-Key header,
an Authorization: Bearer header or the api_key query parameter.`,
		Example: `  flytie serve --addr :8081
  flytie serve --refresh --interval 2m`,
		GroupID: "pipeline",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			ctx := cmd.Context()

			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			runs, err := a.openRunLog(ctx)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			g, gctx := errgroup.WithContext(ctx)

			if withRefresh {
				r, reg, err := a.newRefresher(ctx, repo, true)
				if err != nil {
					return err
				}
				registry = reg
				g.Go(func() error {
					if err := r.Loop(gctx, a.cfg.Snapshot.Interval); err != nil && gctx.Err() == nil {
						return fmt.Errorf("refresh loop: %w", err)
					}
					return nil
				})
			}
			if err := registry.Register(collectors.NewGoCollector()); err != nil {
				return fmt.Errorf("register go collector: %w", err)
			}

			cfg := api.Config{
				Addr:        a.cfg.API.Addr,
				AuthEnabled: a.cfg.API.Auth,
				APIKeys:     a.cfg.API.APIKeys,
				CacheTTL:    a.cfg.API.CacheTTL,
				Registry:    registry,
			}
			if runs != nil {
				cfg.Runs = runs
			}
			server := api.NewSnapshotServer(repo, cfg, a.logger)
			g.Go(func() error { return server.Run(gctx) })

			return g.Wait()
		},
	}

	cmd.Flags().String("addr", ":8081", "listen address")
	cmd.Flags().BoolVar(&withRefresh, "refresh", false, "also run the refresh loop in this process")
	cmd.Flags().Duration("interval", 0, "refresh period with --refresh (default snapshot.interval)")
	return cmd
}
