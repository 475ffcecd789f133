package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"flytie/internal/config"
	"flytie/internal/enrich"
	"flytie/internal/logging"
	"flytie/internal/metrics"
	"flytie/internal/notify"
	"flytie/internal/opensky"
	"flytie/internal/refresh"
	"flytie/internal/runlock"
	"flytie/internal/storage"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// app holds what every command needs once configuration is loaded. Commands defer
// close to release whatever they opened.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	runLog *storage.RunLog

	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
	a.runLog = nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:   "flytie",
		Short: "Live aircraft snapshots enriched with estimated routes",
		Long: `flytie polls the OpenSky Network for live state vectors, enriches them with
estimated departure and arrival airports, and stores them as atomically promoted
snapshots that readers can query while the next one is written.

Examples:
  flytie schema                            # Create tables
  flytie refresh                           # One pipeline run
  flytie refresh --loop                    # Run every snapshot.interval
  flytie serve                             # HTTP API on api.addr
  flytie snapshots                         # Stored snapshots and orphans`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, boundFlags(cmd.Flags()))
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default: ./flytie.yaml or ~/.config/flytie/flytie.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("store", storage.DriverPostgres, "snapshot store: postgres, sqlite or memory")
	pf.String("sqlite-path", "flytie.db", "SQLite database file")

	root.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Pipeline Commands:"},
		&cobra.Group{ID: "admin", Title: "Administration Commands:"},
	)
	root.AddCommand(
		newRefreshCmd(a),
		newServeCmd(a),
		newReapCmd(a),
		newSnapshotsCmd(a),
		newSchemaCmd(a),
		newFlightsCmd(a),
	)
	return root
}

// flagKeys maps command line flags to the config keys they override.
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"log-format":  "log.format",
	"store":       "store.driver",
	"sqlite-path": "store.sqlite_path",
	"addr":        "api.addr",
	"interval":    "snapshot.interval",
}

// boundFlags returns the flags that override config keys. Only flags set on the
// command line are bound so defaults keep coming from the config layers.
func boundFlags(fs *pflag.FlagSet) map[string]*pflag.Flag {
	out := make(map[string]*pflag.Flag)
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil && f.Changed {
			out[key] = f
		}
	}
	return out
}

func (a *app) openRepository(ctx context.Context) (storage.Repository, error) {
	repo, err := storage.Open(ctx, a.cfg.Storage())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.onClose(repo.Close)
	return repo, nil
}

// openRunLog returns nil when the ClickHouse run log is disabled. The connection is
// shared by every caller.
func (a *app) openRunLog(ctx context.Context) (*storage.RunLog, error) {
	if !a.cfg.ClickHouse.Enabled {
		return nil, nil
	}
	if a.runLog != nil {
		return a.runLog, nil
	}
	runs, err := storage.OpenClickHouse(ctx, a.cfg.RunLog())
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	a.onClose(runs.Close)
	a.runLog = runs
	return runs, nil
}

func (a *app) openSkyClient() (*opensky.Client, error) {
	return opensky.NewClient(a.cfg.OpenSkyClient(), a.logger)
}

// newRefresher wires the pipeline from configuration. The returned registry carries
// the pipeline metrics.
func (a *app) newRefresher(ctx context.Context, repo storage.Repository, enrichEnabled bool) (*refresh.Refresher, *prometheus.Registry, error) {
	client, err := a.openSkyClient()
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, nil, err
	}

	deps := refresh.Deps{
		Repo:    repo,
		Fetcher: client,
		Metrics: m,
		Logger:  a.logger,
	}

	if enrichEnabled && a.cfg.Enrich.Enabled {
		deps.Enricher = enrich.New(client, a.cfg.Pacer(), enrich.Config{
			Window:        a.cfg.Enrich.Window,
			MaxIterations: a.cfg.Enrich.MaxIterations,
		}, a.logger)
	}

	if a.cfg.NATS.URL != "" {
		notifier, nc, err := notify.Connect(a.cfg.NATS.URL, a.cfg.NATS.Subject, a.logger)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func() error { return drain(nc) })
		deps.Notifier = notifier
	}

	if a.cfg.Redis.Addr != "" {
		store := runlock.NewGoRedisStore(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		a.onClose(store.Close)
		if err := store.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.Locker = runlock.New(store, a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL)
	}

	runs, err := a.openRunLog(ctx)
	if err != nil {
		return nil, nil, err
	}
	if runs != nil {
		deps.Runs = runs
	}

	return refresh.New(deps, refresh.Options{
		BatchSize:      a.cfg.Snapshot.BatchSize,
		Concurrency:    a.cfg.Snapshot.Concurrency,
		GuardPromotion: a.cfg.Snapshot.GuardPromotion,
	}), registry, nil
}

func drain(nc *nats.Conn) error {
	if nc.IsClosed() {
		return nil
	}
	return nc.Drain()
}
