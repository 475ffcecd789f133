// Package refresh runs the snapshot pipeline: fetch live state vectors, parse them,
// enrich them with routes, write them as a new snapshot, promote it and reap the
// snapshot it replaced.
//
// Everything up to and including promotion is fatal: a failed run leaves the active
// snapshot untouched. Notification, reaping and the run log happen after promotion and
// only log their failures.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"flytie/internal/enrich"
	"flytie/internal/metrics"
	"flytie/internal/notify"
	"flytie/internal/opensky"
	"flytie/internal/runlock"
	"flytie/internal/snapshot"
	"flytie/internal/state"
	"flytie/internal/storage"
)

const sideEffectTimeout = 10 * time.Second

// Fetcher returns the current live state vectors.
type Fetcher interface {
	FetchStates(ctx context.Context) ([]state.Vector, error)
}

// RunRecorder stores a record of each run.
type RunRecorder interface {
	RecordRun(ctx context.Context, run storage.RefreshRun) error
}

// Options tunes a Refresher.
type Options struct {
	BatchSize      int
	Concurrency    int
	GuardPromotion bool // Promote with compare-and-swap against the pointer read at start.
	Now            func() time.Time
}

// Deps are the collaborators of a Refresher. Repo and Fetcher are required; a nil
// Enricher skips enrichment and the other optional fields default to no-ops.
type Deps struct {
	Repo     storage.Repository
	Fetcher  Fetcher
	Enricher *enrich.Enricher
	Locker   runlock.Locker
	Notifier notify.Notifier
	Runs     RunRecorder
	Metrics  *metrics.PipelineMetrics
	Logger   *slog.Logger
}

// Result describes a completed or failed run.
type Result struct {
	RunID       string             `json:"run_id"`
	Snapshot    state.SnapshotTime `json:"snapshot"`
	Previous    state.SnapshotTime `json:"previous"`
	Fetched     int                `json:"fetched"`
	Parsed      int                `json:"parsed"`
	Enrich      enrich.Stats       `json:"enrich"`
	Batches     int                `json:"batches"`
	Promoted    bool               `json:"promoted"`
	RateLimited bool               `json:"rate_limited,omitempty"` // Failed on an upstream 429.
	Reap        snapshot.Report    `json:"reap"`
	ReapErr     error              `json:"-"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// Refresher runs the pipeline.
type Refresher struct {
	deps     Deps
	opts     Options
	writer   *snapshot.Writer
	promoter *snapshot.Promoter
	reaper   *snapshot.Reaper
	logger   *slog.Logger
}

// New creates a Refresher.
func New(deps Deps, opts Options) *Refresher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = runlock.Noop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Refresher{
		deps:     deps,
		opts:     opts,
		writer:   snapshot.NewWriter(deps.Repo, opts.BatchSize, opts.Concurrency, deps.Logger),
		promoter: snapshot.NewPromoter(deps.Repo),
		reaper:   snapshot.NewReaper(deps.Repo, opts.BatchSize, deps.Logger),
		logger:   deps.Logger.With("component", "refresh"),
	}
}

// Run executes one pipeline run. The returned Result is never nil and holds whatever
// progress was made before an error.
func (r *Refresher) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), StartedAt: r.opts.Now()}
	logger := r.logger.With("run_id", res.RunID)

	err := r.run(ctx, res, logger)
	res.FinishedAt = r.opts.Now()

	status := storage.RunSucceeded
	switch {
	case errors.Is(err, storage.ErrPointerConflict):
		status = storage.RunConflict
	case err != nil:
		status = storage.RunFailed
	}
	r.observe(res, status, err)
	r.record(ctx, res, status, err, logger)

	if err != nil {
		if opensky.IsRateLimited(err) {
			res.RateLimited = true
			logger.Warn("refresh stopped by upstream rate limit", "snapshot", res.Snapshot, "error", err)
			return res, err
		}
		logger.Error("refresh failed", "snapshot", res.Snapshot, "error", err)
		return res, err
	}
	logger.Info("refresh complete",
		"snapshot", res.Snapshot,
		"previous", res.Previous,
		"rows", res.Parsed,
		"carried_forward", res.Enrich.CarriedForward,
		"from_history", res.Enrich.FromHistory,
		"missing", res.Enrich.Remaining,
		"reaped", res.Reap.Deleted,
		"duration", res.FinishedAt.Sub(res.StartedAt))
	return res, nil
}

func (r *Refresher) run(ctx context.Context, res *Result, logger *slog.Logger) error {
	release, err := r.deps.Locker.Acquire(ctx, res.RunID)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()
		if err := release(rctx); err != nil {
			logger.Warn("release run lock", "error", err)
		}
	}()

	ptr, err := r.deps.Repo.ReadPointer(ctx)
	if err != nil {
		return fmt.Errorf("read pointer: %w", err)
	}
	active := state.NoSnapshot
	if ptr != nil {
		active = ptr.Active
	}
	res.Snapshot = snapshot.NextTime(res.StartedAt, active)

	start := time.Now()
	vectors, err := r.deps.Fetcher.FetchStates(ctx)
	if err != nil {
		return fmt.Errorf("fetch states: %w", err)
	}
	states := state.ParseVectors(vectors)
	res.Fetched, res.Parsed = len(vectors), len(states)
	r.stage("fetch", start)
	logger.Debug("states fetched", "fetched", res.Fetched, "rows", res.Parsed)

	if r.deps.Enricher != nil {
		start = time.Now()
		var previous []state.AircraftState
		if active.Valid() {
			previous, err = r.deps.Repo.ReadSnapshot(ctx, active)
			if err != nil {
				return fmt.Errorf("read previous snapshot %s: %w", active, err)
			}
		}
		res.Enrich, err = r.deps.Enricher.Enrich(ctx, states, previous)
		r.stage("enrich", start)
		if err != nil {
			return fmt.Errorf("enrich: %w", err)
		}
	} else {
		res.Enrich = enrich.Stats{Total: len(states), Remaining: enrich.CountMissing(states)}
	}

	start = time.Now()
	res.Batches, err = r.writer.Write(ctx, res.Snapshot, states)
	r.stage("write", start)
	if err != nil {
		// The rows written so far are never promoted; `flytie snapshots` lists them.
		return fmt.Errorf("write snapshot %s: %w", res.Snapshot, err)
	}

	start = time.Now()
	if r.opts.GuardPromotion {
		res.Previous, err = r.promoter.PromoteIf(ctx, active, res.Snapshot)
	} else {
		res.Previous, err = r.promoter.Promote(ctx, res.Snapshot)
	}
	r.stage("promote", start)
	if err != nil {
		return err
	}
	res.Promoted = true

	r.notify(ctx, res, logger)

	// Reaping is not part of the run's visible outcome. A failure leaves the rows in
	// place and Pointer.Previous still names them for `flytie reap`.
	start = time.Now()
	res.Reap, res.ReapErr = r.reaper.Reap(ctx, res.Previous)
	r.stage("reap", start)
	if res.ReapErr != nil {
		logger.Warn("reap previous snapshot", "snapshot", res.Previous, "error", res.ReapErr)
	}
	return nil
}

func (r *Refresher) notify(ctx context.Context, res *Result, logger *slog.Logger) {
	nctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
	defer cancel()

	err := r.deps.Notifier.Promoted(nctx, notify.Promotion{
		RunID:      res.RunID,
		Snapshot:   res.Snapshot,
		Previous:   res.Previous,
		Rows:       res.Parsed,
		Enriched:   res.Enrich.CarriedForward + res.Enrich.FromHistory,
		PromotedAt: r.opts.Now(),
	})
	if err != nil {
		logger.Warn("publish promotion", "snapshot", res.Snapshot, "error", err)
	}
}

func (r *Refresher) record(ctx context.Context, res *Result, status string, runErr error, logger *slog.Logger) {
	if r.deps.Runs == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	run := storage.RefreshRun{
		RunID:          res.RunID,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
		Snapshot:       res.Snapshot,
		Previous:       res.Previous,
		Status:         status,
		Fetched:        res.Fetched,
		Parsed:         res.Parsed,
		CarriedForward: res.Enrich.CarriedForward,
		FromHistory:    res.Enrich.FromHistory,
		Iterations:     res.Enrich.Iterations,
		Remaining:      res.Enrich.Remaining,
		Written:        res.Parsed,
		Reaped:         res.Reap.Deleted,
	}
	if !res.Promoted {
		run.Written = 0
	}
	if runErr != nil {
		run.Error = runErr.Error()
	} else if res.ReapErr != nil {
		run.Error = res.ReapErr.Error()
	}

	if err := r.deps.Runs.RecordRun(rctx, run); err != nil {
		logger.Warn("record run", "error", err)
	}
}

func (r *Refresher) stage(name string, start time.Time) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordStage(name, time.Since(start))
	}
}

func (r *Refresher) observe(res *Result, status string, err error) {
	m := r.deps.Metrics
	if m == nil {
		return
	}
	label := metrics.StatusSuccess
	switch status {
	case storage.RunConflict:
		label = metrics.StatusConflict
	case storage.RunFailed:
		label = metrics.StatusError
	}
	m.RecordRun(label, res.FinishedAt.Sub(res.StartedAt))
	m.RecordHistoryQueries(label, res.Enrich.Iterations)
	if err != nil {
		return
	}
	m.RecordStates(res.Fetched, res.Parsed, res.Enrich.CarriedForward, res.Enrich.FromHistory, res.Enrich.Remaining)
	m.RecordReap(res.Reap.Deleted, res.ReapErr)
	m.SetActiveSnapshot(res.Snapshot.Time())
}

// Loop runs the pipeline immediately and then every interval until ctx is done.
// Failed runs are logged and do not stop the loop.
func (r *Refresher) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Run(ctx); errors.Is(err, runlock.ErrLocked) {
			r.logger.Info("another refresh holds the run lock")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
