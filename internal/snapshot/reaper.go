package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flytie/internal/state"
)

// Deleter removes rows of a snapshot in bounded batches.
type Deleter interface {
	DeleteBatch(ctx context.Context, snap state.SnapshotTime, limit int) (int, error)
}

// Report describes one reaping pass.
type Report struct {
	Snapshot state.SnapshotTime `json:"snapshot"`
	Calls    int                `json:"calls"`
	Deleted  int                `json:"deleted"`
	Duration time.Duration      `json:"duration"`
}

// Reaper deletes the rows of a superseded snapshot.
type Reaper struct {
	repo      Deleter
	batchSize int
	logger    *slog.Logger
}

func NewReaper(repo Deleter, batchSize int, logger *slog.Logger) *Reaper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{repo: repo, batchSize: batchSize, logger: logger.With("component", "reaper")}
}

// Reap deletes one batch at a time until a call deletes fewer rows than the batch
// size. Reaping state.NoSnapshot does nothing. On error the report holds the progress
// made so far; calling Reap again resumes where it stopped.
func (r *Reaper) Reap(ctx context.Context, snap state.SnapshotTime) (Report, error) {
	report := Report{Snapshot: snap}
	if !snap.Valid() {
		return report, nil
	}

	start := time.Now()
	for {
		n, err := r.repo.DeleteBatch(ctx, snap, r.batchSize)
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("reap %s after %d rows: %w", snap, report.Deleted, err)
		}
		report.Calls++
		report.Deleted += n

		if n < r.batchSize {
			break
		}
	}

	report.Duration = time.Since(start)
	r.logger.Debug("snapshot reaped",
		"snapshot", snap,
		"rows", report.Deleted,
		"calls", report.Calls,
		"duration", report.Duration)
	return report, nil
}
