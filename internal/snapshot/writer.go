// Package snapshot writes, promotes and reclaims aircraft state snapshots.
//
// A snapshot is written in full under a new snapshot time, then made visible by a
// single pointer update. Rows of the snapshot it replaced are deleted afterwards in
// bounded batches.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"flytie/internal/state"
)

const (
	DefaultBatchSize   = 1000
	DefaultConcurrency = 4
)

// Inserter appends rows to a snapshot.
type Inserter interface {
	InsertBatch(ctx context.Context, snap state.SnapshotTime, rows []state.AircraftState) error
}

// Writer persists a snapshot in fixed-size batches.
type Writer struct {
	repo        Inserter
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

// NewWriter creates a Writer. Non-positive sizes fall back to the defaults.
func NewWriter(repo Inserter, batchSize, concurrency int, logger *slog.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		repo:        repo,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger.With("component", "writer"),
	}
}

// Batches splits states into consecutive slices of at most size rows.
func Batches(states []state.AircraftState, size int) [][]state.AircraftState {
	if size <= 0 || len(states) == 0 {
		return nil
	}
	out := make([][]state.AircraftState, 0, (len(states)+size-1)/size)
	for start := 0; start < len(states); start += size {
		end := min(start+size, len(states))
		out = append(out, states[start:end:end])
	}
	return out
}

// Write inserts every state tagged with snap and returns the number of batches.
// Batches run concurrently; the first failure cancels the rest and is returned, in
// which case the snapshot is incomplete and must not be promoted.
func (w *Writer) Write(ctx context.Context, snap state.SnapshotTime, states []state.AircraftState) (int, error) {
	batches := Batches(states, w.batchSize)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for i, batch := range batches {
		g.Go(func() error {
			if err := w.repo.InsertBatch(gctx, snap, batch); err != nil {
				return fmt.Errorf("write batch %d of %d: %w", i+1, len(batches), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return len(batches), err
	}

	w.logger.Debug("snapshot written",
		"snapshot", snap,
		"rows", len(states),
		"batches", len(batches),
		"duration", time.Since(start))
	return len(batches), nil
}
