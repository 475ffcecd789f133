// Package storage persists aircraft state snapshots and the active-snapshot pointer.
//
// Rows of every snapshot share one table and are told apart by snapshot_time. Readers
// only ever see the snapshot named by the singleton pointer, so a new snapshot can be
// written batch by batch and becomes visible in a single pointer update.
package storage

import (
	"context"
	"errors"
	"fmt"

	"flytie/internal/state"
)

// ErrPointerConflict is returned by CompareAndSwapPointer when the active snapshot is
// not the expected one, i.e. another run promoted in the meantime.
var ErrPointerConflict = errors.New("storage: snapshot pointer changed concurrently")

// Repository is the document-store interface the pipeline consumes.
type Repository interface {
	// InsertBatch appends rows tagged with snap.
	InsertBatch(ctx context.Context, snap state.SnapshotTime, rows []state.AircraftState) error

	// ReadSnapshot returns all rows of snap.
	ReadSnapshot(ctx context.Context, snap state.SnapshotTime) ([]state.AircraftState, error)

	// ReadActiveSnapshot returns the rows of the active snapshot in one consistent read,
	// or nil when no snapshot has been promoted yet.
	ReadActiveSnapshot(ctx context.Context) ([]state.AircraftState, error)

	// ReadPointer returns the pointer record, or nil if none exists.
	ReadPointer(ctx context.Context) (*state.Pointer, error)

	// WritePointer atomically makes next active and returns the snapshot it replaced,
	// or state.NoSnapshot when the pointer is created.
	WritePointer(ctx context.Context, next state.SnapshotTime) (state.SnapshotTime, error)

	// CompareAndSwapPointer makes next active only if expected is currently active
	// (state.NoSnapshot: no pointer exists). Otherwise it returns ErrPointerConflict.
	CompareAndSwapPointer(ctx context.Context, expected, next state.SnapshotTime) error

	// DeleteBatch deletes at most limit rows of snap and returns how many it deleted.
	DeleteBatch(ctx context.Context, snap state.SnapshotTime, limit int) (int, error)

	// SnapshotCounts returns the row count of every stored snapshot, oldest first.
	SnapshotCounts(ctx context.Context) ([]state.SnapshotCount, error)

	// CreateSchema creates tables and indexes if they do not exist.
	CreateSchema(ctx context.Context) error

	Close() error
}

// Supported repository drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config selects and configures the snapshot repository.
type Config struct {
	Driver     string
	Postgres   PostgresConfig
	SQLitePath string
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Driver: DriverPostgres,
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "flytie",
			User:     "flytie",
			Password: "flytie",
		},
		SQLitePath: "flytie.db",
	}
}

// Open opens the configured repository.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch cfg.Driver {
	case DriverPostgres:
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return pg, nil
	case DriverSQLite:
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return db, nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
