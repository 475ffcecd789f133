package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"flytie/internal/state"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Run statuses recorded in refresh_runs.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunConflict  = "conflict"
)

// RefreshRun is one pipeline execution as recorded in the run log.
type RefreshRun struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Snapshot       state.SnapshotTime
	Previous       state.SnapshotTime
	Status         string
	Error          string
	Fetched        int
	Parsed         int
	CarriedForward int
	FromHistory    int
	Iterations     int
	Remaining      int
	Written        int
	Reaped         int
}

// Duration returns how long the run took.
func (r RefreshRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunLog records refresh runs in ClickHouse.
type RunLog struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*RunLog, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &RunLog{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (l *RunLog) Close() error {
	return l.conn.Close()
}

// CreateSchema creates the refresh_runs table.
func (l *RunLog) CreateSchema(ctx context.Context) error {
	err := l.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS refresh_runs (
		run_id           String,
		started_at       DateTime64(3),
		finished_at      DateTime64(3),
		snapshot_time    Int64,
		previous_time    Int64,
		status           LowCardinality(String),
		error            String,
		fetched          UInt32,
		parsed           UInt32,
		carried_forward  UInt32,
		from_history     UInt32,
		iterations       UInt32,
		remaining        UInt32,
		written          UInt32,
		reaped           UInt32
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(started_at)
	ORDER BY (started_at, run_id)
	TTL toDateTime(started_at) + INTERVAL 90 DAY`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// RecordRun appends one run to the log.
func (l *RunLog) RecordRun(ctx context.Context, r RefreshRun) error {
	batch, err := l.conn.PrepareBatch(ctx, `
		INSERT INTO refresh_runs (
			run_id, started_at, finished_at, snapshot_time, previous_time, status, error,
			fetched, parsed, carried_forward, from_history, iterations, remaining, written, reaped
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		r.RunID, r.StartedAt, r.FinishedAt, int64(r.Snapshot), int64(r.Previous), r.Status, r.Error,
		uint32(r.Fetched), uint32(r.Parsed), uint32(r.CarriedForward), uint32(r.FromHistory),
		uint32(r.Iterations), uint32(r.Remaining), uint32(r.Written), uint32(r.Reaped),
	)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (l *RunLog) RecentRuns(ctx context.Context, limit int) ([]RefreshRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.conn.Query(ctx, `
		SELECT run_id, started_at, finished_at, snapshot_time, previous_time, status, error,
			fetched, parsed, carried_forward, from_history, iterations, remaining, written, reaped
		FROM refresh_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RefreshRun
	for rows.Next() {
		var (
			r                                  RefreshRun
			snap, prev                         int64
			fetched, parsed, carried, history  uint32
			iterations, remaining, written, rp uint32
		)
		err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &snap, &prev, &r.Status, &r.Error,
			&fetched, &parsed, &carried, &history, &iterations, &remaining, &written, &rp)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Snapshot = state.SnapshotTime(snap)
		r.Previous = state.SnapshotTime(prev)
		r.Fetched = int(fetched)
		r.Parsed = int(parsed)
		r.CarriedForward = int(carried)
		r.FromHistory = int(history)
		r.Iterations = int(iterations)
		r.Remaining = int(remaining)
		r.Written = int(written)
		r.Reaped = int(rp)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
