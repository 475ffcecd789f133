package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flytie/internal/state"
)

// SQLiteDB is a single-file snapshot repository for local runs and development.
type SQLiteDB struct {
	db *sql.DB
}

var _ Repository = (*SQLiteDB)(nil)

// OpenSQLite opens or creates a SQLite database at the given path.
func OpenSQLite(path string) (*SQLiteDB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serialises writers; one connection keeps concurrent batch inserts from
	// failing with SQLITE_BUSY and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

// CreateSchema creates the database tables and indices.
func (d *SQLiteDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS aircraft_states (
		snapshot_time INTEGER NOT NULL,
		icao24 TEXT NOT NULL,
		callsign TEXT,
		origin_country TEXT NOT NULL DEFAULT '',
		squawk TEXT,
		category INTEGER,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		baro_altitude REAL,
		geo_altitude REAL,
		velocity REAL,
		true_track REAL,
		vertical_rate REAL,
		position_source INTEGER NOT NULL DEFAULT 0,
		time_position INTEGER,
		last_contact INTEGER NOT NULL,
		on_ground INTEGER NOT NULL DEFAULT 0,
		spi INTEGER NOT NULL DEFAULT 0,
		est_departure_airport TEXT,
		est_arrival_airport TEXT,
		first_seen INTEGER,
		last_seen INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_aircraft_states_snapshot ON aircraft_states(snapshot_time, icao24);

	CREATE TABLE IF NOT EXISTS snapshot_pointer (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		active_snapshot_time INTEGER NOT NULL,
		previous_snapshot_time INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertBatch inserts rows in a single transaction.
func (d *SQLiteDB) InsertBatch(ctx context.Context, snap state.SnapshotTime, rows []state.AircraftState) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(stateColumns)+1), ", ")
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO aircraft_states (snapshot_time, `+strings.Join(stateColumns, ", ")+`)
		VALUES (`+placeholders+`)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range rows {
		args := append([]any{int64(snap)}, stateValues(s)...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s: %w", s.ICAO24, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadSnapshot returns all rows of snap.
func (d *SQLiteDB) ReadSnapshot(ctx context.Context, snap state.SnapshotTime) ([]state.AircraftState, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+stateSelect+`
		FROM aircraft_states
		WHERE snapshot_time = ?
		ORDER BY icao24
	`, int64(snap))
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return collectSQLStates(rows)
}

// ReadActiveSnapshot returns the rows of the active snapshot.
func (d *SQLiteDB) ReadActiveSnapshot(ctx context.Context) ([]state.AircraftState, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+stateSelect+`
		FROM aircraft_states
		WHERE snapshot_time = (SELECT active_snapshot_time FROM snapshot_pointer WHERE id = 1)
		ORDER BY icao24
	`)
	if err != nil {
		return nil, fmt.Errorf("query active snapshot: %w", err)
	}
	return collectSQLStates(rows)
}

func collectSQLStates(rows *sql.Rows) ([]state.AircraftState, error) {
	defer func() { _ = rows.Close() }()

	var out []state.AircraftState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aircraft state: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aircraft states: %w", err)
	}
	return out, nil
}

// ReadPointer returns the pointer record, or nil if none exists.
func (d *SQLiteDB) ReadPointer(ctx context.Context) (*state.Pointer, error) {
	var p state.Pointer
	var active, previous, updated int64
	err := d.db.QueryRowContext(ctx, `
		SELECT active_snapshot_time, previous_snapshot_time, version, updated_at
		FROM snapshot_pointer WHERE id = 1
	`).Scan(&active, &previous, &p.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pointer: %w", err)
	}
	p.Active = state.SnapshotTime(active)
	p.Previous = state.SnapshotTime(previous)
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}

// WritePointer upserts the singleton and returns the snapshot it replaced.
func (d *SQLiteDB) WritePointer(ctx context.Context, next state.SnapshotTime) (state.SnapshotTime, error) {
	var previous int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO snapshot_pointer (id, active_snapshot_time, previous_snapshot_time, version, updated_at)
		VALUES (1, ?, 0, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			previous_snapshot_time = active_snapshot_time,
			active_snapshot_time = excluded.active_snapshot_time,
			version = version + 1,
			updated_at = excluded.updated_at
		RETURNING previous_snapshot_time
	`, int64(next), time.Now().UnixMilli()).Scan(&previous)
	if err != nil {
		return state.NoSnapshot, fmt.Errorf("write pointer: %w", err)
	}
	return state.SnapshotTime(previous), nil
}

// CompareAndSwapPointer promotes next only if expected is still active.
func (d *SQLiteDB) CompareAndSwapPointer(ctx context.Context, expected, next state.SnapshotTime) error {
	now := time.Now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	if expected == state.NoSnapshot {
		res, err = d.db.ExecContext(ctx, `
			INSERT INTO snapshot_pointer (id, active_snapshot_time, previous_snapshot_time, version, updated_at)
			VALUES (1, ?, 0, 1, ?)
			ON CONFLICT (id) DO NOTHING
		`, int64(next), now)
	} else {
		res, err = d.db.ExecContext(ctx, `
			UPDATE snapshot_pointer SET
				previous_snapshot_time = active_snapshot_time,
				active_snapshot_time = ?,
				version = version + 1,
				updated_at = ?
			WHERE id = 1 AND active_snapshot_time = ?
		`, int64(next), now, int64(expected))
	}
	if err != nil {
		return fmt.Errorf("swap pointer: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap pointer: %w", err)
	}
	if affected == 0 {
		return ErrPointerConflict
	}
	return nil
}

// DeleteBatch deletes at most limit rows of snap.
func (d *SQLiteDB) DeleteBatch(ctx context.Context, snap state.SnapshotTime, limit int) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM aircraft_states
		WHERE rowid IN (
			SELECT rowid FROM aircraft_states WHERE snapshot_time = ? LIMIT ?
		)
	`, int64(snap), limit)
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	return int(n), nil
}

// SnapshotCounts returns the row count of every stored snapshot.
func (d *SQLiteDB) SnapshotCounts(ctx context.Context) ([]state.SnapshotCount, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT snapshot_time, COUNT(*)
		FROM aircraft_states
		GROUP BY snapshot_time
		ORDER BY snapshot_time
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []state.SnapshotCount
	for rows.Next() {
		var c state.SnapshotCount
		var snap int64
		if err := rows.Scan(&snap, &c.Rows); err != nil {
			return nil, fmt.Errorf("scan snapshot count: %w", err)
		}
		c.Snapshot = state.SnapshotTime(snap)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
