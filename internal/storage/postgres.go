package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flytie/internal/state"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int32
}

// PostgresDB is the PostgreSQL snapshot repository.
type PostgresDB struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresDB)(nil)

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- One row per aircraft per snapshot.
	CREATE TABLE IF NOT EXISTS aircraft_states (
		snapshot_time           BIGINT NOT NULL,
		icao24                  TEXT NOT NULL,
		callsign                TEXT,
		origin_country          TEXT NOT NULL DEFAULT '',
		squawk                  TEXT,
		category                INTEGER,
		latitude                DOUBLE PRECISION NOT NULL,
		longitude               DOUBLE PRECISION NOT NULL,
		baro_altitude           DOUBLE PRECISION,
		geo_altitude            DOUBLE PRECISION,
		velocity                DOUBLE PRECISION,
		true_track              DOUBLE PRECISION,
		vertical_rate           DOUBLE PRECISION,
		position_source         SMALLINT NOT NULL DEFAULT 0,
		time_position           BIGINT,
		last_contact            BIGINT NOT NULL,
		on_ground               BOOLEAN NOT NULL DEFAULT FALSE,
		spi                     BOOLEAN NOT NULL DEFAULT FALSE,
		est_departure_airport   TEXT,
		est_arrival_airport     TEXT,
		first_seen              BIGINT,
		last_seen               BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_aircraft_states_snapshot ON aircraft_states(snapshot_time, icao24);

	-- Singleton pointer to the active snapshot.
	CREATE TABLE IF NOT EXISTS snapshot_pointer (
		id                      SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		active_snapshot_time    BIGINT NOT NULL,
		previous_snapshot_time  BIGINT NOT NULL DEFAULT 0,
		version                 BIGINT NOT NULL DEFAULT 1,
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`

	_, err := d.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertBatch copies rows into aircraft_states.
func (d *PostgresDB) InsertBatch(ctx context.Context, snap state.SnapshotTime, rows []state.AircraftState) error {
	if len(rows) == 0 {
		return nil
	}

	columns := append([]string{"snapshot_time"}, stateColumns...)
	n, err := d.pool.CopyFrom(ctx,
		pgx.Identifier{"aircraft_states"},
		columns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return append([]any{int64(snap)}, stateValues(rows[i])...), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy aircraft states: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy aircraft states: copied %d of %d rows", n, len(rows))
	}
	return nil
}

// ReadSnapshot returns all rows of snap.
func (d *PostgresDB) ReadSnapshot(ctx context.Context, snap state.SnapshotTime) ([]state.AircraftState, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+stateSelect+`
		FROM aircraft_states
		WHERE snapshot_time = $1
		ORDER BY icao24
	`, int64(snap))
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return collectStates(rows)
}

// ReadActiveSnapshot joins against the pointer so the pointer lookup and the row read
// happen in one statement.
func (d *PostgresDB) ReadActiveSnapshot(ctx context.Context) ([]state.AircraftState, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+stateSelect+`
		FROM aircraft_states s
		JOIN snapshot_pointer p ON p.id = 1 AND s.snapshot_time = p.active_snapshot_time
		ORDER BY icao24
	`)
	if err != nil {
		return nil, fmt.Errorf("query active snapshot: %w", err)
	}
	return collectStates(rows)
}

func collectStates(rows pgx.Rows) ([]state.AircraftState, error) {
	defer rows.Close()

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
func (d *PostgresDB) ReadPointer(ctx context.Context) (*state.Pointer, error) {
	var p state.Pointer
	var active, previous int64
	err := d.pool.QueryRow(ctx, `
		SELECT active_snapshot_time, previous_snapshot_time, version, updated_at
		FROM snapshot_pointer WHERE id = 1
	`).Scan(&active, &previous, &p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pointer: %w", err)
	}
	p.Active = state.SnapshotTime(active)
	p.Previous = state.SnapshotTime(previous)
	return &p, nil
}

// WritePointer upserts the singleton. On conflict the old active value moves to
// previous_snapshot_time and is returned by the same statement.
func (d *PostgresDB) WritePointer(ctx context.Context, next state.SnapshotTime) (state.SnapshotTime, error) {
	var previous int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO snapshot_pointer (id, active_snapshot_time, previous_snapshot_time, version, updated_at)
		VALUES (1, $1, 0, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			previous_snapshot_time = snapshot_pointer.active_snapshot_time,
			active_snapshot_time = EXCLUDED.active_snapshot_time,
			version = snapshot_pointer.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING previous_snapshot_time
	`, int64(next)).Scan(&previous)
	if err != nil {
		return state.NoSnapshot, fmt.Errorf("write pointer: %w", err)
	}
	return state.SnapshotTime(previous), nil
}

// CompareAndSwapPointer promotes next only if expected is still active.
func (d *PostgresDB) CompareAndSwapPointer(ctx context.Context, expected, next state.SnapshotTime) error {
	var (
		affected int64
		err      error
	)
	if expected == state.NoSnapshot {
		tag, execErr := d.pool.Exec(ctx, `
			INSERT INTO snapshot_pointer (id, active_snapshot_time, previous_snapshot_time, version, updated_at)
			VALUES (1, $1, 0, 1, NOW())
			ON CONFLICT (id) DO NOTHING
		`, int64(next))
		affected, err = tag.RowsAffected(), execErr
	} else {
		tag, execErr := d.pool.Exec(ctx, `
			UPDATE snapshot_pointer SET
				previous_snapshot_time = active_snapshot_time,
				active_snapshot_time = $1,
				version = version + 1,
				updated_at = NOW()
			WHERE id = 1 AND active_snapshot_time = $2
		`, int64(next), int64(expected))
		affected, err = tag.RowsAffected(), execErr
	}
	if err != nil {
		return fmt.Errorf("swap pointer: %w", err)
	}
	if affected == 0 {
		return ErrPointerConflict
	}
	return nil
}

// DeleteBatch deletes at most limit rows of snap.
func (d *PostgresDB) DeleteBatch(ctx context.Context, snap state.SnapshotTime, limit int) (int, error) {
	tag, err := d.pool.Exec(ctx, `
		DELETE FROM aircraft_states
		WHERE ctid IN (
			SELECT ctid FROM aircraft_states WHERE snapshot_time = $1 LIMIT $2
		)
	`, int64(snap), limit)
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SnapshotCounts returns the row count of every stored snapshot.
func (d *PostgresDB) SnapshotCounts(ctx context.Context) ([]state.SnapshotCount, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT snapshot_time, COUNT(*)
		FROM aircraft_states
		GROUP BY snapshot_time
		ORDER BY snapshot_time
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot counts: %w", err)
	}
	defer rows.Close()

	var counts []state.SnapshotCount
	for rows.Next() {
		var snap, n int64
		if err := rows.Scan(&snap, &n); err != nil {
			return nil, fmt.Errorf("scan snapshot count: %w", err)
		}
		counts = append(counts, state.SnapshotCount{Snapshot: state.SnapshotTime(snap), Rows: int(n)})
	}
	return counts, rows.Err()
}
