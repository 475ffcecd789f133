package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"flytie/internal/state"
)

// MemoryDB is an in-process repository. It backs the memory driver for dry runs and
// the pipeline tests.
type MemoryDB struct {
	mu      sync.Mutex
	rows    map[state.SnapshotTime][]state.AircraftState
	pointer *state.Pointer
	now     func() time.Time
}

var _ Repository = (*MemoryDB)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		rows: make(map[state.SnapshotTime][]state.AircraftState),
		now:  time.Now,
	}
}

func (m *MemoryDB) Close() error { return nil }

func (m *MemoryDB) CreateSchema(context.Context) error { return nil }

func (m *MemoryDB) InsertBatch(ctx context.Context, snap state.SnapshotTime, rows []state.AircraftState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[snap] = append(m.rows[snap], rows...)
	return nil
}

func (m *MemoryDB) ReadSnapshot(ctx context.Context, snap state.SnapshotTime) ([]state.AircraftState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedCopy(snap), nil
}

func (m *MemoryDB) ReadActiveSnapshot(ctx context.Context) ([]state.AircraftState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pointer == nil {
		return nil, nil
	}
	return m.sortedCopy(m.pointer.Active), nil
}

// sortedCopy returns the rows of snap ordered by icao24, like the SQL repositories.
func (m *MemoryDB) sortedCopy(snap state.SnapshotTime) []state.AircraftState {
	src := m.rows[snap]
	if len(src) == 0 {
		return nil
	}
	out := make([]state.AircraftState, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ICAO24 < out[j].ICAO24 })
	return out
}

func (m *MemoryDB) ReadPointer(ctx context.Context) (*state.Pointer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pointer == nil {
		return nil, nil
	}
	p := *m.pointer
	return &p, nil
}

func (m *MemoryDB) WritePointer(ctx context.Context, next state.SnapshotTime) (state.SnapshotTime, error) {
	if err := ctx.Err(); err != nil {
		return state.NoSnapshot, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swap(next), nil
}

func (m *MemoryDB) CompareAndSwapPointer(ctx context.Context, expected, next state.SnapshotTime) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := state.NoSnapshot
	if m.pointer != nil {
		current = m.pointer.Active
	}
	if current != expected {
		return ErrPointerConflict
	}
	m.swap(next)
	return nil
}

// swap must be called with mu held.
func (m *MemoryDB) swap(next state.SnapshotTime) state.SnapshotTime {
	if m.pointer == nil {
		m.pointer = &state.Pointer{Active: next, Version: 1, UpdatedAt: m.now()}
		return state.NoSnapshot
	}
	previous := m.pointer.Active
	m.pointer = &state.Pointer{
		Active:    next,
		Previous:  previous,
		Version:   m.pointer.Version + 1,
		UpdatedAt: m.now(),
	}
	return previous
}

func (m *MemoryDB) DeleteBatch(ctx context.Context, snap state.SnapshotTime, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[snap]
	n := min(limit, len(rows))
	if n <= 0 {
		return 0, nil
	}
	if n == len(rows) {
		delete(m.rows, snap)
	} else {
		m.rows[snap] = rows[n:]
	}
	return n, nil
}

func (m *MemoryDB) SnapshotCounts(ctx context.Context) ([]state.SnapshotCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make([]state.SnapshotCount, 0, len(m.rows))
	for snap, rows := range m.rows {
		counts = append(counts, state.SnapshotCount{Snapshot: snap, Rows: len(rows)})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Snapshot < counts[j].Snapshot })
	return counts, nil
}
