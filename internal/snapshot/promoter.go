package snapshot

import (
	"context"
	"fmt"

	"flytie/internal/state"
)

// PointerStore owns the singleton active-snapshot pointer.
type PointerStore interface {
	WritePointer(ctx context.Context, next state.SnapshotTime) (state.SnapshotTime, error)
	CompareAndSwapPointer(ctx context.Context, expected, next state.SnapshotTime) error
}

// Promoter makes a fully written snapshot the active one.
type Promoter struct {
	store PointerStore
}

func NewPromoter(store PointerStore) *Promoter {
	return &Promoter{store: store}
}

// Promote unconditionally activates next and returns the snapshot it replaced, or
// state.NoSnapshot when this is the first promotion.
func (p *Promoter) Promote(ctx context.Context, next state.SnapshotTime) (state.SnapshotTime, error) {
	prev, err := p.store.WritePointer(ctx, next)
	if err != nil {
		return state.NoSnapshot, fmt.Errorf("promote %s: %w", next, err)
	}
	return prev, nil
}

// PromoteIf activates next only if expected is still active, and returns expected as
// the replaced snapshot. A concurrent promotion surfaces as storage.ErrPointerConflict.
func (p *Promoter) PromoteIf(ctx context.Context, expected, next state.SnapshotTime) (state.SnapshotTime, error) {
	if err := p.store.CompareAndSwapPointer(ctx, expected, next); err != nil {
		return state.NoSnapshot, fmt.Errorf("promote %s over %s: %w", next, expected, err)
	}
	return expected, nil
}
