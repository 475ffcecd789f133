package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"flytie/internal/state"
	"flytie/internal/storage"
)

func TestReapTarget(t *testing.T) {
	ptr := &state.Pointer{Active: 300, Previous: 200}

	tests := []struct {
		name     string
		ptr      *state.Pointer
		explicit state.SnapshotTime
		force    bool
		want     state.SnapshotTime
		wantErr  error
	}{
		{"previous by default", ptr, state.NoSnapshot, false, 200, nil},
		{"explicit orphan", ptr, 100, false, 100, nil},
		{"active refused", ptr, 300, false, state.NoSnapshot, errReapActive},
		{"active refused even with force", ptr, 300, true, state.NoSnapshot, errReapActive},
		{"in progress refused", ptr, 400, false, state.NoSnapshot, errReapInProgress},
		{"in progress with force", ptr, 400, true, 400, nil},
		{"no pointer", nil, state.NoSnapshot, false, state.NoSnapshot, nil},
		{"no pointer explicit", nil, 100, false, 100, nil},
		{"first snapshot has no previous", &state.Pointer{Active: 300}, state.NoSnapshot, false, state.NoSnapshot, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reapTarget(tt.ptr, tt.explicit, tt.force)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("target = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSnapshotRole(t *testing.T) {
	ptr := &state.Pointer{Active: 300, Previous: 200}

	tests := []struct {
		ptr  *state.Pointer
		snap state.SnapshotTime
		want string
	}{
		{ptr, 300, "active"},
		{ptr, 200, "previous"},
		{ptr, 100, "orphan"},
		{ptr, 400, "in progress"},
		{nil, 100, "orphan"},
	}
	for _, tt := range tests {
		if got := snapshotRole(tt.ptr, tt.snap); got != tt.want {
			t.Errorf("snapshotRole(%v, %s) = %q, want %q", tt.ptr, tt.snap, got, tt.want)
		}
	}
}

func TestListSnapshots(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemory()
	rows := []state.AircraftState{{ICAO24: "abc123"}, {ICAO24: "def456"}}

	for _, snap := range []state.SnapshotTime{1700000000000, 1700000060000} {
		if err := repo.InsertBatch(ctx, snap, rows); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if _, err := repo.WritePointer(ctx, snap); err != nil {
			t.Fatalf("write pointer: %v", err)
		}
	}
	// Rows of a run that never promoted.
	if err := repo.InsertBatch(ctx, 1699999940000, rows[:1]); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var out bytes.Buffer
	if err := listSnapshots(ctx, repo, &out); err != nil {
		t.Fatalf("listSnapshots: %v", err)
	}

	text := out.String()
	for _, want := range []string{"1700000060000", "active", "previous", "orphan"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if lines := strings.Count(strings.TrimSpace(text), "\n"); lines != 3 {
		t.Errorf("got %d data lines, want 3:\n%s", lines, text)
	}
}

func TestListSnapshotsEmptyActive(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemory()
	if _, err := repo.WritePointer(ctx, 1700000000000); err != nil {
		t.Fatalf("write pointer: %v", err)
	}

	var out bytes.Buffer
	if err := listSnapshots(ctx, repo, &out); err != nil {
		t.Fatalf("listSnapshots: %v", err)
	}
	if !strings.Contains(out.String(), "1700000000000") || !strings.Contains(out.String(), "active") {
		t.Errorf("empty active snapshot not listed:\n%s", out.String())
	}
}

func TestBoundFlagsOnlyChanged(t *testing.T) {
	cmd := newRootCmd()
	if err := cmd.PersistentFlags().Set("store", "sqlite"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	got := boundFlags(cmd.PersistentFlags())
	if len(got) != 1 {
		t.Fatalf("bound %d flags, want 1: %v", len(got), got)
	}
	if f := got["store.driver"]; f == nil || f.Value.String() != "sqlite" {
		t.Errorf("store.driver bound to %v", f)
	}
}
