package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"flytie/internal/snapshot"
	"flytie/internal/state"
)

var (
	// errReapActive is returned when asked to reap the snapshot readers are using.
	errReapActive = errors.New("refusing to reap the active snapshot")
	// errReapInProgress is returned for a snapshot newer than the active one, which a
	// running refresh may still be writing and about to promote.
	errReapInProgress = errors.New("refusing to reap a snapshot newer than the active one (use --force)")
)

// reapTarget picks the snapshot to reap: explicit when given, else the pointer's
// previous snapshot. force allows reaping a snapshot newer than the active one.
func reapTarget(ptr *state.Pointer, explicit state.SnapshotTime, force bool) (state.SnapshotTime, error) {
	if ptr != nil && explicit.Valid() && explicit == ptr.Active {
		return state.NoSnapshot, fmt.Errorf("%w %s", errReapActive, explicit)
	}
	if ptr != nil && explicit > ptr.Active && !force {
		return state.NoSnapshot, fmt.Errorf("%w: %s", errReapInProgress, explicit)
	}
	if explicit.Valid() {
		return explicit, nil
	}
	if ptr == nil {
		return state.NoSnapshot, nil
	}
	return ptr.Previous, nil
}

func newReapCmd(a *app) *cobra.Command {
	var (
		explicit int64
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete the rows of a superseded snapshot",
		Long: `Delete a superseded snapshot in bounded batches. Without --snapshot the
previous snapshot named by the pointer is reaped, which retries a reap that
failed after promotion. Abandoned snapshots listed as orphans by 'flytie
snapshots' can be reaped with --snapshot. The active snapshot is never reaped, and
a snapshot newer than it is only reaped with --force once no refresh is running.`,
		Example: `  flytie reap
  flytie reap --snapshot 1700000000000`,
		GroupID: "admin",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			ctx := cmd.Context()

			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			ptr, err := repo.ReadPointer(ctx)
			if err != nil {
				return fmt.Errorf("read pointer: %w", err)
			}
			target, err := reapTarget(ptr, state.SnapshotTime(explicit), force)
			if err != nil {
				return err
			}
			if !target.Valid() {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to reap")
				return nil
			}

			reaper := snapshot.NewReaper(repo, a.cfg.Snapshot.BatchSize, a.logger)
			report, err := reaper.Reap(ctx, target)
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s: deleted %d rows in %d calls (%s)\n",
				report.Snapshot, report.Deleted, report.Calls, report.Duration)
			return err
		},
	}

	cmd.Flags().Int64Var(&explicit, "snapshot", 0, "snapshot time (Unix ms) to reap instead of the previous one")
	cmd.Flags().BoolVar(&force, "force", false, "allow reaping a snapshot newer than the active one")
	return cmd
}

// snapshotRole labels a stored snapshot relative to the pointer.
func snapshotRole(ptr *state.Pointer, snap state.SnapshotTime) string {
	switch {
	case ptr != nil && snap == ptr.Active:
		return "active"
	case ptr != nil && snap == ptr.Previous:
		return "previous"
	case ptr != nil && snap > ptr.Active:
		return "in progress"
	default:
		return "orphan"
	}
}

func newSnapshotsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List stored snapshots and their row counts",
		Long: `List every snapshot time with stored rows. Rows of a run that failed before
promotion are never reaped automatically and show up as orphans.`,
		GroupID: "admin",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			ctx := cmd.Context()

			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			return listSnapshots(ctx, repo, cmd.OutOrStdout())
		},
	}
}

type snapshotLister interface {
	ReadPointer(ctx context.Context) (*state.Pointer, error)
	SnapshotCounts(ctx context.Context) ([]state.SnapshotCount, error)
}

func listSnapshots(ctx context.Context, repo snapshotLister, out io.Writer) error {
	ptr, err := repo.ReadPointer(ctx)
	if err != nil {
		return fmt.Errorf("read pointer: %w", err)
	}
	counts, err := repo.SnapshotCounts(ctx)
	if err != nil {
		return fmt.Errorf("count snapshots: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SNAPSHOT\tTIME\tROWS\tROLE")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			c.Snapshot, c.Snapshot.Time().Format("2006-01-02 15:04:05.000Z"),
			strconv.Itoa(c.Rows), snapshotRole(ptr, c.Snapshot))
	}
	if ptr != nil && !hasSnapshot(counts, ptr.Active) {
		// An empty fetch promotes a snapshot with no rows.
		fmt.Fprintf(w, "%s\t%s\t0\tactive\n", ptr.Active, ptr.Active.Time().Format("2006-01-02 15:04:05.000Z"))
	}
	return w.Flush()
}

func hasSnapshot(counts []state.SnapshotCount, snap state.SnapshotTime) bool {
	for _, c := range counts {
		if c.Snapshot == snap {
			return true
		}
	}
	return false
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "schema",
		Short:   "Create the snapshot tables and, when enabled, the run log table",
		GroupID: "admin",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			ctx := cmd.Context()

			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			if err := repo.CreateSchema(ctx); err != nil {
				return fmt.Errorf("create %s schema: %w", a.cfg.Store.Driver, err)
			}
			a.logger.Info("schema ready", "store", a.cfg.Store.Driver)

			runs, err := a.openRunLog(ctx)
			if err != nil {
				return err
			}
			if runs == nil {
				return nil
			}
			if err := runs.CreateSchema(ctx); err != nil {
				return fmt.Errorf("create run log schema: %w", err)
			}
			a.logger.Info("schema ready", "store", "clickhouse")
			return nil
		},
	}
}
