// Command flytie keeps a queryable snapshot of live aircraft state vectors, enriched
// with estimated routes.
//
// Usage:
//
//	flytie [--config flytie.yaml] <command>
//
// Commands:
//
//	refresh [--loop]          Run the ingestion pipeline once, or every snapshot.interval.
//	serve                     Serve the active snapshot over HTTP.
//	reap [--snapshot T]       Delete a superseded snapshot (default: the previous one).
//	snapshots                 List stored snapshots and their row counts.
//	schema                    Create the repository and run log tables.
//	flights <icao24>          Print the recent historical flights of one aircraft.
//
// Every setting can also come from the environment, e.g. FLYTIE_STORE_DRIVER=sqlite.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
