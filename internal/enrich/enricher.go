// Package enrich attaches estimated route information (departure and arrival airports,
// leg timing) to aircraft states.
//
// Enrichment is best-effort. Routes are first carried forward from the previously
// active snapshot, which costs nothing. States still lacking a departure airport are
// then matched against the historical flights API, walking backward from now in
// fixed-width windows until every state is matched or the iteration budget is spent.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flytie/internal/opensky"
	"flytie/internal/state"
)

const (
	DefaultWindow        = 2 * time.Hour
	DefaultMaxIterations = 20
)

// FlightSource returns the flights seen within an interval.
type FlightSource interface {
	FlightsInterval(ctx context.Context, begin, end time.Time) ([]opensky.Flight, error)
}

// Config controls the historical lookup budget.
type Config struct {
	Window        time.Duration    // Width of each historical query.
	MaxIterations int              // Cap on historical queries per run; never above DefaultMaxIterations.
	Now           func() time.Time // Clock; defaults to time.Now.
}

// Stats describes one enrichment pass.
type Stats struct {
	Total          int `json:"total"`
	CarriedForward int `json:"carried_forward"`
	FromHistory    int `json:"from_history"`
	Iterations     int `json:"iterations"`
	Remaining      int `json:"remaining"`
}

// Enricher fills route fields on aircraft states.
type Enricher struct {
	flights FlightSource
	pacer   Pacer
	cfg     Config
	logger  *slog.Logger
}

// New creates an Enricher. A nil pacer issues historical queries back to back.
func New(flights FlightSource, pacer Pacer, cfg Config, logger *slog.Logger) *Enricher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	cfg.MaxIterations = min(cfg.MaxIterations, DefaultMaxIterations)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		flights: flights,
		pacer:   pacer,
		cfg:     cfg,
		logger:  logger.With("component", "enrich"),
	}
}

// Enrich updates states in place. previous holds the rows of the previously active
// snapshot, or nil on a first run. An error from the historical API aborts enrichment;
// states already matched keep their routes.
func (e *Enricher) Enrich(ctx context.Context, states []state.AircraftState, previous []state.AircraftState) (Stats, error) {
	stats := Stats{Total: len(states)}

	stats.CarriedForward = CarryForward(states, previous)
	missing := CountMissing(states)

	e.logger.Info("carried routes forward",
		"states", len(states),
		"carried", stats.CarriedForward,
		"missing", missing)

	now := e.cfg.Now()
	for i := 0; i < e.cfg.MaxIterations && missing > 0; i++ {
		if i > 0 && e.pacer != nil {
			if err := e.pacer.Wait(ctx); err != nil {
				stats.Remaining = missing
				return stats, fmt.Errorf("wait for history window %d: %w", i, err)
			}
		}

		end := now.Add(-time.Duration(i) * e.cfg.Window)
		begin := end.Add(-e.cfg.Window)

		flights, err := e.flights.FlightsInterval(ctx, begin, end)
		stats.Iterations++
		if err != nil {
			stats.Remaining = missing
			return stats, fmt.Errorf("history window %d [%d, %d]: %w", i, begin.Unix(), end.Unix(), err)
		}

		matched := applyFlights(states, latestByAircraft(flights))
		stats.FromHistory += matched
		missing = CountMissing(states)

		e.logger.Debug("history window applied",
			"iteration", i+1,
			"begin", begin.Unix(),
			"end", end.Unix(),
			"flights", len(flights),
			"matched", matched,
			"missing", missing)
	}

	stats.Remaining = missing
	e.logger.Info("enrichment finished",
		"iterations", stats.Iterations,
		"from_history", stats.FromHistory,
		"remaining", stats.Remaining)
	return stats, nil
}

// CarryForward copies route fields from previous rows onto states with the same
// (normalised) address. It returns how many states received a route.
func CarryForward(states []state.AircraftState, previous []state.AircraftState) int {
	if len(previous) == 0 {
		return 0
	}

	routes := make(map[string]state.Route, len(previous))
	for _, p := range previous {
		if !hasRoute(p.Route) {
			continue
		}
		routes[state.NormaliseICAO24(p.ICAO24)] = p.Route
	}

	carried := 0
	for i := range states {
		if r, ok := routes[state.NormaliseICAO24(states[i].ICAO24)]; ok {
			states[i].Route = cloneRoute(r)
			carried++
		}
	}
	return carried
}

// CountMissing returns how many states lack a departure airport.
func CountMissing(states []state.AircraftState) int {
	n := 0
	for i := range states {
		if !states[i].HasDeparture() {
			n++
		}
	}
	return n
}

// latestByAircraft indexes flights by normalised address, keeping the one with the
// greatest lastSeen.
func latestByAircraft(flights []opensky.Flight) map[string]opensky.Flight {
	latest := make(map[string]opensky.Flight, len(flights))
	for _, f := range flights {
		key := state.NormaliseICAO24(f.ICAO24)
		if cur, ok := latest[key]; ok && cur.LastSeen >= f.LastSeen {
			continue
		}
		latest[key] = f
	}
	return latest
}

// applyFlights sets the route of every state still lacking a departure airport from
// the matching flight. A flight without a departure airport only fills a state that
// has no route yet, so an older window cannot replace a newer leg with another
// departure-less one. It returns how many states now have a departure airport.
func applyFlights(states []state.AircraftState, latest map[string]opensky.Flight) int {
	if len(latest) == 0 {
		return 0
	}
	matched := 0
	for i := range states {
		if states[i].HasDeparture() {
			continue
		}
		f, ok := latest[state.NormaliseICAO24(states[i].ICAO24)]
		if !ok {
			continue
		}
		route := f.Route()
		if !route.HasDeparture() && hasRoute(states[i].Route) {
			continue
		}
		states[i].Route = route
		if states[i].HasDeparture() {
			matched++
		}
	}
	return matched
}

func hasRoute(r state.Route) bool {
	return r.EstDepartureAirport != nil || r.EstArrivalAirport != nil || r.FirstSeen != nil || r.LastSeen != nil
}

func cloneRoute(r state.Route) state.Route {
	return state.Route{
		EstDepartureAirport: clone(r.EstDepartureAirport),
		EstArrivalAirport:   clone(r.EstArrivalAirport),
		FirstSeen:           clone(r.FirstSeen),
		LastSeen:            clone(r.LastSeen),
	}
}

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
