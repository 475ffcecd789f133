package opensky

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"flytie/internal/state"
)

// MaxFlightsInterval is the widest interval /flights/all accepts.
const MaxFlightsInterval = 2 * time.Hour

// Flight is one flight leg from the historical flights endpoints.
type Flight struct {
	ICAO24              string  `json:"icao24"`
	FirstSeen           int64   `json:"firstSeen"`
	EstDepartureAirport *string `json:"estDepartureAirport"`
	LastSeen            int64   `json:"lastSeen"`
	EstArrivalAirport   *string `json:"estArrivalAirport"`
	Callsign            *string `json:"callsign"`

	EstDepartureAirportHorizDistance *int `json:"estDepartureAirportHorizDistance,omitempty"`
	EstDepartureAirportVertDistance  *int `json:"estDepartureAirportVertDistance,omitempty"`
	EstArrivalAirportHorizDistance   *int `json:"estArrivalAirportHorizDistance,omitempty"`
	EstArrivalAirportVertDistance    *int `json:"estArrivalAirportVertDistance,omitempty"`
	DepartureAirportCandidatesCount  int  `json:"departureAirportCandidatesCount"`
	ArrivalAirportCandidatesCount    int  `json:"arrivalAirportCandidatesCount"`
}

// Route returns the flight's route fields in the state model.
func (f Flight) Route() state.Route {
	first, last := f.FirstSeen, f.LastSeen
	return state.Route{
		EstDepartureAirport: nonEmpty(f.EstDepartureAirport),
		EstArrivalAirport:   nonEmpty(f.EstArrivalAirport),
		FirstSeen:           &first,
		LastSeen:            &last,
	}
}

// FlightsInterval returns all flights seen within [begin, end]. A 404 means the
// upstream has no flights for the interval and yields an empty result.
func (c *Client) FlightsInterval(ctx context.Context, begin, end time.Time) ([]Flight, error) {
	if !end.After(begin) {
		return nil, fmt.Errorf("flights interval: end %s not after begin %s", end, begin)
	}
	if end.Sub(begin) > MaxFlightsInterval {
		return nil, fmt.Errorf("flights interval: %s exceeds %s", end.Sub(begin), MaxFlightsInterval)
	}

	params := url.Values{}
	params.Set("begin", strconv.FormatInt(begin.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))

	var flights []Flight
	found, err := c.get(ctx, "/flights/all", params, &flights)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return flights, nil
}

// FlightsByAircraft returns the flights of one aircraft within [begin, end].
func (c *Client) FlightsByAircraft(ctx context.Context, icao24 string, begin, end time.Time) ([]Flight, error) {
	if !end.After(begin) {
		return nil, fmt.Errorf("aircraft flights: end %s not after begin %s", end, begin)
	}

	params := url.Values{}
	params.Set("icao24", state.NormaliseICAO24(icao24))
	params.Set("begin", strconv.FormatInt(begin.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))

	var flights []Flight
	found, err := c.get(ctx, "/flights/aircraft", params, &flights)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return flights, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}
