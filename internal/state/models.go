// Package state holds the aircraft state model shared by the ingestion pipeline,
// the repositories and the read API.
package state

import (
	"strconv"
	"time"
)

// SnapshotTime identifies one snapshot: Unix milliseconds at ingestion start.
type SnapshotTime int64

// NoSnapshot is the sentinel for "no snapshot", e.g. the previous snapshot on a first run.
const NoSnapshot SnapshotTime = 0

// SnapshotTimeOf converts a wall clock reading to a snapshot identifier.
func SnapshotTimeOf(t time.Time) SnapshotTime {
	return SnapshotTime(t.UnixMilli())
}

// Time returns the wall clock time the snapshot identifier encodes.
func (s SnapshotTime) Time() time.Time {
	return time.UnixMilli(int64(s)).UTC()
}

// Valid reports whether s names a snapshot.
func (s SnapshotTime) Valid() bool {
	return s != NoSnapshot
}

func (s SnapshotTime) String() string {
	if s == NoSnapshot {
		return "none"
	}
	return strconv.FormatInt(int64(s), 10)
}

// PositionSource is the origin of an aircraft's position report.
type PositionSource int

const (
	SourceADSB    PositionSource = 0
	SourceASTERIX PositionSource = 1
	SourceMLAT    PositionSource = 2
	SourceFLARM   PositionSource = 3
)

func (p PositionSource) String() string {
	switch p {
	case SourceADSB:
		return "ADS-B"
	case SourceASTERIX:
		return "ASTERIX"
	case SourceMLAT:
		return "MLAT"
	case SourceFLARM:
		return "FLARM"
	}
	return "unknown(" + strconv.Itoa(int(p)) + ")"
}

// AircraftState is one aircraft with a known position in a snapshot.
// Optional fields are nil when the upstream did not report them.
type AircraftState struct {
	ICAO24        string  `json:"icao24"`
	Callsign      *string `json:"callsign,omitempty"`
	OriginCountry string  `json:"origin_country"`
	Squawk        *string `json:"squawk,omitempty"`
	Category      *int    `json:"category,omitempty"`

	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	BaroAltitude *float64 `json:"baro_altitude,omitempty"` // Metres.
	GeoAltitude  *float64 `json:"geo_altitude,omitempty"`  // Metres.
	Velocity     *float64 `json:"velocity,omitempty"`      // m/s over ground.
	TrueTrack    *float64 `json:"true_track,omitempty"`    // Degrees clockwise from north.
	VerticalRate *float64 `json:"vertical_rate,omitempty"` // m/s, positive climbing.

	PositionSource PositionSource `json:"position_source"`
	TimePosition   *int64         `json:"time_position,omitempty"`
	LastContact    int64          `json:"last_contact"`
	OnGround       bool           `json:"on_ground"`
	SPI            bool           `json:"spi"`

	Route
}

// Route is the estimated leg an aircraft is flying, filled in by enrichment.
type Route struct {
	EstDepartureAirport *string `json:"est_departure_airport,omitempty"`
	EstArrivalAirport   *string `json:"est_arrival_airport,omitempty"`
	FirstSeen           *int64  `json:"first_seen,omitempty"`
	LastSeen            *int64  `json:"last_seen,omitempty"`
}

// HasDeparture reports whether the departure airport is known. Enrichment keeps
// looking for states where this is false.
func (r Route) HasDeparture() bool {
	return r.EstDepartureAirport != nil && *r.EstDepartureAirport != ""
}

// Pointer is the singleton record naming the active snapshot.
type Pointer struct {
	Active    SnapshotTime `json:"active_snapshot_time"`
	Previous  SnapshotTime `json:"previous_snapshot_time"` // Superseded, possibly not yet reaped.
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SnapshotCount is the number of stored rows for one snapshot.
type SnapshotCount struct {
	Snapshot SnapshotTime `json:"snapshot_time"`
	Rows     int          `json:"rows"`
}
