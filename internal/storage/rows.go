package storage

import "flytie/internal/state"

// stateColumns is the column order shared by inserts and selects.
var stateColumns = []string{
	"icao24", "callsign", "origin_country", "squawk", "category",
	"latitude", "longitude", "baro_altitude", "geo_altitude", "velocity", "true_track", "vertical_rate",
	"position_source", "time_position", "last_contact", "on_ground", "spi",
	"est_departure_airport", "est_arrival_airport", "first_seen", "last_seen",
}

// stateSelect is stateColumns for a SELECT list.
const stateSelect = `icao24, callsign, origin_country, squawk, category,
	latitude, longitude, baro_altitude, geo_altitude, velocity, true_track, vertical_rate,
	position_source, time_position, last_contact, on_ground, spi,
	est_departure_airport, est_arrival_airport, first_seen, last_seen`

// stateValues returns the insert values of s in stateColumns order.
func stateValues(s state.AircraftState) []any {
	var category *int64
	if s.Category != nil {
		c := int64(*s.Category)
		category = &c
	}
	return []any{
		s.ICAO24, s.Callsign, s.OriginCountry, s.Squawk, category,
		s.Latitude, s.Longitude, s.BaroAltitude, s.GeoAltitude, s.Velocity, s.TrueTrack, s.VerticalRate,
		int16(s.PositionSource), s.TimePosition, s.LastContact, s.OnGround, s.SPI,
		s.EstDepartureAirport, s.EstArrivalAirport, s.FirstSeen, s.LastSeen,
	}
}

// rowScanner is satisfied by pgx.Rows and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanState reads one row selected with stateSelect.
func scanState(r rowScanner) (state.AircraftState, error) {
	var (
		s        state.AircraftState
		category *int64
		source   int16
	)
	err := r.Scan(
		&s.ICAO24, &s.Callsign, &s.OriginCountry, &s.Squawk, &category,
		&s.Latitude, &s.Longitude, &s.BaroAltitude, &s.GeoAltitude, &s.Velocity, &s.TrueTrack, &s.VerticalRate,
		&source, &s.TimePosition, &s.LastContact, &s.OnGround, &s.SPI,
		&s.EstDepartureAirport, &s.EstArrivalAirport, &s.FirstSeen, &s.LastSeen,
	)
	if err != nil {
		return state.AircraftState{}, err
	}
	if category != nil {
		c := int(*category)
		s.Category = &c
	}
	s.PositionSource = state.PositionSource(source)
	return s, nil
}
