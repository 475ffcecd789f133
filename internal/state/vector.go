package state

import (
	"encoding/json"
	"fmt"
)

// Vector is one raw state vector as returned by the live states endpoint.
// On the wire it is a fixed-order JSON array; nil pointers are JSON nulls.
type Vector struct {
	ICAO24         string
	Callsign       *string
	OriginCountry  string
	TimePosition   *int64
	LastContact    int64
	Longitude      *float64
	Latitude       *float64
	BaroAltitude   *float64
	OnGround       bool
	Velocity       *float64
	TrueTrack      *float64
	VerticalRate   *float64
	Sensors        []int
	GeoAltitude    *float64
	Squawk         *string
	SPI            bool
	PositionSource int
	Category       *int
}

// minVectorFields is the field count of the oldest response format, which has no category.
const minVectorFields = 17

// UnmarshalJSON decodes the positional array form of a state vector.
func (v *Vector) UnmarshalJSON(b []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("decode state vector: %w", err)
	}
	if len(fields) < minVectorFields {
		return fmt.Errorf("decode state vector: got %d fields, want at least %d", len(fields), minVectorFields)
	}

	targets := []any{
		&v.ICAO24,
		&v.Callsign,
		&v.OriginCountry,
		&v.TimePosition,
		&v.LastContact,
		&v.Longitude,
		&v.Latitude,
		&v.BaroAltitude,
		&v.OnGround,
		&v.Velocity,
		&v.TrueTrack,
		&v.VerticalRate,
		&v.Sensors,
		&v.GeoAltitude,
		&v.Squawk,
		&v.SPI,
		&v.PositionSource,
		&v.Category,
	}
	for i, raw := range fields {
		if i >= len(targets) {
			break
		}
		if err := json.Unmarshal(raw, targets[i]); err != nil {
			return fmt.Errorf("decode state vector field %d: %w", i, err)
		}
	}
	return nil
}
