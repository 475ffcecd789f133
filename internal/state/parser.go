package state

import "strings"

// icao24Len is the length of a 24-bit address in hex.
const icao24Len = 6

// NormaliseICAO24 returns the canonical form of a transponder address: lowercase hex,
// left-padded with zeros to six characters. Surrounding whitespace is dropped.
func NormaliseICAO24(icao string) string {
	s := strings.ToLower(strings.TrimSpace(icao))
	if len(s) < icao24Len {
		s = strings.Repeat("0", icao24Len-len(s)) + s
	}
	return s
}

// ParseVector converts a raw vector into an AircraftState. It returns false when
// either coordinate is missing; such vectors never become states. The address is
// kept as reported; matching code normalises it with NormaliseICAO24.
func ParseVector(v Vector) (AircraftState, bool) {
	if v.Latitude == nil || v.Longitude == nil {
		return AircraftState{}, false
	}

	s := AircraftState{
		ICAO24:         v.ICAO24,
		OriginCountry:  v.OriginCountry,
		Latitude:       *v.Latitude,
		Longitude:      *v.Longitude,
		BaroAltitude:   copyPtr(v.BaroAltitude),
		GeoAltitude:    copyPtr(v.GeoAltitude),
		Velocity:       copyPtr(v.Velocity),
		TrueTrack:      copyPtr(v.TrueTrack),
		VerticalRate:   copyPtr(v.VerticalRate),
		Squawk:         copyPtr(v.Squawk),
		Category:       copyPtr(v.Category),
		PositionSource: PositionSource(v.PositionSource),
		TimePosition:   copyPtr(v.TimePosition),
		LastContact:    v.LastContact,
		OnGround:       v.OnGround,
		SPI:            v.SPI,
	}

	if v.Callsign != nil {
		if cs := strings.TrimSpace(*v.Callsign); cs != "" {
			s.Callsign = &cs
		}
	}

	return s, true
}

// ParseVectors parses every vector, dropping those without a position.
func ParseVectors(vs []Vector) []AircraftState {
	out := make([]AircraftState, 0, len(vs))
	for _, v := range vs {
		if s, ok := ParseVector(v); ok {
			out = append(out, s)
		}
	}
	return out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
