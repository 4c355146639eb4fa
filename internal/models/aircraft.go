// Package models defines the core domain entities: state vectors, snapshots, history windows and findings.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var icao24Pattern = regexp.MustCompile(`^[0-9a-f]{6}$`)

// StateVector is one aircraft observation at one instant.
// Nil measures are unknown; zero is a valid low reading and is never used as a placeholder.
type StateVector struct {
	ICAO24     string    `json:"icao24"`
	Callsign   string    `json:"callsign,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Latitude   *float64  `json:"lat"`
	Longitude  *float64  `json:"lon"`
	AltitudeM  *float64  `json:"altitudeM"`
	SpeedKmh   *float64  `json:"speedKmh"`
	VertRateMs *float64  `json:"vertRateMs"`
	OnGround   bool      `json:"onGround"`
	Region     string    `json:"region,omitempty"`
}

// Float returns a pointer to v, for building known measures.
func Float(v float64) *float64 {
	return &v
}

// ValidICAO24 reports whether id is a lowercase 24-bit hex transponder address.
func ValidICAO24(id string) bool {
	return icao24Pattern.MatchString(id)
}

// Validate checks state vector field constraints.
func (sv *StateVector) Validate() error {
	if !ValidICAO24(sv.ICAO24) {
		return fmt.Errorf("invalid icao24 %q", sv.ICAO24)
	}
	if sv.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	if sv.AltitudeM != nil && *sv.AltitudeM < 0 {
		return errors.New("altitude must not be negative")
	}
	if sv.SpeedKmh != nil && *sv.SpeedKmh < 0 {
		return errors.New("ground speed must not be negative")
	}
	if sv.Latitude != nil && (*sv.Latitude < -90 || *sv.Latitude > 90) {
		return errors.New("latitude must be between -90 and 90")
	}
	if sv.Longitude != nil && (*sv.Longitude < -180 || *sv.Longitude > 180) {
		return errors.New("longitude must be between -180 and 180")
	}
	return nil
}

// Label returns the callsign when known, the ICAO24 address otherwise.
func (sv *StateVector) Label() string {
	if sv.Callsign != "" {
		return sv.Callsign
	}
	return sv.ICAO24
}

// BoundingBox is a lat/lon rectangle passed to the provider as a region filter.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Validate checks that the box is well formed.
func (b BoundingBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLat >= b.MaxLat {
		return fmt.Errorf("invalid latitude range [%v, %v]", b.MinLat, b.MaxLat)
	}
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLon >= b.MaxLon {
		return fmt.Errorf("invalid longitude range [%v, %v]", b.MinLon, b.MaxLon)
	}
	return nil
}

// Region is a named monitoring area. A nil Box means the whole world.
type Region struct {
	Name string       `json:"name"`
	Box  *BoundingBox `json:"box,omitempty"`
}

// Snapshot is the full result set of one fetch cycle. Immutable once written.
type Snapshot struct {
	ID        string        `json:"id,omitempty"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Region    string        `json:"region"`
	Aircraft  []StateVector `json:"aircraft"`
}

// Validate checks snapshot constraints and every contained state vector.
func (s *Snapshot) Validate() error {
	if s.Region == "" {
		return errors.New("snapshot region must not be empty")
	}
	if s.FetchedAt.IsZero() {
		return errors.New("snapshot fetch time must be set")
	}
	seen := make(map[string]bool, len(s.Aircraft))
	for i := range s.Aircraft {
		sv := &s.Aircraft[i]
		if err := sv.Validate(); err != nil {
			return fmt.Errorf("aircraft %d: %w", i, err)
		}
		if seen[sv.ICAO24] {
			return fmt.Errorf("aircraft %s appears twice", sv.ICAO24)
		}
		seen[sv.ICAO24] = true
	}
	return nil
}

// Find returns the state vector for icao24 if the snapshot contains it.
func (s *Snapshot) Find(icao24 string) (StateVector, bool) {
	for _, sv := range s.Aircraft {
		if sv.ICAO24 == icao24 {
			return sv, true
		}
	}
	return StateVector{}, false
}
