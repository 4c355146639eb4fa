package models

import (
	"fmt"
	"strings"
	"time"
)

// RuleKind identifies one rule of the fixed anomaly taxonomy.
type RuleKind string

const (
	RuleHighAltitudeLowSpeed    RuleKind = "high-altitude-low-speed"
	RuleExcessiveAltitude       RuleKind = "excessive-altitude"
	RuleLowAltitudeHighSpeed    RuleKind = "low-altitude-high-speed"
	RuleRapidVerticalMovement   RuleKind = "rapid-vertical-movement"
	RuleExcessiveSpeed          RuleKind = "excessive-speed"
	RuleStationaryWhileAirborne RuleKind = "stationary-while-airborne"
)

// RuleKinds lists the taxonomy in evaluation order.
var RuleKinds = []RuleKind{
	RuleHighAltitudeLowSpeed,
	RuleExcessiveAltitude,
	RuleLowAltitudeHighSpeed,
	RuleRapidVerticalMovement,
	RuleExcessiveSpeed,
	RuleStationaryWhileAirborne,
}

// Order returns the position of k in the taxonomy, or len(RuleKinds) if unknown.
func (k RuleKind) Order() int {
	for i, r := range RuleKinds {
		if r == k {
			return i
		}
	}
	return len(RuleKinds)
}

// Severity is the triage class of a finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities: low=1, medium=2, high=3, anything else 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Finding is one anomaly detection event.
type Finding struct {
	ID            string             `json:"id,omitempty"`
	AircraftID    string             `json:"aircraftId"`
	Callsign      string             `json:"callsign,omitempty"`
	Rule          RuleKind           `json:"ruleKind"`
	Severity      Severity           `json:"severity"`
	TriggerValues map[string]float64 `json:"triggerValues"`
	DetectedAt    time.Time          `json:"detectedAt"`
	CycleAt       time.Time          `json:"cycleAt,omitzero"`
	Region        string             `json:"region"`
	Description   string             `json:"description,omitempty"`
}

// TimeBucket returns the dedup bucket of the finding. A finding raised by a poll cycle carries
// the cycle's fetch time in CycleAt and is bucketed on it, so a persisting condition
// re-triggers on every later cycle. Findings without a cycle fall back to width-wide buckets
// of DetectedAt. Findings sharing (aircraft, rule, bucket) are duplicates.
func (f Finding) TimeBucket(width time.Duration) int64 {
	if !f.CycleAt.IsZero() {
		return f.CycleAt.UnixNano()
	}
	if width <= 0 {
		return f.DetectedAt.Unix()
	}
	return f.DetectedAt.UnixNano() / int64(width)
}

// FindingFilter narrows an alert listing. Zero fields do not filter.
type FindingFilter struct {
	Region     string
	AircraftID string
	Since      time.Time
	Limit      int
}
