// Package anomaly evaluates aircraft state vectors against the fixed rule taxonomy.
package anomaly

import (
	"fmt"
	"math"
	"sort"

	"github.com/rewired-gh/skysentry/internal/models"
)

// Thresholds configures the rule set. Altitudes in meters, speeds in km/h, rates in m/s.
type Thresholds struct {
	HighAltitudeM      float64
	LowSpeedKmh        float64
	ExcessiveAltitudeM float64
	LowAltitudeM       float64
	HighSpeedKmh       float64
	VerticalRateMs     float64
	ExcessiveSpeedKmh  float64
	StationarySpeedKmh float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighAltitudeM:      9000,
		LowSpeedKmh:        200,
		ExcessiveAltitudeM: 15000,
		LowAltitudeM:       1000,
		HighSpeedKmh:       500,
		VerticalRateMs:     15,
		ExcessiveSpeedKmh:  1000,
		StationarySpeedKmh: 1,
	}
}

// Engine applies the rule set. It holds no state; Evaluate is safe for concurrent use.
type Engine struct {
	t Thresholds
}

func NewEngine(t Thresholds) *Engine {
	return &Engine{t: t}
}

func (e *Engine) Thresholds() Thresholds {
	return e.t
}

// Evaluate returns the findings for sv given the aircraft's history window. The window may or
// may not already contain sv; only entries strictly older than sv count as history.
// Findings are sorted by rule order and stamped with the observation time, so identical
// inputs always give identical output.
func (e *Engine) Evaluate(sv models.StateVector, w models.HistoryWindow) []models.Finding {
	var out []models.Finding
	emit := func(rule models.RuleKind, sev models.Severity, desc string, values map[string]float64) {
		out = append(out, models.Finding{
			AircraftID:    sv.ICAO24,
			Callsign:      sv.Callsign,
			Rule:          rule,
			Severity:      sev,
			TriggerValues: values,
			DetectedAt:    sv.Timestamp,
			Region:        sv.Region,
			Description:   desc,
		})
	}
	label := sv.Label()
	alt, altOK := value(sv.AltitudeM)
	speed, speedOK := value(sv.SpeedKmh)

	if !sv.OnGround && altOK && speedOK && alt > e.t.HighAltitudeM && speed < e.t.LowSpeedKmh {
		emit(models.RuleHighAltitudeLowSpeed, models.SeverityMedium,
			fmt.Sprintf("Flight %s at %.0fm with only %.0f km/h", label, alt, speed),
			map[string]float64{"altitudeM": alt, "speedKmh": speed})
	}

	if altOK && alt > e.t.ExcessiveAltitudeM {
		emit(models.RuleExcessiveAltitude, models.SeverityHigh,
			fmt.Sprintf("Flight %s at unusual altitude: %.0fm", label, alt),
			map[string]float64{"altitudeM": alt})
	}

	if !sv.OnGround && altOK && speedOK && alt < e.t.LowAltitudeM && speed > e.t.HighSpeedKmh {
		emit(models.RuleLowAltitudeHighSpeed, models.SeverityHigh,
			fmt.Sprintf("Flight %s at %.0f km/h at only %.0fm altitude", label, speed, alt),
			map[string]float64{"altitudeM": alt, "speedKmh": speed})
	}

	prev, hasPrev := previous(sv, w)
	if hasPrev {
		if values, rate, ok := e.rapidVertical(prev, sv); ok {
			direction := "climbing"
			if rate < 0 {
				direction = "descending"
			}
			emit(models.RuleRapidVerticalMovement, models.SeverityMedium,
				fmt.Sprintf("Flight %s %s rapidly at %.1f m/s", label, direction, math.Abs(rate)),
				values)
		}
	}

	if speedOK && speed > e.t.ExcessiveSpeedKmh {
		emit(models.RuleExcessiveSpeed, models.SeverityHigh,
			fmt.Sprintf("Flight %s traveling at %.0f km/h (unusually fast)", label, speed),
			map[string]float64{"speedKmh": speed})
	}

	if hasPrev && e.stationary(prev) && e.stationary(sv) {
		prevSpeed, _ := value(prev.SpeedKmh)
		emit(models.RuleStationaryWhileAirborne, models.SeverityLow,
			fmt.Sprintf("Flight %s appears stationary in air", label),
			map[string]float64{
				"speedKmh":         speed,
				"previousSpeedKmh": prevSpeed,
				"dwellSeconds":     sv.Timestamp.Sub(prev.Timestamp).Seconds(),
			})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rule.Order() < out[j].Rule.Order()
	})
	return out
}

// rapidVertical reports whether the vertical rate exceeded the threshold in the same direction
// at both of the two most recent observations. When either reported rate is unknown the
// altitude change between them stands in.
func (e *Engine) rapidVertical(prev, cur models.StateVector) (map[string]float64, float64, bool) {
	r1, ok1 := value(prev.VertRateMs)
	r2, ok2 := value(cur.VertRateMs)
	if ok1 && ok2 {
		if math.Abs(r1) > e.t.VerticalRateMs && math.Abs(r2) > e.t.VerticalRateMs && math.Signbit(r1) == math.Signbit(r2) {
			return map[string]float64{"verticalRateMs": r2, "previousVerticalRateMs": r1}, r2, true
		}
		return nil, 0, false
	}

	a1, okA1 := value(prev.AltitudeM)
	a2, okA2 := value(cur.AltitudeM)
	dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if !okA1 || !okA2 || dt <= 0 {
		return nil, 0, false
	}
	rate := (a2 - a1) / dt
	if math.Abs(rate) > e.t.VerticalRateMs {
		return map[string]float64{"derivedRateMs": rate, "altitudeDeltaM": a2 - a1, "intervalSeconds": dt}, rate, true
	}
	return nil, 0, false
}

func (e *Engine) stationary(sv models.StateVector) bool {
	speed, ok := value(sv.SpeedKmh)
	return !sv.OnGround && ok && speed < e.t.StationarySpeedKmh
}

// previous returns the newest window entry strictly older than sv.
func previous(sv models.StateVector, w models.HistoryWindow) (models.StateVector, bool) {
	for i := len(w.Entries) - 1; i >= 0; i-- {
		if w.Entries[i].Timestamp.Before(sv.Timestamp) {
			return w.Entries[i], true
		}
	}
	return models.StateVector{}, false
}

func value(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) {
		return 0, false
	}
	return *p, true
}
