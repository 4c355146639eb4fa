package models

import (
	"testing"
	"time"
)

func TestStateVectorValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		sv      StateVector
		wantErr bool
	}{
		{
			name: "valid vector",
			sv: StateVector{
				ICAO24:    "4baa1a",
				Callsign:  "UAL123",
				Timestamp: now,
				AltitudeM: Float(10000),
				SpeedKmh:  Float(850),
			},
			wantErr: false,
		},
		{
			name:    "unknown measures are valid",
			sv:      StateVector{ICAO24: "abc123", Timestamp: now},
			wantErr: false,
		},
		{
			name:    "zero altitude is a reading",
			sv:      StateVector{ICAO24: "abc123", Timestamp: now, AltitudeM: Float(0), SpeedKmh: Float(0)},
			wantErr: false,
		},
		{
			name:    "uppercase icao24",
			sv:      StateVector{ICAO24: "ABC123", Timestamp: now},
			wantErr: true,
		},
		{
			name:    "short icao24",
			sv:      StateVector{ICAO24: "abc", Timestamp: now},
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			sv:      StateVector{ICAO24: "abc123"},
			wantErr: true,
		},
		{
			name:    "negative altitude",
			sv:      StateVector{ICAO24: "abc123", Timestamp: now, AltitudeM: Float(-1)},
			wantErr: true,
		},
		{
			name:    "negative speed",
			sv:      StateVector{ICAO24: "abc123", Timestamp: now, SpeedKmh: Float(-5)},
			wantErr: true,
		},
		{
			name:    "latitude out of range",
			sv:      StateVector{ICAO24: "abc123", Timestamp: now, Latitude: Float(91)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sv.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("StateVector.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshotValidate_DuplicateAircraft(t *testing.T) {
	now := time.Now()
	s := Snapshot{
		Region:    "Europe_Central",
		FetchedAt: now,
		Aircraft: []StateVector{
			{ICAO24: "abc123", Timestamp: now},
			{ICAO24: "abc123", Timestamp: now.Add(time.Second)},
		},
	}
	if err := s.Validate(); err == nil {
		t.Error("expected error for duplicated aircraft")
	}
}

func TestHistoryWindowAccessors(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	w := HistoryWindow{ICAO24: "abc123"}
	if _, ok := w.Latest(); ok {
		t.Error("empty window should have no latest entry")
	}
	if !w.LastSeen().IsZero() {
		t.Error("empty window should have zero last seen")
	}

	w.Entries = []StateVector{
		{ICAO24: "abc123", Timestamp: t0},
		{ICAO24: "abc123", Timestamp: t0.Add(time.Minute)},
	}
	prev, ok := w.Previous()
	if !ok || !prev.Timestamp.Equal(t0) {
		t.Errorf("Previous() = %v, %v", prev.Timestamp, ok)
	}
	if !w.LastSeen().Equal(t0.Add(time.Minute)) {
		t.Errorf("LastSeen() = %v", w.LastSeen())
	}

	c := w.Clone()
	c.Entries[0].Callsign = "CHANGED"
	if w.Entries[0].Callsign != "" {
		t.Error("Clone should not share the entries slice")
	}
}

func TestFindingTimeBucket(t *testing.T) {
	base := time.Unix(1700000000, 0)
	a := Finding{DetectedAt: base}
	b := Finding{DetectedAt: base.Add(30 * time.Second)}
	c := Finding{DetectedAt: base.Add(13 * time.Minute)}

	width := 12 * time.Minute
	if a.TimeBucket(width) != b.TimeBucket(width) {
		t.Error("findings 30s apart should share a 12m bucket")
	}
	if a.TimeBucket(width) == c.TimeBucket(width) {
		t.Error("findings 13m apart should not share a 12m bucket")
	}
}

func TestFindingTimeBucket_Cycle(t *testing.T) {
	base := time.Unix(1700000000, 0)
	width := 12 * time.Minute
	a := Finding{DetectedAt: base, CycleAt: base.Add(3 * time.Second)}
	b := Finding{DetectedAt: base.Add(10 * time.Second), CycleAt: base.Add(4 * time.Minute)}
	if a.TimeBucket(width) == b.TimeBucket(width) {
		t.Error("findings of different cycles should not share a bucket")
	}
	replay := a
	replay.DetectedAt = base.Add(time.Second)
	if a.TimeBucket(width) != replay.TimeBucket(width) {
		t.Error("findings of one cycle should share a bucket")
	}
}

func TestParseSeverity(t *testing.T) {
	if s, err := ParseSeverity(" HIGH "); err != nil || s != SeverityHigh {
		t.Errorf("ParseSeverity(HIGH) = %q, %v", s, err)
	}
	if _, err := ParseSeverity("critical"); err == nil {
		t.Error("expected error for unknown severity")
	}
	if SeverityHigh.Rank() <= SeverityMedium.Rank() || SeverityMedium.Rank() <= SeverityLow.Rank() {
		t.Error("severity ranks out of order")
	}
}
