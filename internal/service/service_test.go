package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/skysentry/internal/history"
	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/poller"
	"github.com/rewired-gh/skysentry/internal/ratelimit"
	"github.com/rewired-gh/skysentry/internal/storage"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *storage.Storage, *history.Index) {
	t.Helper()
	store, err := storage.New(":memory:", time.Minute)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	index := history.New(5)
	limiter := ratelimit.New(time.Hour, nil)
	var pipelines []*poller.Pipeline
	for _, name := range []string{"Europe_Central", "Asia_Pacific"} {
		pipelines = append(pipelines, poller.New(
			poller.Config{Region: models.Region{Name: name}, PollInterval: 12 * time.Minute},
			poller.Deps{Limiter: limiter, Index: index, Store: store},
		))
	}
	svc := New(store, index, poller.NewGroup(nil, pipelines...), Options{
		StaleAfter: 24 * time.Minute,
		Now:        func() time.Time { return now },
	})
	return svc, store, index
}

func TestLatestSnapshot_Staleness(t *testing.T) {
	svc, store, _ := newTestService(t)

	view, err := svc.LatestSnapshot("Europe_Central")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if view.Snapshot != nil || !view.Stale {
		t.Errorf("unfetched region view = %+v, want nil snapshot flagged stale", view)
	}

	tests := []struct {
		name      string
		fetchedAt time.Time
		wantStale bool
	}{
		// Each case stores a newer snapshot than the last.
		{"behind", now.Add(-30 * time.Minute), true},
		{"at threshold", now.Add(-24 * time.Minute).Add(time.Second), false},
		{"fresh", now.Add(-5 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &models.Snapshot{FetchedAt: tt.fetchedAt, Region: "Asia_Pacific"}
			if err := store.PutSnapshot(snap); err != nil {
				t.Fatalf("PutSnapshot: %v", err)
			}
			view, err := svc.LatestSnapshot("Asia_Pacific")
			if err != nil {
				t.Fatalf("LatestSnapshot: %v", err)
			}
			if view.Stale != tt.wantStale {
				t.Errorf("Stale = %v, want %v (age %.0fs)", view.Stale, tt.wantStale, view.AgeS)
			}
		})
	}
}

func TestUnknownRegion(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.LatestSnapshot("Atlantis"); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("LatestSnapshot error = %v", err)
	}
	if err := svc.RequestFetchNow("Atlantis"); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("RequestFetchNow error = %v", err)
	}
	if _, err := svc.Summarize("Atlantis"); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("Summarize error = %v", err)
	}
	if err := svc.RequestFetchNow("Europe_Central"); err != nil {
		t.Errorf("RequestFetchNow known region: %v", err)
	}
}

func TestRegions(t *testing.T) {
	svc, _, _ := newTestService(t)
	regions := svc.Regions()
	if len(regions) != 2 || regions[0].Region.Name != "Asia_Pacific" {
		t.Fatalf("Regions() = %+v", regions)
	}
	if regions[0].State != "idle" || regions[0].LastResult != nil {
		t.Errorf("status = %+v", regions[0])
	}
}

func TestFlightHistory_CaseInsensitive(t *testing.T) {
	svc, _, index := newTestService(t)
	index.Update(models.StateVector{ICAO24: "abc123", Timestamp: now})

	w, ok := svc.FlightHistory(" ABC123 ")
	if !ok || w.Len() != 1 {
		t.Errorf("FlightHistory = %+v, %v", w, ok)
	}
	if _, ok := svc.FlightHistory("ffffff"); ok {
		t.Error("unknown aircraft has history")
	}
}

func TestListAlerts(t *testing.T) {
	svc, store, _ := newTestService(t)
	for i, id := range []string{"abc123", "def456", "abc123"} {
		f := &models.Finding{
			AircraftID: id,
			Rule:       models.RuleExcessiveSpeed,
			Severity:   models.SeverityHigh,
			DetectedAt: now.Add(time.Duration(i) * time.Hour),
			Region:     "Europe_Central",
		}
		if _, err := store.PutFinding(f); err != nil {
			t.Fatalf("PutFinding: %v", err)
		}
	}

	all, err := svc.ListAlerts(models.FindingFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("ListAlerts() = %d findings, %v", len(all), err)
	}
	mine, _ := svc.ListAlerts(models.FindingFilter{AircraftID: "abc123", Since: now.Add(time.Minute)})
	if len(mine) != 1 {
		t.Errorf("filtered alerts = %+v", mine)
	}
	none, _ := svc.ListAlerts(models.FindingFilter{Region: "Asia_Pacific"})
	if none == nil || len(none) != 0 {
		t.Errorf("empty result should be an empty slice, got %#v", none)
	}
}

func TestSummarize(t *testing.T) {
	svc, store, _ := newTestService(t)

	text, err := svc.Summarize("Europe_Central")
	if err != nil || !strings.Contains(text, "has not been fetched yet") {
		t.Fatalf("Summarize() = %q, %v", text, err)
	}

	seen := now.Add(-2 * time.Minute)
	snap := &models.Snapshot{
		FetchedAt: now.Add(-time.Minute),
		Region:    "Europe_Central",
		Aircraft: []models.StateVector{
			{ICAO24: "abc123", Callsign: "DLH4AB", Timestamp: seen, Latitude: models.Float(50), Longitude: models.Float(8)},
			{ICAO24: "def456", Timestamp: seen},
		},
	}
	findings := []models.Finding{
		{AircraftID: "abc123", Callsign: "DLH4AB", Rule: models.RuleExcessiveSpeed, Severity: models.SeverityHigh, DetectedAt: seen, Region: "Europe_Central"},
		// Raised on an aircraft no longer in the latest snapshot.
		{AircraftID: "ffffff", Rule: models.RuleExcessiveSpeed, Severity: models.SeverityHigh, DetectedAt: seen, Region: "Europe_Central"},
	}
	if _, err := store.SaveCycle(snap, findings); err != nil {
		t.Fatalf("SaveCycle: %v", err)
	}

	text, err = svc.Summarize("Europe_Central")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, want := range []string{"2 active flights", "1 flight(s) are flagged", "DLH4AB"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary %q missing %q", text, want)
		}
	}
	if strings.Contains(text, "ffffff") {
		t.Errorf("summary mentions an aircraft outside the snapshot: %q", text)
	}
}

func TestFindFlight(t *testing.T) {
	svc, store, _ := newTestService(t)
	snap := &models.Snapshot{
		FetchedAt: now,
		Region:    "Europe_Central",
		Aircraft:  []models.StateVector{{ICAO24: "abc123", Callsign: "DLH4AB", Timestamp: now}},
	}
	if err := store.PutSnapshot(snap); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	got, err := svc.FindFlight("dlh4ab")
	if err != nil || len(got) != 1 {
		t.Errorf("FindFlight = %+v, %v", got, err)
	}
	if _, err := svc.FindFlight("  "); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("empty ident error = %v", err)
	}
}
