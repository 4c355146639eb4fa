package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/service"
	"github.com/rewired-gh/skysentry/internal/storage"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQuerier struct {
	healthErr  error
	snapshot   *models.Snapshot
	findings   []models.Finding
	lastFilter models.FindingFilter
	fetched    []string
	listErr    error
}

func (f *fakeQuerier) known(region string) error {
	if region != "Europe_Central" {
		return fmt.Errorf("%w: %s", service.ErrUnknownRegion, region)
	}
	return nil
}

func (f *fakeQuerier) Regions() []service.RegionStatus {
	return []service.RegionStatus{{Region: models.Region{Name: "Europe_Central"}, State: "idle"}}
}

func (f *fakeQuerier) LatestSnapshot(region string) (service.SnapshotView, error) {
	if err := f.known(region); err != nil {
		return service.SnapshotView{}, err
	}
	return service.SnapshotView{Region: region, Snapshot: f.snapshot, Stale: f.snapshot == nil}, nil
}

func (f *fakeQuerier) FlightHistory(icao24 string) (models.HistoryWindow, bool) {
	if icao24 != "abc123" {
		return models.HistoryWindow{}, false
	}
	return models.HistoryWindow{ICAO24: icao24, Entries: []models.StateVector{{ICAO24: icao24, Timestamp: now}}}, true
}

func (f *fakeQuerier) ListAlerts(filter models.FindingFilter) ([]models.Finding, error) {
	f.lastFilter = filter
	return f.findings, f.listErr
}

func (f *fakeQuerier) RequestFetchNow(region string) error {
	if err := f.known(region); err != nil {
		return err
	}
	f.fetched = append(f.fetched, region)
	return nil
}

func (f *fakeQuerier) Summarize(region string) (string, error) {
	if err := f.known(region); err != nil {
		return "", err
	}
	return "Region Europe_Central currently has 3 active flights.", nil
}

func (f *fakeQuerier) FindFlight(ident string) ([]models.StateVector, error) {
	if strings.TrimSpace(ident) == "" {
		return nil, service.ErrInvalidQuery
	}
	if strings.EqualFold(ident, "DLH4AB") {
		return []models.StateVector{{ICAO24: "abc123", Callsign: "DLH4AB", Timestamp: now}}, nil
	}
	return nil, nil
}

func (f *fakeQuerier) Health() error {
	return f.healthErr
}

func newTestRouter(q Querier) http.Handler {
	gin.SetMode(gin.TestMode)
	return NewServer(q, nil, Options{
		MetricsPath:    "/metrics",
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}).Handler()
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	q := &fakeQuerier{
		snapshot: &models.Snapshot{FetchedAt: now, Region: "Europe_Central"},
		findings: []models.Finding{{AircraftID: "abc123", Rule: models.RuleExcessiveSpeed, Severity: models.SeverityHigh, DetectedAt: now}},
	}
	r := newTestRouter(q)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/health", http.StatusOK, `"status":"ok"`},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "# metrics"},
		{"regions", http.MethodGet, "/api/v1/regions", http.StatusOK, "Europe_Central"},
		{"snapshot", http.MethodGet, "/api/v1/regions/Europe_Central/snapshot", http.StatusOK, `"stale":false`},
		{"snapshot unknown region", http.MethodGet, "/api/v1/regions/Atlantis/snapshot", http.StatusNotFound, "unknown region"},
		{"summary", http.MethodGet, "/api/v1/regions/Europe_Central/summary", http.StatusOK, "3 active flights"},
		{"fetch now", http.MethodPost, "/api/v1/regions/Europe_Central/fetch", http.StatusAccepted, "queued"},
		{"fetch now unknown region", http.MethodPost, "/api/v1/regions/Atlantis/fetch", http.StatusNotFound, "unknown region"},
		{"history", http.MethodGet, "/api/v1/aircraft/abc123/history", http.StatusOK, `"icao24":"abc123"`},
		{"history unknown aircraft", http.MethodGet, "/api/v1/aircraft/ffffff/history", http.StatusNotFound, "no recent history"},
		{"flight by callsign", http.MethodGet, "/api/v1/flights/dlh4ab", http.StatusOK, `"callsign":"DLH4AB"`},
		{"flight not found", http.MethodGet, "/api/v1/flights/XYZ999", http.StatusNotFound, "not found"},
		{"alerts", http.MethodGet, "/api/v1/alerts", http.StatusOK, `"count":1`},
		{"alerts bad max_age", http.MethodGet, "/api/v1/alerts?max_age=soon", http.StatusBadRequest, "max_age"},
		{"alerts bad limit", http.MethodGet, "/api/v1/alerts?limit=-1", http.StatusBadRequest, "limit"},
		{"alerts bad since", http.MethodGet, "/api/v1/alerts?since=yesterday", http.StatusBadRequest, "since"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(r, tt.method, tt.target)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %s does not contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
	if len(q.fetched) != 1 {
		t.Errorf("fetch-now requests = %v", q.fetched)
	}
}

func TestAlertsFilter(t *testing.T) {
	q := &fakeQuerier{}
	r := newTestRouter(q)

	rec := do(r, http.MethodGet, "/api/v1/alerts?region=Europe_Central&aircraft=abc123&since=1740830400&limit=5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := models.FindingFilter{
		Region:     "Europe_Central",
		AircraftID: "abc123",
		Since:      time.Unix(1740830400, 0),
		Limit:      maxAlertLimit,
	}
	if q.lastFilter.Region != want.Region || q.lastFilter.AircraftID != want.AircraftID ||
		!q.lastFilter.Since.Equal(want.Since) || q.lastFilter.Limit != want.Limit {
		t.Errorf("filter = %+v, want %+v", q.lastFilter, want)
	}

	before := time.Now()
	do(r, http.MethodGet, "/api/v1/alerts?since=2020-01-01T00:00:00Z&max_age=24h")
	if got := before.Sub(q.lastFilter.Since); got < 24*time.Hour-time.Second || got > 24*time.Hour+time.Second {
		t.Errorf("max_age should win over since, got Since %v", q.lastFilter.Since)
	}
	if q.lastFilter.Limit != defaultAlertLimit {
		t.Errorf("default limit = %d", q.lastFilter.Limit)
	}

	var body struct {
		Alerts []models.Finding `json:"alerts"`
	}
	rec = do(r, http.MethodGet, "/api/v1/alerts")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		q    *fakeQuerier
		path string
		want int
	}{
		{"storage unavailable", &fakeQuerier{listErr: fmt.Errorf("%w: disk", storage.ErrStorageUnavailable)}, "/api/v1/alerts", http.StatusServiceUnavailable},
		{"unexpected", &fakeQuerier{listErr: fmt.Errorf("boom")}, "/api/v1/alerts", http.StatusInternalServerError},
		{"unhealthy", &fakeQuerier{healthErr: fmt.Errorf("database is closed")}, "/health", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(newTestRouter(tt.q), http.MethodGet, tt.path); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHub_StreamsCycles(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	snap := &models.Snapshot{FetchedAt: now, Region: "Europe_Central", Aircraft: make([]models.StateVector, 2)}
	if err := hub.Publish(ctx, snap, nil); err != nil {
		t.Fatalf("Publish without subscribers: %v", err)
	}

	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	findings := []models.Finding{{AircraftID: "abc123", Rule: models.RuleExcessiveAltitude, Severity: models.SeverityHigh, DetectedAt: now}}
	if err := hub.Publish(ctx, snap, findings); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "cycle" || msg.Region != "Europe_Central" || msg.Aircraft != 2 || len(msg.Findings) != 1 {
		t.Errorf("message = %+v", msg)
	}

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after hub shutdown")
	}
}
