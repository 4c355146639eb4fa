// Package service is the read-only query surface over the stores, plus the fetch-now trigger.
package service

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rewired-gh/skysentry/internal/anomaly"
	"github.com/rewired-gh/skysentry/internal/history"
	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/poller"
)

var (
	// ErrUnknownRegion is returned for a region no pipeline polls.
	ErrUnknownRegion = errors.New("unknown region")
	ErrInvalidQuery  = errors.New("invalid query")
)

// Store is the read path of the snapshot and alert stores.
type Store interface {
	LatestSnapshot(region string) (*models.Snapshot, error)
	ListFindings(filter models.FindingFilter) iter.Seq2[models.Finding, error]
	FindFlight(ident string, depth int) ([]models.StateVector, error)
	Ping() error
}

// Options tune the query service.
type Options struct {
	// StaleAfter marks a latest snapshot as stale once it is older than this.
	StaleAfter time.Duration
	// FlightDepth is how many recent snapshots FindFlight searches.
	FlightDepth int
	Now         func() time.Time
}

// Service answers collaborator queries. It never writes to the stores.
type Service struct {
	store Store
	index *history.Index
	group *poller.Group
	opts  Options
}

func New(store Store, index *history.Index, group *poller.Group, opts Options) *Service {
	if opts.FlightDepth <= 0 {
		opts.FlightDepth = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, index: index, group: group, opts: opts}
}

// SnapshotView is the latest snapshot of a region with its freshness.
type SnapshotView struct {
	Region   string           `json:"region"`
	Snapshot *models.Snapshot `json:"snapshot"`
	// Stale is set when the snapshot is missing or older than the stale threshold.
	Stale bool    `json:"stale"`
	AgeS  float64 `json:"ageSeconds"`
}

// RegionStatus describes one polled region.
type RegionStatus struct {
	Region     models.Region  `json:"region"`
	State      string         `json:"state"`
	NextFetch  time.Time      `json:"nextFetch"`
	LastResult *poller.Result `json:"lastResult,omitempty"`
}

// Regions lists every polled region with its pipeline status.
func (s *Service) Regions() []RegionStatus {
	regions := s.group.Regions()
	out := make([]RegionStatus, 0, len(regions))
	for _, r := range regions {
		p, _ := s.group.Pipeline(r.Name)
		st := RegionStatus{Region: r, State: p.State().String(), NextFetch: p.NextFetch()}
		if res, ok := p.LastResult(); ok {
			st.LastResult = &res
		}
		out = append(out, st)
	}
	return out
}

// LatestSnapshot returns the newest snapshot of region. A region that has not been fetched yet
// yields a nil snapshot flagged stale rather than an error.
func (s *Service) LatestSnapshot(region string) (SnapshotView, error) {
	if err := s.checkRegion(region); err != nil {
		return SnapshotView{}, err
	}
	snap, err := s.store.LatestSnapshot(region)
	if err != nil {
		return SnapshotView{}, err
	}
	view := SnapshotView{Region: region, Snapshot: snap, Stale: true}
	if snap != nil {
		age := s.opts.Now().Sub(snap.FetchedAt)
		view.AgeS = age.Seconds()
		view.Stale = s.opts.StaleAfter > 0 && age > s.opts.StaleAfter
	}
	return view, nil
}

// FlightHistory returns the in-memory history window of an aircraft.
func (s *Service) FlightHistory(icao24 string) (models.HistoryWindow, bool) {
	return s.index.Get(strings.ToLower(strings.TrimSpace(icao24)))
}

// ListAlerts returns stored findings matching filter, newest first.
func (s *Service) ListAlerts(filter models.FindingFilter) ([]models.Finding, error) {
	out := []models.Finding{}
	for f, err := range s.store.ListFindings(filter) {
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// RequestFetchNow asks the pipeline of region to fetch as soon as the floor interval allows.
func (s *Service) RequestFetchNow(region string) error {
	p, ok := s.group.Pipeline(region)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	p.RequestFetchNow()
	return nil
}

// Summarize describes the latest snapshot of region and the findings raised on it.
func (s *Service) Summarize(region string) (string, error) {
	if err := s.checkRegion(region); err != nil {
		return "", err
	}
	snap, err := s.store.LatestSnapshot(region)
	if err != nil {
		return "", err
	}
	if snap == nil {
		return anomaly.Summarize(region, nil, nil, s.opts.Now()), nil
	}
	findings, err := s.snapshotFindings(snap)
	if err != nil {
		return "", err
	}
	return anomaly.Summarize(region, snap, findings, s.opts.Now()), nil
}

// snapshotFindings returns the newest stored finding per aircraft and rule for aircraft present
// in snap, looking back at most StaleAfter from each aircraft's observation.
func (s *Service) snapshotFindings(snap *models.Snapshot) ([]models.Finding, error) {
	if len(snap.Aircraft) == 0 {
		return nil, nil
	}
	observed := make(map[string]time.Time, len(snap.Aircraft))
	oldest := snap.Aircraft[0].Timestamp
	for _, sv := range snap.Aircraft {
		observed[sv.ICAO24] = sv.Timestamp
		if sv.Timestamp.Before(oldest) {
			oldest = sv.Timestamp
		}
	}
	lookback := s.opts.StaleAfter

	type key struct {
		aircraft string
		rule     models.RuleKind
	}
	seen := make(map[key]bool)
	var out []models.Finding
	for f, err := range s.store.ListFindings(models.FindingFilter{Region: snap.Region, Since: oldest.Add(-lookback)}) {
		if err != nil {
			return nil, err
		}
		at, ok := observed[f.AircraftID]
		if !ok || f.DetectedAt.After(at) || at.Sub(f.DetectedAt) > lookback {
			continue
		}
		k := key{f.AircraftID, f.Rule}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	return out, nil
}

// FindFlight searches recent snapshots for a callsign or ICAO24 address, newest first.
func (s *Service) FindFlight(ident string) ([]models.StateVector, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil, fmt.Errorf("%w: flight identifier must not be empty", ErrInvalidQuery)
	}
	return s.store.FindFlight(ident, s.opts.FlightDepth)
}

// Health reports whether the store is reachable.
func (s *Service) Health() error {
	return s.store.Ping()
}

func (s *Service) checkRegion(region string) error {
	if _, ok := s.group.Pipeline(region); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	return nil
}
