// Package poller runs the per-region fetch, detect, and persist cycle.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rewired-gh/skysentry/internal/anomaly"
	"github.com/rewired-gh/skysentry/internal/history"
	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/metrics"
	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/opensky"
	"github.com/rewired-gh/skysentry/internal/ratelimit"
	"github.com/rewired-gh/skysentry/internal/storage"
)

// State is the poll loop state of one region.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Fetcher retrieves one snapshot for a region. Implementations claim a rate limiter slot.
type Fetcher interface {
	Fetch(ctx context.Context, region models.Region) (*models.Snapshot, error)
}

// Store is the write path for one cycle.
type Store interface {
	SaveCycle(snap *models.Snapshot, findings []models.Finding) ([]models.Finding, error)
	PruneBefore(region string, snapshotCutoff, alertCutoff time.Time) (int64, int64, error)
}

// Sink receives the outcome of each committed cycle.
type Sink interface {
	Publish(ctx context.Context, snap *models.Snapshot, findings []models.Finding) error
}

// FailureNotifier is told about the first failure of a streak and about the recovery.
type FailureNotifier interface {
	SendError(region string, err error) error
	SendRecovery(region string, failures int) error
}

// Config holds the per-region scheduling parameters.
type Config struct {
	Region            models.Region
	PollInterval      time.Duration
	BackoffInitial    time.Duration
	BackoffCap        time.Duration
	SilenceThreshold  time.Duration
	SnapshotRetention time.Duration
	AlertRetention    time.Duration
}

// Deps are the collaborators of a pipeline. Limiter must be the one the Fetcher reserves on.
type Deps struct {
	Fetcher     Fetcher
	Limiter     *ratelimit.Limiter
	Clock       ratelimit.Clock
	Index       *history.Index
	Engine      *anomaly.Engine
	Store       Store
	Sinks       []Sink
	Checkpoints *Checkpointer
	Notifier    FailureNotifier
}

// Result describes one cycle.
type Result struct {
	Region      string        `json:"region"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Aircraft    int           `json:"aircraft"`
	NewFindings int           `json:"newFindings"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
}

// Pipeline is the single active poll loop of one region. Only its Processing step writes to
// the stores for that region, so cycles of one region never overlap.
type Pipeline struct {
	cfg      Config
	deps     Deps
	clock    ratelimit.Clock
	backoff  *backoff.ExponentialBackOff
	fetchNow chan struct{}
	state    atomic.Int32

	mu       sync.Mutex
	last     Result
	hasLast  bool
	nextAt   time.Time
	failures int
}

// New creates a pipeline for cfg.Region.
func New(cfg Config, deps Deps) *Pipeline {
	clock := deps.Clock
	if clock == nil {
		clock = ratelimit.SystemClock
	}
	if cfg.BackoffCap < cfg.BackoffInitial {
		cfg.BackoffCap = cfg.BackoffInitial
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.BackoffCap,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		clock:    clock,
		backoff:  b,
		fetchNow: make(chan struct{}, 1),
	}
}

// Region returns the region this pipeline polls.
func (p *Pipeline) Region() models.Region {
	return p.cfg.Region
}

// State returns the current loop state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	metrics.SetPipelineState(p.cfg.Region.Name, int(s))
}

// LastResult returns the most recent cycle result.
func (p *Pipeline) LastResult() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// NextFetch returns when the loop plans to fetch next.
func (p *Pipeline) NextFetch() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextAt
}

// RequestFetchNow asks for an immediate fetch. The request is honored at once if the floor
// interval has elapsed and otherwise queued until it has, or until the next scheduled tick.
// Repeated requests collapse into one.
func (p *Pipeline) RequestFetchNow() {
	select {
	case p.fetchNow <- struct{}{}:
		logger.Debug("Fetch-now queued for %s", p.cfg.Region.Name)
	default:
		logger.Debug("Fetch-now for %s already pending", p.cfg.Region.Name)
	}
}

// Run drives the loop until ctx is cancelled. A cycle already in Processing when ctx is
// cancelled completes before Run returns.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.setState(StateStopped)
	logger.Info("Starting pipeline for %s (interval: %v, floor: %v)",
		p.cfg.Region.Name, p.cfg.PollInterval, p.deps.Limiter.Floor())

	next := p.clock.Now()
	pending := false
	inBackoff := false
	for {
		if ctx.Err() != nil {
			return
		}
		p.setNext(next)
		if inBackoff {
			p.setState(StateBackoff)
		} else {
			p.setState(StateIdle)
		}

		wait := next.Sub(p.clock.Now())
		if pending && !inBackoff {
			if d := p.deps.Limiter.Delay(); d < wait {
				wait = d
			}
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.fetchNow:
				pending = true
				continue
			case <-p.clock.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}

		// The fetch about to start satisfies any queued request.
		pending = false
		select {
		case <-p.fetchNow:
		default:
		}

		res := p.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		next, inBackoff = p.schedule(res)
	}
}

// schedule picks the next fetch time after res.
func (p *Pipeline) schedule(res Result) (time.Time, bool) {
	now := p.clock.Now()
	switch {
	case res.Err == nil:
		p.backoff.Reset()
		return res.StartedAt.Add(p.cfg.PollInterval), false
	case errors.Is(res.Err, opensky.ErrRateLimited):
		// Another region holds the shared slot, or a fetch-now raced the schedule.
		return now.Add(p.deps.Limiter.Delay()), false
	case errors.Is(res.Err, opensky.ErrTransient):
		d := p.backoff.NextBackOff()
		if floor := p.deps.Limiter.Delay(); floor > d {
			d = floor
		}
		logger.Warn("Backing off %s for %v", p.cfg.Region.Name, d)
		return now.Add(d), true
	default:
		// Malformed payloads and storage failures wait for the next scheduled tick.
		return res.StartedAt.Add(p.cfg.PollInterval), false
	}
}

func (p *Pipeline) setNext(t time.Time) {
	p.mu.Lock()
	p.nextAt = t
	p.mu.Unlock()
}

// RunCycle performs one Fetching and, on success, one Processing step. It never sleeps.
func (p *Pipeline) RunCycle(ctx context.Context) Result {
	region := p.cfg.Region.Name
	start := p.clock.Now()
	res := Result{Region: region, StartedAt: start}

	p.setState(StateFetching)
	logger.Debug("Fetching %s", region)
	snap, err := p.deps.Fetcher.Fetch(ctx, p.cfg.Region)
	res.Duration = p.clock.Now().Sub(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		p.observeFailure(res)
		return res
	}
	metrics.ObserveFetch(region, res.Duration, metrics.OutcomeSuccess)
	logger.Info("Fetched %d aircraft for %s in %v", len(snap.Aircraft), region, res.Duration)

	// Processing completes even if shutdown was requested meanwhile.
	p.setState(StateProcessing)
	pctx := context.WithoutCancel(ctx)
	inserted, err := p.process(pctx, snap)
	res.Aircraft = len(snap.Aircraft)
	res.Duration = p.clock.Now().Sub(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		p.observeFailure(res)
		return res
	}
	res.NewFindings = len(inserted)
	logger.Info("Cycle for %s completed in %v: %d aircraft, %d new findings",
		region, res.Duration, res.Aircraft, res.NewFindings)
	p.observeSuccess(res)
	return res
}

// process runs the Processing step. History updates are staged and only committed once the
// snapshot and findings are durably stored, so a failed write leaves every store unchanged.
func (p *Pipeline) process(ctx context.Context, snap *models.Snapshot) ([]models.Finding, error) {
	region := p.cfg.Region.Name
	batch := p.deps.Index.Begin()
	var findings []models.Finding
	for _, sv := range snap.Aircraft {
		w := batch.Update(sv)
		found := p.deps.Engine.Evaluate(sv, w)
		for _, f := range found {
			logger.Debug("Finding %s/%s for %s in %s", f.Rule, f.Severity, f.AircraftID, region)
		}
		findings = append(findings, found...)
	}

	inserted, err := p.deps.Store.SaveCycle(snap, findings)
	if err != nil {
		batch.Discard()
		if errors.Is(err, storage.ErrDuplicateSnapshot) {
			logger.Error("Invariant violated for %s: %v", region, err)
		}
		return nil, err
	}
	batch.Commit()

	if n := p.deps.Index.EvictStale(snap.FetchedAt, p.cfg.SilenceThreshold); n > 0 {
		logger.Debug("Evicted %d silent aircraft", n)
	}
	metrics.SetSnapshotAircraft(region, len(snap.Aircraft))
	metrics.SetHistoryAircraft(p.deps.Index.Len())
	for _, f := range inserted {
		metrics.ObserveFinding(string(f.Rule), string(f.Severity))
	}

	p.prune(snap.FetchedAt)
	if p.deps.Checkpoints != nil {
		p.deps.Checkpoints.Tick()
	}

	for _, sink := range p.deps.Sinks {
		if err := sink.Publish(ctx, snap, inserted); err != nil {
			logger.Warn("Failed to publish cycle for %s: %v", region, err)
		}
	}
	return inserted, nil
}

func (p *Pipeline) prune(now time.Time) {
	var snapCut, alertCut time.Time
	if p.cfg.SnapshotRetention > 0 {
		snapCut = now.Add(-p.cfg.SnapshotRetention)
	}
	if p.cfg.AlertRetention > 0 {
		alertCut = now.Add(-p.cfg.AlertRetention)
	}
	if snapCut.IsZero() && alertCut.IsZero() {
		return
	}
	snaps, alerts, err := p.deps.Store.PruneBefore(p.cfg.Region.Name, snapCut, alertCut)
	if err != nil {
		logger.Warn("Failed to prune %s: %v", p.cfg.Region.Name, err)
		return
	}
	if snaps > 0 || alerts > 0 {
		logger.Debug("Pruned %d snapshots and %d alerts for %s", snaps, alerts, p.cfg.Region.Name)
	}
}

func (p *Pipeline) observeFailure(res Result) {
	region := p.cfg.Region.Name
	err := res.Err

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Debug("Fetch for %s interrupted: %v", region, err)
		return
	case errors.Is(err, opensky.ErrRateLimited):
		metrics.ObserveFetch(region, res.Duration, metrics.OutcomeRateLimited)
		logger.Debug("Fetch for %s deferred: %v", region, err)
		return
	case errors.Is(err, opensky.ErrTransient):
		metrics.ObserveFetch(region, res.Duration, metrics.OutcomeTransient)
		logger.Warn("Fetch for %s failed: %v", region, err)
	case errors.Is(err, opensky.ErrMalformed):
		metrics.ObserveFetch(region, res.Duration, metrics.OutcomeMalformed)
		logger.Error("Provider payload for %s rejected: %v", region, err)
	default:
		logger.Error("Cycle for %s aborted: %v", region, err)
	}

	p.mu.Lock()
	p.last, p.hasLast = res, true
	p.failures++
	failures := p.failures
	p.mu.Unlock()

	if failures == 1 && p.deps.Notifier != nil {
		if sendErr := p.deps.Notifier.SendError(region, err); sendErr != nil {
			logger.Warn("Failed to send error notification: %v", sendErr)
		}
	}
}

func (p *Pipeline) observeSuccess(res Result) {
	p.mu.Lock()
	p.last, p.hasLast = res, true
	failures := p.failures
	p.failures = 0
	p.mu.Unlock()

	if failures > 0 && p.deps.Notifier != nil {
		if sendErr := p.deps.Notifier.SendRecovery(p.cfg.Region.Name, failures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
}
