// Package ratelimit gates provider calls to a minimum spacing derived from a daily request budget.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/skysentry/internal/logger"
)

// ErrRateLimited is returned when a call is attempted before the floor interval has elapsed.
var ErrRateLimited = errors.New("rate limited: floor interval not elapsed")

// Clock abstracts time so the limiter and poll loop can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// FloorFor returns the minimum spacing between calls that keeps one limiter within
// dailyBudget requests per day.
func FloorFor(dailyBudget int) time.Duration {
	if dailyBudget <= 0 {
		return 24 * time.Hour
	}
	return 24 * time.Hour / time.Duration(dailyBudget)
}

// DailyCalls returns how many calls per day a fixed cadence issues.
func DailyCalls(interval time.Duration) int {
	if interval <= 0 {
		return 0
	}
	return int((24*time.Hour + interval - 1) / interval)
}

// Journal persists call starts under a key so the floor also holds across restarts.
type Journal interface {
	LastFetchStart(key string) (time.Time, bool, error)
	RecordFetchStart(key string, at time.Time) error
}

// Limiter enforces a floor interval between successive call starts.
// The zero value is not usable; construct with New.
type Limiter struct {
	mu        sync.Mutex
	floor     time.Duration
	clock     Clock
	lastStart time.Time
	started   bool
	calls     int

	journal    Journal
	journalKey string
}

// New creates a limiter with the given floor. A nil clock uses SystemClock.
func New(floor time.Duration, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	return &Limiter{floor: floor, clock: clock}
}

// Reserve claims the current slot. It fails fast with ErrRateLimited if the previous call
// started less than one floor interval ago.
func (l *Limiter) Reserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if l.started && now.Sub(l.lastStart) < l.floor {
		return ErrRateLimited
	}
	l.lastStart = now
	l.started = true
	l.calls++
	if l.journal != nil {
		if err := l.journal.RecordFetchStart(l.journalKey, now); err != nil {
			logger.Warn("Failed to record fetch start for %s: %v", l.journalKey, err)
		}
	}
	return nil
}

// Attach seeds the limiter with the last start recorded under key and records every later
// start there. A recorded start older than one already known is ignored, and one in the
// future counts as now.
func (l *Limiter) Attach(j Journal, key string) error {
	last, ok, err := j.LastFetchStart(key)
	if err != nil {
		return fmt.Errorf("failed to load last fetch start of %s: %w", key, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now := l.clock.Now(); last.After(now) {
		last = now
	}
	if ok && (!l.started || last.After(l.lastStart)) {
		l.lastStart = last
		l.started = true
	}
	l.journal, l.journalKey = j, key
	return nil
}

// Delay returns how long until Reserve would succeed; zero when it would succeed now.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return 0
	}
	d := l.floor - l.clock.Now().Sub(l.lastStart)
	if d < 0 {
		return 0
	}
	return d
}

// Floor returns the configured floor interval.
func (l *Limiter) Floor() time.Duration {
	return l.floor
}

// LastStart returns the start time of the last call and whether any is known, including one
// loaded from a journal.
func (l *Limiter) LastStart() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStart, l.started
}

// Calls returns how many reservations have succeeded in this process.
func (l *Limiter) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
