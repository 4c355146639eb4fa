package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFloorFor(t *testing.T) {
	if got := FloorFor(400); got != 216*time.Second {
		t.Errorf("FloorFor(400) = %v, want 3m36s", got)
	}
	if got := FloorFor(0); got != 24*time.Hour {
		t.Errorf("FloorFor(0) = %v, want 24h", got)
	}
}

func TestDailyCalls(t *testing.T) {
	if got := DailyCalls(12 * time.Minute); got != 120 {
		t.Errorf("DailyCalls(12m) = %d, want 120", got)
	}
	if got := DailyCalls(7 * time.Hour); got != 4 {
		t.Errorf("DailyCalls(7h) = %d, want 4", got)
	}
}

func TestLimiter_FirstCallAllowed(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	l := New(time.Minute, clock)

	if d := l.Delay(); d != 0 {
		t.Errorf("fresh limiter delay = %v, want 0", d)
	}
	if err := l.Reserve(); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	start, ok := l.LastStart()
	if !ok || !start.Equal(clock.Now()) {
		t.Errorf("LastStart() = %v, %v", start, ok)
	}
}

func TestLimiter_FailsFastBeforeFloor(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	l := New(time.Minute, clock)

	if err := l.Reserve(); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clock.Advance(59 * time.Second)
	if err := l.Reserve(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Reserve before floor = %v, want ErrRateLimited", err)
	}
	if d := l.Delay(); d != time.Second {
		t.Errorf("Delay() = %v, want 1s", d)
	}

	clock.Advance(time.Second)
	if err := l.Reserve(); err != nil {
		t.Fatalf("Reserve at floor: %v", err)
	}
	if l.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", l.Calls())
	}
}

func TestLimiter_RejectedCallDoesNotMoveWindow(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	l := New(time.Minute, clock)
	_ = l.Reserve()

	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Second)
		_ = l.Reserve()
	}
	// 50s elapsed; rejected attempts must not have reset the window.
	clock.Advance(10 * time.Second)
	if err := l.Reserve(); err != nil {
		t.Fatalf("Reserve after 60s: %v", err)
	}
}

type memJournal struct {
	starts map[string]time.Time
	fail   error
}

func (j *memJournal) LastFetchStart(key string) (time.Time, bool, error) {
	if j.fail != nil {
		return time.Time{}, false, j.fail
	}
	at, ok := j.starts[key]
	return at, ok, nil
}

func (j *memJournal) RecordFetchStart(key string, at time.Time) error {
	j.starts[key] = at
	return nil
}

func TestLimiter_AttachHonorsPreviousProcess(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	journal := &memJournal{starts: map[string]time.Time{}}

	first := New(time.Hour, clock)
	if err := first.Attach(journal, "shared"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := first.Reserve(); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := journal.starts["shared"]; !got.Equal(clock.Now()) {
		t.Errorf("recorded start = %v, want %v", got, clock.Now())
	}

	// A restarted process shortly after must still wait out the floor.
	clock.Advance(time.Second)
	second := New(time.Hour, clock)
	if err := second.Attach(journal, "shared"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := second.Reserve(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Reserve right after restart = %v, want ErrRateLimited", err)
	}
	if d := second.Delay(); d != time.Hour-time.Second {
		t.Errorf("Delay() = %v", d)
	}
	if second.Calls() != 0 {
		t.Errorf("Calls() = %d, want 0", second.Calls())
	}

	clock.Advance(time.Hour)
	if err := second.Reserve(); err != nil {
		t.Fatalf("Reserve after floor: %v", err)
	}
	if _, ok := journal.starts["Europe_Central"]; ok {
		t.Error("start recorded under a foreign key")
	}
}

func TestLimiter_AttachFailureKeepsLimiterUsable(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	l := New(time.Minute, clock)
	if err := l.Attach(&memJournal{fail: errors.New("disk I/O error")}, "shared"); err == nil {
		t.Fatal("expected load error")
	}
	if err := l.Reserve(); err != nil {
		t.Errorf("Reserve: %v", err)
	}
}
