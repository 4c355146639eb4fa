package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/skysentry/internal/history"
	"github.com/rewired-gh/skysentry/internal/models"
)

type countingHistoryStore struct {
	mu    sync.Mutex
	saves int
	last  []models.HistoryWindow
	err   error
}

func (s *countingHistoryStore) SaveHistory(windows []models.HistoryWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.last = windows
	return nil
}

func TestCheckpointer_TickEveryN(t *testing.T) {
	index := history.New(5)
	index.Update(models.StateVector{ICAO24: "abc123", Timestamp: base})
	store := &countingHistoryStore{}
	cp := NewCheckpointer(index, store, 3)

	for i := 0; i < 7; i++ {
		cp.Tick()
	}
	if store.saves != 2 {
		t.Errorf("saves = %d, want 2", store.saves)
	}
	if len(store.last) != 1 || store.last[0].ICAO24 != "abc123" {
		t.Errorf("checkpointed windows = %+v", store.last)
	}
}

func TestCheckpointer_SaveFailureIsNotFatal(t *testing.T) {
	store := &countingHistoryStore{err: errors.New("read-only database")}
	cp := NewCheckpointer(history.New(5), store, 0)
	cp.Tick()
	cp.Save()
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}
}

func TestGroup_RunsAllRegionsAndCheckpointsOnShutdown(t *testing.T) {
	eastClock, westClock := newFakeClock(base), newFakeClock(base)
	east := newClockedHarness(t, time.Minute, eastClock, nil)
	west := newClockedHarness(t, time.Minute, westClock, nil)
	west.pipeline.cfg.Region = models.Region{Name: "Asia_Pacific"}

	store := &countingHistoryStore{}
	g := NewGroup(NewCheckpointer(history.New(5), store, 100), east.pipeline, west.pipeline)

	regions := g.Regions()
	if len(regions) != 2 || regions[0].Name != "Asia_Pacific" || regions[1].Name != "Europe_Central" {
		t.Fatalf("Regions() = %+v", regions)
	}
	if _, ok := g.Pipeline("Nowhere"); ok {
		t.Error("unknown region resolved to a pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()
	eastClock.waitForTimers(t, 1)
	westClock.waitForTimers(t, 1)
	cancel()
	<-done

	for _, h := range []*harness{east, west} {
		if n := len(h.fetcher.startTimes()); n != 1 {
			t.Errorf("%s fetched %d times, want 1", h.pipeline.Region().Name, n)
		}
		if h.pipeline.State() != StateStopped {
			t.Errorf("%s state = %v", h.pipeline.Region().Name, h.pipeline.State())
		}
	}
	if store.saves != 1 {
		t.Errorf("shutdown checkpoints = %d, want 1", store.saves)
	}
}
