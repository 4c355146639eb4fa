// Package history keeps a short per-aircraft window of recent state vectors.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/skysentry/internal/models"
)

const DefaultWindowSize = 5

// Index maps aircraft identity to its most recent state vectors, ascending by timestamp.
// Readers always receive copies. Writes go through Update or a committed Batch.
type Index struct {
	mu      sync.RWMutex
	size    int
	windows map[string][]models.StateVector
}

// New creates an index holding at most size entries per aircraft.
func New(size int) *Index {
	if size < 2 {
		size = DefaultWindowSize
	}
	return &Index{
		size:    size,
		windows: make(map[string][]models.StateVector),
	}
}

// Size returns the per-aircraft window capacity.
func (x *Index) Size() int {
	return x.size
}

// Update inserts sv and returns the aircraft's window after insertion.
// A vector whose timestamp is already present is ignored.
func (x *Index) Update(sv models.StateVector) models.HistoryWindow {
	x.mu.Lock()
	defer x.mu.Unlock()
	entries, _ := insert(x.windows[sv.ICAO24], sv, x.size)
	x.windows[sv.ICAO24] = entries
	return window(sv.ICAO24, entries)
}

// Get returns a copy of the window for icao24.
func (x *Index) Get(icao24 string) (models.HistoryWindow, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entries, ok := x.windows[icao24]
	if !ok {
		return models.HistoryWindow{}, false
	}
	return window(icao24, entries), true
}

// Len returns the number of tracked aircraft.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.windows)
}

// EvictStale drops aircraft whose newest observation is older than now minus silence.
// It returns how many aircraft were removed.
func (x *Index) EvictStale(now time.Time, silence time.Duration) int {
	cutoff := now.Add(-silence)
	x.mu.Lock()
	defer x.mu.Unlock()
	var evicted int
	for id, entries := range x.windows {
		if len(entries) == 0 || entries[len(entries)-1].Timestamp.Before(cutoff) {
			delete(x.windows, id)
			evicted++
		}
	}
	return evicted
}

// Windows returns copies of every window, sorted by aircraft identity.
func (x *Index) Windows() []models.HistoryWindow {
	x.mu.RLock()
	out := make([]models.HistoryWindow, 0, len(x.windows))
	for id, entries := range x.windows {
		out = append(out, window(id, entries))
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ICAO24 < out[j].ICAO24 })
	return out
}

// Restore merges persisted windows into the index, typically right after startup.
func (x *Index) Restore(windows []models.HistoryWindow) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, w := range windows {
		entries := x.windows[w.ICAO24]
		for _, sv := range w.Entries {
			entries, _ = insert(entries, sv, x.size)
		}
		if len(entries) > 0 {
			x.windows[w.ICAO24] = entries
		}
	}
}

// Begin starts a batch whose updates stay invisible to readers until Commit.
func (x *Index) Begin() *Batch {
	return &Batch{
		index:  x,
		staged: make(map[string][]models.StateVector),
	}
}

// Batch stages updates for one poll cycle. It is not safe for concurrent use.
type Batch struct {
	index  *Index
	staged map[string][]models.StateVector
	added  []models.StateVector
	done   bool
}

// Update returns the window the aircraft would have after inserting sv, counting earlier
// updates in this batch.
func (b *Batch) Update(sv models.StateVector) models.HistoryWindow {
	entries, ok := b.staged[sv.ICAO24]
	if !ok {
		b.index.mu.RLock()
		base := b.index.windows[sv.ICAO24]
		entries = make([]models.StateVector, len(base))
		copy(entries, base)
		b.index.mu.RUnlock()
	}
	entries, inserted := insert(entries, sv, b.index.size)
	b.staged[sv.ICAO24] = entries
	if inserted {
		b.added = append(b.added, sv)
	}
	return window(sv.ICAO24, entries)
}

// Len returns the number of vectors the batch would insert.
func (b *Batch) Len() int {
	return len(b.added)
}

// Commit applies the staged vectors to the index. Vectors are re-inserted rather than the
// staged windows copied, so a concurrent commit for the same aircraft from another region
// is merged instead of overwritten.
func (b *Batch) Commit() {
	if b.done {
		return
	}
	b.done = true
	x := b.index
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, sv := range b.added {
		x.windows[sv.ICAO24], _ = insert(x.windows[sv.ICAO24], sv, x.size)
	}
}

// Discard drops the staged updates.
func (b *Batch) Discard() {
	b.done = true
	b.staged = nil
	b.added = nil
}

// insert places sv in timestamp order, ignoring exact timestamp duplicates, and trims the
// oldest entries beyond size. It may reuse the backing array of entries.
func insert(entries []models.StateVector, sv models.StateVector, size int) ([]models.StateVector, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Timestamp.Before(sv.Timestamp)
	})
	if i < len(entries) && entries[i].Timestamp.Equal(sv.Timestamp) {
		return entries, false
	}
	entries = append(entries, models.StateVector{})
	copy(entries[i+1:], entries[i:])
	entries[i] = sv
	if len(entries) > size {
		entries = append(entries[:0:0], entries[len(entries)-size:]...)
	}
	return entries, true
}

func window(icao24 string, entries []models.StateVector) models.HistoryWindow {
	out := make([]models.StateVector, len(entries))
	copy(out, entries)
	return models.HistoryWindow{ICAO24: icao24, Entries: out}
}
