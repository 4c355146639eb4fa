package poller

import (
	"context"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/rewired-gh/skysentry/internal/history"
	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/models"
)

// HistoryStore persists history checkpoints.
type HistoryStore interface {
	SaveHistory(windows []models.HistoryWindow) error
}

// Checkpointer saves the history index every N committed cycles across all regions.
type Checkpointer struct {
	index *history.Index
	store HistoryStore
	every int

	mu     sync.Mutex
	cycles int
}

func NewCheckpointer(index *history.Index, store HistoryStore, every int) *Checkpointer {
	if every < 1 {
		every = 1
	}
	return &Checkpointer{index: index, store: store, every: every}
}

// Tick counts one committed cycle and checkpoints when the interval is reached.
func (c *Checkpointer) Tick() {
	c.mu.Lock()
	c.cycles++
	due := c.cycles%c.every == 0
	c.mu.Unlock()
	if due {
		c.Save()
	}
}

// Save writes the current index to the store.
func (c *Checkpointer) Save() {
	windows := c.index.Windows()
	if err := c.store.SaveHistory(windows); err != nil {
		logger.Warn("Failed to checkpoint flight history: %v", err)
		return
	}
	logger.Debug("Checkpointed history of %d aircraft", len(windows))
}

// Group runs one pipeline per region concurrently.
type Group struct {
	pipelines   map[string]*Pipeline
	checkpoints *Checkpointer
}

func NewGroup(checkpoints *Checkpointer, pipelines ...*Pipeline) *Group {
	g := &Group{
		pipelines:   make(map[string]*Pipeline, len(pipelines)),
		checkpoints: checkpoints,
	}
	for _, p := range pipelines {
		g.pipelines[p.Region().Name] = p
	}
	return g
}

// Pipeline returns the pipeline polling region.
func (g *Group) Pipeline(region string) (*Pipeline, bool) {
	p, ok := g.pipelines[region]
	return p, ok
}

// Regions returns the polled regions sorted by name.
func (g *Group) Regions() []models.Region {
	out := make([]models.Region, 0, len(g.pipelines))
	for _, p := range g.pipelines {
		out = append(out, p.Region())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts every pipeline and blocks until all have stopped, then checkpoints history.
func (g *Group) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for _, p := range g.pipelines {
		wg.Go(func() { p.Run(ctx) })
	}
	wg.Wait()

	if g.checkpoints != nil {
		logger.Info("Checkpointing flight history before shutdown")
		g.checkpoints.Save()
	}
}
