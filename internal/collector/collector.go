// Package collector enumerates persistence items for one category each. The
// set of collectors is closed and registered explicitly at startup through a
// Registry; the scan orchestrator only ever sees the Collector interface.
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tripwire/lookout/internal/item"
)

// Collector enumerates the items of a single category. Scan may return
// partial results together with an error; callers keep both.
type Collector interface {
	Category() item.Category
	RequiresElevatedAccess() bool
	Scan(ctx context.Context) ([]item.PersistenceItem, error)
}

// Watchable is implemented by collectors whose sources live on the local
// filesystem, so a watcher can trigger a rescan when they change.
type Watchable interface {
	WatchPaths() []string
}

// Registry holds at most one collector per category.
type Registry struct {
	mu         sync.RWMutex
	collectors map[item.Category]Collector
}

// NewRegistry returns a registry containing cs. It fails on duplicate
// categories.
func NewRegistry(cs ...Collector) (*Registry, error) {
	r := &Registry{collectors: make(map[item.Category]Collector)}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds c. A second collector for the same category is rejected.
func (r *Registry) Register(c Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cat := c.Category()
	if _, dup := r.collectors[cat]; dup {
		return fmt.Errorf("collector: category %q already registered", cat)
	}
	r.collectors[cat] = c
	return nil
}

// Get returns the collector for cat.
func (r *Registry) Get(cat item.Category) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[cat]
	return c, ok
}

// Categories lists registered categories in sorted order.
func (r *Registry) Categories() []item.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]item.Category, 0, len(r.collectors))
	for c := range r.collectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Select returns the collectors for the requested categories in request
// order, plus the categories that have no collector. An empty request
// selects every registered collector.
func (r *Registry) Select(cats []item.Category) ([]Collector, []item.Category) {
	if len(cats) == 0 {
		cats = r.Categories()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		found   []Collector
		missing []item.Category
		seen    = make(map[item.Category]bool, len(cats))
	)
	for _, c := range cats {
		if seen[c] {
			continue
		}
		seen[c] = true
		if col, ok := r.collectors[c]; ok {
			found = append(found, col)
		} else {
			missing = append(missing, c)
		}
	}
	return found, missing
}

// WatchPaths gathers the watch paths of every Watchable collector.
func (r *Registry) WatchPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, c := range r.collectors {
		if w, ok := c.(Watchable); ok {
			out = append(out, w.WatchPaths()...)
		}
	}
	sort.Strings(out)
	return out
}

// Clock is injected into collectors so DiscoveredAt is deterministic in
// tests.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
