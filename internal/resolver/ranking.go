package resolver

import (
	"sort"
	"sync"
)

// ranking caches the health-ranked order of the general sources. It is
// rebuilt only when the tracker or the registry changed since the last
// sort.
type ranking struct {
	mu       sync.Mutex
	order    []Source
	version  uint64
	registry uint64
	valid    bool
}

func (r *ranking) invalidate() {
	r.mu.Lock()
	r.valid = false
	r.mu.Unlock()
}

// ordered returns the sources healthy-first, then by descending success
// count. Ties keep registration order.
func (r *ranking) ordered(tracker *Tracker, sources []Source, registry uint64) []Source {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.valid && r.registry == registry && r.version == tracker.Version() {
		return r.order
	}

	names := make([]string, len(sources))
	for i, src := range sources {
		names[i] = src.Name()
	}
	views, version := tracker.rankViews(names)

	order := make([]Source, len(sources))
	copy(order, sources)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := views[order[i].Name()], views[order[j].Name()]
		if a.healthy != b.healthy {
			return a.healthy
		}
		return a.successCount > b.successCount
	})

	r.order = order
	r.version = version
	r.registry = registry
	r.valid = true
	return order
}
