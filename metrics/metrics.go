// Package metrics wires the engine's well-known counters (spec §6) into a
// Prometheus registry. It is an optional collaborator: every call site in
// the core checks for a nil *Registry before touching a counter, so the
// core never forces an embedder to bring Prometheus along.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry exposes the counters the core bumps on every notable event.
// Names match spec §6 verbatim so dashboards built against the published
// Segcache line up unchanged.
type Registry struct {
	SegmentsAllocated prometheus.Counter
	SegmentsEvicted   prometheus.Counter
	SegmentsExpired   prometheus.Counter
	ItemsInserted     prometheus.Counter
	ItemsExpired      prometheus.Counter
	ItemsEvicted      prometheus.Counter
	HashLookups       prometheus.Counter
	HashCollisions    prometheus.Counter
	HashInserts       prometheus.Counter
	HashTombstones    prometheus.Counter
}

// NewRegistry builds a Registry and registers every counter with reg.
// Pass prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer-wrapped registry in production.
func NewRegistry(reg prometheus.Registerer) *Registry {
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segcache",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Registry{
		SegmentsAllocated: newCounter("segments_allocated", "Segments handed out by the allocator."),
		SegmentsEvicted:   newCounter("segments_evicted", "Segments reclaimed by an eviction policy."),
		SegmentsExpired:   newCounter("segments_expired", "Segments reclaimed by the expire sweep."),
		ItemsInserted:     newCounter("items_inserted", "Items appended into a segment."),
		ItemsExpired:      newCounter("items_expired", "Live items in segments reclaimed by the expire sweep."),
		ItemsEvicted:      newCounter("items_evicted", "Items dropped by segment-level eviction."),
		HashLookups:       newCounter("hash_lookups", "Hash table lookups performed."),
		HashCollisions:    newCounter("hash_collisions", "Hash table insert collisions (prior live entry tombstoned)."),
		HashInserts:       newCounter("hash_inserts", "Hash table entries installed."),
		HashTombstones:    newCounter("hash_tombstones", "Hash table entries tombstoned."),
	}
}
