package segcache

import "github.com/prometheus/client_golang/prometheus/testutil"

// Stats is a point-in-time snapshot of the cache's counters (spec §6),
// wrapping the metrics.Registry's Prometheus counters in a plain struct so
// callers don't need to depend on Prometheus themselves just to print a
// summary — mirrors the teacher's Stats-struct-snapshot-method shape.
type Stats struct {
	SegmentsAllocated uint64
	SegmentsEvicted   uint64
	SegmentsExpired   uint64
	ItemsInserted     uint64
	ItemsExpired      uint64
	ItemsEvicted      uint64
	HashLookups       uint64
	HashCollisions    uint64
	HashInserts       uint64
	HashTombstones    uint64

	NumSegments int
	NumFree     int
}

// snapshotStats reads the cache's current counters. Every counter field
// (all but NumSegments and NumFree) stays zero when no metrics registry
// was configured (WithMetrics), since
// counter values are then simply unavailable rather than estimated.
func snapshotStats(c *Cache) Stats {
	s := Stats{
		NumSegments: c.heap.NumSegments(),
		NumFree:     c.heap.NumFree(),
	}
	if c.metrics == nil {
		return s
	}
	s.SegmentsAllocated = uint64(testutil.ToFloat64(c.metrics.SegmentsAllocated))
	s.SegmentsEvicted = uint64(testutil.ToFloat64(c.metrics.SegmentsEvicted))
	s.SegmentsExpired = uint64(testutil.ToFloat64(c.metrics.SegmentsExpired))
	s.ItemsInserted = uint64(testutil.ToFloat64(c.metrics.ItemsInserted))
	s.ItemsExpired = uint64(testutil.ToFloat64(c.metrics.ItemsExpired))
	s.ItemsEvicted = uint64(testutil.ToFloat64(c.metrics.ItemsEvicted))
	s.HashLookups = uint64(testutil.ToFloat64(c.metrics.HashLookups))
	s.HashCollisions = uint64(testutil.ToFloat64(c.metrics.HashCollisions))
	s.HashInserts = uint64(testutil.ToFloat64(c.metrics.HashInserts))
	s.HashTombstones = uint64(testutil.ToFloat64(c.metrics.HashTombstones))
	return s
}
