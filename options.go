package segcache

import (
	"go.uber.org/zap"

	"github.com/segcache/segcache/eviction"
	"github.com/segcache/segcache/internal/clock"
	"github.com/segcache/segcache/metrics"
)

/*
Option follows the functional options pattern (kept from tempuscache's
options.go): New accepts a variadic list of Option, so the configuration
surface can grow — every row of spec §6's table gets its own With* — without
ever breaking New's signature or forcing positional arguments on callers.
*/
type Option func(*config)

// config collects every recognised option (spec §6) before New builds the
// Heap, TTL bucket index, and hash table from it.
type config struct {
	heapSize      int64
	segmentSize   int64
	hashPower     uint
	overflowFactor float64
	evictionKind  eviction.Kind
	mergeTarget   int
	datapoolPath  string
	prealloc      bool
	magic         bool

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry
}

func defaultConfig() config {
	return config{
		heapSize:       64 << 20, // 64 MiB
		segmentSize:    1 << 20,  // 1 MiB
		hashPower:      20,       // 2^20 primary buckets
		overflowFactor: 1.2,
		evictionKind:   eviction.KindMerge,
		mergeTarget:    4,
	}
}

// WithHeapSize sets the total backing-region size in bytes.
func WithHeapSize(bytes int64) Option {
	return func(c *config) { c.heapSize = bytes }
}

// WithSegmentSize sets the per-segment size in bytes; must be a power of
// two.
func WithSegmentSize(bytes int64) Option {
	return func(c *config) { c.segmentSize = bytes }
}

// WithHashPower sets log2 of the hash table's primary bucket count.
func WithHashPower(power uint) Option {
	return func(c *config) { c.hashPower = power }
}

// WithOverflowFactor sets the hash table's overflow factor. The value is
// stored on the table but does not bound or size overflow buckets, which
// are allocated on demand without limit.
func WithOverflowFactor(factor float64) Option {
	return func(c *config) { c.overflowFactor = factor }
}

// WithEviction selects the active eviction policy (spec §4.4).
func WithEviction(kind eviction.Kind) Option {
	return func(c *config) { c.evictionKind = kind }
}

// WithMergeTarget sets the Merge policy's window size N (spec §4.4).
func WithMergeTarget(n int) Option {
	return func(c *config) { c.mergeTarget = n }
}

// WithDatapoolPath memory-maps the given file as the heap instead of
// allocating an anonymous in-process region (spec §6).
func WithDatapoolPath(path string) Option {
	return func(c *config) { c.datapoolPath = path }
}

// WithPrealloc faults every heap page at startup rather than lazily.
func WithPrealloc(prealloc bool) Option {
	return func(c *config) { c.prealloc = prealloc }
}

// WithMagic enables the per-item 8-byte integrity magic (spec §3), not a
// format guarantee. The magic is written with every item; reads skip over
// it without checking its value.
func WithMagic(enabled bool) Option {
	return func(c *config) { c.magic = enabled }
}

// WithClock overrides the monotonic clock collaborator (spec §6),
// primarily for deterministic tests via clock.NewFrozen.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithLogger sets the zap logger collaborator for warnings (spec §6).
// Defaults to zap.NewNop() so the core never forces logging configuration
// on an embedder.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithMetrics sets the metrics registry collaborator (spec §6). Nil (the
// default) disables counters entirely; every increment site is nil-safe.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *config) { c.metrics = reg }
}
