// Package segcache implements a segment-structured, in-memory
// key-value cache engine: a fixed-size segment allocator, a TTL bucket
// index for O(1) eager expiration, a lock-striped hash table, and a
// pluggable family of eviction policies, wired together behind the Cache
// façade below.
package segcache

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/segcache/segcache/eviction"
	"github.com/segcache/segcache/hashtable"
	"github.com/segcache/segcache/heap"
	"github.com/segcache/segcache/internal/clock"
	"github.com/segcache/segcache/metrics"
	"github.com/segcache/segcache/ttlbucket"
)

// Item is the value of a successful Get (spec §2): flags and CAS travel
// alongside the value itself.
type Item struct {
	Value []byte
	Flags uint32
	Cas   uint64
}

// Cache is the façade tying the segment allocator, TTL bucket index, hash
// table, and eviction policy together (spec §2's "Cache API").
type Cache struct {
	heap   *heap.Heap
	ttl    *ttlbucket.Index
	table  *hashtable.Table
	policy eviction.Policy

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry

	// flushGen is bumped by every Flush; each segment is stamped with the
	// generation in effect when it was allocated, so Get can tell a
	// pre-flush segment from a post-flush one with an exact integer
	// comparison rather than a wall-clock timestamp (which can't
	// distinguish the two when both land in the same second).
	flushGen int64

	// sweepJitter is added to the expire sweep's boundary (spec §4.2). New
	// sets it to 0 and nothing changes it, so the boundary is exact.
	sweepJitter int64
}

// New builds a Cache from the given options (spec §6).
func New(opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.clock == nil {
		cfg.clock = clock.System{}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	h, err := heap.New(heap.Config{
		HeapSize:     cfg.heapSize,
		SegmentSize:  cfg.segmentSize,
		Magic:        cfg.magic,
		DatapoolPath: cfg.datapoolPath,
		Prealloc:     cfg.prealloc,
	}, cfg.clock, cfg.logger, cfg.metrics)
	if err != nil {
		return nil, fmt.Errorf("segcache: build heap: %w", err)
	}

	idx := ttlbucket.New(h, cfg.logger, cfg.metrics)
	table := hashtable.New(cfg.hashPower, cfg.overflowFactor, cfg.metrics)
	policy := eviction.New(cfg.evictionKind, cfg.mergeTarget)

	return &Cache{
		heap:        h,
		ttl:         idx,
		table:       table,
		policy:      policy,
		clock:       cfg.clock,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		sweepJitter: 0,
	}, nil
}

// Close releases the underlying heap (unmapping a file-backed datapool, if
// any).
func (c *Cache) Close() error { return c.heap.Close() }

// checkInvariant panics on a violation of an internal structural
// guarantee — a bug in the engine, never a client-triggerable condition
// (see errors.go).
func (c *Cache) checkInvariant(ok bool, msg string) {
	if !ok {
		panic("segcache: invariant violated: " + msg)
	}
}

// ExpireSweep runs the eager expiration pass over every TTL bucket,
// reclaiming any segment whose window has fully elapsed (spec §4.2), plus
// any segment stamped before the latest Flush. It is
// safe to call concurrently with everything else and is also invoked
// opportunistically by allocate on its own (spec: "invoked opportunistically
// at the start of allocate").
func (c *Cache) ExpireSweep() int {
	reclaimed := c.ttl.ExpiredHeads(c.clock.NowSeconds(), c.sweepJitter)
	for _, id := range reclaimed {
		c.reclaim(id, true)
	}
	n := len(reclaimed)
	// Flush generations never decrease along a bucket's chain, so only
	// heads need checking.
	for idx := 0; idx < c.ttl.NumBucketsConfigured(); idx++ {
		for {
			head := c.ttl.Head(idx)
			if head == heap.NoSegment || c.heap.Segment(head).FlushGen() >= c.flushGen {
				break
			}
			if id := c.ttl.DetachHead(idx); id != heap.NoSegment {
				c.reclaim(id, true)
				n++
			}
		}
	}
	return n
}

// reclaim invalidates every hash-table entry pointing into seg and returns
// it to the heap's free stack. The segment must already be detached from
// its TTL bucket. expired distinguishes the expire-sweep path from the
// eviction path for the segment- and item-level counters.
func (c *Cache) reclaim(id heap.ID, expired bool) {
	seg := c.heap.Segment(id)
	c.checkInvariant(seg != nil && seg.IsLive(), "reclaim called on an already-free segment")
	liveItems := seg.LiveItems()

	c.table.BulkInvalidate(id)
	c.heap.Free(seg)

	if c.metrics == nil {
		return
	}
	if expired {
		c.metrics.SegmentsExpired.Inc()
		c.metrics.ItemsExpired.Add(float64(liveItems))
	} else {
		c.metrics.SegmentsEvicted.Inc()
		c.metrics.ItemsEvicted.Add(float64(liveItems))
	}
}

// allocate gets (or creates) the writable tail segment for ttlIdx, running
// the expire sweep and then the configured eviction policy if the heap has
// no free segments (spec §4.1, §4.2, §4.4).
func (c *Cache) allocate(ttlIdx int) (*heap.Segment, error) {
	if tail := c.ttl.WritableTail(ttlIdx); tail != nil {
		return tail, nil
	}

	seg, err := c.ttl.AppendSegment(ttlIdx)
	if err == nil {
		seg.SetFlushGen(c.flushGen)
		return seg, nil
	}
	if err != heap.ErrNoFreeSegment {
		return nil, err
	}

	// No free segment: first absorb anything already expired (spec §4.2:
	// "invoked opportunistically at the start of allocate"), then fall
	// through to eviction if that wasn't enough.
	c.ExpireSweep()

	seg, err = c.ttl.AppendSegment(ttlIdx)
	if err == nil {
		seg.SetFlushGen(c.flushGen)
		return seg, nil
	}
	if err != heap.ErrNoFreeSegment {
		return nil, err
	}

	victim, evErr := c.policy.SelectVictim(eviction.Context{
		Index:  c.ttl,
		Heap:   c.heap,
		Table:  c.table,
		Now:    c.clock.NowSeconds(),
		TTLIdx: ttlIdx,
	})
	if evErr != nil {
		c.logger.Warn("segcache: no victim segment available",
			zap.Int("ttl_bucket", ttlIdx), zap.Error(evErr))
		return nil, ErrNoFreeSegment
	}
	if victim != heap.NoSegment {
		// Simple policy: the caller (us) still owns invalidate+detach+free.
		// The victim may live in a different bucket than ttlIdx.
		victimIdx := int(c.heap.Segment(victim).BucketIndex())
		c.ttl.Detach(victimIdx, victim)
		c.reclaim(victim, false)
	}
	// Merge already performed its own reclaim internally.

	seg, err = c.ttl.AppendSegment(ttlIdx)
	if err != nil {
		return nil, ErrNoFreeSegment
	}
	seg.SetFlushGen(c.flushGen)
	return seg, nil
}

// writeNew writes a brand-new item into ttlIdx's writable tail, allocating
// a fresh tail (and evicting, if necessary) when the current one is full.
func (c *Cache) writeNew(ttlIdx int, flags uint32, key, value []byte) (seg *heap.Segment, offset uint32, err error) {
	// Compare the full on-disk size (header included, via ItemSize) against
	// the segment's total capacity directly — MaxItemSize already has the
	// header subtracted out, so comparing ItemSize to it would double-count
	// the header and reject items that would actually fit a fresh segment.
	if c.heap.ItemSize(len(key), len(value)) > int(c.heap.SegmentSize()) {
		return nil, 0, ErrItemOversized
	}

	for {
		seg, err = c.allocate(ttlIdx)
		if err != nil {
			return nil, 0, err
		}
		offset, ok := seg.Append(c.heap, flags, 0, key, value)
		if ok {
			return seg, offset, nil
		}
		// Lost the race for the last bytes of this tail, or it just filled
		// up: seal it and force AppendSegment to mint a new tail next loop.
		seg.Seal()
	}
}

// store is the shared insert path behind Set/Add/Replace/Cas: write the
// item, install the hash-table entry, and tombstone whatever the entry
// previously pointed at.
func (c *Cache) store(key, value []byte, flags uint32, ttl int64) (uint64, error) {
	ttlIdx := ttlbucket.IndexForTTL(ttl)
	seg, offset, err := c.writeNew(ttlIdx, flags, key, value)
	if err != nil {
		return 0, err
	}

	fp := hashtable.Fingerprint(key)
	cas, prior, hadPrior, err := c.table.Insert(fp, seg.ID(), offset)
	if err != nil {
		c.logger.Warn("segcache: hash table full, insert rejected",
			zap.Int("ttl_bucket", ttlIdx), zap.Error(err))
		return 0, ErrHashTableFull
	}
	if hadPrior {
		c.tombstonePrior(prior)
	}
	if c.metrics != nil {
		c.metrics.ItemsInserted.Inc()
	}
	return cas, nil
}

// tombstonePrior marks the item at a hash entry's previous location
// deleted in place, best-effort: the segment may already have been
// reclaimed (its epoch will simply have moved on), in which case there is
// nothing to do.
func (c *Cache) tombstonePrior(loc hashtable.Location) {
	seg := c.heap.Segment(loc.Seg)
	if seg == nil || !seg.IsLive() {
		return
	}
	seg.Tombstone(c.heap, loc.Offset)
}

// Set unconditionally installs value under key with the given flags and
// ttl (seconds), Memcache semantics (spec §4.3).
func (c *Cache) Set(key, value []byte, flags uint32, ttl int64) (uint64, error) {
	return c.store(key, value, flags, ttl)
}

// Add installs value under key only if key is not currently present,
// returning ErrExists otherwise (spec §4.3).
func (c *Cache) Add(key, value []byte, flags uint32, ttl int64) (uint64, error) {
	if _, err := c.Get(key); err == nil {
		return 0, ErrExists
	}
	return c.store(key, value, flags, ttl)
}

// Replace installs value under key only if key is currently present,
// returning ErrNotFound otherwise (spec §4.3).
func (c *Cache) Replace(key, value []byte, flags uint32, ttl int64) (uint64, error) {
	if _, err := c.Get(key); err != nil {
		return 0, err
	}
	return c.store(key, value, flags, ttl)
}

// Cas installs value under key only if the current entry's CAS equals
// expected (spec §4.3, §7). An absent key returns ErrNotFound; a CAS
// mismatch returns ErrExists (Memcache's overloaded "exists" semantics for
// a failed compare-and-swap).
func (c *Cache) Cas(key, value []byte, flags uint32, ttl int64, expected uint64) (uint64, error) {
	// Route existence/liveness through Get rather than a raw table lookup:
	// a hash entry can still be present for a key whose item has already
	// expired (expiry is only enforced lazily, at read time), and such a
	// key must be treated as absent here too.
	if _, err := c.Get(key); err != nil {
		return 0, err
	}

	fp := hashtable.Fingerprint(key)
	ttlIdx := ttlbucket.IndexForTTL(ttl)
	seg, offset, err := c.writeNew(ttlIdx, flags, key, value)
	if err != nil {
		return 0, err
	}

	cas, prior, ok := c.table.Cas(fp, expected, seg.ID(), offset)
	if !ok {
		// Undo the speculative write: tombstone it immediately so it
		// doesn't linger as live but unreachable.
		seg.Tombstone(c.heap, offset)
		return 0, ErrExists
	}
	c.tombstonePrior(prior)
	if c.metrics != nil {
		c.metrics.ItemsInserted.Inc()
	}
	return cas, nil
}

// Get resolves key to its current value, flags, and CAS (spec §4.5).
//
// After a hash hit it verifies the target segment is still live and the
// item has not expired, then — because the epoch check alone cannot rule
// out the case where the segment was recycled and reused for unrelated
// data at the very same offset — compares the decoded item's own key
// bytes against the requested key (grounded on the re-verification every
// sharded in-memory cache does after a hash hit, e.g. bigcache's shard
// comparing the stored key before returning a value). A mismatch is
// treated exactly like "not found", and the stale hash entry is
// tombstoned so future lookups skip the dead slot.
func (c *Cache) Get(key []byte) (Item, error) {
	fp := hashtable.Fingerprint(key)
	loc, ok := c.table.Lookup(fp)
	if !ok {
		return Item{}, ErrNotFound
	}

	seg := c.heap.Segment(loc.Seg)
	if seg == nil || !seg.IsLive() {
		c.table.TombstoneIfMatches(fp, loc.Seg, loc.Offset)
		return Item{}, ErrNotFound
	}

	epoch := seg.Epoch()
	width := c.ttl.Width(int(seg.BucketIndex()))
	now := c.clock.NowSeconds()
	if now >= seg.ExpireAt(width) {
		c.table.TombstoneIfMatches(fp, loc.Seg, loc.Offset)
		return Item{}, ErrNotFound
	}
	if seg.FlushGen() < c.flushGen {
		c.table.TombstoneIfMatches(fp, loc.Seg, loc.Offset)
		return Item{}, ErrNotFound
	}

	res, ok := seg.ReadAt(c.heap, loc.Offset)
	if !ok || seg.Epoch() != epoch {
		// The segment was recycled mid-read; treat as a miss rather than
		// risk having decoded bytes belonging to whatever now occupies
		// this offset.
		return Item{}, ErrNotFound
	}
	if res.Tombstoned || string(res.Key) != string(key) {
		// Either genuinely deleted, or the offset now belongs to an
		// unrelated item written after a compaction/recycle raced ahead of
		// us (spec §4.5: "If validation fails, it tombstones the stale
		// hash entry").
		c.table.TombstoneIfMatches(fp, loc.Seg, loc.Offset)
		return Item{}, ErrNotFound
	}

	seg.BumpFrequency(c.heap, loc.Offset)
	// The authoritative CAS lives in the hash-table entry (loc.Cas), minted
	// by Table.Insert/Cas — the item record itself is always written with
	// cas=0 (writeNew never threads a CAS into the encoded bytes), so
	// res.Cas would always read back as 0.
	return Item{Value: res.Value, Flags: res.Flags, Cas: loc.Cas}, nil
}

// Delete removes key, returning ErrNotFound if it was already absent
// (spec §2, §4.3).
func (c *Cache) Delete(key []byte) error {
	fp := hashtable.Fingerprint(key)
	loc, ok := c.table.Delete(fp)
	if !ok {
		return ErrNotFound
	}
	c.tombstonePrior(loc)
	return nil
}

// Append writes value to the end of key's current value, implemented as a
// read-modify-write that installs a brand new item and tombstones the
// prior one — values never grow in place (spec §4.3).
func (c *Cache) Append(key, value []byte, ttl int64) error {
	return c.concat(key, value, ttl, false)
}

// Prepend writes value to the start of key's current value (spec §4.3).
func (c *Cache) Prepend(key, value []byte, ttl int64) error {
	return c.concat(key, value, ttl, true)
}

func (c *Cache) concat(key, value []byte, ttl int64, prepend bool) error {
	cur, err := c.Get(key)
	if err != nil {
		return err
	}

	var merged []byte
	if prepend {
		merged = make([]byte, 0, len(value)+len(cur.Value))
		merged = append(merged, value...)
		merged = append(merged, cur.Value...)
	} else {
		merged = make([]byte, 0, len(cur.Value)+len(value))
		merged = append(merged, cur.Value...)
		merged = append(merged, value...)
	}

	if ttl <= 0 {
		ttl = c.remainingTTL(key)
	}
	_, err = c.store(key, merged, cur.Flags, ttl)
	return err
}

// remainingTTL best-effort recovers the bucket width an existing key is
// currently slotted under, for Append/Prepend/Incr/Decr calls that don't
// supply an explicit new ttl.
func (c *Cache) remainingTTL(key []byte) int64 {
	fp := hashtable.Fingerprint(key)
	loc, ok := c.table.Lookup(fp)
	if !ok {
		return 1
	}
	seg := c.heap.Segment(loc.Seg)
	if seg == nil {
		return 1
	}
	return c.ttl.Width(int(seg.BucketIndex()))
}

// Incr parses key's current value as an unsigned decimal integer and adds
// delta, saturating at 0 on underflow and wrapping at 2^64 on overflow
// (Memcache-compatible, spec §4.5). Returns ErrMalformedNumber if the
// current value is not a valid unsigned integer.
func (c *Cache) Incr(key []byte, delta uint64) (uint64, error) {
	return c.arith(key, delta, true)
}

// Decr subtracts delta from key's current value, saturating at 0
// (spec §4.5).
func (c *Cache) Decr(key []byte, delta uint64) (uint64, error) {
	return c.arith(key, delta, false)
}

func (c *Cache) arith(key []byte, delta uint64, incr bool) (uint64, error) {
	cur, err := c.Get(key)
	if err != nil {
		return 0, err
	}

	n, perr := strconv.ParseUint(string(cur.Value), 10, 64)
	if perr != nil {
		return 0, ErrMalformedNumber
	}

	var next uint64
	if incr {
		next = n + delta // wraps at 2^64, matching Memcache
	} else if delta > n {
		next = 0
	} else {
		next = n - delta
	}

	ttl := c.remainingTTL(key)
	text := strconv.FormatUint(next, 10)
	if _, err := c.store(key, []byte(text), cur.Flags, ttl); err != nil {
		return 0, err
	}
	return next, nil
}

// Expire updates key's remaining lifetime to ttl seconds from now, leaving
// its value untouched. Implemented as the same read-modify-write as
// Append/Prepend (spec §2's "expire"): a new item is installed in the
// bucket matching the new ttl and the old one is tombstoned.
func (c *Cache) Expire(key []byte, ttl int64) error {
	cur, err := c.Get(key)
	if err != nil {
		return err
	}
	_, err = c.store(key, cur.Value, cur.Flags, ttl)
	return err
}

// Flush invalidates every item currently in the cache by advancing the
// flush generation: any segment stamped with an older generation is
// treated as expired by Get, and the next expire sweep reclaims it like
// any other expired segment (spec §2's "flush"; grounded on the published
// Segcache's flush_at design, which trades an immediate full-table scan
// for a single comparison on the read path — generalised here from a
// wall-clock timestamp to a monotonic counter, since the clock's
// second granularity can't otherwise distinguish a segment created just
// before Flush from one allocated just after it).
//
// Every bucket's current writable tail is also sealed, so that writes
// landing immediately after Flush always go into a fresh segment, which
// allocate stamps with the new generation — otherwise a write sharing an
// already-open, still-pre-flush-stamped segment would be misread as
// flushed too.
func (c *Cache) Flush() {
	c.flushGen++
	for idx := 0; idx < c.ttl.NumBucketsConfigured(); idx++ {
		if tail := c.ttl.WritableTail(idx); tail != nil {
			tail.Seal()
		}
	}
}

// Stats returns a point-in-time snapshot of the cache's counters
// (spec §6).
func (c *Cache) Stats() Stats {
	return snapshotStats(c)
}
