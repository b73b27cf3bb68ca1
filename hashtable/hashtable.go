// Package hashtable implements the open-addressed, bucketed, lock-striped
// hash table (spec §4.3) that maps a key fingerprint to the location
// (segment id + offset) of the current live item.
package hashtable

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/segcache/segcache/heap"
	"github.com/segcache/segcache/metrics"
)

// slotsPerBucket mirrors "8 entries per bucket is typical" (spec §3):
// a bucket is meant to be one cache line of entries plus a header.
const slotsPerBucket = 8

// ErrHashTableFull is returned when a bucket's overflow chain is
// exhausted (spec §7).
type ErrHashTableFull struct{}

func (ErrHashTableFull) Error() string { return "segcache: hash table full" }

// entry is a single hash-table slot (spec §3): a key fingerprint, the
// item's location, its CAS, and a tombstone flag. The entry holds no copy
// of the item's frequency; that lives only in the item record's
// frequency byte. The slot is considered empty when fingerprint == 0 and used == false.
type entry struct {
	used        bool
	fingerprint uint64
	seg         heap.ID
	offset      uint32
	cas         uint64
	tombstoned  bool
}

// bucket is one cache-line-sized array of entries plus an overflow link
// and a striped lock (spec §4.3, §5: "per-bucket lock (spinlock, short
// critical sections)"). Go has no portable user-space spinlock primitive;
// a Mutex with short critical sections is the idiomatic stand-in, which is
// what every lock-striped map in the retrieval pack uses as well.
type bucket struct {
	mu       sync.Mutex
	slots    [slotsPerBucket]entry
	overflow *bucket
}

// Table is the full hash table: a fixed array of primary buckets plus
// dynamically allocated overflow buckets on collision pressure.
type Table struct {
	buckets []*bucket
	mask    uint64

	overflowFactor float64
	metrics        *metrics.Registry

	// casCounters hands out the next CAS value per destination segment,
	// satisfying spec §3's "cas... monotonic per segment".
	casMu       sync.Mutex
	casCounters map[heap.ID]uint64
}

// New builds a Table with 2^hashPower primary buckets.
func New(hashPower uint, overflowFactor float64, reg *metrics.Registry) *Table {
	n := uint64(1) << hashPower
	t := &Table{
		buckets:        make([]*bucket, n),
		mask:           n - 1,
		overflowFactor: overflowFactor,
		metrics:        reg,
		casCounters:    make(map[heap.ID]uint64),
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

// Fingerprint hashes key with xxhash (spec §4.3: "default: xxhash/ahash
// variant; implementation-defined but fixed per process").
func Fingerprint(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func (t *Table) bucketFor(fp uint64) *bucket {
	return t.buckets[fp&t.mask]
}

// Location is the (segment, offset) pair a successful lookup resolves to.
type Location struct {
	Seg    heap.ID
	Offset uint32
	Cas    uint64
}

// Lookup returns the most recent non-tombstoned entry for fp, walking the
// bucket's overflow chain (spec §4.3).
func (t *Table) Lookup(fp uint64) (Location, bool) {
	if t.metrics != nil {
		t.metrics.HashLookups.Inc()
	}

	b := t.bucketFor(fp)
	for b != nil {
		b.mu.Lock()
		for i := range b.slots {
			s := &b.slots[i]
			if s.used && s.fingerprint == fp && !s.tombstoned {
				loc := Location{Seg: s.seg, Offset: s.offset, Cas: s.cas}
				b.mu.Unlock()
				return loc, true
			}
		}
		next := b.overflow
		b.mu.Unlock()
		b = next
	}
	return Location{}, false
}

// nextCas returns the next monotonic CAS value for segment seg.
func (t *Table) nextCas(seg heap.ID) uint64 {
	t.casMu.Lock()
	defer t.casMu.Unlock()
	t.casCounters[seg]++
	return t.casCounters[seg]
}

// Insert installs a new entry for fp at (seg, offset). Any prior live
// entry for the same fingerprint is overwritten in place. Returns the
// entry's assigned CAS and, if a prior live entry existed, its location
// so the caller can tombstone the underlying item bytes (which is what
// decrements the source segment's live counters).
func (t *Table) Insert(fp uint64, seg heap.ID, offset uint32) (cas uint64, prior Location, hadPrior bool, err error) {
	cas = t.nextCas(seg)

	b := t.bucketFor(fp)
	var last *bucket
	for b != nil {
		b.mu.Lock()

		// First pass: look for a live entry to replace in place (keeps the
		// fingerprint's slot stable and avoids growing overflow chains on
		// pure updates).
		for i := range b.slots {
			s := &b.slots[i]
			if s.used && s.fingerprint == fp && !s.tombstoned {
				prior = Location{Seg: s.seg, Offset: s.offset, Cas: s.cas}
				hadPrior = true
				s.seg, s.offset, s.cas = seg, offset, cas
				b.mu.Unlock()
				if t.metrics != nil {
					t.metrics.HashCollisions.Inc()
					t.metrics.HashInserts.Inc()
				}
				return cas, prior, hadPrior, nil
			}
		}

		// Second pass: take any free or tombstoned slot.
		for i := range b.slots {
			s := &b.slots[i]
			if !s.used || s.tombstoned {
				*s = entry{used: true, fingerprint: fp, seg: seg, offset: offset, cas: cas}
				b.mu.Unlock()
				if t.metrics != nil {
					t.metrics.HashInserts.Inc()
				}
				return cas, prior, hadPrior, nil
			}
		}

		last = b
		next := b.overflow
		b.mu.Unlock()
		b = next
	}

	// No free slot anywhere in the chain: allocate an overflow bucket
	// under the primary bucket's lock (spec §4.3: "Overflow buckets are
	// allocated under the primary bucket's lock").
	last.mu.Lock()
	if last.overflow != nil {
		// Lost the race with another inserter; retry via the new bucket.
		ob := last.overflow
		last.mu.Unlock()
		return t.insertInto(ob, fp, seg, offset, cas)
	}

	ob := &bucket{}
	ob.slots[0] = entry{used: true, fingerprint: fp, seg: seg, offset: offset, cas: cas}
	last.overflow = ob
	last.mu.Unlock()
	if t.metrics != nil {
		t.metrics.HashInserts.Inc()
	}
	return cas, prior, hadPrior, nil
}

// Relocate updates fp's current live entry to point at (seg, offset)
// without minting a new CAS — used by the Merge eviction policy to move a
// retained item without disturbing a client-visible CAS token (spec
// §4.4). A non-zero cas replaces the entry's CAS; a zero cas (the unset
// value item records carry) keeps the entry's current one. Returns false
// if fp has no live entry (it was deleted or already relocated by a
// racing writer).
func (t *Table) Relocate(fp uint64, seg heap.ID, offset uint32, cas uint64) bool {
	b := t.bucketFor(fp)
	for b != nil {
		b.mu.Lock()
		for i := range b.slots {
			s := &b.slots[i]
			if s.used && s.fingerprint == fp && !s.tombstoned {
				s.seg, s.offset = seg, offset
				if cas != 0 {
					s.cas = cas
				}
				b.mu.Unlock()
				return true
			}
		}
		next := b.overflow
		b.mu.Unlock()
		b = next
	}
	return false
}

// insertInto places an entry into a specific (already-allocated) overflow
// bucket, used when Insert loses a race allocating one.
func (t *Table) insertInto(b *bucket, fp uint64, seg heap.ID, offset uint32, cas uint64) (uint64, Location, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		s := &b.slots[i]
		if !s.used || s.tombstoned {
			*s = entry{used: true, fingerprint: fp, seg: seg, offset: offset, cas: cas}
			return cas, Location{}, false, nil
		}
	}
	return 0, Location{}, false, ErrHashTableFull{}
}

// Delete tombstones the current live entry for fp, returning its last
// location and whether one existed (spec §4.3).
func (t *Table) Delete(fp uint64) (Location, bool) {
	b := t.bucketFor(fp)
	for b != nil {
		b.mu.Lock()
		for i := range b.slots {
			s := &b.slots[i]
			if s.used && s.fingerprint == fp && !s.tombstoned {
				loc := Location{Seg: s.seg, Offset: s.offset, Cas: s.cas}
				s.tombstoned = true
				b.mu.Unlock()
				if t.metrics != nil {
					t.metrics.HashTombstones.Inc()
				}
				return loc, true
			}
		}
		next := b.overflow
		b.mu.Unlock()
		b = next
	}
	return Location{}, false
}

// TombstoneIfMatches tombstones fp's entry only if it still points at
// (seg, offset) — used by Get to clear a stale entry it discovered
// pointed at an expired or already-recycled segment, without clobbering a
// newer write that raced in (spec §4.5: "If validation fails, it
// tombstones the stale hash entry").
func (t *Table) TombstoneIfMatches(fp uint64, seg heap.ID, offset uint32) {
	b := t.bucketFor(fp)
	for b != nil {
		b.mu.Lock()
		for i := range b.slots {
			s := &b.slots[i]
			if s.used && s.fingerprint == fp && !s.tombstoned && s.seg == seg && s.offset == offset {
				s.tombstoned = true
				b.mu.Unlock()
				if t.metrics != nil {
					t.metrics.HashTombstones.Inc()
				}
				return
			}
		}
		next := b.overflow
		b.mu.Unlock()
		b = next
	}
}

// BulkInvalidate clears every entry whose segment id matches seg,
// invoked at reclaim (spec §4.3): "amortised cost: O(table size) per
// reclaim".
func (t *Table) BulkInvalidate(seg heap.ID) {
	for _, b := range t.buckets {
		for cur := b; cur != nil; cur = cur.overflow {
			cur.mu.Lock()
			for i := range cur.slots {
				s := &cur.slots[i]
				if s.used && s.seg == seg {
					*s = entry{}
				}
			}
			cur.mu.Unlock()
		}
	}
}

// Cas installs a new entry for fp iff the current entry's CAS equals
// expected (spec §4.3). Returns ErrCasMismatch-equivalent via the bool
// return so callers can map it to the engine's Exists/NotFound errors.
func (t *Table) Cas(fp uint64, expected uint64, seg heap.ID, offset uint32) (cas uint64, prior Location, ok bool) {
	b := t.bucketFor(fp)
	for b != nil {
		b.mu.Lock()
		for i := range b.slots {
			s := &b.slots[i]
			if s.used && s.fingerprint == fp && !s.tombstoned {
				if s.cas != expected {
					b.mu.Unlock()
					return 0, Location{}, false
				}
				prior = Location{Seg: s.seg, Offset: s.offset, Cas: s.cas}
				newCas := t.nextCas(seg)
				s.seg, s.offset, s.cas = seg, offset, newCas
				b.mu.Unlock()
				return newCas, prior, true
			}
		}
		next := b.overflow
		b.mu.Unlock()
		b = next
	}
	return 0, Location{}, false
}
