// Package ttlbucket implements the TTL bucket index (spec §4.2): a coarse
// index over time that groups segments by expiration epoch and supports
// O(1) discovery of expired segments via the eager "expire sweep".
package ttlbucket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/segcache/segcache/heap"
	"github.com/segcache/segcache/metrics"
)

// NumBuckets is the fixed number of statically provisioned buckets,
// spanning seconds to years (spec §3: "~1024").
const NumBuckets = 1024

// BucketsPerDecade controls the log-scale width selection (spec §3):
// width = max(1, round_pow2(requested_ttl / BucketsPerDecade)).
const BucketsPerDecade = 64

// bucket groups segments whose expiry rounds to the same coarse window.
type bucket struct {
	mu sync.Mutex

	width       int64 // seconds
	head        heap.ID
	tail        heap.ID
	mergeCursor heap.ID
	count       int32
}

// Index is the full set of TTL buckets for one Cache instance.
type Index struct {
	h       *heap.Heap
	logger  *zap.Logger
	metrics *metrics.Registry

	buckets [NumBuckets]*bucket
}

// New builds an Index over h, one bucket per log-scaled TTL window.
func New(h *heap.Heap, logger *zap.Logger, reg *metrics.Registry) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{h: h, logger: logger, metrics: reg}
	for i := range idx.buckets {
		idx.buckets[i] = &bucket{
			width:       bucketWidth(i),
			head:        heap.NoSegment,
			tail:        heap.NoSegment,
			mergeCursor: heap.NoSegment,
		}
	}
	return idx
}

// bucketsPerLog2 is how many buckets separate two TTLs one power-of-two
// apart; it ties bucketWidth and IndexForTTL together so a requested TTL
// lands in a bucket whose width is the smallest power of two not below it
// (see IndexForTTL). With 1024 buckets the widths run from 1s to 2^31s.
const bucketsPerLog2 = NumBuckets / 32

// bucketWidth returns the window width (seconds) for bucket index i,
// log-scaled per spec §3.
func bucketWidth(i int) int64 {
	return int64(1) << (i / bucketsPerLog2)
}

// log2Ceil returns the smallest n such that 2^n >= v, for v >= 1. Rounding
// up (rather than down) means the bucket a TTL maps to always has a width
// at least as large as the requested TTL, so an item is never evicted by
// the expire sweep before its requested lifetime has actually elapsed.
func log2Ceil(v int64) int {
	n := 0
	p := int64(1)
	for p < v {
		p <<= 1
		n++
	}
	return n
}

// IndexForTTL maps a requested TTL (seconds) to a bucket index, per spec
// §3: "width = max(1, round_pow2(requested_ttl / BUCKETS_PER_DECADE))".
// Rounds up to the nearest power of two so bucketWidth(idx) is >= ttl: a
// ttl=60 request lands in the width-64 bucket rather than width-32, so the
// item never expires earlier than requested. TTLs above the largest width
// (2^31s) are clamped to the last bucket.
func IndexForTTL(ttl int64) int {
	if ttl < 1 {
		ttl = 1
	}
	idx := log2Ceil(ttl) * bucketsPerLog2
	if idx >= NumBuckets {
		idx = NumBuckets - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Width returns the configured window width for a bucket index.
func (x *Index) Width(idx int) int64 {
	return x.buckets[idx].width
}

// Count returns the number of segments currently linked into bucket idx.
func (x *Index) Count(idx int) int32 {
	b := x.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Head returns the oldest (first-inserted) segment id in bucket idx, or
// heap.NoSegment if the bucket is empty.
func (x *Index) Head(idx int) heap.ID {
	b := x.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Tail returns the writable tail segment id in bucket idx, or
// heap.NoSegment if the bucket has never been written to.
func (x *Index) Tail(idx int) heap.ID {
	b := x.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tail
}

// MergeCursor returns the segment the Merge eviction policy should resume
// scanning from for bucket idx.
func (x *Index) MergeCursor(idx int) heap.ID {
	b := x.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mergeCursor == heap.NoSegment {
		return b.head
	}
	return b.mergeCursor
}

// SetMergeCursor advances the Merge policy's resume point for bucket idx.
func (x *Index) SetMergeCursor(idx int, seg heap.ID) {
	b := x.buckets[idx]
	b.mu.Lock()
	b.mergeCursor = seg
	b.mu.Unlock()
}

// WritableTail returns the current writable tail segment for idx, or nil
// if the bucket has no writable segment yet.
func (x *Index) WritableTail(idx int) *heap.Segment {
	tail := x.Tail(idx)
	if tail == heap.NoSegment {
		return nil
	}
	seg := x.h.Segment(tail)
	if seg.State() != heap.StateWritable {
		return nil
	}
	return seg
}

// AppendSegment allocates a fresh segment from the heap, seals the
// previous tail (if any), and links the new segment as bucket idx's
// writable tail (spec §4.1 Heap.allocate).
func (x *Index) AppendSegment(idx int) (*heap.Segment, error) {
	b := x.buckets[idx]

	seg, err := x.h.Allocate(int32(idx))
	if err != nil {
		x.logger.Warn("segcache: bucket could not get a fresh tail segment",
			zap.Int("ttl_bucket", idx), zap.Error(err))
		return nil, err
	}

	b.mu.Lock()
	prevTail := b.tail
	seg.setLinks(prevTail, heap.NoSegment)
	b.tail = seg.ID()
	if b.head == heap.NoSegment {
		b.head = seg.ID()
	}
	b.count++
	b.mu.Unlock()

	if prevTail != heap.NoSegment {
		prevSeg := x.h.Segment(prevTail)
		prevSeg.seal()
		prevSeg.setLinks(prevSeg.PrevInBucket(), seg.ID())
	}

	return seg, nil
}

// DetachHead unlinks and returns the head segment of bucket idx, without
// freeing it (the caller — Cache.reclaim — does that after invalidating the
// hash table). Returns heap.NoSegment if the bucket is empty.
func (x *Index) DetachHead(idx int) heap.ID {
	b := x.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	head := b.head
	if head == heap.NoSegment {
		return heap.NoSegment
	}

	seg := x.h.Segment(head)
	next := seg.NextInBucket()
	b.head = next
	if next == heap.NoSegment {
		b.tail = heap.NoSegment
	} else {
		nextSeg := x.h.Segment(next)
		nextSeg.setLinks(heap.NoSegment, nextSeg.NextInBucket())
	}
	if b.mergeCursor == head {
		b.mergeCursor = next
	}
	b.count--
	return head
}

// Detach unlinks an arbitrary segment (not necessarily the head) from its
// TTL bucket, for use by eviction policies other than the eager sweep.
func (x *Index) Detach(idx int, id heap.ID) {
	b := x.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	seg := x.h.Segment(id)
	prev, next := seg.PrevInBucket(), seg.NextInBucket()

	if prev != heap.NoSegment {
		prevSeg := x.h.Segment(prev)
		prevSeg.setLinks(prevSeg.PrevInBucket(), next)
	} else if b.head == id {
		b.head = next
	}

	if next != heap.NoSegment {
		nextSeg := x.h.Segment(next)
		nextSeg.setLinks(prev, nextSeg.NextInBucket())
	} else if b.tail == id {
		b.tail = prev
	}

	if b.mergeCursor == id {
		b.mergeCursor = next
	}
	b.count--
}

// ExpiredHeads walks every bucket and detaches heads whose expiry window
// has passed, returning the detached segment ids for the caller to
// invalidate and free. This is the "expire
// sweep" (spec §4.2): O(expired-segments) work, not O(expired-items).
// jitter softens the boundary the same way the published design allows
// ("+ jitter") to avoid every bucket's head aging out in lockstep.
func (x *Index) ExpiredHeads(now int64, jitter int64) []heap.ID {
	var reclaimed []heap.ID

	for idx, b := range x.buckets {
		for {
			b.mu.Lock()
			head := b.head
			if head == heap.NoSegment {
				b.mu.Unlock()
				break
			}
			seg := x.h.Segment(head)
			b.mu.Unlock()

			if now < seg.ExpireAt(x.buckets[idx].width)+jitter {
				break
			}

			id := x.DetachHead(idx)
			if id == heap.NoSegment {
				break
			}
			reclaimed = append(reclaimed, id)
		}
	}

	return reclaimed
}

// Segments returns every live (writable or sealed) segment id currently
// linked into bucket idx, head to tail. Used by eviction policies that need
// to scan a bucket's chain (Cte, Util, Merge's window).
func (x *Index) Segments(idx int) []heap.ID {
	b := x.buckets[idx]
	b.mu.Lock()
	cur := b.head
	b.mu.Unlock()

	var ids []heap.ID
	for cur != heap.NoSegment {
		ids = append(ids, cur)
		seg := x.h.Segment(cur)
		cur = seg.NextInBucket()
	}
	return ids
}

// AllSegments returns every live segment id across all buckets, used by
// policies that need global visibility (Random, RandomFifo, Fifo, Cte,
// Util): spec §3 guarantees every non-free segment is linked into exactly
// one TTL bucket's chain, so this is exhaustive.
func (x *Index) AllSegments() []heap.ID {
	var all []heap.ID
	for idx := range x.buckets {
		all = append(all, x.Segments(idx)...)
	}
	return all
}

// Heads returns the head segment id of every non-empty bucket, for the
// RandomFifo policy (spec §4.4: "the heads of all TTL buckets").
func (x *Index) Heads() []heap.ID {
	var heads []heap.ID
	for _, b := range x.buckets {
		b.mu.Lock()
		h := b.head
		b.mu.Unlock()
		if h != heap.NoSegment {
			heads = append(heads, h)
		}
	}
	return heads
}

// NumBucketsConfigured returns the number of buckets in this index.
func (x *Index) NumBucketsConfigured() int { return len(x.buckets) }
