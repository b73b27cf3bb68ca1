// Package eviction implements the segment reclamation policies of spec
// §4.4. Each Policy selects one segment to reclaim per call; Heap.Allocate
// (via the Cache façade) invokes the active policy only after an expire
// sweep has failed to produce a free segment.
//
// Modelled as a tagged variant dispatched at construction time (spec §9:
// "one virtual call per eviction event; no dynamic-dispatch per item"),
// grounded on the teacher's functional-options construction style and on
// codeGROOVE-dev-multicache's S3-FIFO candidate-ring shape for the FIFO
// family of policies.
package eviction

import (
	"errors"
	"math/rand"

	"github.com/segcache/segcache/heap"
	"github.com/segcache/segcache/ttlbucket"
)

// ErrNoVictim is returned when a policy (and the Random fallback) cannot
// find any sealed segment to reclaim.
var ErrNoVictim = errors.New("segcache: no victim segment available")

// Kind names the eviction policy, matching spec §6's configuration table.
type Kind string

const (
	KindNone       Kind = "none"
	KindRandom     Kind = "random"
	KindRandomFifo Kind = "random_fifo"
	KindFifo       Kind = "fifo"
	KindCte        Kind = "cte"
	KindUtil       Kind = "util"
	KindMerge      Kind = "merge"
)

// Table is the subset of *hashtable.Table the Merge policy needs to
// relocate retained items and invalidate freed segments; declared as an
// interface here so the simple policies (which never touch the hash
// table) don't need to import it.
type Table interface {
	Relocate(fp uint64, seg heap.ID, offset uint32, cas uint64) bool
	BulkInvalidate(seg heap.ID)
}

// Context bundles everything a Policy needs to pick (and, for Merge,
// directly reclaim) a victim.
type Context struct {
	Index  *ttlbucket.Index
	Heap   *heap.Heap
	Table  Table
	Now    int64 // Unix seconds, for TTL-weighted retention scoring
	TTLIdx int   // the TTL bucket the caller is trying to allocate into
}

// Policy selects a victim segment to reclaim. Simple policies return the id
// of a sealed segment for the caller to invalidate and free; Merge instead
// performs the whole reclaim internally (it must rewrite hash-table
// entries for relocated items) and returns heap.NoSegment to tell the
// caller no further action is needed beyond retrying the allocation —
// except when its target bucket has fewer than two sealed segments, in
// which case it returns a single sealed victim like the simple policies.
type Policy interface {
	Kind() Kind
	SelectVictim(ctx Context) (heap.ID, error)
}

// New constructs the Policy named by kind. mergeWindow is the Merge
// policy's window size N (spec §4.4, §6: merge_target); it is ignored by
// every other policy.
func New(kind Kind, mergeWindow int) Policy {
	switch kind {
	case KindRandom:
		return randomPolicy{}
	case KindRandomFifo:
		return randomFifoPolicy{}
	case KindFifo:
		return fifoPolicy{}
	case KindCte:
		return ctePolicy{}
	case KindUtil:
		return utilPolicy{}
	case KindMerge:
		if mergeWindow < 2 {
			mergeWindow = 4
		}
		return mergePolicy{window: mergeWindow}
	default:
		return nonePolicy{}
	}
}

// sealedOf filters ids to those whose segment is currently sealed — only
// sealed segments are eligible victims (spec §4.4: "fall back to Random
// over sealed segments"); a bucket's writable tail is never reclaimed
// directly.
func sealedOf(h *heap.Heap, ids []heap.ID) []heap.ID {
	var sealed []heap.ID
	for _, id := range ids {
		if h.Segment(id).State() == heap.StateSealed {
			sealed = append(sealed, id)
		}
	}
	return sealed
}

// fallbackRandom implements the policy-fairness rule: if the configured
// policy can't produce a victim, fall back to Random over sealed segments
// (spec §4.4).
func fallbackRandom(idx *ttlbucket.Index, h *heap.Heap) (heap.ID, error) {
	sealed := sealedOf(h, idx.AllSegments())
	if len(sealed) == 0 {
		return heap.NoSegment, ErrNoVictim
	}
	return sealed[rand.Intn(len(sealed))], nil
}

// nonePolicy always fails (spec §4.4 #1).
type nonePolicy struct{}

func (nonePolicy) Kind() Kind { return KindNone }

func (nonePolicy) SelectVictim(Context) (heap.ID, error) {
	return heap.NoSegment, ErrNoVictim
}

// randomPolicy chooses a uniformly random sealed segment (spec §4.4 #2).
type randomPolicy struct{}

func (randomPolicy) Kind() Kind { return KindRandom }

func (randomPolicy) SelectVictim(ctx Context) (heap.ID, error) {
	return fallbackRandom(ctx.Index, ctx.Heap)
}

// randomFifoPolicy chooses uniformly among the heads of all TTL buckets,
// approximating global FIFO (spec §4.4 #3).
type randomFifoPolicy struct{}

func (randomFifoPolicy) Kind() Kind { return KindRandomFifo }

func (randomFifoPolicy) SelectVictim(ctx Context) (heap.ID, error) {
	sealed := sealedOf(ctx.Heap, ctx.Index.Heads())
	if len(sealed) == 0 {
		return fallbackRandom(ctx.Index, ctx.Heap)
	}
	return sealed[rand.Intn(len(sealed))], nil
}

// fifoPolicy reclaims the globally oldest sealed segment by create_ts
// (spec §4.4 #4).
type fifoPolicy struct{}

func (fifoPolicy) Kind() Kind { return KindFifo }

func (fifoPolicy) SelectVictim(ctx Context) (heap.ID, error) {
	return oldestSealed(ctx.Index, ctx.Heap)
}

func oldestSealed(idx *ttlbucket.Index, h *heap.Heap) (heap.ID, error) {
	var best heap.ID = heap.NoSegment
	var bestTS int64
	for _, id := range sealedOf(h, idx.AllSegments()) {
		ts := h.Segment(id).CreateTS()
		if best == heap.NoSegment || ts < bestTS {
			best, bestTS = id, ts
		}
	}
	if best == heap.NoSegment {
		return fallbackRandom(idx, h)
	}
	return best, nil
}

// ctePolicy (closest-to-expire) reclaims the sealed segment with the
// smallest expire_at (spec §4.4 #5).
type ctePolicy struct{}

func (ctePolicy) Kind() Kind { return KindCte }

func (ctePolicy) SelectVictim(ctx Context) (heap.ID, error) {
	idx, h := ctx.Index, ctx.Heap
	var best heap.ID = heap.NoSegment
	var bestExpire int64

	for bucketIdx := 0; bucketIdx < idx.NumBucketsConfigured(); bucketIdx++ {
		width := idx.Width(bucketIdx)
		for _, id := range idx.Segments(bucketIdx) {
			seg := h.Segment(id)
			if seg.State() != heap.StateSealed {
				continue
			}
			expire := seg.ExpireAt(width)
			if best == heap.NoSegment || expire < bestExpire {
				best, bestExpire = id, expire
			}
		}
	}
	if best == heap.NoSegment {
		return fallbackRandom(idx, h)
	}
	return best, nil
}

// utilPolicy reclaims the sealed segment with the lowest
// live_bytes/segment_size (spec §4.4 #6).
type utilPolicy struct{}

func (utilPolicy) Kind() Kind { return KindUtil }

func (utilPolicy) SelectVictim(ctx Context) (heap.ID, error) {
	idx, h := ctx.Index, ctx.Heap
	var best heap.ID = heap.NoSegment
	var bestUtil float64 = 2 // > any real utilization

	for _, id := range sealedOf(h, idx.AllSegments()) {
		u := h.Segment(id).Utilization()
		if best == heap.NoSegment || u < bestUtil {
			best, bestUtil = id, u
		}
	}
	if best == heap.NoSegment {
		return fallbackRandom(idx, h)
	}
	return best, nil
}
