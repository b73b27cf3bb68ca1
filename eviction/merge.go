package eviction

import (
	"sort"

	"github.com/segcache/segcache/hashtable"
	"github.com/segcache/segcache/heap"
)

// mergePolicy is the published Segcache policy (spec §4.4 #7): walk a
// TTL bucket's FIFO chain starting at merge_cursor, retain the
// highest-scoring items from a window of N consecutive sealed segments
// into the first segment of the window (compacted in place), drop the
// rest, and free the other N-1 segments. Net effect: N-1 segments freed
// per call, plus compaction of the survivor. Unlike the other policies,
// Merge performs the whole reclaim itself (it must rewrite hash-table
// entries for every relocated item) and reports success by returning
// heap.NoSegment — the caller just retries Heap.Allocate.
type mergePolicy struct {
	window int
}

func (mergePolicy) Kind() Kind { return KindMerge }

// scored pairs an item record with its retention score for sorting.
type scored struct {
	rec   heap.ItemRecord
	score int64
}

func (p mergePolicy) SelectVictim(ctx Context) (heap.ID, error) {
	idx, h, table := ctx.Index, ctx.Heap, ctx.Table

	all := idx.Segments(ctx.TTLIdx)
	sealed := sealedOf(h, all)
	if len(sealed) < 2 {
		// Nothing to compact in the target bucket yet; fall back to
		// reclaiming a single sealed segment globally rather than stalling
		// the allocation (spec §4.4's fairness rule).
		victim, err := fallbackRandom(idx, h)
		if err != nil {
			return heap.NoSegment, err
		}
		return victim, nil
	}

	// Start the window at the bucket's merge cursor; when fewer than two
	// sealed segments remain from there, start again from the head.
	window := sealed
	cursor := idx.MergeCursor(ctx.TTLIdx)
	for i, id := range sealed {
		if id == cursor && len(sealed)-i >= 2 {
			window = sealed[i:]
			break
		}
	}
	if len(window) > p.window {
		window = window[:p.window]
	}

	dest := window[0]
	destSeg := h.Segment(dest)
	width := idx.Width(ctx.TTLIdx)

	var candidates []scored
	for _, segID := range window {
		seg := h.Segment(segID)
		remainingTTL := seg.ExpireAt(width) - ctx.Now
		for _, rec := range seg.Items(h) {
			if rec.Tombstoned {
				continue
			}
			// Retention score combines access frequency with remaining
			// TTL (spec §4.4); frequency dominates since it is the
			// stronger day-to-day signal and remaining TTL only breaks
			// ties among similarly hot items.
			candidates = append(candidates, scored{rec: rec, score: int64(rec.Freq)*1000 + remainingTTL})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	// Reset the destination in place (bumps its epoch so any reader
	// holding a pre-compaction offset into it retries as not-found, per
	// spec §5) rather than allocating a fresh segment — compaction must
	// never itself require a free segment, since it typically runs
	// because there are none.
	destSeg.ResetForCompaction()

	for _, c := range candidates {
		need := h.ItemSize(len(c.rec.Key), len(c.rec.Value))
		if destSeg.FreeBytes() < need {
			// Capped: residual capacity is left for future merges (spec
			// §4.4); lower-scored items are simply dropped and reclaimed
			// below along with their source segment.
			continue
		}
		offset, ok := destSeg.AppendRaw(h, c.rec.Flags, c.rec.Cas, c.rec.Freq, c.rec.Key, c.rec.Value)
		if !ok {
			continue
		}
		fp := hashtable.Fingerprint(c.rec.Key)
		table.Relocate(fp, dest, offset, c.rec.Cas)
	}

	destSeg.Seal()

	for _, segID := range window {
		if segID == dest {
			continue
		}
		idx.Detach(ctx.TTLIdx, segID)
		table.BulkInvalidate(segID)
		h.Free(h.Segment(segID))
	}

	idx.SetMergeCursor(ctx.TTLIdx, destSeg.NextInBucket())

	return heap.NoSegment, nil
}

// Window returns the configured merge window size N.
func (p mergePolicy) Window() int { return p.window }
