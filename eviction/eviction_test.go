package eviction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/hashtable"
	"github.com/segcache/segcache/heap"
	"github.com/segcache/segcache/internal/clock"
	"github.com/segcache/segcache/ttlbucket"
)

// harness builds a small heap + index + table for exercising a policy
// directly, without the root Cache façade.
type harness struct {
	h     *heap.Heap
	idx   *ttlbucket.Index
	table *hashtable.Table
	clk   *clock.Frozen
}

func newHarness(t *testing.T, numSegments int64) *harness {
	t.Helper()
	clk := clock.NewFrozen(1000)
	h, err := heap.New(heap.Config{HeapSize: numSegments * 1024, SegmentSize: 1024}, clk, nil, nil)
	require.NoError(t, err)
	return &harness{
		h:     h,
		idx:   ttlbucket.New(h, nil, nil),
		table: hashtable.New(4, 1.2, nil),
		clk:   clk,
	}
}

func (hs *harness) ctx(ttlIdx int) Context {
	return Context{Index: hs.idx, Heap: hs.h, Table: hs.table, Now: hs.clk.NowSeconds(), TTLIdx: ttlIdx}
}

// sealAllButTail seals every segment in bucket idx except its current tail,
// the precondition every non-Merge policy assumes ("sealed segments only").
func sealAllButTail(hs *harness, idx int) {
	tail := hs.idx.Tail(idx)
	for _, id := range hs.idx.Segments(idx) {
		if id != tail {
			hs.h.Segment(id).Seal()
		}
	}
}

func TestNonePolicyAlwaysFails(t *testing.T) {
	hs := newHarness(t, 4)
	hs.idx.AppendSegment(0)

	_, err := New(KindNone, 0).SelectVictim(hs.ctx(0))
	require.ErrorIs(t, err, ErrNoVictim)
}

func TestFifoPicksOldestSealedSegmentGlobally(t *testing.T) {
	hs := newHarness(t, 4)
	s1, _ := hs.idx.AppendSegment(0)
	hs.clk.Advance(1)
	hs.idx.AppendSegment(0)
	sealAllButTail(hs, 0)

	victim, err := New(KindFifo, 0).SelectVictim(hs.ctx(0))
	require.NoError(t, err)
	require.Equal(t, s1.ID(), victim)
}

func TestCtePicksSmallestExpireAt(t *testing.T) {
	hs := newHarness(t, 4)
	// bucket 0 has width 1s; create two segments one second apart so their
	// expire_at values differ.
	s1, _ := hs.idx.AppendSegment(0)
	hs.clk.Advance(1)
	hs.idx.AppendSegment(0)
	sealAllButTail(hs, 0)

	victim, err := New(KindCte, 0).SelectVictim(hs.ctx(0))
	require.NoError(t, err)
	require.Equal(t, s1.ID(), victim, "s1 expires first since it was created earlier")
}

func TestUtilPicksLowestLiveFraction(t *testing.T) {
	hs := newHarness(t, 4)
	s1, _ := hs.idx.AppendSegment(0)
	s1.Append(hs.h, 0, 0, []byte("k"), make([]byte, 4))

	s2, _ := hs.idx.AppendSegment(0)
	s2.Append(hs.h, 0, 0, []byte("k"), make([]byte, 900))
	sealAllButTail(hs, 0)

	victim, err := New(KindUtil, 0).SelectVictim(hs.ctx(0))
	require.NoError(t, err)
	require.Equal(t, s1.ID(), victim, "s1 has the smaller live fraction")
}

func TestMergeCompactsWindowAndFreesSurvivors(t *testing.T) {
	hs := newHarness(t, 8)

	var segs []*heap.Segment
	var keys [][]byte
	for i := 0; i < 4; i++ {
		seg, err := hs.idx.AppendSegment(0)
		require.NoError(t, err)
		key := []byte{'k', byte('0' + i)}
		offset, ok := seg.Append(hs.h, 0, 0, key, []byte("val"))
		require.True(t, ok)
		fp := hashtable.Fingerprint(key)
		_, _, _, err = hs.table.Insert(fp, seg.ID(), offset)
		require.NoError(t, err)
		segs = append(segs, seg)
		keys = append(keys, key)
	}
	sealAllButTail(hs, 0)

	freeBefore := hs.h.NumFree()
	policy := New(KindMerge, 4)
	victim, err := policy.SelectVictim(hs.ctx(0))
	require.NoError(t, err)
	require.Equal(t, heap.NoSegment, victim, "Merge reclaims internally and reports no separate victim")
	require.Greater(t, hs.h.NumFree(), freeBefore, "Merge must free at least one survivor segment")

	// Every key from a segment in the compacted window (the three sealed
	// segments; the writable tail was never eligible) must still resolve
	// to a live segment after relocation.
	for _, key := range keys[:3] {
		loc, ok := hs.table.Lookup(hashtable.Fingerprint(key))
		require.True(t, ok, "key %s must survive compaction", key)
		require.True(t, hs.h.Segment(loc.Seg).IsLive())
	}
}
