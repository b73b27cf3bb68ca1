package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/internal/clock"
)

func newTestHeap(t *testing.T, heapSize, segSize int64) *Heap {
	t.Helper()
	h, err := New(Config{HeapSize: heapSize, SegmentSize: segSize}, clock.NewFrozen(1000), nil, nil)
	require.NoError(t, err)
	return h
}

func TestNewRejectsNonPowerOfTwoSegmentSize(t *testing.T) {
	_, err := New(Config{HeapSize: 1024, SegmentSize: 300}, nil, nil, nil)
	require.Error(t, err)
}

func TestNewRejectsHeapSmallerThanSegment(t *testing.T) {
	_, err := New(Config{HeapSize: 100, SegmentSize: 1024}, nil, nil, nil)
	require.Error(t, err)
}

func TestAllocateAndFree(t *testing.T) {
	h := newTestHeap(t, 4*1024, 1024)
	require.Equal(t, 4, h.NumSegments())
	require.Equal(t, 4, h.NumFree())

	seg, err := h.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, 3, h.NumFree())
	require.Equal(t, StateWritable, seg.State())

	h.Free(seg)
	require.Equal(t, 4, h.NumFree())
	require.Equal(t, StateFree, seg.State())
}

func TestAllocateExhaustionReturnsErrNoFreeSegment(t *testing.T) {
	h := newTestHeap(t, 2*1024, 1024)
	_, err := h.Allocate(0)
	require.NoError(t, err)
	_, err = h.Allocate(0)
	require.NoError(t, err)

	_, err = h.Allocate(0)
	require.ErrorIs(t, err, ErrNoFreeSegment)
}

func TestFreeBumpsEpochSoStaleReadersMiss(t *testing.T) {
	h := newTestHeap(t, 2*1024, 1024)
	seg, err := h.Allocate(0)
	require.NoError(t, err)

	before := seg.Epoch()
	h.Free(seg)
	require.NotEqual(t, before, seg.Epoch())
}

func TestItemSizeAccountsForHeaderAndMagic(t *testing.T) {
	h := newTestHeap(t, 2*1024, 1024)
	plain := h.ItemSize(3, 5)
	require.Equal(t, itemHeaderSize+3+5, plain)

	hm, err := New(Config{HeapSize: 2 * 1024, SegmentSize: 1024, Magic: true}, clock.NewFrozen(1000), nil, nil)
	require.NoError(t, err)
	require.Equal(t, itemHeaderSize+itemMagicSize+3+5, hm.ItemSize(3, 5))
}
