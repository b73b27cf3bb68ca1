package hashtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/heap"
)

func TestInsertThenLookup(t *testing.T) {
	table := New(4, 1.2, nil)
	fp := Fingerprint([]byte("k"))

	cas, _, hadPrior, err := table.Insert(fp, heap.ID(1), 10)
	require.NoError(t, err)
	require.False(t, hadPrior)
	require.Equal(t, uint64(1), cas, "first cas minted for a segment starts at 1")

	loc, ok := table.Lookup(fp)
	require.True(t, ok)
	require.Equal(t, heap.ID(1), loc.Seg)
	require.Equal(t, uint32(10), loc.Offset)
}

func TestInsertOverwriteTombstonesPrior(t *testing.T) {
	table := New(4, 1.2, nil)
	fp := Fingerprint([]byte("k"))

	_, _, _, err := table.Insert(fp, heap.ID(1), 10)
	require.NoError(t, err)

	cas2, prior, hadPrior, err := table.Insert(fp, heap.ID(1), 20)
	require.NoError(t, err)
	require.True(t, hadPrior)
	require.Equal(t, uint32(10), prior.Offset)
	require.Equal(t, uint64(2), cas2, "cas is monotonic per destination segment")

	loc, ok := table.Lookup(fp)
	require.True(t, ok)
	require.Equal(t, uint32(20), loc.Offset)
}

func TestDeleteTombstonesLiveEntry(t *testing.T) {
	table := New(4, 1.2, nil)
	fp := Fingerprint([]byte("k"))
	table.Insert(fp, heap.ID(1), 10)

	_, ok := table.Delete(fp)
	require.True(t, ok)

	_, ok = table.Lookup(fp)
	require.False(t, ok)

	_, ok = table.Delete(fp)
	require.False(t, ok, "deleting an absent key reports no prior entry")
}

func TestCasSucceedsOnlyWithMatchingExpected(t *testing.T) {
	table := New(4, 1.2, nil)
	fp := Fingerprint([]byte("k"))
	cas1, _, _, _ := table.Insert(fp, heap.ID(1), 10)

	_, _, ok := table.Cas(fp, cas1+1, heap.ID(1), 20)
	require.False(t, ok, "mismatched expected cas must fail")

	cas2, prior, ok := table.Cas(fp, cas1, heap.ID(1), 20)
	require.True(t, ok)
	require.Equal(t, uint32(10), prior.Offset)
	require.NotEqual(t, cas1, cas2)
}

func TestBulkInvalidateClearsEveryEntryForSegment(t *testing.T) {
	table := New(4, 1.2, nil)
	fpA := Fingerprint([]byte("a"))
	fpB := Fingerprint([]byte("b"))
	table.Insert(fpA, heap.ID(1), 10)
	table.Insert(fpB, heap.ID(1), 20)

	table.BulkInvalidate(heap.ID(1))

	_, ok := table.Lookup(fpA)
	require.False(t, ok)
	_, ok = table.Lookup(fpB)
	require.False(t, ok)
}

func TestOverflowBucketHandlesCollisionPressure(t *testing.T) {
	// hashPower=0 forces every key into the single primary bucket, well
	// past its slotsPerBucket capacity, to exercise overflow chaining.
	table := New(0, 1.2, nil)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e"), []byte("f"), []byte("g"), []byte("h"), []byte("i"), []byte("j")}

	for i, k := range keys {
		_, _, _, err := table.Insert(Fingerprint(k), heap.ID(1), uint32(i))
		require.NoError(t, err)
	}

	for i, k := range keys {
		loc, ok := table.Lookup(Fingerprint(k))
		require.True(t, ok)
		require.Equal(t, uint32(i), loc.Offset)
	}
}

func TestTombstoneIfMatchesIgnoresRelocatedEntry(t *testing.T) {
	table := New(4, 1.2, nil)
	fp := Fingerprint([]byte("k"))
	table.Insert(fp, heap.ID(1), 10)

	// A racing writer relocated the entry to a new offset before our stale
	// check runs; TombstoneIfMatches must be a no-op against the old one.
	table.Insert(fp, heap.ID(1), 20)
	table.TombstoneIfMatches(fp, heap.ID(1), 10)

	loc, ok := table.Lookup(fp)
	require.True(t, ok)
	require.Equal(t, uint32(20), loc.Offset)
}
