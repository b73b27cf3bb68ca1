package segcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/eviction"
	"github.com/segcache/segcache/internal/clock"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(1_700_000_000)
	base := []Option{
		WithHeapSize(16 * 1024),
		WithSegmentSize(1024),
		WithClock(clk),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c, clk
}

// Scenario 1: set then immediate get round-trips value, flags, and a
// positive cas.
func TestSetThenGetRoundTrips(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Set([]byte("a"), []byte("1"), 0, 60)
	require.NoError(t, err)

	item, err := c.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(item.Value))
	require.Equal(t, uint32(0), item.Flags)
	require.Greater(t, item.Cas, uint64(0))
}

// Scenario 2: add on an already-present key fails with Exists.
func TestAddFailsWhenKeyPresent(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Set([]byte("a"), []byte("1"), 0, 60)
	require.NoError(t, err)

	_, err = c.Add([]byte("a"), []byte("2"), 0, 60)
	require.ErrorIs(t, err, ErrExists)
}

func TestReplaceFailsWhenKeyAbsent(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Replace([]byte("missing"), []byte("v"), 0, 60)
	require.ErrorIs(t, err, ErrNotFound)
}

// Scenario 3: cas against an absent key is NotFound, not Exists.
func TestCasOnAbsentKeyIsNotFound(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Cas([]byte("k"), []byte("v"), 0, 60, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCasMismatchIsExists(t *testing.T) {
	c, _ := newTestCache(t)
	cas, err := c.Set([]byte("k"), []byte("v1"), 0, 60)
	require.NoError(t, err)

	_, err = c.Cas([]byte("k"), []byte("v2"), 0, 60, cas+1)
	require.ErrorIs(t, err, ErrExists)

	newCas, err := c.Cas([]byte("k"), []byte("v2"), 0, 60, cas)
	require.NoError(t, err)
	require.NotEqual(t, cas, newCas)

	item, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(item.Value))
}

// Scenario 4: cas monotonicity within a single destination segment.
func TestCasValuesAreMonotonic(t *testing.T) {
	c, _ := newTestCache(t)
	cas1, err := c.Set([]byte("k"), []byte("1"), 0, 60)
	require.NoError(t, err)
	cas2, err := c.Set([]byte("k"), []byte("2"), 0, 60)
	require.NoError(t, err)
	require.Greater(t, cas2, cas1)
}

// Scenario 5: after an expire sweep at time t, an item whose ttl has
// elapsed is never observed again.
func TestExpiredItemIsNotFoundAfterSweep(t *testing.T) {
	c, clk := newTestCache(t)
	_, err := c.Set([]byte("t"), []byte("v"), 0, 1)
	require.NoError(t, err)

	clk.Advance(2_000_000_000) // 2 seconds, in nanoseconds
	c.ExpireSweep()

	_, err = c.Get([]byte("t"))
	require.ErrorIs(t, err, ErrNotFound)
}

// Scenario 6: incr/decr arithmetic, including decr saturating at zero.
func TestIncrAndDecr(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Set([]byte("n"), []byte("10"), 0, 60)
	require.NoError(t, err)

	next, err := c.Incr([]byte("n"), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(15), next)

	next, err = c.Decr([]byte("n"), 100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), next)
}

func TestIncrOnNonNumericValueIsMalformed(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Set([]byte("n"), []byte("not-a-number"), 0, 60)
	require.NoError(t, err)

	_, err = c.Incr([]byte("n"), 1)
	require.ErrorIs(t, err, ErrMalformedNumber)
}

func TestDeleteRemovesKey(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Set([]byte("k"), []byte("v"), 0, 60)
	require.NoError(t, err)

	require.NoError(t, c.Delete([]byte("k")))
	_, err = c.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, c.Delete([]byte("k")), ErrNotFound)
}

func TestAppendAndPrepend(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Set([]byte("k"), []byte("b"), 0, 60)
	require.NoError(t, err)

	require.NoError(t, c.Append([]byte("k"), []byte("c"), 0))
	item, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "bc", string(item.Value))

	require.NoError(t, c.Prepend([]byte("k"), []byte("a"), 0))
	item, err = c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "abc", string(item.Value))
}

func TestExpireUpdatesTtlWithoutChangingValue(t *testing.T) {
	c, clk := newTestCache(t)
	_, err := c.Set([]byte("k"), []byte("v"), 0, 1)
	require.NoError(t, err)

	require.NoError(t, c.Expire([]byte("k"), 3600))
	clk.Advance(2_000_000_000)
	c.ExpireSweep()

	item, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(item.Value))
}

func TestFlushInvalidatesEveryExistingItem(t *testing.T) {
	c, clk := newTestCache(t)
	_, err := c.Set([]byte("a"), []byte("1"), 0, 3600)
	require.NoError(t, err)

	clk.Advance(1_000_000_000)
	c.Flush()

	_, err = c.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	clk.Advance(1_000_000_000)
	_, err = c.Set([]byte("b"), []byte("2"), 0, 3600)
	require.NoError(t, err)
	item, err := c.Get([]byte("b"))
	require.NoError(t, err, "items written after Flush must remain visible")
	require.Equal(t, "2", string(item.Value))
}

func TestOversizedItemIsRejected(t *testing.T) {
	c, _ := newTestCache(t)
	big := make([]byte, 4096)
	_, err := c.Set([]byte("k"), big, 0, 60)
	require.ErrorIs(t, err, ErrItemOversized)
}

// Regression: a value relocated by Merge compaction must remain readable,
// and a key that was dropped during compaction must read back as not
// found rather than risking a misdecoded record at a reused offset.
func TestMergeEvictionKeepsCacheConsistentUnderPressure(t *testing.T) {
	c, _ := newTestCache(t,
		WithHeapSize(8*1024),
		WithSegmentSize(1024),
		WithEviction(eviction.KindMerge),
		WithMergeTarget(2),
	)

	for i := 0; i < 1000; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		_, err := c.Set(key, []byte("value"), 0, 3600)
		require.NoError(t, err)
	}

	// The cache has far fewer segments than writes; most early keys are
	// gone, but whatever the last write was must still be readable.
	item, err := c.Get([]byte{231, 3}) // key of i=999
	require.NoError(t, err)
	require.Equal(t, "value", string(item.Value))
}
