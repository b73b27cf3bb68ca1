// Command segcache-bench is a small load generator: it fills a Cache with
// a configurable number of keys under a short TTL, runs a mixed get/set
// workload against it for a fixed duration, and prints a stats summary.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/segcache/segcache"
	"github.com/segcache/segcache/eviction"
)

func main() {
	heapMB := flag.Int("heap-mb", 64, "heap size in MiB")
	segKB := flag.Int("segment-kb", 1024, "segment size in KiB")
	keys := flag.Int("keys", 100000, "distinct keys to generate")
	valueBytes := flag.Int("value-bytes", 128, "value size in bytes")
	ttlSeconds := flag.Int64("ttl", 30, "item ttl in seconds")
	duration := flag.Duration("duration", 5*time.Second, "workload duration")
	policy := flag.String("eviction", "merge", "eviction policy: none|random|random_fifo|fifo|cte|util|merge")
	flag.Parse()

	cache, err := segcache.New(
		segcache.WithHeapSize(int64(*heapMB)<<20),
		segcache.WithSegmentSize(int64(*segKB)<<10),
		segcache.WithEviction(eviction.Kind(*policy)),
	)
	if err != nil {
		fmt.Println("segcache-bench: build cache:", err)
		return
	}
	defer cache.Close()

	janitor := segcache.StartJanitor(cache, time.Second)
	defer janitor.Stop()

	value := make([]byte, *valueBytes)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	keyAt := func(i int) []byte { return []byte("bench:" + strconv.Itoa(i)) }

	for i := 0; i < *keys; i++ {
		if _, err := cache.Set(keyAt(i), value, 0, *ttlSeconds); err != nil {
			fmt.Println("segcache-bench: warm-up set failed:", err)
			break
		}
	}

	var gets, hits, sets int
	deadline := time.Now().Add(*duration)
	for time.Now().Before(deadline) {
		k := keyAt(rand.Intn(*keys))
		if rand.Intn(10) == 0 {
			if _, err := cache.Set(k, value, 0, *ttlSeconds); err == nil {
				sets++
			}
			continue
		}
		if _, err := cache.Get(k); err == nil {
			hits++
		}
		gets++
	}

	stats := cache.Stats()
	fmt.Printf("gets=%d hits=%d (%.1f%%) sets=%d\n", gets, hits, 100*float64(hits)/float64(gets), sets)
	fmt.Printf("segments: allocated=%d evicted=%d expired=%d free=%d/%d\n",
		stats.SegmentsAllocated, stats.SegmentsEvicted, stats.SegmentsExpired, stats.NumFree, stats.NumSegments)
	fmt.Printf("hash: lookups=%d collisions=%d inserts=%d tombstones=%d\n",
		stats.HashLookups, stats.HashCollisions, stats.HashInserts, stats.HashTombstones)
}
