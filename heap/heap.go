// Package heap implements the segment allocator (spec §4.1): it owns the
// contiguous backing region, partitions it into fixed-size segments, and
// hands segments out to callers (the ttlbucket package) from a LIFO free
// stack for header cache-warmth (spec §4.1).
package heap

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/segcache/segcache/internal/clock"
	"github.com/segcache/segcache/metrics"
)

// ErrNoFreeSegment is returned by Allocate when the free stack is empty.
// Corresponds to spec §7's NoFreeSegment error kind.
var ErrNoFreeSegment = errors.New("segcache: no free segment")

// Config controls the Heap's backing region and segment geometry.
type Config struct {
	// HeapSize is the total number of bytes in the backing region.
	HeapSize int64
	// SegmentSize is the number of bytes per segment; must be a power of
	// two (spec §3 default: 1 MiB).
	SegmentSize int64
	// Magic enables the 8-byte per-item integrity magic (spec §3).
	Magic bool
	// DatapoolPath, if non-empty, memory-maps this file as the heap
	// instead of allocating an anonymous in-process region (spec §6).
	DatapoolPath string
	// Prealloc faults every heap page at startup rather than lazily
	// (spec §6).
	Prealloc bool
}

// Heap owns the segment array and the free-segment stack.
type Heap struct {
	cfg     Config
	magic   bool
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Registry

	region []byte    // the full backing region, anonymous or mmap'd
	file   *mmapFile // non-nil only when DatapoolPath is set

	segments []*Segment

	freeMu    sync.Mutex
	freeStack []ID
}

// mmapFile tracks the open fd/mapping for a file-backed heap so Close can
// release both.
type mmapFile struct {
	fd int
}

// New constructs a Heap per cfg. The region is either an anonymous
// in-process byte slice or a memory-mapped file (spec §6: datapool_path).
func New(cfg Config, clk clock.Clock, logger *zap.Logger, reg *metrics.Registry) (*Heap, error) {
	if cfg.SegmentSize <= 0 || cfg.SegmentSize&(cfg.SegmentSize-1) != 0 {
		return nil, fmt.Errorf("segcache: segment_size must be a power of two, got %d", cfg.SegmentSize)
	}
	if cfg.HeapSize < cfg.SegmentSize {
		return nil, fmt.Errorf("segcache: heap_size %d smaller than segment_size %d", cfg.HeapSize, cfg.SegmentSize)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	numSegments := cfg.HeapSize / cfg.SegmentSize

	h := &Heap{
		cfg:     cfg,
		magic:   cfg.Magic,
		clock:   clk,
		logger:  logger,
		metrics: reg,
	}

	region, file, err := h.mapRegion(cfg, numSegments*cfg.SegmentSize)
	if err != nil {
		return nil, err
	}
	h.region = region
	h.file = file

	h.segments = make([]*Segment, numSegments)
	h.freeStack = make([]ID, 0, numSegments)
	for i := int64(numSegments - 1); i >= 0; i-- {
		seg := &Segment{
			id:           ID(i),
			bucketIdx:    -1,
			prevInBucket: NoSegment,
			nextInBucket: NoSegment,
			bytes:        region[i*cfg.SegmentSize : (i+1)*cfg.SegmentSize],
		}
		h.segments[i] = seg
		h.freeStack = append(h.freeStack, seg.id)
	}

	return h, nil
}

// mapRegion returns the backing byte region, either anonymous or mmap'd
// from cfg.DatapoolPath (grounded on calvinalkan-agent-task/pkg/slotcache's
// mmap-backed file arena, re-purposed here for a pure byte heap rather than
// a structured slot file: spec §6 treats the file as "a pure byte arena").
func (h *Heap) mapRegion(cfg Config, size int64) ([]byte, *mmapFile, error) {
	if cfg.DatapoolPath == "" {
		region := make([]byte, size)
		if cfg.Prealloc {
			for i := 0; i < len(region); i += 4096 {
				region[i] = 0
			}
		}
		return region, nil, nil
	}

	fd, err := unix.Open(cfg.DatapoolPath, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("segcache: open datapool %q: %w", cfg.DatapoolPath, err)
	}

	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("segcache: truncate datapool to %d bytes: %w", size, err)
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED
	region, err := unix.Mmap(fd, 0, int(size), prot, flags)
	if err != nil {
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("segcache: mmap datapool: %w", err)
	}

	if cfg.Prealloc {
		for i := 0; i < len(region); i += 4096 {
			region[i] = region[i]
		}
	}

	return region, &mmapFile{fd: fd}, nil
}

// Close releases the backing region, unmapping and closing the datapool
// file if one was used. Restart is always a cold start (spec §6): no
// directory or recovery protocol is written back.
func (h *Heap) Close() error {
	if h.file == nil {
		return nil
	}
	if err := unix.Munmap(h.region); err != nil {
		return fmt.Errorf("segcache: munmap datapool: %w", err)
	}
	return unix.Close(h.file.fd)
}

// NumSegments returns the total segment count.
func (h *Heap) NumSegments() int { return len(h.segments) }

// SegmentSize returns the configured per-segment byte size.
func (h *Heap) SegmentSize() int64 { return h.cfg.SegmentSize }

// Segment returns the segment with the given id.
func (h *Heap) Segment(id ID) *Segment {
	if int(id) >= len(h.segments) {
		return nil
	}
	return h.segments[id]
}

// NumFree returns the number of segments currently on the free stack.
func (h *Heap) NumFree() int {
	h.freeMu.Lock()
	defer h.freeMu.Unlock()
	return len(h.freeStack)
}

// Allocate pops a segment off the free stack and activates it as the new
// writable head of bucketIdx. Returns ErrNoFreeSegment if the stack is
// empty; the caller (ttlbucket/Cache) is responsible for running the
// expire sweep and invoking eviction before giving up (spec §4.1, §4.2).
func (h *Heap) Allocate(bucketIdx int32) (*Segment, error) {
	h.freeMu.Lock()
	n := len(h.freeStack)
	if n == 0 {
		h.freeMu.Unlock()
		h.logger.Warn("segcache: heap exhausted, no free segment", zap.Int32("bucket", bucketIdx))
		return nil, ErrNoFreeSegment
	}
	id := h.freeStack[n-1]
	h.freeStack = h.freeStack[:n-1]
	h.freeMu.Unlock()

	seg := h.segments[id]
	seg.activate(bucketIdx, h.clock.NowSeconds())
	if h.metrics != nil {
		h.metrics.SegmentsAllocated.Inc()
	}
	return seg, nil
}

// Free transitions seg back to the free state and pushes it onto the free
// stack. Callers must have already invalidated every hash-table entry
// pointing into seg (spec §4.1's reclaim) and unlinked it from its TTL
// bucket before calling Free.
func (h *Heap) Free(seg *Segment) {
	seg.reset()

	h.freeMu.Lock()
	h.freeStack = append(h.freeStack, seg.id)
	h.freeMu.Unlock()
}

// Magic reports whether the per-item integrity magic is enabled.
func (h *Heap) Magic() bool { return h.magic }

// ItemSize returns the on-disk size of an item with the given key/value
// lengths, including the header (exported for callers sizing writes before
// calling into a segment).
func (h *Heap) ItemSize(keyLen, valueLen int) int { return h.itemSize(keyLen, valueLen) }

// MaxItemSize returns the largest combined key+value payload (excluding the
// header) that could ever fit in a single empty segment. Callers sizing an
// item against the segment's total capacity should compare ItemSize's
// result against SegmentSize instead — MaxItemSize already has the header
// subtracted out, so comparing it against an ItemSize (which already
// includes the header) would double-count the header.
func (h *Heap) MaxItemSize() int {
	return int(h.cfg.SegmentSize) - h.headerSize()
}
