package heap

import (
	"sync"
	"sync/atomic"
)

// ID identifies a segment by its index into the Heap's segment array.
// All "pointers" between segments, TTL buckets, and hash-table entries are
// indices of this type rather than real pointers (spec §9: "cyclic
// segment→bucket→segment references... no reference cycles in ownership").
type ID uint32

// NoSegment is the sentinel ID meaning "no segment" (nil prev/next/cursor).
const NoSegment ID = 1<<32 - 1

// state is a segment's position in its lifecycle (spec §3):
// free -> writable -> sealed -> free. There is no separate reclaimable
// state: reclaim returns a segment straight to free.
type state uint8

const (
	stateFree state = iota
	stateWritable
	stateSealed
)

// Segment is a fixed-size byte region plus its header (spec §3). Items are
// appended sequentially and are only tombstoned in place; the one exception
// is Merge compaction, which rewrites a segment from offset zero
// (ResetForCompaction + AppendRaw).
type Segment struct {
	id ID

	// mu guards header bookkeeping and appends into this segment. The
	// write offset is a plain field advanced under mu (not an atomic
	// fetch-add), since the "is there room, and who gets to seal it"
	// decision needs the lock anyway: two writers may race to fill the
	// last bytes.
	mu sync.Mutex

	state       state
	bucketIdx   int32 // owning TTL bucket index, or -1 if free
	createTS    int64 // wall seconds
	writeOffset uint32
	liveBytes   atomic.Uint32
	liveItems   atomic.Uint32
	accessCount atomic.Uint64
	mergeState  uint8

	prevInBucket ID
	nextInBucket ID

	// flushGen is the Cache-level flush generation in effect when this
	// segment was allocated. The Cache façade stamps it right after
	// allocation and compares it against the current generation on every
	// Get, so a flush invalidates exactly the segments that existed before
	// it — an exact integer comparison, unlike comparing wall-clock
	// timestamps, which can't tell apart a pre-flush and a post-flush
	// segment created within the same second.
	flushGen int64

	// epoch is bumped on every reclaim so concurrent readers who snapshot
	// it before copying a value can detect recycling and retry as
	// "not found" (spec §5). 32 bits per spec §3's "16-bit reference/epoch
	// counter" note is widened here to avoid wrap-around in long-running
	// processes; the protocol is identical.
	epoch atomic.Uint32

	bytes []byte // this segment's slice of the heap's backing region
}

// ID returns the segment's identity.
func (s *Segment) ID() ID { return s.id }

// Epoch returns the current epoch snapshot, to be re-checked by a reader
// after copying a value out of the segment (spec §5).
func (s *Segment) Epoch() uint32 { return s.epoch.Load() }

// IsLive reports whether the segment is still writable or sealed (i.e. not
// free / not reclaimed). Combined with an epoch re-check this lets readers
// validate a hash-table hit without taking any segment-level lock.
func (s *Segment) IsLive() bool {
	s.mu.Lock()
	live := s.state != stateFree
	s.mu.Unlock()
	return live
}

// CreateTS returns the segment's creation wall-clock time in Unix seconds.
func (s *Segment) CreateTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTS
}

// FlushGen returns the flush generation stamped on this segment at
// allocation time.
func (s *Segment) FlushGen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushGen
}

// SetFlushGen stamps the segment with the Cache's current flush generation.
// Called once, right after the segment is allocated.
func (s *Segment) SetFlushGen(gen int64) {
	s.mu.Lock()
	s.flushGen = gen
	s.mu.Unlock()
}

// BucketIndex returns the owning TTL bucket index, or -1 if free.
func (s *Segment) BucketIndex() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketIdx
}

// WriteOffset returns the next free byte offset (also the logical end of
// live data, since items never move).
func (s *Segment) WriteOffset() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeOffset
}

// LiveBytes returns the segment's current live-byte accounting.
func (s *Segment) LiveBytes() uint32 { return s.liveBytes.Load() }

// LiveItems returns the segment's current live-item count.
func (s *Segment) LiveItems() uint32 { return s.liveItems.Load() }

// Utilization returns live_bytes / segment_size, used by the Util eviction
// policy (spec §4.4) to find the emptiest sealed segment.
func (s *Segment) Utilization() float64 {
	return float64(s.liveBytes.Load()) / float64(len(s.bytes))
}

// PrevInBucket / NextInBucket expose the TTL bucket FIFO chain links.
func (s *Segment) PrevInBucket() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevInBucket
}

func (s *Segment) NextInBucket() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextInBucket
}

func (s *Segment) setLinks(prev, next ID) {
	s.mu.Lock()
	s.prevInBucket = prev
	s.nextInBucket = next
	s.mu.Unlock()
}

// touch bumps the access counter. Nothing calls it at present, and no
// eviction policy reads the counter.
func (s *Segment) touch() {
	s.accessCount.Add(1)
}

// remaining returns the number of free bytes left to append into.
func (s *Segment) remaining() int {
	return len(s.bytes) - int(s.writeOffset)
}

// append reserves space for an item and writes it. Returns the byte offset
// the item was written at, or false if there isn't room (caller must seal
// and allocate a fresh segment). Must be called on the bucket's writable
// tail only.
func (s *Segment) append(h *Heap, flags uint32, cas uint64, key, value []byte) (offset uint32, ok bool) {
	need := h.itemSize(len(key), len(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateWritable {
		return 0, false
	}
	if s.remaining() < need {
		return 0, false
	}

	off := s.writeOffset
	n := h.encodeItem(s.bytes[off:], flags, cas, 0, key, value)
	s.writeOffset += uint32(n)
	s.liveBytes.Add(uint32(n))
	s.liveItems.Add(1)
	return off, true
}

// readAt decodes the item at offset. The caller is responsible for the
// epoch re-check around any data it copies out.
func (s *Segment) readAt(h *Heap, offset uint32) (itemView, bool) {
	s.mu.Lock()
	writeOffset := s.writeOffset
	s.mu.Unlock()

	if offset >= writeOffset {
		return itemView{}, false
	}
	view := h.decodeItem(s.bytes[offset:writeOffset])
	return view, true
}

// tombstone marks the item at offset deleted in place and updates the
// segment's live accounting. Returns false if the item was already
// tombstoned.
func (s *Segment) tombstone(h *Heap, offset uint32) bool {
	s.mu.Lock()
	writeOffset := s.writeOffset
	s.mu.Unlock()

	if offset >= writeOffset {
		return false
	}

	freqOff := offset + uint32(h.tombstoneByteOffset())
	// Single-byte update; no lock needed beyond what the caller already
	// holds via the hash-table entry's exclusivity for this key.
	freqByte := s.bytes[freqOff]
	if freqByte&tombstoneBit != 0 {
		return false
	}
	s.bytes[freqOff] = freqByte | tombstoneBit

	view := h.decodeItem(s.bytes[offset:writeOffset])
	s.liveBytes.Add(^(uint32(view.totalSize) - 1)) // atomic subtract
	s.liveItems.Add(^uint32(0))                     // atomic -1
	return true
}

// bumpFrequency saturates the per-item frequency byte used by the Merge
// eviction policy's retention scoring (spec §3, §4.4, §9).
func (s *Segment) bumpFrequency(h *Heap, offset uint32) {
	s.mu.Lock()
	writeOffset := s.writeOffset
	s.mu.Unlock()
	if offset >= writeOffset {
		return
	}
	freqOff := offset + uint32(h.tombstoneByteOffset())
	cur := s.bytes[freqOff]
	freq := cur & freqMask
	if freq < freqMask {
		s.bytes[freqOff] = (cur &^ freqMask) | (freq + 1)
	}
}

// tombstoneByteOffset returns the offset of the frequency/tombstone byte
// within an item record (after the optional magic and the flags field).
func (h *Heap) tombstoneByteOffset() int {
	off := itemFlagsSize
	if h.magic {
		off += itemMagicSize
	}
	return off
}

// reset clears a segment's header fields for reuse by a fresh allocation.
// Bumping epoch here is what lets concurrent readers who snapshotted the
// old epoch detect the recycle (spec §5).
func (s *Segment) reset() {
	s.mu.Lock()
	s.state = stateFree
	s.bucketIdx = -1
	s.createTS = 0
	s.writeOffset = 0
	s.mergeState = 0
	s.flushGen = 0
	s.prevInBucket = NoSegment
	s.nextInBucket = NoSegment
	s.mu.Unlock()

	s.liveBytes.Store(0)
	s.liveItems.Store(0)
	s.accessCount.Store(0)
	s.epoch.Add(1)
}

// activate transitions a free segment into the writable head of bucketIdx.
func (s *Segment) activate(bucketIdx int32, now int64) {
	s.mu.Lock()
	s.state = stateWritable
	s.bucketIdx = bucketIdx
	s.createTS = now
	s.writeOffset = 0
	s.prevInBucket = NoSegment
	s.nextInBucket = NoSegment
	s.mu.Unlock()
}

// seal transitions a writable segment to sealed (full, or explicitly
// closed off to make way for a new tail).
func (s *Segment) seal() {
	s.mu.Lock()
	if s.state == stateWritable {
		s.state = stateSealed
	}
	s.mu.Unlock()
}

// State exposes the lifecycle state for eviction policies and tests.
type State = state

const (
	StateFree     = stateFree
	StateWritable = stateWritable
	StateSealed   = stateSealed
)

// State returns the segment's current lifecycle state.
func (s *Segment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExpireAt returns create_ts + bucket width, the segment's expiry boundary
// (spec §3 invariant: "expire_at = create_ts + bucket.width").
func (s *Segment) ExpireAt(bucketWidth int64) int64 {
	return s.CreateTS() + bucketWidth
}

// Append reserves space for an item and writes it, storing cas in the
// item record (the Cache passes 0 and keeps the client-visible CAS in the
// hash table). Returns the byte offset the item was written at, or
// ok=false if there isn't room — the caller must seal this segment and
// allocate a fresh one (spec §4.5 set, step 2).
func (s *Segment) Append(h *Heap, flags uint32, cas uint64, key, value []byte) (offset uint32, ok bool) {
	return s.append(h, flags, cas, key, value)
}

// ReadResult is the public view of a decoded item returned by ReadAt.
type ReadResult struct {
	Flags      uint32
	Cas        uint64
	Tombstoned bool
	Key        []byte
	Value      []byte
}

// ReadAt decodes the item at offset, copying its key/value out so the
// result remains valid after any subsequent mutation of the segment.
// ok=false means offset is past the segment's current write cursor (the
// segment was reset out from under the caller, e.g. by compaction).
func (s *Segment) ReadAt(h *Heap, offset uint32) (ReadResult, bool) {
	view, ok := s.readAt(h, offset)
	if !ok {
		return ReadResult{}, false
	}
	return ReadResult{
		Flags:      view.flags,
		Cas:        view.cas,
		Tombstoned: view.tombstoned,
		Key:        append([]byte(nil), view.key...),
		Value:      append([]byte(nil), view.value...),
	}, true
}

// Tombstone marks the item at offset deleted in place. Returns false if it
// was already tombstoned.
func (s *Segment) Tombstone(h *Heap, offset uint32) bool {
	return s.tombstone(h, offset)
}

// BumpFrequency saturates the per-item frequency byte at offset.
func (s *Segment) BumpFrequency(h *Heap, offset uint32) {
	s.bumpFrequency(h, offset)
}

// ItemRecord is a decoded item plus the offset it currently lives at,
// exported for the Merge eviction policy's compaction scan.
type ItemRecord struct {
	Offset     uint32
	Flags      uint32
	Freq       uint8
	Tombstoned bool
	Cas        uint64
	Key        []byte
	Value      []byte
}

// Items decodes every item record in the segment, live or tombstoned, in
// on-disk order. Used only by the Merge eviction policy, which needs to see
// every candidate for compaction.
func (s *Segment) Items(h *Heap) []ItemRecord {
	s.mu.Lock()
	writeOffset := s.writeOffset
	s.mu.Unlock()

	var records []ItemRecord
	off := uint32(0)
	for off < writeOffset {
		view := h.decodeItem(s.bytes[off:writeOffset])
		records = append(records, ItemRecord{
			Offset:     off,
			Flags:      view.flags,
			Freq:       view.freq,
			Tombstoned: view.tombstoned,
			Cas:        view.cas,
			Key:        append([]byte(nil), view.key...),
			Value:      append([]byte(nil), view.value...),
		})
		off += uint32(view.totalSize)
	}
	return records
}

// ResetForCompaction bumps the segment's epoch (forcing any concurrent
// reader holding a pre-compaction offset to retry as not-found) and
// rewinds its write cursor to zero, keeping it in the writable state so
// the Merge policy can re-append retained items in place (spec §4.4: the
// "fresh destination segment" is the first segment of the merge window,
// compacted in place rather than freshly allocated from the heap, so
// compaction never itself requires a free segment).
func (s *Segment) ResetForCompaction() {
	s.mu.Lock()
	s.state = stateWritable
	s.writeOffset = 0
	s.mu.Unlock()

	s.liveBytes.Store(0)
	s.liveItems.Store(0)
	s.epoch.Add(1)
}

// AppendRaw re-appends an item with the cas and frequency copied from its
// old record (Append always starts frequency at zero), preserving the
// identity of a relocated item during Merge compaction.
func (s *Segment) AppendRaw(h *Heap, flags uint32, cas uint64, freq uint8, key, value []byte) (offset uint32, ok bool) {
	need := h.itemSize(len(key), len(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateWritable || s.remaining() < need {
		return 0, false
	}

	off := s.writeOffset
	n := h.encodeItem(s.bytes[off:], flags, cas, freq, key, value)
	s.writeOffset += uint32(n)
	s.liveBytes.Add(uint32(n))
	s.liveItems.Add(1)
	return off, true
}

// Seal re-seals a segment after ResetForCompaction + AppendRaw calls.
func (s *Segment) Seal() { s.seal() }

// FreeBytes reports how much room is left to append into, exported for the
// Merge policy's capacity-capping pass.
func (s *Segment) FreeBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining()
}
