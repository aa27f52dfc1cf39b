package tracker

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount is the stripe width of the tracker's block maps. Picked
// to reduce contention on the dispatcher's hot path without adding a
// lock-free structure; xxhash.Sum64 (rather than a weaker hash) gives
// good shard distribution for the (fileIndex, blockIndex) key space.
const shardCount = 16

func shardFor(fileIndex, blockIndex int) int {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(fileIndex))
	binary.LittleEndian.PutUint64(b[8:16], uint64(blockIndex))
	return int(xxhash.Sum64(b[:]) % shardCount)
}

type rawShard struct {
	mu sync.Mutex
	m  map[Key]*RawBlock
}

type compressedShard struct {
	mu sync.Mutex
	m  map[CompressedKey]*CompressedBlock
}

// Tracker owns the two deduplicating maps of in-flight work: raw
// blocks and compressed blocks, each keyed so that at most one entry
// exists per key while it is live.
type Tracker struct {
	raw        [shardCount]rawShard
	compressed [shardCount]compressedShard
}

// New returns an empty Tracker.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.raw {
		t.raw[i].m = make(map[Key]*RawBlock)
	}
	for i := range t.compressed {
		t.compressed[i].m = make(map[CompressedKey]*CompressedBlock)
	}
	return t
}

// FindOrAddRaw returns the existing RawBlock for key, or inserts and
// returns a new zero-value one (the caller fills in its fields).
func (t *Tracker) FindOrAddRaw(key Key) (block *RawBlock, inserted bool) {
	s := &t.raw[shardFor(key.FileIndex, key.BlockIndex)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.m[key]; ok {
		return b, false
	}
	b := &RawBlock{Key: key}
	s.m[key] = b
	return b, true
}

// RemoveRaw deletes block from the tracker so later references bind
// to a fresh entry.
func (t *Tracker) RemoveRaw(block *RawBlock) {
	s := &t.raw[shardFor(block.Key.FileIndex, block.Key.BlockIndex)]
	s.mu.Lock()
	delete(s.m, block.Key)
	s.mu.Unlock()
}

// FindOrAddCompressed returns the existing CompressedBlock for key, or
// inserts and returns a new zero-value one.
func (t *Tracker) FindOrAddCompressed(key CompressedKey) (block *CompressedBlock, inserted bool) {
	s := &t.compressed[shardFor(key.FileIndex, key.BlockIndex)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.m[key]; ok {
		return b, false
	}
	b := &CompressedBlock{Key: key}
	s.m[key] = b
	return b, true
}

// RemoveCompressed deletes block from the tracker.
func (t *Tracker) RemoveCompressed(block *CompressedBlock) {
	s := &t.compressed[shardFor(block.Key.FileIndex, block.Key.BlockIndex)]
	s.mu.Lock()
	delete(s.m, block.Key)
	s.mu.Unlock()
}

// AddReadRequestsToResolved links every raw block of cb into rr's
// dependency list, bumping refcounts, and raises a raw block's
// priority when rr outranks it.
func (t *Tracker) AddReadRequestsToResolved(cb *CompressedBlock, rr *ResolvedRequest) (raised []*RawBlock) {
	cb.Refcount++
	for _, rb := range cb.RawBlocks {
		rr.RawBlockRefs = append(rr.RawBlockRefs, rb)
		rb.Refcount++
		if int64(rb.Priority()) < rr.Priority {
			rb.SetPriority(int(rr.Priority))
			raised = append(raised, rb)
		}
	}
	return raised
}

// Cancel walks rr's dependency list: a compressed block whose every
// scatter now targets a cancelled request is itself cancelled, and a
// raw block whose every compressed block is cancelled is cancelled
// too (with priority forced to max so the backend drains it quickly).
// Siblings still needed by other live requests are left untouched.
func (t *Tracker) Cancel(rr *ResolvedRequest) {
	seen := make(map[*CompressedBlock]bool)
	for _, rb := range rr.RawBlockRefs {
		for _, cb := range rb.CompressedBlocks {
			if seen[cb] {
				continue
			}
			seen[cb] = true
			if allScattersCancelled(cb) {
				cb.Cancelled = true
			}
		}
	}
	for _, rb := range rr.RawBlockRefs {
		if allCompressedCancelled(rb) {
			rb.Cancelled = true
			rb.SetPriority(MaxPriority)
		}
	}
}

// MaxPriority forces a raw block to the front of the queue so the
// backend drains it (and frees its buffer) as soon as possible.
const MaxPriority = 1 << 30

func allScattersCancelled(cb *CompressedBlock) bool {
	for _, sc := range cb.Scatters {
		if !sc.Request.Failed {
			return false
		}
	}
	return true
}

func allCompressedCancelled(rb *RawBlock) bool {
	for _, cb := range rb.CompressedBlocks {
		if !cb.Cancelled {
			return false
		}
	}
	return len(rb.CompressedBlocks) > 0
}

// Reprioritize raises dependency priorities to match rr's current
// priority, returning the raw blocks that changed (the caller must
// call pqueue.Reheapify on each).
func (t *Tracker) Reprioritize(rr *ResolvedRequest) (raised []*RawBlock) {
	for _, rb := range rr.RawBlockRefs {
		if int64(rb.Priority()) < rr.Priority {
			rb.SetPriority(int(rr.Priority))
			raised = append(raised, rb)
		}
	}
	return raised
}

// ReleaseReferences decrements refcounts along rr's dependency list
// and frees (removes from the tracker) any block whose refcount
// reaches zero.
func (t *Tracker) ReleaseReferences(rr *ResolvedRequest) {
	freedCompressed := make(map[*CompressedBlock]bool)
	for _, rb := range rr.RawBlockRefs {
		rb.Refcount--
		for _, cb := range rb.CompressedBlocks {
			if freedCompressed[cb] {
				continue
			}
			freedCompressed[cb] = true
			cb.Refcount--
			if cb.Refcount <= 0 {
				t.RemoveCompressed(cb)
			}
		}
		if rb.Refcount <= 0 {
			t.RemoveRaw(rb)
		}
	}
}
