// Package tracker implements the deduplicating in-flight work-item
// registry: RawBlock and CompressedBlock are reference-counted across
// every client request that fanned them out, so a shared block is read
// and decoded exactly once.
package tracker

import (
	"sync/atomic"

	"github.com/falk/ucasio/pkg/bufferpool"
	"github.com/falk/ucasio/pkg/codec"
)

// Key identifies one raw block: (mounted partition file index, block
// index). Shared with pkg/bufferpool.Key so cache lookups and tracker
// lookups use the same coordinates.
type Key = bufferpool.Key

// CompressedKey identifies one compressed block: (the mounted
// container's Reader.ID, index into that container's compressed-block
// table).
type CompressedKey struct {
	FileIndex  int
	BlockIndex int
}

// RawBlock is one fixed-size span of an on-disk data file — the unit
// of platform I/O.
type RawBlock struct {
	Key Key

	FileOffset int64
	Size       int

	priority int64 // atomic
	sequence uint64
	heapIdx  int

	Submitted bool
	Cancelled bool
	Failed    bool
	Cacheable bool

	Buffer         []byte
	BufferRefcount int // compressed blocks still needing to copy from Buffer
	Refcount       int // resolved-request references (one per RawBlockRefs entry naming this block)

	CompressedBlocks []*CompressedBlock

	// Direct is set for an immediate-scatter raw block: one that reads
	// straight into a resolved request's own buffer with no compressed
	// block or decode step in between. Mutually exclusive with
	// CompressedBlocks.
	Direct *ResolvedRequest
}

func (b *RawBlock) Priority() int        { return int(atomic.LoadInt64(&b.priority)) }
func (b *RawBlock) SetPriority(p int)    { atomic.StoreInt64(&b.priority, int64(p)) }
func (b *RawBlock) Sequence() uint64     { return b.sequence }
func (b *RawBlock) SetSequence(s uint64) { b.sequence = s }
func (b *RawBlock) HeapIndex() int       { return b.heapIdx }
func (b *RawBlock) SetHeapIndex(i int)   { b.heapIdx = i }

// Scatter is the final memcpy descriptor: bytes [SrcOffset,
// SrcOffset+Size) of a decoded compressed block land at
// [DstOffset, DstOffset+Size) of a resolved request's output buffer.
type Scatter struct {
	Request    *ResolvedRequest
	DstOffset  uint64
	SrcOffset  uint64
	Size       uint64
}

// CompressedBlock is one block_size-sized span of a chunk's
// uncompressed bytes, as stored on disk.
type CompressedBlock struct {
	Key CompressedKey

	UncompressedSize uint32
	CompressedSize   uint32
	Method           string
	RawSize          uint32 // CompressedSize aligned up to the cipher block size
	RawOffset        uint64 // absolute encoded offset; the cipher IV is derived from this
	PartitionOffset  uint64 // RawOffset translated into partition-relative coordinates

	RawBlocks           []*RawBlock
	UnfinishedRawBlocks int

	Scatters []Scatter

	DecryptKey        []byte
	ExpectedSignature *codec.Digest

	// Scratch holds the assembled compressed bytes when this block's
	// on-disk span straddles more than one raw page and the bytes can't
	// be read as one contiguous slice of a single raw block's buffer.
	Scratch []byte

	// Decoded holds the plaintext, decompressed bytes once decode has
	// run. A request that attaches to this block afterward (sharing a
	// block already resolved by an earlier request) is scattered from
	// here directly instead of waiting on a decode that already ran.
	Decoded         []byte
	DecodeScheduled bool

	Refcount  int
	Failed    bool
	Cancelled bool
}

// ResolvedRequest wraps one client read request after it has been
// matched to a mounted container.
type ResolvedRequest struct {
	ContainerFileIndex int
	Offset             uint64
	Size               uint64

	Buffer   []byte
	TargetVA bool // true if Buffer aliases caller memory

	RawBlockRefs    []*RawBlock
	UnfinishedReads int

	Priority int64 // read and written on the dispatcher loop goroutine only
	Failed   bool

	ErrorCode int32 // atomic, ioerr.Code; 0 == not yet terminal
}
