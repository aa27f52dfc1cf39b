// Package toc implements the in-memory and on-disk table-of-contents
// format: a fixed header, parallel chunk/offset-length/compressed-block
// arrays, a compression method-name table, an optional signatures
// block, and an optional directory-index blob.
package toc

import (
	"fmt"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/codec"
)

// Flags is the container-flags bitfield stored in Header.
type Flags uint8

const (
	FlagCompressed Flags = 1 << iota
	FlagEncrypted
	FlagSigned
	FlagIndexed
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// CurrentVersion is the version this package writes. Read does not
// reject any version: versions up to oldPartitionSizeVersion are read
// as a single unbounded partition.
const CurrentVersion = 2

// DefaultCompressionBlockSize is the default fixed compressed-block
// size.
const DefaultCompressionBlockSize = 64 * 1024

// MethodNameLength is the fixed width of one entry in the on-disk
// method-name table; names are NUL-padded to this width.
const MethodNameLength = 32

// Header is the fixed-size structure at the start of a .utoc file.
// Field order here is the on-disk order; encoding/binary serializes it
// with no implicit padding since every field is a fixed-width integer
// or byte array.
type Header struct {
	Magic                      [16]byte
	Version                    uint8
	_                          [3]byte // on-disk padding, always zero
	HeaderSize                 uint32
	EntryCount                 uint32
	CompressionBlockEntryCount uint32
	CompressionBlockEntrySize  uint32
	CompressionBlockSize       uint32
	MethodNameCount            uint32
	MethodNameLength           uint32
	DirectoryIndexSize         uint32
	ContainerId                uint64
	EncryptionKeyId            [16]byte
	ContainerFlags             uint8
	_                          [7]byte // alignment padding, always zero
	PartitionCount             uint32
	PartitionSize              uint64
}

// Magic is the fixed TOC magic value.
var Magic = [16]byte{'U', 'C', 'A', 'S', 'T', 'O', 'C', 0, 0, 0, 0, 0, 0, 0, 0, 1}

// oldPartitionSizeVersion is the last version predating PartitionSize.
const oldPartitionSizeVersion = 1

// ChunkOffsetLength is one entry in the offset-length table: the
// chunk's offset and length within the logical (uncompressed)
// container address space. Encoded on disk as 8+4 bytes (12 bytes
// total).
type ChunkOffsetLength struct {
	Offset uint64
	Length uint64
}

// ChunkOffsetLengthDiskSize is the on-disk size of one ChunkOffsetLength.
const ChunkOffsetLengthDiskSize = 12

func (e ChunkOffsetLength) marshal() [ChunkOffsetLengthDiskSize]byte {
	var b [ChunkOffsetLengthDiskSize]byte
	putUint64(b[0:8], e.Offset)
	putUint32(b[8:12], uint32(e.Length))
	return b
}

func unmarshalChunkOffsetLength(b []byte) ChunkOffsetLength {
	return ChunkOffsetLength{
		Offset: getUint64(b[0:8]),
		Length: uint64(getUint32(b[8:12])),
	}
}

// CompressedBlockEntry describes one fixed-size on-disk compressed
// block: a packed 40-bit encoded offset, 24-bit compressed size,
// 24-bit uncompressed size, and 8-bit method index.
type CompressedBlockEntry struct {
	Offset           uint64 // up to 40 bits
	CompressedSize   uint32 // up to 24 bits
	UncompressedSize uint32 // up to 24 bits
	MethodIndex      uint8
}

// CompressedBlockEntryDiskSize is the on-disk size of one entry.
const CompressedBlockEntryDiskSize = 12

func (e CompressedBlockEntry) marshal() [CompressedBlockEntryDiskSize]byte {
	var b [CompressedBlockEntryDiskSize]byte
	putUint40(b[0:5], e.Offset)
	putUint24(b[5:8], e.CompressedSize)
	putUint24(b[8:11], e.UncompressedSize)
	b[11] = e.MethodIndex
	return b
}

func unmarshalCompressedBlockEntry(b []byte) CompressedBlockEntry {
	return CompressedBlockEntry{
		Offset:           getUint40(b[0:5]),
		CompressedSize:   getUint24(b[5:8]),
		UncompressedSize: getUint24(b[8:11]),
		MethodIndex:      b[11],
	}
}

// ChunkMeta is the per-chunk trailer record: a whole-chunk digest plus
// flags.
type ChunkMeta struct {
	Hash  codec.Digest
	Flags ChunkMetaFlags
}

type ChunkMetaFlags uint8

const (
	ChunkMetaCompressed ChunkMetaFlags = 1 << iota
	ChunkMetaMemoryMapped
)

// ChunkMetaDiskSize is the on-disk size of one ChunkMeta.
const ChunkMetaDiskSize = codec.DigestSize + 1

// Toc is the fully parsed, in-memory table of contents for one
// container.
type Toc struct {
	Version       uint8
	ContainerId   chunkid.ContainerId
	EncryptionKey chunkid.KeyId
	Flags         Flags
	BlockSize     uint32
	PartitionSize uint64
	PartitionCount uint32

	ChunkIds            []chunkid.ChunkId
	OffsetLengths       []ChunkOffsetLength
	CompressionBlocks   []CompressedBlockEntry
	MethodNames         []string // index 0 is always "none"
	BlockSignatures     [][]byte // filled by Read iff Flags.Has(FlagSigned); Write takes them via its SignaturesBlock
	ChunkMetas          []ChunkMeta
	DirectoryIndex      []byte

	index map[chunkid.ChunkId]int
}

// New creates an empty, writable Toc.
func New(containerID chunkid.ContainerId, blockSize uint32) *Toc {
	return &Toc{
		Version:     CurrentVersion,
		ContainerId: containerID,
		BlockSize:   blockSize,
		MethodNames: []string{"none"},
		index:       make(map[chunkid.ChunkId]int),
	}
}

// Rebuild recomputes the chunk-id -> entry-index map after bulk
// mutation (used by readers right after parsing).
func (t *Toc) Rebuild() {
	t.index = make(map[chunkid.ChunkId]int, len(t.ChunkIds))
	for i, id := range t.ChunkIds {
		t.index[id] = i
	}
}

// Lookup returns the entry index for id, or false if not present.
func (t *Toc) Lookup(id chunkid.ChunkId) (int, bool) {
	i, ok := t.index[id]
	return i, ok
}

// DoesChunkExist reports whether id is present in this TOC.
func (t *Toc) DoesChunkExist(id chunkid.ChunkId) bool {
	_, ok := t.index[id]
	return ok
}

// Resolve returns the logical (offset, length) for id.
func (t *Toc) Resolve(id chunkid.ChunkId) (ChunkOffsetLength, bool) {
	i, ok := t.index[id]
	if !ok {
		return ChunkOffsetLength{}, false
	}
	return t.OffsetLengths[i], true
}

// MethodIndex returns the method-table index for name, adding it if
// absent (used by the builder).
func (t *Toc) MethodIndex(name string) int {
	if name == "none" {
		return 0
	}
	for i, n := range t.MethodNames {
		if n == name {
			return i
		}
	}
	t.MethodNames = append(t.MethodNames, name)
	return len(t.MethodNames) - 1
}

// CoveringBlocks returns the inclusive range of compressed-block
// indices covering the logical range [offset, offset+length) at the
// container's fixed block size.
func CoveringBlocks(offset, length uint64, blockSize uint32) (begin, end uint32) {
	if length == 0 {
		return uint32(offset / uint64(blockSize)), uint32(offset / uint64(blockSize))
	}
	begin = uint32(offset / uint64(blockSize))
	end = uint32((offset + length - 1) / uint64(blockSize))
	return
}

// PartitionFor maps an absolute encoded offset to (partition index,
// partition-relative offset).
func (t *Toc) PartitionFor(encodedOffset uint64) (partition uint32, relOffset uint64) {
	if t.PartitionSize == 0 {
		return 0, encodedOffset
	}
	partition = uint32(encodedOffset / t.PartitionSize)
	relOffset = encodedOffset % t.PartitionSize
	return
}

func (t *Toc) validate() error {
	if int(t.Version) < 1 {
		return fmt.Errorf("toc: unsupported version %d", t.Version)
	}
	if len(t.OffsetLengths) != len(t.ChunkIds) {
		return fmt.Errorf("toc: chunk id / offset-length count mismatch")
	}
	if t.Flags.Has(FlagSigned) && len(t.BlockSignatures) > 0 && len(t.BlockSignatures) != len(t.CompressionBlocks) {
		return fmt.Errorf("toc: per-block signature count does not match compressed block count")
	}
	return nil
}
