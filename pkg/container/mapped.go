package container

import (
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/ioerr"
	"github.com/falk/ucasio/pkg/toc"
)

// MappedRegion is a lazily-opened, page-aligned memory mapping over
// part of a partition file.
type MappedRegion struct {
	mapping mmap.MMap
	Bytes   []byte
}

// Close unmaps the region.
func (m *MappedRegion) Close() error {
	if m.mapping == nil {
		return nil
	}
	return m.mapping.Unmap()
}

// MappedOptions mirrors the subset of ReadOptions relevant to mapped
// reads.
type MappedOptions struct {
	Offset  uint64
	Size    uint64
	TargetVA []byte // must be nil; mapped reads cannot target caller memory
}

var mmapMu sync.Mutex

// OpenMapped lazily opens a memory-mapping for the partition holding
// id's first block, then returns a sub-region aligned to the
// platform's mapping alignment.
func (r *Reader) OpenMapped(id chunkid.ChunkId, opts MappedOptions) (*MappedRegion, error) {
	if opts.TargetVA != nil {
		return nil, ioerr.New(ioerr.InvalidParameter, "open_mapped does not accept TargetVA")
	}
	ol, ok := r.Resolve(id)
	if !ok {
		return nil, ioerr.New(ioerr.NotFound, "chunk not found")
	}

	size := opts.Size
	if size == 0 || opts.Offset+size > ol.Length {
		size = ol.Length - opts.Offset
	}

	// Compressed/encrypted containers have no stable mapping between
	// logical offset and on-disk bytes, so memory mapping is only
	// meaningful when every block is stored verbatim.
	if r.Toc.Flags.Has(toc.FlagEncrypted) {
		return nil, ioerr.New(ioerr.Unsupported, "open_mapped requires an uncompressed, unencrypted container")
	}
	if len(r.Toc.CompressionBlocks) > 0 {
		for _, cb := range r.Toc.CompressionBlocks {
			if cb.MethodIndex != 0 {
				return nil, ioerr.New(ioerr.Unsupported, "open_mapped requires an uncompressed, unencrypted container")
			}
		}
	}

	// Logical offsets start every chunk on a block boundary while
	// on-disk blocks are packed, so the on-disk position comes from the
	// compressed-block entry holding the first mapped byte.
	logical := ol.Offset + opts.Offset
	blockIdx := logical / uint64(r.Toc.BlockSize)
	diskOffset := logical
	if blockIdx < uint64(len(r.Toc.CompressionBlocks)) {
		diskOffset = r.Toc.CompressionBlocks[blockIdx].Offset + logical%uint64(r.Toc.BlockSize)
	}
	partition, relOffset := r.PartitionFor(diskOffset)
	if partition == nil {
		return nil, ioerr.New(ioerr.Unsupported, "mapped read spans an unmapped partition")
	}

	mmapMu.Lock()
	defer mmapMu.Unlock()

	mapping, err := mmap.MapRegion(partition.File, int(partition.Size), mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Unsupported, "mmap unsupported on this platform", err)
	}
	if relOffset+size > uint64(len(mapping)) {
		mapping.Unmap()
		return nil, ioerr.New(ioerr.InvalidParameter, "mapped range exceeds partition size")
	}
	return &MappedRegion{mapping: mapping, Bytes: mapping[relOffset : relOffset+size]}, nil
}
