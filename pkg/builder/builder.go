// Package builder implements the container-writing pipeline: hash
// every input chunk, split it into fixed-size blocks, compress each
// block in parallel, then, in one sequential pass, pad and (optionally)
// encrypt each block and lay it out across one or more fixed-size
// partitions, and emit the .utoc/.ucas pair. The parallel block
// compression (worker pool sized to runtime.NumCPU() by default) and
// the write-data-sequentially / write-TOC-last order both carry over
// from the compressor and PFS0 writer this package grew out of.
package builder

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/codec"
	"github.com/falk/ucasio/pkg/container"
	"github.com/falk/ucasio/pkg/ioerr"
	"github.com/falk/ucasio/pkg/toc"
	"github.com/falk/ucasio/pkg/ucaslog"
)

// ChunkInput is one chunk to add to the container being built.
type ChunkInput struct {
	ID   chunkid.ChunkId
	Data []byte
}

// PatchOptions enables patch-layout mode: chunks whose content is
// unchanged from a previous build reuse that build's already-compressed
// block bytes instead of recompressing, at whatever cost of
// re-encrypting under their new on-disk offset (the cipher's IV is
// offset-derived, so identical plaintext still re-encrypts to
// different bytes when it moves).
type PatchOptions struct {
	Previous *container.Reader
}

// Options configures a Builder.
type Options struct {
	ContainerID      chunkid.ContainerId
	BlockSize        uint32 // default toc.DefaultCompressionBlockSize
	Method           string // default codec.MethodZstd
	Encrypt          bool
	EncryptionKey    []byte
	EncryptionKeyID  chunkid.KeyId
	Sign             bool
	PrivateKey       ed25519.PrivateKey
	MaxPartitionSize uint64 // 0 == single unbounded partition
	OutputPrefix     string // writes "<prefix>.utoc" and "<prefix>.ucas"[_sN]
	Workers          int
	MemoryBudgetBytes int64 // bounds concurrent compression memory via a weighted semaphore
	Patch            *PatchOptions
}

// Builder accumulates chunk inputs and produces a container on Build.
type Builder struct {
	opts   Options
	chunks []ChunkInput
}

// New returns a Builder with defaults applied.
func New(opts Options) *Builder {
	if opts.BlockSize == 0 {
		opts.BlockSize = toc.DefaultCompressionBlockSize
	}
	if opts.Method == "" {
		opts.Method = codec.MethodZstd
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MemoryBudgetBytes <= 0 {
		opts.MemoryBudgetBytes = 10 << 30 // 10 GiB
	}
	return &Builder{opts: opts}
}

// AddChunk queues one chunk for the next Build.
func (b *Builder) AddChunk(id chunkid.ChunkId, data []byte) {
	b.chunks = append(b.chunks, ChunkInput{ID: id, Data: data})
}

// Stats summarizes one Build call.
type Stats struct {
	// BuildID correlates this build's log lines across a pipeline run;
	// it has no on-disk meaning and is never written to the container.
	BuildID              uuid.UUID
	ChunkCount           int
	BlockCount           int
	UncompressedBytes    uint64
	CompressedBytes      uint64
	ReusedBlocks         int
	PartitionCount       uint32
}

type blockPlan struct {
	chunkIndex       int
	uncompressedSize uint32
	compressed       []byte // pre-encryption compressed bytes
	method           string
	reused           bool
}

// Build runs the three-stage pipeline (hash, compress, write) and
// emits "<prefix>.utoc"/"<prefix>.ucas".
func (b *Builder) Build() (*toc.Toc, Stats, error) {
	var stats Stats
	stats.BuildID = uuid.New()
	stats.ChunkCount = len(b.chunks)

	hashes := make([]codec.Digest, len(b.chunks))
	for i, c := range b.chunks {
		hashes[i] = codec.Hash(c.Data)
	}

	blockCounts := make([]int, len(b.chunks))
	blockStart := make([]int, len(b.chunks))
	total := 0
	for i, c := range b.chunks {
		n := (len(c.Data) + int(b.opts.BlockSize) - 1) / int(b.opts.BlockSize)
		if n == 0 {
			n = 0
		}
		blockCounts[i] = n
		blockStart[i] = total
		total += n
	}
	plans := make([]blockPlan, total)

	reused := make([]bool, len(b.chunks))
	if b.opts.Patch != nil {
		b.planReuse(hashes, blockStart, blockCounts, plans, reused, &stats)
	}

	if err := b.compressBlocks(blockStart, blockCounts, reused, plans); err != nil {
		return nil, stats, err
	}

	t := toc.New(b.opts.ContainerID, b.opts.BlockSize)
	if b.opts.Method != codec.MethodNone {
		t.Flags |= toc.FlagCompressed
	}
	if b.opts.Encrypt {
		t.Flags |= toc.FlagEncrypted
		t.EncryptionKey = b.opts.EncryptionKeyID
	}
	if b.opts.Sign {
		t.Flags |= toc.FlagSigned
	}

	partitionPath := func(index uint32) string {
		if index == 0 {
			return b.opts.OutputPrefix + ".ucas"
		}
		return fmt.Sprintf("%s_s%d.ucas", b.opts.OutputPrefix, index)
	}

	var (
		partitionIndex uint32
		partitionPos   uint64
		partitionFile  *os.File
		blockHashes    []codec.Digest
	)
	openPartition := func(index uint32) error {
		if partitionFile != nil {
			partitionFile.Close()
		}
		f, err := os.Create(partitionPath(index))
		if err != nil {
			return ioerr.Wrap(ioerr.WriteError, "create partition", err)
		}
		partitionFile = f
		partitionIndex = index
		partitionPos = 0
		return nil
	}
	if err := openPartition(0); err != nil {
		return nil, stats, err
	}
	defer func() {
		if partitionFile != nil {
			partitionFile.Close()
		}
	}()

	for ci, c := range b.chunks {
		chunkLogicalOffset := uint64(blockStart[ci]) * uint64(b.opts.BlockSize)
		t.ChunkIds = append(t.ChunkIds, c.ID)
		t.OffsetLengths = append(t.OffsetLengths, toc.ChunkOffsetLength{
			Offset: chunkLogicalOffset,
			Length: uint64(len(c.Data)),
		})

		metaFlags := toc.ChunkMetaFlags(0)
		for bi := 0; bi < blockCounts[ci]; bi++ {
			p := plans[blockStart[ci]+bi]

			rawBytes := p.compressed
			if b.opts.Encrypt {
				// PadCyclic returns an already aligned slice unchanged; copy
				// first so the in-place encryption below leaves p.compressed,
				// which is hashed further down, as plaintext.
				rawBytes = codec.PadCyclic(append([]byte(nil), rawBytes...))
			}
			if b.opts.MaxPartitionSize > 0 && partitionPos+uint64(len(rawBytes)) > b.opts.MaxPartitionSize {
				if err := openPartition(partitionIndex + 1); err != nil {
					return nil, stats, err
				}
			}
			encodedOffset := uint64(partitionIndex)*b.opts.MaxPartitionSize + partitionPos

			if b.opts.Encrypt {
				if err := codec.EncryptBlock(rawBytes, b.opts.EncryptionKey, encodedOffset); err != nil {
					return nil, stats, ioerr.Wrap(ioerr.CompressionFailed, "encrypt block", err)
				}
			}
			if _, err := partitionFile.Write(rawBytes); err != nil {
				return nil, stats, ioerr.Wrap(ioerr.WriteError, "write block", err)
			}
			partitionPos += uint64(len(rawBytes))

			methodIdx := uint8(t.MethodIndex(p.method))
			t.CompressionBlocks = append(t.CompressionBlocks, toc.CompressedBlockEntry{
				Offset:           encodedOffset,
				CompressedSize:   uint32(len(p.compressed)),
				UncompressedSize: p.uncompressedSize,
				MethodIndex:      methodIdx,
			})
			blockHashes = append(blockHashes, codec.Hash(p.compressed))

			if p.method != codec.MethodNone {
				metaFlags |= toc.ChunkMetaCompressed
			}
			if p.reused {
				stats.ReusedBlocks++
			}
			stats.BlockCount++
			stats.UncompressedBytes += uint64(p.uncompressedSize)
			stats.CompressedBytes += uint64(len(p.compressed))
		}

		t.ChunkMetas = append(t.ChunkMetas, toc.ChunkMeta{Hash: hashes[ci], Flags: metaFlags})
	}
	if partitionFile != nil {
		partitionFile.Close()
		partitionFile = nil
	}

	t.PartitionCount = partitionIndex + 1
	if b.opts.MaxPartitionSize > 0 {
		t.PartitionSize = b.opts.MaxPartitionSize
	} else {
		t.PartitionSize = 0
	}
	stats.PartitionCount = t.PartitionCount

	var sig *toc.SignaturesBlock
	if b.opts.Sign {
		headerBytes := t.HeaderBytes()
		sb := toc.SignHeaderAndBlocks(b.opts.PrivateKey, headerBytes, blockHashes)
		sig = &sb
	}

	if err := toc.Write(b.opts.OutputPrefix+".utoc", t, sig); err != nil {
		return nil, stats, err
	}

	ucaslog.L.Info().
		Str("build_id", stats.BuildID.String()).
		Int("chunks", stats.ChunkCount).
		Int("blocks", stats.BlockCount).
		Int("reused_blocks", stats.ReusedBlocks).
		Uint64("uncompressed_bytes", stats.UncompressedBytes).
		Uint64("compressed_bytes", stats.CompressedBytes).
		Uint32("partitions", stats.PartitionCount).
		Msg("container build complete")

	return t, stats, nil
}

// compressBlocks fills in plans for every non-reused block, bounded by
// opts.Workers goroutines and an opts.MemoryBudgetBytes-wide weighted
// semaphore so a build with many large blocks in flight can't blow
// past a fixed memory ceiling: a fixed worker pool over a flat slice
// of block indices, first error wins via errgroup.
func (b *Builder) compressBlocks(blockStart, blockCounts []int, reused []bool, plans []blockPlan) error {
	sem := semaphore.NewWeighted(b.opts.MemoryBudgetBytes)
	g := new(errgroup.Group)
	g.SetLimit(b.opts.Workers)

	for ci, c := range b.chunks {
		if reused[ci] {
			continue
		}
		ci, c := ci, c
		for bi := 0; bi < blockCounts[ci]; bi++ {
			bi := bi
			start := bi * int(b.opts.BlockSize)
			end := start + int(b.opts.BlockSize)
			if end > len(c.Data) {
				end = len(c.Data)
			}
			block := c.Data[start:end]
			idx := blockStart[ci] + bi

			g.Go(func() error {
				weight := int64(len(block))
				if weight <= 0 {
					weight = 1
				}
				if err := sem.Acquire(context.Background(), weight); err != nil {
					return err
				}
				defer sem.Release(weight)

				compressed, method, err := codec.Compress(b.opts.Method, block)
				if err != nil {
					return ioerr.Wrap(ioerr.CompressionFailed, "compress block", err)
				}
				plans[idx] = blockPlan{
					chunkIndex:       ci,
					uncompressedSize: uint32(len(block)),
					compressed:       compressed,
					method:           method,
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// planReuse marks chunks whose content hash matches a chunk already
// present (by id and whole-chunk hash) in the patch base container,
// and copies that chunk's existing compressed block payloads so
// compressBlocks can skip them entirely.
func (b *Builder) planReuse(hashes []codec.Digest, blockStart, blockCounts []int, plans []blockPlan, reused []bool, stats *Stats) {
	prev := b.opts.Patch.Previous
	for ci, c := range b.chunks {
		ol, ok := prev.Resolve(c.ID)
		if !ok || ol.Length != uint64(len(c.Data)) {
			continue
		}
		idx, ok := prev.Toc.Lookup(c.ID)
		if !ok || prev.Toc.ChunkMetas[idx].Hash != hashes[ci] {
			continue
		}

		begin, end := toc.CoveringBlocks(ol.Offset, ol.Length, prev.Toc.BlockSize)
		if int(end-begin+1) != blockCounts[ci] {
			continue
		}

		ok = true
		recovered := make([][]byte, blockCounts[ci])
		for i, blkIdx := 0, begin; blkIdx <= end; i, blkIdx = i+1, blkIdx+1 {
			entry := prev.Toc.CompressionBlocks[blkIdx]
			cleartext, err := recoverCompressedBytes(prev, entry)
			if err != nil {
				ok = false
				break
			}
			recovered[i] = cleartext
		}
		if !ok {
			continue
		}

		for i := 0; i < blockCounts[ci]; i++ {
			entry := prev.Toc.CompressionBlocks[begin+i]
			method := "none"
			if int(entry.MethodIndex) < len(prev.Toc.MethodNames) {
				method = prev.Toc.MethodNames[entry.MethodIndex]
			}
			plans[blockStart[ci]+i] = blockPlan{
				chunkIndex:       ci,
				uncompressedSize: entry.UncompressedSize,
				compressed:       recovered[i],
				method:           method,
				reused:           true,
			}
		}
		reused[ci] = true
	}
}

// recoverCompressedBytes reads entry's on-disk bytes from the
// previous container and, if encrypted, decrypts them to recover the
// pre-encryption compressed payload.
func recoverCompressedBytes(prev *container.Reader, entry toc.CompressedBlockEntry) ([]byte, error) {
	partition, relOffset := prev.PartitionFor(entry.Offset)
	if partition == nil {
		return nil, fmt.Errorf("builder: patch source partition not found")
	}
	rawSize := entry.CompressedSize
	if prev.Toc.Flags.Has(toc.FlagEncrypted) {
		rawSize = alignUp(rawSize, codec.CipherBlockSize)
	}
	buf := make([]byte, rawSize)
	if _, err := partition.File.ReadAt(buf, int64(relOffset)); err != nil {
		return nil, err
	}
	if prev.Toc.Flags.Has(toc.FlagEncrypted) {
		if err := codec.DecryptBlock(buf, prev.Key, entry.Offset); err != nil {
			return nil, err
		}
	}
	return buf[:entry.CompressedSize], nil
}

func alignUp(n uint32, align int) uint32 {
	a := uint32(align)
	if n%a == 0 {
		return n
	}
	return n + (a - n%a)
}
