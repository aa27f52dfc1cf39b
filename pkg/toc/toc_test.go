package toc

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/codec"
	"github.com/stretchr/testify/require"
)

func buildSampleToc(t *testing.T) *Toc {
	t.Helper()
	tc := New(chunkid.ContainerId(7), DefaultCompressionBlockSize)
	tc.PartitionCount = 1
	tc.PartitionSize = 0

	for i := 0; i < 3; i++ {
		var id chunkid.ChunkId
		id[0] = byte(i + 1)
		tc.ChunkIds = append(tc.ChunkIds, id)
		tc.OffsetLengths = append(tc.OffsetLengths, ChunkOffsetLength{
			Offset: uint64(i) * DefaultCompressionBlockSize,
			Length: DefaultCompressionBlockSize,
		})
		tc.CompressionBlocks = append(tc.CompressionBlocks, CompressedBlockEntry{
			Offset:           uint64(i) * DefaultCompressionBlockSize,
			CompressedSize:   100,
			UncompressedSize: DefaultCompressionBlockSize,
			MethodIndex:      uint8(tc.MethodIndex(codec.MethodZstd)),
		})
		tc.ChunkMetas = append(tc.ChunkMetas, ChunkMeta{Hash: codec.Hash(id[:])})
	}
	tc.Rebuild()
	return tc
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Run("unsigned, unencrypted", func(t *testing.T) {
		tc := buildSampleToc(t)
		path := filepath.Join(t.TempDir(), "test.utoc")
		require.NoError(t, Write(path, tc, nil))

		got, err := Read(path, nil)
		require.NoError(t, err)
		require.Equal(t, tc.ContainerId, got.ContainerId)
		require.Equal(t, tc.BlockSize, got.BlockSize)
		require.Equal(t, tc.ChunkIds, got.ChunkIds)
		require.Equal(t, tc.OffsetLengths, got.OffsetLengths)
		require.Equal(t, tc.CompressionBlocks, got.CompressionBlocks)
		require.Equal(t, tc.MethodNames, got.MethodNames)

		for _, id := range tc.ChunkIds {
			_, ok := got.Lookup(id)
			require.True(t, ok)
		}
	})

	t.Run("signed", func(t *testing.T) {
		tc := buildSampleToc(t)
		tc.Flags |= FlagSigned
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		blockHashes := make([]codec.Digest, len(tc.CompressionBlocks))
		for i := range blockHashes {
			blockHashes[i] = codec.Hash([]byte{byte(i)})
		}
		sig := SignHeaderAndBlocks(priv, tc.HeaderBytes(), blockHashes)

		path := filepath.Join(t.TempDir(), "signed.utoc")
		require.NoError(t, Write(path, tc, &sig))

		got, err := Read(path, pub)
		require.NoError(t, err)
		require.Len(t, got.BlockSignatures, len(blockHashes))
	})

	t.Run("signature mismatch fails closed", func(t *testing.T) {
		tc := buildSampleToc(t)
		tc.Flags |= FlagSigned
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		otherPub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		blockHashes := []codec.Digest{codec.Hash([]byte("a")), codec.Hash([]byte("b")), codec.Hash([]byte("c"))}
		sig := SignHeaderAndBlocks(priv, tc.HeaderBytes(), blockHashes)

		path := filepath.Join(t.TempDir(), "badsig.utoc")
		require.NoError(t, Write(path, tc, &sig))

		_, err = Read(path, otherPub)
		require.Error(t, err)
	})
}

func TestCoveringBlocks(t *testing.T) {
	const bs = 1024
	t.Run("single block", func(t *testing.T) {
		begin, end := CoveringBlocks(0, 100, bs)
		require.Equal(t, uint32(0), begin)
		require.Equal(t, uint32(0), end)
	})

	t.Run("spans two blocks", func(t *testing.T) {
		begin, end := CoveringBlocks(1000, 100, bs)
		require.Equal(t, uint32(0), begin)
		require.Equal(t, uint32(1), end)
	})

	t.Run("zero length collapses to a single index", func(t *testing.T) {
		begin, end := CoveringBlocks(2048, 0, bs)
		require.Equal(t, begin, end)
		require.Equal(t, uint32(2), begin)
	})
}

func TestPartitionFor(t *testing.T) {
	t.Run("unbounded single partition", func(t *testing.T) {
		tc := New(chunkid.ContainerId(1), DefaultCompressionBlockSize)
		p, off := tc.PartitionFor(123456)
		require.Equal(t, uint32(0), p)
		require.Equal(t, uint64(123456), off)
	})

	t.Run("split across partitions", func(t *testing.T) {
		tc := New(chunkid.ContainerId(1), DefaultCompressionBlockSize)
		tc.PartitionSize = 1000
		p, off := tc.PartitionFor(2500)
		require.Equal(t, uint32(2), p)
		require.Equal(t, uint64(500), off)
	})
}

func TestMethodIndex(t *testing.T) {
	tc := New(chunkid.ContainerId(1), DefaultCompressionBlockSize)
	require.Equal(t, 0, tc.MethodIndex("none"))
	i1 := tc.MethodIndex(codec.MethodZstd)
	i2 := tc.MethodIndex(codec.MethodLZ4)
	require.NotEqual(t, i1, i2)
	require.Equal(t, i1, tc.MethodIndex(codec.MethodZstd))
}

func TestDoesChunkExist(t *testing.T) {
	tc := buildSampleToc(t)
	require.True(t, tc.DoesChunkExist(tc.ChunkIds[0]))

	var missing chunkid.ChunkId
	missing[0] = 0xff
	require.False(t, tc.DoesChunkExist(missing))
}
