package container

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/toc"
	"github.com/stretchr/testify/require"
)

// writeTestContainer writes a minimal .utoc/.ucas pair directly
// (rather than importing pkg/builder, which itself imports this
// package) so these tests stay free of an import cycle.
func writeTestContainer(t *testing.T, prefix string, containerID chunkid.ContainerId, id chunkid.ChunkId, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(prefix+".ucas", data, 0o644))

	tc := toc.New(containerID, toc.DefaultCompressionBlockSize)
	tc.ChunkIds = []chunkid.ChunkId{id}
	tc.OffsetLengths = []toc.ChunkOffsetLength{{Offset: 0, Length: uint64(len(data))}}
	tc.CompressionBlocks = []toc.CompressedBlockEntry{{
		Offset:           0,
		CompressedSize:   uint32(len(data)),
		UncompressedSize: uint32(len(data)),
		MethodIndex:      0,
	}}
	tc.ChunkMetas = []toc.ChunkMeta{{}}
	tc.PartitionCount = 1
	require.NoError(t, toc.Write(prefix+".utoc", tc, nil))
}

func TestMountAndResolve(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "a")
	var id chunkid.ChunkId
	id[0] = 1
	writeTestContainer(t, prefix, chunkid.ContainerId(1), id, []byte("payload"))

	r, err := Mount(prefix, 0, 0, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.DoesChunkExist(id))
	ol, ok := r.Resolve(id)
	require.True(t, ok)
	require.Equal(t, uint64(7), ol.Length)

	size, ok := r.GetSize(id)
	require.True(t, ok)
	require.Equal(t, uint64(7), size)
}

func TestMountMissingPartitionFails(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "missing")
	var id chunkid.ChunkId
	id[0] = 1

	tc := toc.New(chunkid.ContainerId(1), toc.DefaultCompressionBlockSize)
	tc.ChunkIds = []chunkid.ChunkId{id}
	tc.OffsetLengths = []toc.ChunkOffsetLength{{Offset: 0, Length: 4}}
	tc.ChunkMetas = []toc.ChunkMeta{{}}
	tc.PartitionCount = 1
	require.NoError(t, toc.Write(prefix+".utoc", tc, nil))

	_, err := Mount(prefix, 0, 0, nil, nil)
	require.Error(t, err)
}

func TestMountListPrecedenceByOrder(t *testing.T) {
	dir := t.TempDir()
	var id chunkid.ChunkId
	id[0] = 0x42

	lowPrefix := filepath.Join(dir, "low")
	highPrefix := filepath.Join(dir, "high")
	writeTestContainer(t, lowPrefix, chunkid.ContainerId(1), id, []byte("low-priority"))
	writeTestContainer(t, highPrefix, chunkid.ContainerId(2), id, []byte("high"))

	low, err := Mount(lowPrefix, 0, 0, nil, nil)
	require.NoError(t, err)
	defer low.Close()
	high, err := Mount(highPrefix, 10, 0, nil, nil)
	require.NoError(t, err)
	defer high.Close()

	var list MountList
	list.Add(low)
	list.Add(high)

	reader, ol, ok := list.Resolve(id)
	require.True(t, ok)
	require.Equal(t, high, reader)
	require.Equal(t, uint64(4), ol.Length)
}

func TestMountListRemove(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "removable")
	var id chunkid.ChunkId
	id[0] = 9
	writeTestContainer(t, prefix, chunkid.ContainerId(1), id, []byte("x"))

	r, err := Mount(prefix, 0, 0, nil, nil)
	require.NoError(t, err)
	r.Name = "removable"

	var list MountList
	list.Add(r)
	require.True(t, list.DoesChunkExist(id))

	require.True(t, list.Remove("removable"))
	require.False(t, list.DoesChunkExist(id))
}

func TestMountListFileByIndex(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "fidx")
	var id chunkid.ChunkId
	id[0] = 3
	writeTestContainer(t, prefix, chunkid.ContainerId(1), id, []byte("abc"))

	r, err := Mount(prefix, 0, 0, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	var list MountList
	list.Add(r)

	f, ok := list.FileByIndex(r.Partitions[0].FileIndex)
	require.True(t, ok)
	buf := make([]byte, 3)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(buf, []byte("abc")))

	_, ok = list.FileByIndex(-1)
	require.False(t, ok)
}
