package dispatcher

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/falk/ucasio/pkg/builder"
	"github.com/falk/ucasio/pkg/bufferpool"
	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/codec"
	"github.com/falk/ucasio/pkg/container"
	"github.com/falk/ucasio/pkg/keys"
	"github.com/falk/ucasio/pkg/tracker"
	"github.com/stretchr/testify/require"
)

func chunkIDFor(data []byte) chunkid.ChunkId {
	h := codec.Hash(data)
	var id chunkid.ChunkId
	copy(id[:], h[:chunkid.Size])
	return id
}

func buildPlainContainer(t *testing.T, prefix string, chunks map[chunkid.ChunkId][]byte) {
	t.Helper()
	b := builder.New(builder.Options{
		ContainerID:  chunkid.ContainerId(1),
		BlockSize:    4096,
		OutputPrefix: prefix,
	})
	for id, data := range chunks {
		b.AddChunk(id, data)
	}
	_, _, err := b.Build()
	require.NoError(t, err)
}

func TestDispatcherReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "c")
	data := bytes.Repeat([]byte("read me back "), 2000)
	id := chunkIDFor(data)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{id: data})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	req := d.Read(id, 0, uint64(len(data)), ReadOptions{Priority: PriorityNormal})
	buf, err := req.Wait()
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestDispatcherPartialRead(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "partial")
	data := bytes.Repeat([]byte("abcdefgh"), 2000)
	id := chunkIDFor(data)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{id: data})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	req := d.Read(id, 100, 50, ReadOptions{Priority: PriorityNormal})
	buf, err := req.Wait()
	require.NoError(t, err)
	require.Equal(t, data[100:150], buf)
}

func TestDispatcherUnknownChunkFails(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "empty")
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	var missing chunkid.ChunkId
	missing[0] = 0xFF
	req := d.Read(missing, 0, 1, ReadOptions{})
	_, err = req.Wait()
	require.Error(t, err)
}

func TestDispatcherReadRangeExceedsLengthFails(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "short")
	data := []byte("tiny")
	id := chunkIDFor(data)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{id: data})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	req := d.Read(id, 0, 1000, ReadOptions{})
	_, err = req.Wait()
	require.Error(t, err)
}

func TestDispatcherEncryptedAndSignedRead(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "secure")
	data := bytes.Repeat([]byte("top secret bytes "), 1500)
	id := chunkIDFor(data)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := bytes.Repeat([]byte{0x5}, 32)
	var keyID chunkid.KeyId
	keyID[1] = 0xCD

	b := builder.New(builder.Options{
		ContainerID:     chunkid.ContainerId(9),
		BlockSize:       4096,
		OutputPrefix:    prefix,
		Encrypt:         true,
		EncryptionKey:   key,
		EncryptionKeyID: keyID,
		Sign:            true,
		PrivateKey:      priv,
	})
	b.AddChunk(id, data)
	_, _, err = b.Build()
	require.NoError(t, err)

	ks := keys.NewStore()
	ks.Set(keyID, key)

	d := New(Options{PublicKey: pub, Keys: ks})
	_, err = d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	req := d.Read(id, 0, uint64(len(data)), ReadOptions{Priority: PriorityHigh})
	buf, err := req.Wait()
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestDispatcherSharedBlockServesBothRequests(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "shared")
	data := bytes.Repeat([]byte("shared block payload "), 300)
	id := chunkIDFor(data)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{id: data})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	reqA := d.Read(id, 0, uint64(len(data)), ReadOptions{Priority: PriorityNormal})
	reqB := d.Read(id, 0, uint64(len(data)), ReadOptions{Priority: PriorityLow})

	bufA, errA := reqA.Wait()
	bufB, errB := reqB.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, data, bufA)
	require.Equal(t, data, bufB)
}

func TestDispatcherBatchIssue(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "batch")
	dataA := bytes.Repeat([]byte("AAAA"), 2000)
	dataB := bytes.Repeat([]byte("BBBB"), 2000)
	idA, idB := chunkIDFor(dataA), chunkIDFor(dataB)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{idA: dataA, idB: dataB})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	batch := d.NewBatch()
	rA := batch.Add(idA, 0, uint64(len(dataA)), ReadOptions{})
	rB := batch.Add(idB, 0, uint64(len(dataB)), ReadOptions{})
	batch.Issue()

	bufA, err := rA.Wait()
	require.NoError(t, err)
	require.Equal(t, dataA, bufA)

	bufB, err := rB.Wait()
	require.NoError(t, err)
	require.Equal(t, dataB, bufB)
}

func TestDispatcherCancelBeforeCompletion(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "cancel")
	data := bytes.Repeat([]byte("cancel target "), 5000)
	id := chunkIDFor(data)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{id: data})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)

	// Queue both the read and its cancellation before the dispatcher
	// loop starts consuming: whichever of "incoming" / "cancelCh" the
	// loop happens to service first, the request still ends up failed
	// (either cancelled outright, or resolved and then cancelled before
	// any block can finish decoding), so the outcome is deterministic
	// regardless of select's random ready-case ordering.
	req := d.newRequest(id, 0, uint64(len(data)), ReadOptions{Priority: PriorityLow})
	d.incoming <- req
	d.cancelCh <- req

	d.Start()
	defer d.Stop()

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled request never completed")
	}
	_, err = req.Wait()
	require.Error(t, err)
}

// TestDispatcherCancelReleasesBuffersAndTrackerState drives a batch of
// reads through a deliberately undersized buffer pool, cancelling half
// of them before the dispatcher loop ever starts. If cancellation left
// any raw block's buffer unreturned, or its tracker entry unreleased,
// the pool would never drain back to full capacity once every request
// has finished.
func TestDispatcherCancelReleasesBuffersAndTrackerState(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "leak")

	const blockSize = 4096
	chunks := make(map[chunkid.ChunkId][]byte)
	ids := make([]chunkid.ChunkId, 0, 16)
	for i := 0; i < 16; i++ {
		data := bytes.Repeat([]byte{byte(i + 1)}, blockSize*3)
		id := chunkIDFor(data)
		chunks[id] = data
		ids = append(ids, id)
	}
	buildPlainContainer(t, prefix, chunks)

	d := New(Options{BufferPoolBytes: 2 * bufferpool.DefaultBufferSize, MaxConcurrentDecodes: 2})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)

	reqs := make([]*Request, len(ids))
	for i, id := range ids {
		r := d.newRequest(id, 0, uint64(len(chunks[id])), ReadOptions{Priority: Priority(i % 4)})
		reqs[i] = r
		d.incoming <- r
		if i%2 == 0 {
			d.cancelCh <- r
		}
	}

	d.Start()
	defer d.Stop()

	for i, r := range reqs {
		select {
		case <-r.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("request %d never completed", i)
		}
	}

	for i, r := range reqs {
		buf, err := r.Wait()
		if i%2 == 0 {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, chunks[ids[i]], buf)
	}

	require.Eventually(t, func() bool {
		return d.pool.Available() == d.pool.Capacity()
	}, 2*time.Second, 10*time.Millisecond, "buffer pool never drained back to full capacity")
}

// TestDispatcherRawBlocksCoalesceWithinOnePage resolves two different
// chunks whose first compressed block lands in the same
// read_buffer_size-aligned page without starting the dispatcher loop,
// so the tracker state left behind by resolve() can be inspected
// before any decode or release runs. Both compressed blocks must share
// the one raw block tracking that page.
func TestDispatcherRawBlocksCoalesceWithinOnePage(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "coalesce")
	dataA := bytes.Repeat([]byte("AAAA"), 1000)
	dataB := bytes.Repeat([]byte("BBBB"), 1000)
	idA, idB := chunkIDFor(dataA), chunkIDFor(dataB)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{idA: dataA, idB: dataB})

	d := New(Options{})
	reader, err := d.Mount(prefix, 0)
	require.NoError(t, err)

	reqA := d.newRequest(idA, 0, uint64(len(dataA)), ReadOptions{Priority: PriorityNormal})
	reqB := d.newRequest(idB, 0, uint64(len(dataB)), ReadOptions{Priority: PriorityNormal})
	d.resolve(reqA)
	d.resolve(reqB)

	olA, ok := reader.Resolve(idA)
	require.True(t, ok)
	olB, ok := reader.Resolve(idB)
	require.True(t, ok)
	partition, relA := reader.PartitionFor(olA.Offset)
	require.NotNil(t, partition)
	_, relB := reader.PartitionFor(olB.Offset)

	pageSize := uint64(d.pool.BufferSize())
	require.Equal(t, relA/pageSize, relB/pageSize, "fixture expects both chunks' first blocks on the same raw page")

	rb, inserted := d.tracker.FindOrAddRaw(tracker.Key{FileIndex: partition.FileIndex, BlockIndex: int(relA / pageSize)})
	require.False(t, inserted, "raw page should already be tracked from resolving the two chunks")
	require.GreaterOrEqual(t, len(rb.CompressedBlocks), 2, "both chunks' compressed blocks should share the one coalesced raw page")
	require.GreaterOrEqual(t, rb.BufferRefcount, 2)
}

// TestDispatcherImmediateScatterZeroCopy builds a store-only (no
// compression/encryption/signing) container and issues a whole-block-
// aligned read, which should take the immediate-scatter fast path
// straight into the caller's own buffer.
func TestDispatcherImmediateScatterZeroCopy(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "store")

	const blockSize = 4096
	data := make([]byte, blockSize*2)
	for i := range data {
		data[i] = byte(i)
	}
	id := chunkIDFor(data)

	b := builder.New(builder.Options{
		ContainerID:  chunkid.ContainerId(42),
		BlockSize:    blockSize,
		OutputPrefix: prefix,
		Method:       codec.MethodNone,
	})
	b.AddChunk(id, data)
	_, _, err := b.Build()
	require.NoError(t, err)

	d := New(Options{})
	_, err = d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	target := make([]byte, len(data))
	req := d.Read(id, 0, uint64(len(data)), ReadOptions{TargetBuffer: target, Priority: PriorityNormal})
	buf, err := req.Wait()
	require.NoError(t, err)
	require.Equal(t, data, buf)
	require.Equal(t, data, target)

	// A sub-block read still goes through the ordinary path correctly,
	// even though the container itself carries no compression.
	req2 := d.Read(id, 10, 20, ReadOptions{Priority: PriorityNormal})
	buf2, err := req2.Wait()
	require.NoError(t, err)
	require.Equal(t, data[10:30], buf2)
}

func TestDispatcherReadCompletesAfterLowerThenHigherReprioritize(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "reprio")
	data := bytes.Repeat([]byte("reprioritize me "), 3000)
	id := chunkIDFor(data)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{id: data})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	req := d.Read(id, 0, uint64(len(data)), ReadOptions{Priority: PriorityHigh})
	req.Reprioritize(PriorityLow)
	req.Reprioritize(PriorityBlocking)

	buf, err := req.Wait()
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestDispatcherSignatureFailureBroadcast(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "badsig")
	data := bytes.Repeat([]byte("will be corrupted "), 1000)
	id := chunkIDFor(data)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	b := builder.New(builder.Options{
		ContainerID:  chunkid.ContainerId(3),
		BlockSize:    4096,
		OutputPrefix: prefix,
		Sign:         true,
		PrivateKey:   priv,
	})
	b.AddChunk(id, data)
	_, _, err = b.Build()
	require.NoError(t, err)

	// Corrupt the raw container bytes after signing so the per-block
	// hash stored in the signature table no longer matches what decode
	// reads back, without touching the TOC/signature files themselves.
	corruptFirstByte(t, prefix+".ucas")

	d := New(Options{PublicKey: pub})
	_, err = d.Mount(prefix, 0)
	require.NoError(t, err)
	sigFailures := d.SignatureFailed.Subscribe(4)
	d.Start()
	defer d.Stop()

	req := d.Read(id, 0, uint64(len(data)), ReadOptions{})
	_, err = req.Wait()
	require.Error(t, err)

	select {
	case <-sigFailures:
	case <-time.After(time.Second):
		t.Fatal("expected a SignatureFailed broadcast")
	}
}

func TestDispatcherDoesChunkExistGetSizeOpenMapped(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "lookup")
	data := []byte("mapped lookup contents")
	id := chunkIDFor(data)
	buildPlainContainer(t, prefix, map[chunkid.ChunkId][]byte{id: data})

	d := New(Options{})
	_, err := d.Mount(prefix, 0)
	require.NoError(t, err)
	d.Start()
	defer d.Stop()

	require.True(t, d.DoesChunkExist(id))
	var missing chunkid.ChunkId
	missing[0] = 0xEE
	require.False(t, d.DoesChunkExist(missing))

	size, ok := d.GetSize(id)
	require.True(t, ok)
	require.Equal(t, uint64(len(data)), size)

	region, err := d.OpenMapped(id, container.MappedOptions{})
	require.NoError(t, err)
	defer region.Close()
	require.Equal(t, data, region.Bytes)

	_, err = d.OpenMapped(missing, container.MappedOptions{})
	require.Error(t, err)
}

func corruptFirstByte(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
