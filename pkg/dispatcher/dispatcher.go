// Package dispatcher implements the asynchronous read pipeline: a
// single dispatcher goroutine resolves client requests against mounted
// containers, fans them out to shared raw-block work items tracked by
// pkg/tracker and served by pkg/ioengine, then decodes
// (verify/decrypt/decompress) and scatters the result into each
// request's buffer. The single-thread process-incoming/process-completed
// loop shape is rewritten around Go channels and goroutines instead of
// a platform event/thread pair.
package dispatcher

import (
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/falk/ucasio/pkg/bufferpool"
	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/codec"
	"github.com/falk/ucasio/pkg/container"
	"github.com/falk/ucasio/pkg/ioengine"
	"github.com/falk/ucasio/pkg/ioerr"
	"github.com/falk/ucasio/pkg/keys"
	"github.com/falk/ucasio/pkg/pqueue"
	"github.com/falk/ucasio/pkg/toc"
	"github.com/falk/ucasio/pkg/tracker"
	"github.com/falk/ucasio/pkg/ucaslog"
	"github.com/falk/ucasio/pkg/ucasevent"
)

// SignatureFailure is broadcast on Dispatcher.SignatureFailed whenever
// a decoded block's hash doesn't match its signed table entry.
type SignatureFailure struct {
	Container  string
	BlockIndex int
}

// Options configures a new Dispatcher.
type Options struct {
	BufferPoolBytes      int
	BufferSize           int
	BlockCacheBlocks     int
	ReadWorkers          int
	MaxConcurrentDecodes int64
	PublicKey            ed25519.PublicKey // nil skips the TOC signature check at mount; per-block digests of a signed container are still checked on decode
	Keys                 *keys.Store
}

// Dispatcher is the single entry point for mounting containers and
// issuing reads against them.
type Dispatcher struct {
	opts    Options
	mounts  *container.MountList
	tracker *tracker.Tracker
	queue   *pqueue.Queue
	pool    *bufferpool.Pool
	cache   *bufferpool.BlockCache
	engine  *ioengine.Engine

	decodeSem *semaphore.Weighted

	incoming      chan *Request
	cancelCh      chan *Request
	reprioCh      chan reprioMsg
	decodeResults chan decodeOutcome

	nextReqID atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	Mounted         *ucasevent.Event[container.MountedContainer]
	SignatureFailed ucasevent.Event[SignatureFailure]

	// resolvedOwners bridges the tracker's container-agnostic
	// ResolvedRequest back to the client-facing Request that owns it,
	// keyed by pointer identity.
	resolvedOwners sync.Map // *tracker.ResolvedRequest -> *Request
}

type reprioMsg struct {
	req *Request
	pri Priority
}

// decodeOutcome carries a finished decode back to the single
// dispatcher goroutine; the decode worker itself never mutates shared
// CompressedBlock/Request state directly, so cb.Decoded/cb.Failed and
// request bookkeeping only ever change on the loop goroutine.
type decodeOutcome struct {
	cb         *tracker.CompressedBlock
	decoded    []byte
	failed     bool
	sigFailure bool
}

// New constructs a Dispatcher. Call Start to begin processing.
func New(opts Options) *Dispatcher {
	if opts.BufferPoolBytes <= 0 {
		opts.BufferPoolBytes = 64 * 1024 * 1024
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = bufferpool.DefaultBufferSize
	}
	if opts.BlockCacheBlocks <= 0 {
		opts.BlockCacheBlocks = 512
	}
	if opts.MaxConcurrentDecodes <= 0 {
		opts.MaxConcurrentDecodes = 8
	}
	if opts.Keys == nil {
		opts.Keys = keys.NewStore()
	}

	mounts := &container.MountList{}
	q := pqueue.New()
	pool := bufferpool.New(opts.BufferPoolBytes, opts.BufferSize)
	cache := bufferpool.NewBlockCache(opts.BlockCacheBlocks)
	engine := ioengine.New(q, pool, cache, mounts, opts.ReadWorkers)

	d := &Dispatcher{
		opts:          opts,
		mounts:        mounts,
		tracker:       tracker.New(),
		queue:         q,
		pool:          pool,
		cache:         cache,
		engine:        engine,
		decodeSem:     semaphore.NewWeighted(opts.MaxConcurrentDecodes),
		incoming:      make(chan *Request, 256),
		cancelCh:      make(chan *Request, 256),
		reprioCh:      make(chan reprioMsg, 256),
		decodeResults: make(chan decodeOutcome, 64),
		stopCh:        make(chan struct{}),
		Mounted:       &mounts.Mounted,
	}
	return d
}

// Start launches the backend worker pool and the dispatcher's main
// loop goroutine.
func (d *Dispatcher) Start() {
	d.engine.Start()
	d.wg.Add(1)
	go d.loop()
}

// Stop ends the dispatcher loop, stops the backend and joins the
// dispatcher's goroutines. Requests still in flight are not completed.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

// Mount opens a container's TOC and partitions and adds it to the
// resolution list at the given precedence order.
func (d *Dispatcher) Mount(pathPrefix string, order int) (*container.Reader, error) {
	mountIndex := len(d.mounts.Readers())
	r, err := container.Mount(pathPrefix, order, mountIndex, d.opts.Keys, d.opts.PublicKey)
	if err != nil {
		return nil, err
	}
	d.mounts.Add(r)
	return r, nil
}

// Unmount closes and removes a previously mounted container by name.
func (d *Dispatcher) Unmount(name string) bool {
	return d.mounts.Remove(name)
}

// DoesChunkExist reports whether any mounted container resolves id.
func (d *Dispatcher) DoesChunkExist(id chunkid.ChunkId) bool {
	return d.mounts.DoesChunkExist(id)
}

// GetSize returns the uncompressed size of id, from whichever mounted
// container currently takes precedence for it.
func (d *Dispatcher) GetSize(id chunkid.ChunkId) (uint64, bool) {
	_, ol, ok := d.mounts.Resolve(id)
	return ol.Length, ok
}

// OpenMapped memory-maps id's region in whichever mounted container
// resolves it, provided that container is uncompressed (see
// container.Reader.OpenMapped).
func (d *Dispatcher) OpenMapped(id chunkid.ChunkId, opts container.MappedOptions) (*container.MappedRegion, error) {
	reader, _, ok := d.mounts.Resolve(id)
	if !ok {
		return nil, ioerr.New(ioerr.UnknownChunkId, "chunk id not present in any mounted container")
	}
	return reader.OpenMapped(id, opts)
}

func (d *Dispatcher) newRequest(id chunkid.ChunkId, offset, size uint64, opts ReadOptions) *Request {
	return &Request{
		id:      d.nextReqID.Add(1),
		chunkID: id,
		offset:  offset,
		size:    size,
		opts:    opts,
		done:    make(chan struct{}),
		d:       d,
	}
}

func (d *Dispatcher) submit(r *Request) {
	select {
	case d.incoming <- r:
	case <-d.stopCh:
		r.fail(ioerr.New(ioerr.Cancelled, "dispatcher stopped"))
	}
}

// Read issues a single read request for chunkID's bytes [offset,
// offset+size) and returns immediately; call Wait on the result.
func (d *Dispatcher) Read(id chunkid.ChunkId, offset, size uint64, opts ReadOptions) *Request {
	r := d.newRequest(id, offset, size, opts)
	d.submit(r)
	return r
}

// NewBatch returns an empty Batch bound to this dispatcher.
func (d *Dispatcher) NewBatch() *Batch {
	return &Batch{d: d}
}

func (d *Dispatcher) cancel(r *Request) {
	select {
	case d.cancelCh <- r:
	case <-d.stopCh:
	}
}

func (d *Dispatcher) reprioritize(r *Request, p Priority) {
	select {
	case d.reprioCh <- reprioMsg{req: r, pri: p}:
	case <-d.stopCh:
	}
}

func (r *Request) fail(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

func (r *Request) succeed(buf []byte) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.buffer = buf
	r.mu.Unlock()
	close(r.done)
}

// loop is the single dispatcher goroutine: incoming requests, engine
// completions, and cancel/reprioritize all serialize here, so tracker
// and priority-queue mutation never races against itself.
func (d *Dispatcher) loop() {
	defer d.wg.Done()
	defer d.engine.Stop()
	for {
		select {
		case r := <-d.incoming:
			d.resolve(r)
		case rb, ok := <-d.engine.Completed:
			if !ok {
				return
			}
			d.onRawBlockCompleted(rb)
		case r := <-d.cancelCh:
			d.handleCancel(r)
		case m := <-d.reprioCh:
			d.handleReprioritize(m.req, m.pri)
		case o := <-d.decodeResults:
			d.applyDecodeResult(o)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) resolve(r *Request) {
	reader, ol, ok := d.mounts.Resolve(r.chunkID)
	if !ok {
		r.fail(ioerr.New(ioerr.UnknownChunkId, "chunk id not present in any mounted container"))
		return
	}
	if r.offset+r.size > ol.Length {
		r.fail(ioerr.New(ioerr.InvalidParameter, "read range exceeds chunk length"))
		return
	}

	var buf []byte
	if r.opts.TargetBuffer != nil {
		if uint64(len(r.opts.TargetBuffer)) != r.size {
			r.fail(ioerr.New(ioerr.InvalidParameter, "target buffer length does not match read size"))
			return
		}
		buf = r.opts.TargetBuffer
	} else {
		buf = make([]byte, r.size)
	}

	encodedOffset := ol.Offset + r.offset
	rr := &tracker.ResolvedRequest{
		ContainerFileIndex: reader.ID,
		Offset:             encodedOffset,
		Size:               r.size,
		Buffer:             buf,
		TargetVA:           r.opts.TargetBuffer != nil,
		Priority:           int64(r.opts.Priority),
	}
	r.resolved = rr
	d.resolvedOwners.Store(rr, r)

	if r.size == 0 {
		d.resolvedOwners.Delete(rr)
		r.succeed(buf)
		return
	}

	if rb, ok := d.tryImmediateScatter(reader, rr, encodedOffset, r.size); ok {
		rr.UnfinishedReads = 1
		rr.RawBlockRefs = append(rr.RawBlockRefs, rb)
		d.queue.Push(rb)
		return
	}

	begin, end := toc.CoveringBlocks(encodedOffset, r.size, reader.Toc.BlockSize)
	var newRaw []pqueue.Item
	for blockIdx := begin; blockIdx <= end; blockIdx++ {
		if int(blockIdx) >= len(reader.Toc.CompressionBlocks) {
			r.fail(ioerr.New(ioerr.CorruptToc, "compressed block index out of range"))
			return
		}
		entry := reader.Toc.CompressionBlocks[blockIdx]

		ckey := tracker.CompressedKey{FileIndex: reader.ID, BlockIndex: int(blockIdx)}
		cb, insertedCB := d.tracker.FindOrAddCompressed(ckey)
		if insertedCB {
			d.populateCompressedBlock(cb, reader, blockIdx, entry, &newRaw)
		}

		blockStart := uint64(blockIdx) * uint64(reader.Toc.BlockSize)
		blockEnd := blockStart + uint64(entry.UncompressedSize)
		reqEnd := encodedOffset + r.size
		srcStart := max64(encodedOffset, blockStart)
		srcEnd := min64(reqEnd, blockEnd)
		if srcEnd <= srcStart {
			continue
		}
		sc := tracker.Scatter{
			Request:   rr,
			DstOffset: srcStart - encodedOffset,
			SrcOffset: srcStart - blockStart,
			Size:      srcEnd - srcStart,
		}

		if d.attachScatter(cb, sc) {
			raised := d.tracker.AddReadRequestsToResolved(cb, rr)
			for _, rb := range raised {
				d.queue.Reheapify(rb)
			}
			rr.UnfinishedReads++
		}
	}

	if len(newRaw) > 0 {
		d.queue.PushAll(newRaw)
	}

	if rr.UnfinishedReads == 0 {
		d.resolvedOwners.Delete(rr)
		if rr.Failed {
			r.fail(ioerr.New(ioerr.ReadError, "one or more blocks failed to decode"))
			return
		}
		r.succeed(rr.Buffer)
	}
}

// tryImmediateScatter builds the single raw block for a zero-copy read:
// one that targets rr's buffer directly and skips compressed-block
// tracking and the decode stage entirely. Eligible only when the
// mounted container carries none of FlagCompressed/FlagEncrypted/
// FlagSigned and the requested range lines up exactly with the
// container's on-disk block grid, so every byte in range can be copied
// straight off disk with no transform in between.
func (d *Dispatcher) tryImmediateScatter(reader *container.Reader, rr *tracker.ResolvedRequest, encodedOffset, size uint64) (*tracker.RawBlock, bool) {
	flags := reader.Toc.Flags
	if flags.Has(toc.FlagCompressed) || flags.Has(toc.FlagEncrypted) || flags.Has(toc.FlagSigned) {
		return nil, false
	}
	blockSize := uint64(reader.Toc.BlockSize)
	if blockSize == 0 || encodedOffset%blockSize != 0 || size%blockSize != 0 {
		return nil, false
	}

	// encodedOffset is a logical offset; the on-disk position comes from
	// the compressed-block table, and the covered blocks must sit back to
	// back in one partition for a single read to serve them.
	begin, end := toc.CoveringBlocks(encodedOffset, size, reader.Toc.BlockSize)
	if int(end) >= len(reader.Toc.CompressionBlocks) {
		return nil, false
	}
	first, last := reader.Toc.CompressionBlocks[begin], reader.Toc.CompressionBlocks[end]
	if last.Offset+uint64(last.CompressedSize)-first.Offset != size {
		return nil, false
	}
	partition, relOffset := reader.PartitionFor(first.Offset)
	if partition == nil {
		return nil, false
	}
	if lastPartition, _ := reader.PartitionFor(last.Offset); lastPartition != partition {
		return nil, false
	}

	rb := &tracker.RawBlock{
		Key:        tracker.Key{FileIndex: partition.FileIndex, BlockIndex: -1},
		FileOffset: int64(relOffset),
		Size:       int(size),
		Buffer:     rr.Buffer,
		Direct:     rr,
	}
	rb.SetPriority(int(rr.Priority))
	return rb, true
}

// attachScatter wires sc into cb. If cb already finished decoding (a
// block shared with an earlier, already-completed request), the copy
// happens immediately and the caller's request does not need to wait
// on it; attachScatter reports false in that case. If cb already
// failed, sc's request is marked failed immediately and attachScatter
// also reports false — either way the caller must not count this
// block as still pending.
func (d *Dispatcher) attachScatter(cb *tracker.CompressedBlock, sc tracker.Scatter) (pending bool) {
	switch {
	case cb.Decoded != nil:
		copy(sc.Request.Buffer[sc.DstOffset:sc.DstOffset+sc.Size], cb.Decoded[sc.SrcOffset:sc.SrcOffset+sc.Size])
		return false
	case cb.Failed:
		sc.Request.Failed = true
		atomic.StoreInt32(&sc.Request.ErrorCode, int32(ioerr.ReadError))
		return false
	default:
		cb.Scatters = append(cb.Scatters, sc)
		return true
	}
}

func unfinishedRawCount(cb *tracker.CompressedBlock) int {
	n := 0
	for _, rb := range cb.RawBlocks {
		if rb.Buffer == nil && !rb.Failed {
			n++
		}
	}
	return n
}

// populateCompressedBlock fills in a freshly tracked CompressedBlock
// from its TOC entry and creates (or attaches to) the read_buffer_size
// -aligned raw page(s) covering its on-disk span. A raw page's key is
// its (partition, page index) regardless of which compressed block
// asked for it first, so two compressed blocks that happen to live in
// the same physical page share one I/O and one buffer. appendRaw
// collects newly created raw blocks so the caller can push them to the
// priority queue in one batch.
func (d *Dispatcher) populateCompressedBlock(cb *tracker.CompressedBlock, reader *container.Reader, blockIdx uint32, entry toc.CompressedBlockEntry, appendRaw *[]pqueue.Item) {
	cb.UncompressedSize = entry.UncompressedSize
	cb.CompressedSize = entry.CompressedSize
	cb.RawOffset = entry.Offset

	method := "none"
	if int(entry.MethodIndex) < len(reader.Toc.MethodNames) {
		method = reader.Toc.MethodNames[entry.MethodIndex]
	}
	cb.Method = method

	rawSize := entry.CompressedSize
	if reader.Toc.Flags.Has(toc.FlagEncrypted) {
		rawSize = alignUp(rawSize, codec.CipherBlockSize)
		cb.DecryptKey = reader.Key
	}
	cb.RawSize = rawSize

	if reader.Toc.Flags.Has(toc.FlagSigned) && int(blockIdx) < len(reader.Toc.BlockSignatures) {
		var sig codec.Digest
		copy(sig[:], reader.Toc.BlockSignatures[blockIdx])
		cb.ExpectedSignature = &sig
	}

	partition, relOffset := reader.PartitionFor(entry.Offset)
	if partition == nil {
		cb.Failed = true
		return
	}
	cb.PartitionOffset = relOffset

	readBufSize := uint64(d.pool.BufferSize())
	beginPage := relOffset / readBufSize
	endPage := beginPage
	if rawSize > 0 {
		endPage = (relOffset + uint64(rawSize) - 1) / readBufSize
	}

	for page := beginPage; page <= endPage; page++ {
		rawKey := tracker.Key{FileIndex: partition.FileIndex, BlockIndex: int(page)}
		rb, insertedRaw := d.tracker.FindOrAddRaw(rawKey)
		if insertedRaw {
			pageOffset := page * readBufSize
			pageSize := readBufSize
			if remaining := uint64(partition.Size) - pageOffset; remaining < pageSize {
				pageSize = remaining
			}
			rb.FileOffset = int64(pageOffset)
			rb.Size = int(pageSize)
			rb.Cacheable = int(pageSize) <= d.pool.BufferSize()
			*appendRaw = append(*appendRaw, rb)
		}
		rb.BufferRefcount++
		rb.CompressedBlocks = append(rb.CompressedBlocks, cb)
		cb.RawBlocks = append(cb.RawBlocks, rb)
	}
}

func alignUp(n uint32, align int) uint32 {
	a := uint32(align)
	if n%a == 0 {
		return n
	}
	return n + (a - n%a)
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// onRawBlockCompleted is invoked from the dispatcher loop for every
// raw block the backend finished (or failed). Every compressed block
// whose raw dependencies have now all completed is handed to the
// decode pool.
func (d *Dispatcher) onRawBlockCompleted(rb *tracker.RawBlock) {
	if rb.Direct != nil {
		d.completeDirect(rb)
		return
	}
	for _, cb := range rb.CompressedBlocks {
		if cb.Cancelled {
			// decode will never run for this block, so this raw page's
			// buffer claim is released right here instead of waiting
			// for a decode that isn't coming.
			d.releaseRawBufferRef(rb)
			continue
		}
		if rb.Failed {
			cb.Failed = true
		}
		if !cb.DecodeScheduled && unfinishedRawCount(cb) == 0 {
			cb.DecodeScheduled = true
			d.scheduleDecode(cb)
		}
	}
}

// completeDirect finishes an immediate-scatter raw block: there is no
// compressed block or decode stage, so the resolved request it targets
// is completed as soon as the read itself lands.
func (d *Dispatcher) completeDirect(rb *tracker.RawBlock) {
	rr := rb.Direct
	if rb.Failed {
		rr.Failed = true
		atomic.StoreInt32(&rr.ErrorCode, int32(ioerr.ReadError))
	}
	rr.UnfinishedReads--
	if rr.UnfinishedReads <= 0 {
		d.completeResolved(rr)
	}
}

func (d *Dispatcher) scheduleDecode(cb *tracker.CompressedBlock) {
	if cb.Failed {
		// every raw page cb depends on has already completed (that's
		// what got us here) and decode is never going to run, so their
		// buffer claims are released immediately instead of leaking
		// until the pool runs dry.
		d.releaseCompressedBlockBuffers(cb)
		d.sendDecodeOutcome(decodeOutcome{cb: cb, failed: true})
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := context.Background()
		if err := d.decodeSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.decodeSem.Release(1)
		d.sendDecodeOutcome(d.decode(cb))
	}()
}

// releaseCompressedBlockBuffers drops cb's claim on every raw page it
// depends on.
func (d *Dispatcher) releaseCompressedBlockBuffers(cb *tracker.CompressedBlock) {
	for _, rb := range cb.RawBlocks {
		d.releaseRawBufferRef(rb)
	}
}

// releaseRawBufferRef decrements rb's count of compressed blocks still
// needing to copy out of its buffer, returning the buffer to the pool
// once it reaches zero. Safe to call on a raw block that never got a
// buffer (rb.Buffer == nil): engine.Release is a no-op in that case.
func (d *Dispatcher) releaseRawBufferRef(rb *tracker.RawBlock) {
	rb.BufferRefcount--
	if rb.BufferRefcount <= 0 {
		d.engine.Release(rb)
	}
}

func (d *Dispatcher) sendDecodeOutcome(o decodeOutcome) {
	select {
	case d.decodeResults <- o:
	case <-d.stopCh:
	}
}

// decode runs the decrypt -> verify -> decompress pipeline for one
// compressed block: the block digest is checked against the decrypted
// compressed bytes, never the on-disk ciphertext. It runs off the
// dispatcher goroutine (bounded by
// decodeSem). It never mutates cb or any Request directly — the
// result is handed back to the single dispatcher goroutine via
// decodeResults so every read/write of shared tracker state stays on
// one goroutine.
func (d *Dispatcher) decode(cb *tracker.CompressedBlock) decodeOutcome {
	defer d.releaseCompressedBlockBuffers(cb)

	raw, ok := d.assembleRaw(cb) // length cb.RawSize, the on-disk (possibly cipher-padded) span
	if !ok {
		return decodeOutcome{cb: cb, failed: true}
	}

	work := raw[:cb.CompressedSize:cb.CompressedSize]
	if cb.DecryptKey != nil {
		work = append([]byte(nil), raw...)
		if err := codec.DecryptBlock(work, cb.DecryptKey, cb.RawOffset); err != nil {
			ucaslog.L.Error().Err(err).Msg("block decrypt failed")
			return decodeOutcome{cb: cb, failed: true}
		}
		work = work[:cb.CompressedSize]
	}

	if cb.ExpectedSignature != nil {
		actual := codec.Hash(work)
		if actual != *cb.ExpectedSignature {
			ucaslog.L.Error().Int("block", cb.Key.BlockIndex).Msg("block signature mismatch")
			return decodeOutcome{cb: cb, failed: true, sigFailure: true}
		}
	}

	decoded, err := codec.Decompress(cb.Method, work, int(cb.UncompressedSize))
	if err != nil {
		ucaslog.L.Error().Err(err).Msg("block decompress failed")
		return decodeOutcome{cb: cb, failed: true}
	}

	return decodeOutcome{cb: cb, decoded: decoded}
}

// assembleRaw gathers cb's on-disk bytes (length cb.RawSize) from the
// raw page(s) it depends on. The common case, a block that fits inside
// a single raw page, is returned as a sub-slice of that page's buffer
// with no copy. A block whose span straddles a page boundary is copied
// into cb.Scratch instead, since its bytes aren't contiguous in any
// one raw block's Buffer.
func (d *Dispatcher) assembleRaw(cb *tracker.CompressedBlock) ([]byte, bool) {
	if len(cb.RawBlocks) == 1 {
		rb := cb.RawBlocks[0]
		if rb.Failed || rb.Buffer == nil {
			return nil, false
		}
		start := cb.PartitionOffset - uint64(rb.FileOffset)
		if start+uint64(cb.RawSize) > uint64(len(rb.Buffer)) {
			return nil, false
		}
		return rb.Buffer[start : start+uint64(cb.RawSize)], true
	}

	if cap(cb.Scratch) < int(cb.RawSize) {
		cb.Scratch = make([]byte, cb.RawSize)
	}
	cb.Scratch = cb.Scratch[:cb.RawSize]
	pos := uint64(0)
	for _, rb := range cb.RawBlocks {
		if rb.Failed || rb.Buffer == nil {
			return nil, false
		}
		start := cb.PartitionOffset + pos - uint64(rb.FileOffset)
		avail := uint64(len(rb.Buffer)) - start
		remaining := uint64(cb.RawSize) - pos
		if avail > remaining {
			avail = remaining
		}
		copy(cb.Scratch[pos:pos+avail], rb.Buffer[start:start+avail])
		pos += avail
		if pos >= uint64(cb.RawSize) {
			break
		}
	}
	return cb.Scratch, true
}

// applyDecodeResult runs on the dispatcher loop goroutine: it is the
// only place that mutates a CompressedBlock's Decoded/Failed state and
// performs the scatter copies.
func (d *Dispatcher) applyDecodeResult(o decodeOutcome) {
	cb := o.cb
	if o.sigFailure {
		d.SignatureFailed.Broadcast(SignatureFailure{BlockIndex: cb.Key.BlockIndex})
	}
	if o.failed {
		cb.Failed = true
	} else {
		cb.Decoded = o.decoded
		for _, sc := range cb.Scatters {
			if sc.Request.Failed {
				continue
			}
			copy(sc.Request.Buffer[sc.DstOffset:sc.DstOffset+sc.Size], o.decoded[sc.SrcOffset:sc.SrcOffset+sc.Size])
		}
	}
	d.finishCompressedBlock(cb)
}

// finishCompressedBlock decrements every dependent request's
// remaining-read counter and completes requests that just reached
// zero. Only ever called from the dispatcher loop goroutine.
func (d *Dispatcher) finishCompressedBlock(cb *tracker.CompressedBlock) {
	seen := make(map[*tracker.ResolvedRequest]bool)
	for _, sc := range cb.Scatters {
		rr := sc.Request
		if seen[rr] {
			continue
		}
		seen[rr] = true
		if cb.Failed {
			rr.Failed = true
			atomic.StoreInt32(&rr.ErrorCode, int32(ioerr.ReadError))
		}
		rr.UnfinishedReads--
		if rr.UnfinishedReads <= 0 {
			d.completeResolved(rr)
		}
	}
}

func (d *Dispatcher) completeResolved(rr *tracker.ResolvedRequest) {
	v, ok := d.resolvedOwners.Load(rr)
	if !ok {
		return
	}
	d.resolvedOwners.Delete(rr)
	r := v.(*Request)
	d.tracker.ReleaseReferences(rr)
	if rr.Failed {
		r.fail(ioerr.New(ioerr.ReadError, "one or more blocks failed to decode"))
		return
	}
	r.succeed(rr.Buffer)
}

func (d *Dispatcher) handleCancel(r *Request) {
	if r.resolved == nil {
		r.fail(ioerr.New(ioerr.Cancelled, "request cancelled before resolution"))
		return
	}
	if _, stillPending := d.resolvedOwners.Load(r.resolved); !stillPending {
		// already completed (or already cancelled) on the loop goroutine
		// before this cancel was processed; Request.fail is a no-op past
		// the first call, and tracker state for r.resolved was already
		// released by whichever path finished first.
		return
	}
	d.resolvedOwners.Delete(r.resolved)
	r.resolved.Failed = true
	atomic.StoreInt32(&r.resolved.ErrorCode, int32(ioerr.Cancelled))
	d.tracker.Cancel(r.resolved)
	for _, rb := range r.resolved.RawBlockRefs {
		if rb.Direct != nil {
			rb.Cancelled = true
			rb.SetPriority(tracker.MaxPriority)
		}
		d.queue.Reheapify(rb)
	}
	// release_references: drop this request's hold on every block it
	// depends on, freeing (from the tracker) any that no other live
	// request still needs.
	d.tracker.ReleaseReferences(r.resolved)
	r.fail(ioerr.New(ioerr.Cancelled, "request cancelled"))
}

func (d *Dispatcher) handleReprioritize(r *Request, p Priority) {
	if r.resolved == nil {
		return
	}
	if int64(p) <= r.resolved.Priority {
		return
	}
	r.resolved.Priority = int64(p)
	for _, rb := range d.tracker.Reprioritize(r.resolved) {
		d.queue.Reheapify(rb)
	}
}
