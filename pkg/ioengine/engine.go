// Package ioengine implements the platform-read backend: a fixed pool
// of worker goroutines pop raw-block work items off the priority
// queue, consult the decoded-block cache, borrow a buffer from the
// pool, and issue the blocking ReadAt. The worker-pool shape is a
// fixed goroutine count draining a shared queue; a failed read marks
// only its own raw block Failed and the workers carry on.
package ioengine

import (
	"os"
	"runtime"
	"sync"

	"github.com/falk/ucasio/pkg/bufferpool"
	"github.com/falk/ucasio/pkg/pqueue"
	"github.com/falk/ucasio/pkg/tracker"
	"github.com/falk/ucasio/pkg/ucaslog"
)

// FileSource resolves the tracker's global partition file index back
// to an open file handle, so the engine never needs to know about
// containers or mounts directly.
type FileSource interface {
	FileByIndex(fileIndex int) (*os.File, bool)
}

// Engine owns the pool of backend worker goroutines.
type Engine struct {
	Queue  *pqueue.Queue
	Pool   *bufferpool.Pool
	Cache  *bufferpool.BlockCache
	Source FileSource

	// Completed receives every raw block once its Buffer (or error) is
	// set, whether served from cache or from disk.
	Completed chan *tracker.RawBlock

	workers int
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New returns an Engine with the given worker count (0 uses
// runtime.NumCPU()).
func New(queue *pqueue.Queue, pool *bufferpool.Pool, cache *bufferpool.BlockCache, source FileSource, workers int) *Engine {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{
		Queue:     queue,
		Pool:      pool,
		Cache:     cache,
		Source:    source,
		Completed: make(chan *tracker.RawBlock, workers*4),
		workers:   workers,
		stop:      make(chan struct{}),
	}
}

// Start spawns the worker goroutines. Call Stop to drain and join
// them.
func (e *Engine) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.loop()
	}
}

// Stop closes the backing queue (waking every blocked Pop) and waits
// for all workers to exit.
func (e *Engine) Stop() {
	e.Queue.Close()
	e.wg.Wait()
	close(e.Completed)
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		item, ok := e.Queue.Pop()
		if !ok {
			return
		}
		rb := item.(*tracker.RawBlock)
		e.process(rb)
		select {
		case e.Completed <- rb:
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) process(rb *tracker.RawBlock) {
	if rb.Cancelled {
		rb.Failed = true
		return
	}

	key := bufferpool.Key{FileIndex: rb.Key.FileIndex, BlockIndex: rb.Key.BlockIndex}

	if rb.Cacheable {
		buf := e.bufferFor(rb)
		if e.Cache.Read(key, buf[:rb.Size]) {
			rb.Buffer = buf[:rb.Size]
			return
		}
		rb.Buffer = buf[:rb.Size]
	} else if rb.Buffer == nil {
		rb.Buffer = e.bufferFor(rb)[:rb.Size]
	}

	f, ok := e.Source.FileByIndex(rb.Key.FileIndex)
	if !ok {
		rb.Failed = true
		ucaslog.L.Error().Int("file_index", rb.Key.FileIndex).Msg("raw block references unknown partition")
		return
	}

	n, err := f.ReadAt(rb.Buffer, rb.FileOffset)
	if err != nil && n != len(rb.Buffer) {
		rb.Failed = true
		ucaslog.L.Error().Err(err).Int64("offset", rb.FileOffset).Msg("raw block read failed")
		return
	}

	if rb.Cacheable {
		e.Cache.Store(key, rb.Buffer)
	}
}

// bufferFor returns a pool buffer sized for rb, falling back to a
// dedicated allocation when rb.Size exceeds the pool's fixed buffer
// size (large chunks read in one span rather than being re-split).
func (e *Engine) bufferFor(rb *tracker.RawBlock) []byte {
	if rb.Size <= e.Pool.BufferSize() {
		return e.Pool.Wait()
	}
	return make([]byte, rb.Size)
}

// Release returns a raw block's buffer to the pool, if it came from
// the pool rather than a dedicated oversized allocation.
func (e *Engine) Release(rb *tracker.RawBlock) {
	if rb.Buffer == nil || cap(rb.Buffer) != e.Pool.BufferSize() {
		return
	}
	e.Pool.Free(rb.Buffer[:cap(rb.Buffer)])
}
