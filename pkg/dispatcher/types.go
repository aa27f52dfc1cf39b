package dispatcher

import (
	"sync"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/tracker"
)

// Priority is the client-facing read priority. Higher values are
// served first; ties break FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityBlocking
)

// ReadOptions configures a single read request.
type ReadOptions struct {
	Priority Priority

	// TargetBuffer, if non-nil, must be exactly Size bytes long and is
	// filled in place instead of an internally allocated buffer.
	TargetBuffer []byte
}

// Request is a single in-flight (or completed) read, returned by
// Dispatcher.Read and Batch.Add.
type Request struct {
	id      uint64
	chunkID chunkid.ChunkId
	offset  uint64
	size    uint64
	opts    ReadOptions

	mu       sync.Mutex
	done     chan struct{}
	buffer   []byte
	err      error
	finished bool

	resolved *tracker.ResolvedRequest
	d        *Dispatcher
}

// Wait blocks until the request completes (successfully, with an
// error, or cancelled) and returns its result.
func (r *Request) Wait() ([]byte, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer, r.err
}

// Done returns a channel closed when the request completes, for
// select-based waiting on many requests at once.
func (r *Request) Done() <-chan struct{} { return r.done }

// Cancel requests early termination. A request already completed is
// unaffected.
func (r *Request) Cancel() {
	r.d.cancel(r)
}

// Reprioritize raises (never lowers) the request's priority, also
// raising every raw block it still depends on.
func (r *Request) Reprioritize(p Priority) {
	r.d.reprioritize(r, p)
}

// Batch groups several reads so Issue submits them to the dispatcher
// loop one after another, in the order added (modeled on the source
// engine's FIoBatch,
// generalized to a slice of pending Requests rather than a linked
// command list).
type Batch struct {
	d        *Dispatcher
	requests []*Request
}

// Add queues one read in the batch; it is not submitted until Issue.
func (b *Batch) Add(id chunkid.ChunkId, offset, size uint64, opts ReadOptions) *Request {
	r := b.d.newRequest(id, offset, size, opts)
	b.requests = append(b.requests, r)
	return r
}

// Issue submits every queued request to the dispatcher loop.
func (b *Batch) Issue() []*Request {
	for _, r := range b.requests {
		b.d.submit(r)
	}
	return b.requests
}
