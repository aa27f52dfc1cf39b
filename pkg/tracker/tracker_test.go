package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindOrAddRawDedups(t *testing.T) {
	tr := New()
	key := Key{FileIndex: 1, BlockIndex: 5}

	b1, inserted := tr.FindOrAddRaw(key)
	require.True(t, inserted)

	b2, inserted := tr.FindOrAddRaw(key)
	require.False(t, inserted)
	require.Same(t, b1, b2)
}

func TestFindOrAddCompressedDedups(t *testing.T) {
	tr := New()
	key := CompressedKey{FileIndex: 1, BlockIndex: 5}

	cb1, inserted := tr.FindOrAddCompressed(key)
	require.True(t, inserted)

	cb2, inserted := tr.FindOrAddCompressed(key)
	require.False(t, inserted)
	require.Same(t, cb1, cb2)
}

func TestRemoveRawAllowsFreshEntry(t *testing.T) {
	tr := New()
	key := Key{FileIndex: 2, BlockIndex: 2}

	b1, _ := tr.FindOrAddRaw(key)
	tr.RemoveRaw(b1)

	b2, inserted := tr.FindOrAddRaw(key)
	require.True(t, inserted)
	require.NotSame(t, b1, b2)
}

func TestAddReadRequestsToResolvedRaisesPriority(t *testing.T) {
	tr := New()
	cb, _ := tr.FindOrAddCompressed(CompressedKey{FileIndex: 0, BlockIndex: 0})
	rb1, _ := tr.FindOrAddRaw(Key{FileIndex: 0, BlockIndex: 0})
	rb1.SetPriority(1)
	cb.RawBlocks = []*RawBlock{rb1}

	rr := &ResolvedRequest{Priority: 50}
	raised := tr.AddReadRequestsToResolved(cb, rr)

	require.Equal(t, 1, cb.Refcount)
	require.Len(t, rr.RawBlockRefs, 1)
	require.Equal(t, 1, rb1.Refcount)
	require.Len(t, raised, 1)
	require.Equal(t, 50, rb1.Priority())
}

func TestAddReadRequestsToResolvedDoesNotLowerPriority(t *testing.T) {
	tr := New()
	cb, _ := tr.FindOrAddCompressed(CompressedKey{FileIndex: 0, BlockIndex: 1})
	rb1, _ := tr.FindOrAddRaw(Key{FileIndex: 0, BlockIndex: 1})
	rb1.SetPriority(100)
	cb.RawBlocks = []*RawBlock{rb1}

	rr := &ResolvedRequest{Priority: 5}
	raised := tr.AddReadRequestsToResolved(cb, rr)

	require.Empty(t, raised)
	require.Equal(t, 100, rb1.Priority())
}

func TestReleaseReferencesFreesAtZeroRefcount(t *testing.T) {
	tr := New()
	cb, _ := tr.FindOrAddCompressed(CompressedKey{FileIndex: 0, BlockIndex: 0})
	rb, _ := tr.FindOrAddRaw(Key{FileIndex: 0, BlockIndex: 0})
	cb.RawBlocks = []*RawBlock{rb}
	rb.CompressedBlocks = []*CompressedBlock{cb}

	rr := &ResolvedRequest{Priority: 1}
	tr.AddReadRequestsToResolved(cb, rr)
	require.Equal(t, 1, cb.Refcount)
	require.Equal(t, 1, rb.Refcount)

	tr.ReleaseReferences(rr)
	require.Equal(t, 0, cb.Refcount)
	require.Equal(t, 0, rb.Refcount)

	_, inserted := tr.FindOrAddCompressed(CompressedKey{FileIndex: 0, BlockIndex: 0})
	require.True(t, inserted, "compressed block should have been removed once refcount hit zero")

	_, inserted = tr.FindOrAddRaw(Key{FileIndex: 0, BlockIndex: 0})
	require.True(t, inserted, "raw block should have been removed once refcount hit zero")
}

func TestReleaseReferencesKeepsBlockAliveForOtherRequests(t *testing.T) {
	tr := New()
	cb, _ := tr.FindOrAddCompressed(CompressedKey{FileIndex: 1, BlockIndex: 0})
	rb, _ := tr.FindOrAddRaw(Key{FileIndex: 1, BlockIndex: 0})
	cb.RawBlocks = []*RawBlock{rb}
	rb.CompressedBlocks = []*CompressedBlock{cb}

	rrA := &ResolvedRequest{Priority: 1}
	rrB := &ResolvedRequest{Priority: 1}
	tr.AddReadRequestsToResolved(cb, rrA)
	tr.AddReadRequestsToResolved(cb, rrB)
	require.Equal(t, 2, cb.Refcount)

	tr.ReleaseReferences(rrA)
	require.Equal(t, 1, cb.Refcount)

	_, inserted := tr.FindOrAddCompressed(CompressedKey{FileIndex: 1, BlockIndex: 0})
	require.False(t, inserted, "block is still referenced by rrB, must not be evicted")
}

func TestCancelMarksCompressedBlockWhenAllScattersFailed(t *testing.T) {
	tr := New()
	cb, _ := tr.FindOrAddCompressed(CompressedKey{FileIndex: 0, BlockIndex: 0})
	rb, _ := tr.FindOrAddRaw(Key{FileIndex: 0, BlockIndex: 0})
	cb.RawBlocks = []*RawBlock{rb}
	rb.CompressedBlocks = []*CompressedBlock{cb}

	rr := &ResolvedRequest{Priority: 1}
	tr.AddReadRequestsToResolved(cb, rr)
	cb.Scatters = []Scatter{{Request: rr}}

	rr.Failed = true
	tr.Cancel(rr)

	require.True(t, cb.Cancelled)
	require.True(t, rb.Cancelled)
	require.Equal(t, MaxPriority, rb.Priority())
}

func TestCancelLeavesBlockAliveWhenAnotherScatterIsStillLive(t *testing.T) {
	tr := New()
	cb, _ := tr.FindOrAddCompressed(CompressedKey{FileIndex: 0, BlockIndex: 1})
	rb, _ := tr.FindOrAddRaw(Key{FileIndex: 0, BlockIndex: 1})
	cb.RawBlocks = []*RawBlock{rb}
	rb.CompressedBlocks = []*CompressedBlock{cb}

	rrCancelled := &ResolvedRequest{Priority: 1}
	rrLive := &ResolvedRequest{Priority: 1}
	tr.AddReadRequestsToResolved(cb, rrCancelled)
	tr.AddReadRequestsToResolved(cb, rrLive)
	cb.Scatters = []Scatter{{Request: rrCancelled}, {Request: rrLive}}

	rrCancelled.Failed = true
	tr.Cancel(rrCancelled)

	require.False(t, cb.Cancelled)
	require.False(t, rb.Cancelled)
}

func TestReprioritizeReturnsRaisedBlocks(t *testing.T) {
	tr := New()
	rb, _ := tr.FindOrAddRaw(Key{FileIndex: 0, BlockIndex: 0})
	rb.SetPriority(1)

	rr := &ResolvedRequest{RawBlockRefs: []*RawBlock{rb}, Priority: 1}
	rr.Priority = 99

	raised := tr.Reprioritize(rr)
	require.Len(t, raised, 1)
	require.Equal(t, 99, rb.Priority())
}
