package container

import (
	"os"
	"sort"
	"sync"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/toc"
	"github.com/falk/ucasio/pkg/ucasevent"
)

// MountedContainer is broadcast on MountList.Mounted whenever a
// container is added.
type MountedContainer struct {
	ContainerId chunkid.ContainerId
	Name        string
}

// MountList is the reader-writer-locked, precedence-ordered list of
// mounted containers: sorted by (order desc, index desc), so the most
// recently mounted, highest-order container wins a chunk-id collision.
type MountList struct {
	mu       sync.RWMutex
	readers  []*Reader
	Mounted  ucasevent.Event[MountedContainer]
}

func (m *MountList) Add(r *Reader) {
	m.mu.Lock()
	m.readers = append(m.readers, r)
	sort.SliceStable(m.readers, func(i, j int) bool {
		a, b := m.readers[i], m.readers[j]
		if a.Order != b.Order {
			return a.Order > b.Order
		}
		return a.MountIndex > b.MountIndex
	})
	m.mu.Unlock()
	m.Mounted.Broadcast(MountedContainer{ContainerId: r.Toc.ContainerId, Name: r.Name})
}

// Remove unmounts the container with the given name, closing its
// partitions.
func (m *MountList) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.readers {
		if r.Name == name {
			r.Close()
			m.readers = append(m.readers[:i], m.readers[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve walks readers in precedence order and returns the first one
// containing id.
func (m *MountList) Resolve(id chunkid.ChunkId) (*Reader, toc.ChunkOffsetLength, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.readers {
		if ol, ok := r.Resolve(id); ok {
			return r, ol, true
		}
	}
	return nil, toc.ChunkOffsetLength{}, false
}

func (m *MountList) DoesChunkExist(id chunkid.ChunkId) bool {
	_, _, ok := m.Resolve(id)
	return ok
}

// FileByIndex resolves a tracker.RawBlock's global partition file
// index to its open handle, satisfying pkg/ioengine.FileSource.
func (m *MountList) FileByIndex(fileIndex int) (*os.File, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.readers {
		for _, p := range r.Partitions {
			if p.FileIndex == fileIndex {
				return p.File, true
			}
		}
	}
	return nil, false
}

// Readers returns a snapshot of the current precedence-ordered list.
func (m *MountList) Readers() []*Reader {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Reader, len(m.readers))
	copy(out, m.readers)
	return out
}
