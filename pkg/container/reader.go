// Package container implements the mounted-container reader: opens a
// TOC plus its partition files, resolves chunk ids, and maps absolute
// encoded offsets to (partition, relative offset). The open + parse +
// validate-magic shape, generalized from a single archive of named
// entries to N chunk ids across N ordered, possibly-encrypted
// partition sets.
package container

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/ioerr"
	"github.com/falk/ucasio/pkg/keys"
	"github.com/falk/ucasio/pkg/toc"
	"github.com/falk/ucasio/pkg/ucaslog"
)

// globalFileIndex is the monotonic counter assigned to every mounted
// partition across every container, namespacing block-cache keys.
var globalFileIndex atomic.Int64

// Partition is one open .ucas data file.
type Partition struct {
	File      *os.File
	Size      int64
	FileIndex int
	Path      string
}

// Reader owns one mounted container: its TOC and open partition
// handles.
type Reader struct {
	// ID namespaces this container's compressed-block table for the
	// tracker, distinct from any one partition's file index (a
	// compressed block's on-disk partition is derived from its offset,
	// not fixed at mount time).
	ID int

	Toc         *toc.Toc
	Partitions  []*Partition
	Key         []byte // decrypted container key, if Flags.Encrypted
	Order       int
	MountIndex  int
	Name        string
	PathPrefix  string
}

// Mount opens "<prefix>.utoc" and its partitions. order and
// mountIndex together decide resolution precedence.
func Mount(prefix string, order, mountIndex int, ks *keys.Store, pub ed25519.PublicKey) (*Reader, error) {
	t, err := toc.Read(prefix+".utoc", pub)
	if err != nil {
		return nil, err
	}

	var key []byte
	if t.Flags.Has(toc.FlagEncrypted) {
		k, ok := ks.Get(t.EncryptionKey)
		if !ok {
			return nil, ioerr.New(ioerr.InvalidEncryptionKey, "no key registered for container's encryption key id")
		}
		key = k
	}

	count := t.PartitionCount
	if count == 0 {
		count = 1
	}
	partitions := make([]*Partition, 0, count)
	for i := uint32(0); i < count; i++ {
		path := prefix + ".ucas"
		if i > 0 {
			path = fmt.Sprintf("%s_s%d.ucas", prefix, i)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, ioerr.Wrap(ioerr.FileOpenFailed, "open partition", err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, ioerr.Wrap(ioerr.FileOpenFailed, "stat partition", err)
		}
		partitions = append(partitions, &Partition{
			File:      f,
			Size:      st.Size(),
			FileIndex: int(globalFileIndex.Add(1)),
			Path:      path,
		})
	}

	r := &Reader{
		ID:         int(globalFileIndex.Add(1)),
		Toc:        t,
		Partitions: partitions,
		Key:        key,
		Order:      order,
		MountIndex: mountIndex,
		Name:       prefix,
		PathPrefix: prefix,
	}
	ucaslog.L.Debug().Str("container", prefix).Int("partitions", len(partitions)).Msg("mounted container")
	return r, nil
}

// Close closes every open partition handle.
func (r *Reader) Close() error {
	var firstErr error
	for _, p := range r.Partitions {
		if err := p.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reader) DoesChunkExist(id chunkid.ChunkId) bool {
	return r.Toc.DoesChunkExist(id)
}

func (r *Reader) GetSize(id chunkid.ChunkId) (uint64, bool) {
	ol, ok := r.Toc.Resolve(id)
	if !ok {
		return 0, false
	}
	return ol.Length, true
}

func (r *Reader) Resolve(id chunkid.ChunkId) (toc.ChunkOffsetLength, bool) {
	return r.Toc.Resolve(id)
}

// PartitionFor maps an absolute encoded offset to the owning
// partition and the partition-relative offset.
func (r *Reader) PartitionFor(encodedOffset uint64) (*Partition, uint64) {
	idx, rel := r.Toc.PartitionFor(encodedOffset)
	if int(idx) >= len(r.Partitions) {
		return nil, 0
	}
	return r.Partitions[idx], rel
}
