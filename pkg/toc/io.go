package toc

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/falk/ucasio/pkg/chunkid"
	"github.com/falk/ucasio/pkg/codec"
	"github.com/falk/ucasio/pkg/ioerr"
)

// HeaderDiskSize is the compiled-in size of Header; the on-disk
// HeaderSize field must equal this.
var HeaderDiskSize = binary.Size(Header{})

// Write serializes t to path in on-disk order: Header | ChunkIds |
// OffsetLengths | CompressionBlocks | MethodNames | [Signatures] |
// [DirectoryIndex] | ChunkMetas.
func Write(path string, t *Toc, sig *SignaturesBlock) error {
	if err := t.validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return ioerr.Wrap(ioerr.WriteError, "create toc file", err)
	}
	defer f.Close()

	hdr := t.header()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, id := range t.ChunkIds {
		buf.Write(id[:])
	}
	for _, ol := range t.OffsetLengths {
		b := ol.marshal()
		buf.Write(b[:])
	}
	for _, cb := range t.CompressionBlocks {
		b := cb.marshal()
		buf.Write(b[:])
	}
	for i, name := range t.MethodNames {
		if i == 0 {
			continue // "none" is implicit, not written
		}
		var nameBuf [MethodNameLength]byte
		copy(nameBuf[:], name)
		buf.Write(nameBuf[:])
	}
	if t.Flags.Has(FlagSigned) {
		if sig == nil {
			return fmt.Errorf("toc: Signed flag set but no signatures block provided")
		}
		if err := writeSignatures(&buf, *sig); err != nil {
			return err
		}
	}
	if t.Flags.Has(FlagIndexed) {
		buf.Write(t.DirectoryIndex)
	}
	for _, meta := range t.ChunkMetas {
		buf.Write(meta.Hash[:])
		buf.WriteByte(byte(meta.Flags))
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return ioerr.Wrap(ioerr.WriteError, "write toc file", err)
	}
	return nil
}

// HeaderBytes serializes just the fixed header, in the exact encoding
// Write uses. Callers that need to sign the header (pkg/builder) call
// this before Write so the signed bytes and the written bytes match.
func (t *Toc) HeaderBytes() []byte {
	hdr := t.header()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	return buf.Bytes()
}

func (t *Toc) header() Header {
	var h Header
	h.Magic = Magic
	h.Version = t.Version
	h.HeaderSize = uint32(HeaderDiskSize)
	h.EntryCount = uint32(len(t.ChunkIds))
	h.CompressionBlockEntryCount = uint32(len(t.CompressionBlocks))
	h.CompressionBlockEntrySize = CompressedBlockEntryDiskSize
	h.CompressionBlockSize = t.BlockSize
	// Entry 0 ("none") is implicit and not written, so it is not counted.
	if n := len(t.MethodNames); n > 0 {
		h.MethodNameCount = uint32(n - 1)
	}
	h.MethodNameLength = MethodNameLength
	h.DirectoryIndexSize = uint32(len(t.DirectoryIndex))
	h.ContainerId = uint64(t.ContainerId)
	h.EncryptionKeyId = [16]byte(t.EncryptionKey)
	h.ContainerFlags = uint8(t.Flags)
	if len(t.ChunkIds) == 0 {
		h.PartitionCount = 0
		h.PartitionSize = ^uint64(0)
	} else {
		h.PartitionCount = t.PartitionCount
		h.PartitionSize = t.PartitionSize
	}
	return h
}

// Read parses a .utoc file from path.
func Read(path string, pub ed25519.PublicKey) (*Toc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioerr.Wrap(ioerr.FileOpenFailed, "open toc file", err)
	}
	r := bytes.NewReader(data)

	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, ioerr.Wrap(ioerr.CorruptToc, "read toc header", err)
	}
	if hdr.Magic != Magic {
		return nil, ioerr.New(ioerr.CorruptToc, "bad toc magic")
	}
	if int(hdr.HeaderSize) != HeaderDiskSize {
		return nil, ioerr.New(ioerr.CorruptToc, "toc header size mismatch")
	}
	if hdr.CompressionBlockEntrySize != CompressedBlockEntryDiskSize {
		return nil, ioerr.New(ioerr.CorruptToc, "compressed block entry size mismatch")
	}

	t := &Toc{
		Version:       hdr.Version,
		ContainerId:   chunkid.ContainerId(hdr.ContainerId),
		EncryptionKey: chunkid.KeyId(hdr.EncryptionKeyId),
		Flags:         Flags(hdr.ContainerFlags),
		BlockSize:     hdr.CompressionBlockSize,
		PartitionCount: hdr.PartitionCount,
		PartitionSize: hdr.PartitionSize,
	}
	if hdr.Version <= oldPartitionSizeVersion {
		// Old TOCs predating PartitionSize are read as a single
		// unbounded partition.
		t.PartitionCount = 1
		t.PartitionSize = ^uint64(0)
	}

	t.ChunkIds = make([]chunkid.ChunkId, hdr.EntryCount)
	for i := range t.ChunkIds {
		if _, err := io.ReadFull(r, t.ChunkIds[i][:]); err != nil {
			return nil, ioerr.Wrap(ioerr.CorruptToc, "read chunk ids", err)
		}
	}

	t.OffsetLengths = make([]ChunkOffsetLength, hdr.EntryCount)
	olBuf := make([]byte, ChunkOffsetLengthDiskSize)
	for i := range t.OffsetLengths {
		if _, err := io.ReadFull(r, olBuf); err != nil {
			return nil, ioerr.Wrap(ioerr.CorruptToc, "read offset-lengths", err)
		}
		t.OffsetLengths[i] = unmarshalChunkOffsetLength(olBuf)
	}

	t.CompressionBlocks = make([]CompressedBlockEntry, hdr.CompressionBlockEntryCount)
	cbBuf := make([]byte, CompressedBlockEntryDiskSize)
	for i := range t.CompressionBlocks {
		if _, err := io.ReadFull(r, cbBuf); err != nil {
			return nil, ioerr.Wrap(ioerr.CorruptToc, "read compressed block table", err)
		}
		t.CompressionBlocks[i] = unmarshalCompressedBlockEntry(cbBuf)
	}

	t.MethodNames = make([]string, 0, hdr.MethodNameCount+1)
	t.MethodNames = append(t.MethodNames, "none")
	nameBuf := make([]byte, hdr.MethodNameLength)
	for i := uint32(0); i < hdr.MethodNameCount; i++ {
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, ioerr.Wrap(ioerr.CorruptToc, "read method name table", err)
		}
		end := bytes.IndexByte(nameBuf, 0)
		if end < 0 {
			end = len(nameBuf)
		}
		t.MethodNames = append(t.MethodNames, string(nameBuf[:end]))
	}

	var sigBlock *SignaturesBlock
	if t.Flags.Has(FlagSigned) {
		sb, err := readSignatures(r, hdr.CompressionBlockEntryCount)
		if err != nil {
			return nil, ioerr.Wrap(ioerr.CorruptToc, "read signatures block", err)
		}
		sigBlock = &sb
		t.BlockSignatures = make([][]byte, len(sb.BlockHashes))
		for i, d := range sb.BlockHashes {
			dc := d
			t.BlockSignatures[i] = dc[:]
		}
	}

	if hdr.DirectoryIndexSize > 0 {
		t.DirectoryIndex = make([]byte, hdr.DirectoryIndexSize)
		if _, err := io.ReadFull(r, t.DirectoryIndex); err != nil {
			return nil, ioerr.Wrap(ioerr.CorruptToc, "read directory index", err)
		}
	}

	t.ChunkMetas = make([]ChunkMeta, hdr.EntryCount)
	metaBuf := make([]byte, ChunkMetaDiskSize)
	for i := range t.ChunkMetas {
		if _, err := io.ReadFull(r, metaBuf); err != nil {
			return nil, ioerr.Wrap(ioerr.CorruptToc, "read chunk metas", err)
		}
		copy(t.ChunkMetas[i].Hash[:], metaBuf[:codec.DigestSize])
		t.ChunkMetas[i].Flags = ChunkMetaFlags(metaBuf[codec.DigestSize])
	}

	t.Rebuild()

	if pub != nil && sigBlock != nil {
		headerBytes := data[:HeaderDiskSize]
		if err := sigBlock.Verify(pub, headerBytes); err != nil {
			return nil, err
		}
	}

	return t, nil
}
