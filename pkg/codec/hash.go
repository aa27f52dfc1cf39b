package codec

import "golang.org/x/crypto/blake2b"

// DigestSize is the fixed length of a block/chunk digest, used by both
// ChunkMeta and SignaturesBlock (20 bytes).
const DigestSize = 20

// Digest is a fixed-size content hash used for chunk integrity and
// per-block signatures.
type Digest [DigestSize]byte

// Hash computes the digest of b.
func Hash(b []byte) Digest {
	h, err := blake2b.New(DigestSize, nil)
	if err != nil {
		// DigestSize is a valid blake2b output length (1..64); this
		// cannot fail in practice.
		panic(err)
	}
	h.Write(b)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
