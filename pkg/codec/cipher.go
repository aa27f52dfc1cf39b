package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"
)

// CipherBlockSize is the AES block size; raw (post-padding) block
// sizes must be a multiple of this.
const CipherBlockSize = aes.BlockSize // 16

// cipherCache avoids re-expanding the AES key schedule on every call.
var (
	cipherCache   = make(map[[32]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func blockFor(key []byte) (cipher.Block, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, fmt.Errorf("codec: AES key must be 16 or 32 bytes, got %d", len(key))
	}
	var cacheKey [32]byte
	copy(cacheKey[:], key)

	cipherCacheMu.RLock()
	b, ok := cipherCache[cacheKey]
	cipherCacheMu.RUnlock()
	if ok {
		return b, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()
	if b, ok = cipherCache[cacheKey]; ok {
		return b, nil
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[cacheKey] = b
	return b, nil
}

// PadCyclic pads data up to a multiple of CipherBlockSize by repeating
// the pre-padding bytes cyclically, avoiding a PKCS-style padding
// marker so the raw size always aligns without a trailing length byte.
func PadCyclic(data []byte) []byte {
	rem := len(data) % CipherBlockSize
	if rem == 0 {
		return data
	}
	need := CipherBlockSize - rem
	out := make([]byte, len(data)+need)
	copy(out, data)
	for i := 0; i < need; i++ {
		out[len(data)+i] = data[i%len(data)]
	}
	return out
}

// blockIV derives a deterministic per-block IV from the block's
// on-disk offset, so builds are reproducible without storing an IV
// per block.
func blockIV(offset uint64) []byte {
	iv := make([]byte, CipherBlockSize)
	for i := 0; i < 8; i++ {
		iv[CipherBlockSize-1-i] = byte(offset >> (8 * i))
	}
	return iv
}

// EncryptBlock CBC-encrypts buf (len(buf) must be a multiple of
// CipherBlockSize) in place.
func EncryptBlock(buf []byte, key []byte, offset uint64) error {
	if len(buf)%CipherBlockSize != 0 {
		return fmt.Errorf("codec: block length %d not a multiple of %d", len(buf), CipherBlockSize)
	}
	block, err := blockFor(key)
	if err != nil {
		return err
	}
	cipher.NewCBCEncrypter(block, blockIV(offset)).CryptBlocks(buf, buf)
	return nil
}

// DecryptBlock is the inverse of EncryptBlock.
func DecryptBlock(buf []byte, key []byte, offset uint64) error {
	if len(buf)%CipherBlockSize != 0 {
		return fmt.Errorf("codec: block length %d not a multiple of %d", len(buf), CipherBlockSize)
	}
	block, err := blockFor(key)
	if err != nil {
		return err
	}
	cipher.NewCBCDecrypter(block, blockIV(offset)).CryptBlocks(buf, buf)
	return nil
}
