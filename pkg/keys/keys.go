// Package keys manages the symmetric keys used to decrypt mounted
// containers: a single-key-per-id model, replacing named title-key
// slots with keys addressed by their 16-byte container key id.
package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/falk/ucasio/pkg/chunkid"
)

// Store holds encryption keys addressed by 16-byte key id.
type Store struct {
	mu   sync.RWMutex
	keys map[chunkid.KeyId][]byte
}

// NewStore returns an empty key store.
func NewStore() *Store {
	return &Store{keys: make(map[chunkid.KeyId][]byte)}
}

// Set registers key under id, overwriting any previous value.
func (s *Store) Set(id chunkid.KeyId, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(key))
	copy(cp, key)
	s.keys[id] = cp
}

// Get returns the key registered under id.
func (s *Store) Get(id chunkid.KeyId) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(k))
	copy(cp, k)
	return cp, true
}

// Load reads "id-hex = key-hex" lines from path, one key per line,
// keyed by hex key-id instead of name.
func (s *Store) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		idHex := strings.TrimSpace(parts[0])
		keyHex := strings.TrimSpace(parts[1])

		idBytes, err := hex.DecodeString(idHex)
		if err != nil || len(idBytes) != 16 {
			return fmt.Errorf("keys: invalid key id %q", idHex)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("keys: invalid key value for %q: %w", idHex, err)
		}
		var id chunkid.KeyId
		copy(id[:], idBytes)
		s.Set(id, key)
	}
	return scanner.Err()
}
