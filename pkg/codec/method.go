package codec

import "fmt"

// MethodNameLength is the fixed on-disk width of a compression method
// name.
const MethodNameLength = 32

// Well-known method names. Index 0 ("none") is never written to the
// on-disk method-name table; it is implicit.
const (
	MethodNone = "none"
	MethodZstd = "zstd"
	MethodLZ4  = "lz4"
)

// Compressor is one named, registrable compression method, looked up
// in a table rather than through a trait-object registry; an unknown
// name on decode is a hard error rather than a panic.
type Compressor interface {
	Name() string
	// Compress returns the compressed form of src, or an error only
	// for truly exceptional conditions — compression itself cannot
	// "fail" in the business sense; callers fall back to MethodNone
	// when the result is not smaller.
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst []byte, src []byte) ([]byte, error)
}

var registry = map[string]Compressor{}

func register(c Compressor) {
	registry[c.Name()] = c
}

// Lookup returns the registered Compressor for name, or an
// Unknown-method error.
func Lookup(name string) (Compressor, error) {
	if name == MethodNone {
		return noneCodec{}, nil
	}
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("codec: unknown compression method %q", name)
	}
	return c, nil
}

type noneCodec struct{}

func (noneCodec) Name() string                                  { return MethodNone }
func (noneCodec) Compress(dst, src []byte) ([]byte, error)       { return append(dst[:0], src...), nil }
func (noneCodec) Decompress(dst []byte, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

// Compress compresses src with the named method. If the result is not
// smaller than src, it returns (src-copy, MethodNone, nil) instead,
// falling back to storing the data uncompressed.
func Compress(method string, src []byte) (out []byte, usedMethod string, err error) {
	c, err := Lookup(method)
	if err != nil {
		return nil, "", err
	}
	compressed, err := c.Compress(nil, src)
	if err != nil {
		return nil, "", err
	}
	if method == MethodNone || len(compressed) >= len(src) {
		stored := make([]byte, len(src))
		copy(stored, src)
		return stored, MethodNone, nil
	}
	return compressed, method, nil
}

// Decompress decompresses src (compressed under method) into a buffer
// of exactly uncompressedSize bytes.
func Decompress(method string, src []byte, uncompressedSize int) ([]byte, error) {
	c, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, 0, uncompressedSize)
	out, err := c.Decompress(dst, src)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress with %q: %w", method, err)
	}
	if len(out) != uncompressedSize {
		return nil, fmt.Errorf("codec: decompressed size %d, want %d", len(out), uncompressedSize)
	}
	return out, nil
}
