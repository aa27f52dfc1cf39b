package codec

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Codec registers the "lz4" compression method, the TOC's second
// named codec alongside zstd (SPEC_FULL.md §3).
type lz4Codec struct{}

func init() {
	register(lz4Codec{})
}

func (lz4Codec) Name() string { return MethodLZ4 }

func (lz4Codec) Compress(dst, src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return append(dst[:0], buf.Bytes()...), nil
}

func (lz4Codec) Decompress(dst []byte, src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	buf := bytes.NewBuffer(dst[:0])
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
