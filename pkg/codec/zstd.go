package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec registers the "zstd" compression method. Adapted from the
// teacher's pkg/zstd: an encoder pool keyed by level (encoders are not
// safe for concurrent reuse without one) and a single shared decoder
// (decoding needs no per-call state).
type zstdCodec struct {
	decoder      *zstd.Decoder
	encoderPools sync.Map // level -> *sync.Pool
}

func init() {
	dec, _ := zstd.NewReader(nil)
	register(&zstdCodec{decoder: dec})
}

const defaultZstdLevel = int(zstd.SpeedDefault)

func (z *zstdCodec) Name() string { return MethodZstd }

func (z *zstdCodec) encoderPool() *sync.Pool {
	if p, ok := z.encoderPools.Load(defaultZstdLevel); ok {
		return p.(*sync.Pool)
	}
	p := &sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
			return enc
		},
	}
	actual, _ := z.encoderPools.LoadOrStore(defaultZstdLevel, p)
	return actual.(*sync.Pool)
}

func (z *zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	pool := z.encoderPool()
	enc := pool.Get().(*zstd.Encoder)
	defer pool.Put(enc)
	return enc.EncodeAll(src, dst[:0]), nil
}

func (z *zstdCodec) Decompress(dst []byte, src []byte) ([]byte, error) {
	return z.decoder.DecodeAll(src, dst)
}
