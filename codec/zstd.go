package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd compresses the output of Inner. Worth it for large generated
// artifacts (rendered pages, report blobs) kept in a network cache.
type Zstd[V any] struct {
	inner Codec[V]
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewZstd wraps inner. level 0 selects zstd.SpeedDefault.
func NewZstd[V any](inner Codec[V], level zstd.EncoderLevel) (*Zstd[V], error) {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &Zstd[V]{inner: inner, enc: enc, dec: dec}, nil
}

func (c *Zstd[V]) Encode(v V) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *Zstd[V]) Decode(b []byte) (V, error) {
	raw, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("codec: zstd: %w", err)
	}
	return c.inner.Decode(raw)
}

// Close releases the decoder's goroutines.
func (c *Zstd[V]) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}
