// Package codec converts cached values to and from the bytes a storage
// backend holds. A Client[V] encodes after generation and decodes on every
// read; a decode failure is treated as a corrupt entry and self-healed.
package codec

// Codec encodes/decodes values V to []byte for storage.
// Implementations must be safe for concurrent use.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Funcs adapts a pair of functions to Codec.
type Funcs[V any] struct {
	EncodeFunc func(V) ([]byte, error)
	DecodeFunc func([]byte) (V, error)
}

func (f Funcs[V]) Encode(v V) ([]byte, error) { return f.EncodeFunc(v) }
func (f Funcs[V]) Decode(b []byte) (V, error) { return f.DecodeFunc(b) }
