package codec

import "google.golang.org/protobuf/proto"

// Protobuf stores generated protobuf messages. New must return a fresh, empty
// message, e.g. func() *pb.Report { return new(pb.Report) }.
type Protobuf[T proto.Message] struct {
	New func() T
	// Deterministic sorts map fields so equal messages encode to equal bytes.
	Deterministic bool
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{New: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: c.Deterministic}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.New()
	if err := proto.Unmarshal(b, m); err != nil {
		var zero T
		return zero, err
	}
	return m, nil
}
