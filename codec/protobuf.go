package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes generated messages. Encoding is deterministic so CAS
// snapshots of equal messages match.
type Protobuf[T proto.Message] struct {
	newMsg func() T
}

// NewProtobuf takes a constructor for an empty message, e.g. func() *pb.User { return &pb.User{} }.
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{newMsg: ctor}
}

func (c Protobuf[T]) Encode(m T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.newMsg()
	err := proto.Unmarshal(b, m)
	return m, err
}
