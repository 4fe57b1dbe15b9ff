package geyser

import (
	"encoding"
	"fmt"
)

// codecName is the content-subtype of the stream.
const codecName = "stratus-bin"

// binaryCodec is a grpc encoding.Codec for messages implementing
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler.
type binaryCodec struct{}

func (binaryCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%w: cannot marshal %T", ErrInvalidMessage, v)
	}
	return m.MarshalBinary()
}

func (binaryCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%w: cannot unmarshal into %T", ErrInvalidMessage, v)
	}
	return u.UnmarshalBinary(data)
}

func (binaryCodec) Name() string {
	return codecName
}
