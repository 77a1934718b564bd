// Package codec turns messages and values into bytes and back.
//
// Two codecs share one interface:
//
//   - BinaryCodec lays out the fixed binary bodies of the seven message kinds.
//   - ValueCodec serializes function arguments and results with msgpack,
//     extended with a compact temporal type (see Instant).
package codec

import "errors"

var (
	ErrTruncated     = errors.New("codec: truncated body")
	ErrTrailingBytes = errors.New("codec: trailing bytes after body")
	ErrUnsupported   = errors.New("codec: unsupported message type")
	ErrPIDSize       = errors.New("codec: process identifier must be 32 bytes")
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

var (
	Binary Codec = &BinaryCodec{}
	Values Codec = &ValueCodec{}
)
