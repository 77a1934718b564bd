package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ValueCodec serializes function arguments and results with msgpack.
//
// Integers are written in their narrowest form. Map keys are sorted at every
// depth and for every map type, and time.Time is written as an Instant, so
// equal values encode identically. Decoding into an interface yields int64,
// uint64, float64, string, []byte, bool, nil, []any, map[string]any or
// *Instant. Input must hold exactly one value.
type ValueCodec struct{}

func (c *ValueCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return canonicalize(buf.Bytes())
}

func (c *ValueCodec) Decode(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d of %d", ErrTrailingBytes, r.Len(), len(data))
	}
	return nil
}

// Marshal serializes v with the value codec.
func Marshal(v any) ([]byte, error) {
	return Values.Encode(v)
}

// Unmarshal decodes one serialized value into its dynamic Go form.
func Unmarshal(data []byte) (any, error) {
	var v any
	if err := Values.Decode(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
