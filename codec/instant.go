package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// InstantExtID is the msgpack extension type carrying an Instant.
const InstantExtID int8 = 0x01

// Instant is a point in time with millisecond precision.
//
// It travels as msgpack extension 0x01 whose payload is the signed
// big-endian millisecond offset from the Unix epoch, in the narrowest of
// 1, 2, 4 or 8 bytes that holds it. Decoded instants surface as *Instant.
type Instant struct {
	Time time.Time
}

// NewInstant truncates t to milliseconds.
func NewInstant(t time.Time) *Instant {
	return &Instant{Time: time.UnixMilli(t.UnixMilli())}
}

// UnixMilli returns the wire value of the instant.
func (t Instant) UnixMilli() int64 {
	return t.Time.UnixMilli()
}

func (t Instant) String() string {
	return t.Time.UTC().Format(time.RFC3339Nano)
}

var _ msgpack.CustomEncoder = Instant{}

func (t Instant) EncodeMsgpack(enc *msgpack.Encoder) error {
	payload := instantPayload(t.UnixMilli())
	if err := enc.EncodeExtHeader(InstantExtID, len(payload)); err != nil {
		return err
	}
	_, err := enc.Writer().Write(payload)
	return err
}

func instantPayload(ms int64) []byte {
	switch {
	case ms >= math.MinInt8 && ms <= math.MaxInt8:
		return []byte{byte(int8(ms))}
	case ms >= math.MinInt16 && ms <= math.MaxInt16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(int16(ms)))
		return b
	case ms >= math.MinInt32 && ms <= math.MaxInt32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(int32(ms)))
		return b
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(ms))
		return b
	}
}

func parseInstantPayload(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	}
	return 0, fmt.Errorf("codec: instant payload of %d bytes", len(b))
}

func decodeInstant(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	b := make([]byte, extLen)
	if err := d.ReadFull(b); err != nil {
		return err
	}
	ms, err := parseInstantPayload(b)
	if err != nil {
		return err
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	v.Set(reflect.ValueOf(Instant{Time: time.UnixMilli(ms)}))
	return nil
}

func init() {
	msgpack.RegisterExtDecoder(InstantExtID, (*Instant)(nil), decodeInstant)
}
