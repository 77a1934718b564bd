package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"ipc-provider/message"
	"ipc-provider/protocol"
)

const (
	maxName    = math.MaxUint8
	maxArgs    = math.MaxUint16
	maxCode    = math.MaxUint8
	maxMessage = math.MaxUint16
)

// BinaryCodec encodes the body layouts of the seven message kinds. Values
// must be pointers to the structs of package message.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Register:
		if len(msg.PID) != message.PIDSize {
			return nil, ErrPIDSize
		}
		// Protocol -- 2 bytes, PID -- 32 bytes
		buf := make([]byte, 2+message.PIDSize)
		binary.BigEndian.PutUint16(buf[0:2], msg.Protocol)
		copy(buf[2:], msg.PID)
		return buf, nil

	case *message.Function:
		if len(msg.Name) > maxName {
			return nil, fmt.Errorf("codec: function name is %d bytes, limit %d", len(msg.Name), maxName)
		}
		if len(msg.Args) > maxArgs {
			return nil, fmt.Errorf("codec: %d arguments, limit %d", len(msg.Args), maxArgs)
		}
		total := 1 + len(msg.Name) + 2
		for _, arg := range msg.Args {
			total += 4 + len(arg)
		}
		buf := make([]byte, total)
		offset := 0

		// Name length -- 1 byte, Name -- n bytes
		buf[offset] = byte(len(msg.Name))
		offset++
		offset += copy(buf[offset:], msg.Name)

		// Argument count -- 2 bytes
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Args)))
		offset += 2

		// Arguments -- 4 byte length + n bytes each
		for _, arg := range msg.Args {
			binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(arg)))
			offset += 4
			offset += copy(buf[offset:], arg)
		}
		return buf, nil

	case *message.Progress:
		text := truncate(msg.Message, maxMessage)
		buf := make([]byte, 4+2+len(text))
		binary.BigEndian.PutUint32(buf[0:4], math.Float32bits(clampFraction(msg.Fraction)))
		binary.BigEndian.PutUint16(buf[4:6], uint16(len(text)))
		copy(buf[6:], text)
		return buf, nil

	case *message.Result:
		return msg.Value, nil

	case *message.Failure:
		code := truncate(msg.Code, maxCode)
		text := truncate(msg.Message, maxMessage)
		buf := make([]byte, 1+len(code)+2+len(text))
		offset := 0
		buf[offset] = byte(len(code))
		offset++
		offset += copy(buf[offset:], code)
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(text)))
		offset += 2
		copy(buf[offset:], text)
		return buf, nil

	case *message.Ping:
		return msg.Token, nil

	case *message.Pong:
		return msg.Token, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{data: data}

	switch msg := v.(type) {
	case *message.Register:
		msg.Protocol = r.u16()
		msg.PID = r.bytes(message.PIDSize)

	case *message.Function:
		msg.Name = string(r.bytes(int(r.u8())))
		count := int(r.u16())
		if r.err != nil {
			return r.err
		}
		msg.Args = make([][]byte, 0, count)
		for i := 0; i < count && r.err == nil; i++ {
			msg.Args = append(msg.Args, r.bytes(int(r.u32())))
		}

	case *message.Progress:
		msg.Fraction = math.Float32frombits(r.u32())
		msg.Message = string(r.bytes(int(r.u16())))

	case *message.Result:
		msg.Value = data
		return nil

	case *message.Failure:
		msg.Code = string(r.bytes(int(r.u8())))
		msg.Message = string(r.bytes(int(r.u16())))

	case *message.Ping:
		msg.Token = data
		return nil

	case *message.Pong:
		msg.Token = data
		return nil

	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}

	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("%w: %d of %d", ErrTrailingBytes, len(data)-r.off, len(data))
	}
	return nil
}

// CodeOf returns the frame code for a message struct pointer.
func CodeOf(v any) (protocol.Code, error) {
	switch v.(type) {
	case *message.Register:
		return protocol.CodeRegister, nil
	case *message.Function:
		return protocol.CodeFunction, nil
	case *message.Progress:
		return protocol.CodeProgress, nil
	case *message.Result:
		return protocol.CodeResult, nil
	case *message.Failure:
		return protocol.CodeFailure, nil
	case *message.Ping:
		return protocol.CodePing, nil
	case *message.Pong:
		return protocol.CodePong, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupported, v)
}

// EncodeFrame encodes v and prefixes the matching header, producing one
// buffer ready for the outbound queue.
func EncodeFrame(v any) ([]byte, error) {
	code, err := CodeOf(v)
	if err != nil {
		return nil, err
	}
	body, err := Binary.Encode(v)
	if err != nil {
		return nil, err
	}
	return protocol.Frame(code, body), nil
}

// reader walks a body, recording the first short read instead of panicking.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) bytes(n int) []byte {
	return r.take(n)
}

// truncate shortens s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func clampFraction(f float32) float32 {
	switch {
	case math.IsNaN(float64(f)):
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
