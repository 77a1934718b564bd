// Package protocol implements the binary frame protocol spoken between a
// provider and its supervisor.
//
// Every message is a fixed 8-byte header followed by a variable-length body.
// The receiver parses the header first to learn the body length, then waits
// until exactly that many bytes are buffered.
//
// Frame format:
//
//	0    1    2    3    4                   8
//	┌────┬────┬────┬────┬───────────────────┬────────────────┐
//	│ver │rsv │code│rsv │     bodyLen       │    body ...    │
//	│ 00 │ 00 │0..6│ 00 │  uint32 (BE)      │ bodyLen bytes  │
//	└────┴────┴────┴────┴───────────────────┴────────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	Version    byte = 0x00
	HeaderSize int  = 8 // 1 (version) + 1 (reserved) + 1 (code) + 1 (reserved) + 4 (bodyLen)
)

// Code identifies the kind of message carried by a frame.
type Code byte

const (
	CodeRegister Code = 0 // Provider → Supervisor, once at connect
	CodeFunction Code = 1 // Supervisor → Provider, execute a function
	CodeProgress Code = 2 // Provider → Supervisor, partial progress
	CodeResult   Code = 3 // Provider → Supervisor, return value
	CodeFailure  Code = 4 // Provider → Supervisor, error report
	CodePing     Code = 5 // Supervisor → Provider, liveness probe
	CodePong     Code = 6 // Provider → Supervisor, probe echo

	maxCode = CodePong
)

var codeNames = [...]string{
	CodeRegister: "REGISTER",
	CodeFunction: "FUNCTION",
	CodeProgress: "PROGRESS",
	CodeResult:   "RESULT",
	CodeFailure:  "FAILURE",
	CodePing:     "PING",
	CodePong:     "PONG",
}

func (c Code) String() string {
	if c <= maxCode {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", byte(c))
}

// Valid reports whether c is one of the seven defined codes.
func (c Code) Valid() bool {
	return c <= maxCode
}

// Header is the fixed 8-byte frame header. Reserved bytes are not modelled:
// they are always written as zero and rejected when non-zero.
type Header struct {
	Version byte
	Code    Code
	BodyLen uint32
}

// EncodeHeader returns the wire form of h.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, h)
	return buf
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = 0
	buf[2] = byte(h.Code)
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], h.BodyLen)
}

// ParseHeader decodes and validates an 8-byte header. Fields are checked in
// wire order so the first offending byte determines the error.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("protocol: invalid header length: %d", len(b))
	}
	if b[0] != Version {
		return Header{}, InvalidVersion(b[0])
	}
	if b[1] != 0 {
		return Header{}, InvalidReserved(b[1])
	}
	code := Code(b[2])
	if !code.Valid() {
		return Header{}, InvalidCode(b[2])
	}
	if b[3] != 0 {
		return Header{}, InvalidReserved(b[3])
	}
	return Header{
		Version: b[0],
		Code:    code,
		BodyLen: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Frame prepends a header for code to body and returns one contiguous buffer,
// ready to be queued as a single outbound write.
func Frame(code Code, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	PutHeader(buf, Header{Version: Version, Code: code, BodyLen: uint32(len(body))})
	copy(buf[HeaderSize:], body)
	return buf
}

// Encode writes a complete frame (header + body) to w as one write.
// The caller must serialize writers sharing w, otherwise frames interleave.
func Encode(w io.Writer, code Code, body []byte) error {
	_, err := w.Write(Frame(code, body))
	return err
}

// Decode reads one complete frame from a blocking reader. It is the
// counterpart of the incremental Parser for peers that own their socket,
// such as the supervisor side used in tests.
func Decode(r io.Reader) (Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, nil, err
	}

	h, err := ParseHeader(headerBuf)
	if err != nil {
		return Header{}, nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}
