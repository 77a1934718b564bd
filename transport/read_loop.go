package transport

import (
	"errors"
	"io"
)

// ReadLoop reads r until it ends, handing each chunk to feed. Every read
// gets a fresh buffer of bufSize bytes because feed may retain the chunk
// past the call.
//
// It returns nil when r reaches EOF, feed's error if feed fails, and the
// read error otherwise.
func ReadLoop(r io.Reader, bufSize int, feed func(chunk []byte) error) error {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	for {
		buf := make([]byte, bufSize)
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
