package protocol

// Segments buffers inbound byte chunks in arrival order and hands out exact
// byte counts across chunk boundaries.
//
//	chunks: [ h e a d ] [ n e x t ] [ . . . ]
//	              ▲
//	            offset          total = unconsumed bytes in all chunks
//
// Invariant: offset < len(chunks[0]) whenever chunks is non-empty.
type Segments struct {
	chunks [][]byte
	offset int
	total  int
}

// Push appends a chunk. The chunk is retained, not copied: the caller must
// not reuse its backing array.
func (s *Segments) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.chunks = append(s.chunks, chunk)
	s.total += len(chunk)
}

// Len returns the number of buffered, unconsumed bytes.
func (s *Segments) Len() int {
	return s.total
}

// Consume removes n bytes from the front of the stream and returns them.
//
// When n fits in the head chunk the result aliases that chunk; otherwise the
// bytes are copied into a fresh buffer. The caller must check Len first:
// consuming more than is buffered panics.
func (s *Segments) Consume(n int) []byte {
	if n == 0 {
		return nil
	}
	if n > s.total {
		panic("protocol: consume beyond buffered length")
	}
	s.total -= n

	head := s.chunks[0]
	if s.offset+n <= len(head) {
		out := head[s.offset : s.offset+n : s.offset+n]
		s.advance(n)
		return out
	}

	out := make([]byte, n)
	pos := 0
	for pos < n {
		head = s.chunks[0]
		c := copy(out[pos:], head[s.offset:])
		pos += c
		s.advance(c)
	}
	return out
}

// advance moves the cursor c bytes into the head chunk, dropping it once
// fully consumed.
func (s *Segments) advance(c int) {
	s.offset += c
	if s.offset == len(s.chunks[0]) {
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.offset = 0
	}
}
