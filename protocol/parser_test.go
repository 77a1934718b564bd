package protocol

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type routed struct {
	Code Code
	Body string
}

type recordingRouter struct {
	got []routed
}

func (r *recordingRouter) Function(body []byte) {
	r.got = append(r.got, routed{CodeFunction, string(body)})
}

func (r *recordingRouter) Ping(body []byte) {
	r.got = append(r.got, routed{CodePing, string(body)})
}

func testStream() ([]byte, []routed) {
	var buf bytes.Buffer
	var want []routed
	add := func(code Code, body string) {
		buf.Write(Frame(code, []byte(body)))
		want = append(want, routed{code, body})
	}
	add(CodeFunction, "\x03add\x00\x00")
	add(CodePing, string(bytes.Repeat([]byte{0xAB}, 32)))
	add(CodeFunction, "")
	add(CodeFunction, string(bytes.Repeat([]byte("x"), 300)))
	add(CodePing, "0123456789abcdef0123456789abcdef")
	return buf.Bytes(), want
}

func TestParserWholeStream(t *testing.T) {
	stream, want := testStream()
	r := &recordingRouter{}
	p := NewParser(r)
	if err := p.Feed(stream); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if diff := cmp.Diff(want, r.got); diff != "" {
		t.Fatalf("routed mismatch (-want +got):\n%s", diff)
	}
	if p.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", p.Buffered())
	}
}

func TestParserChunkingInvariance(t *testing.T) {
	stream, want := testStream()
	rng := rand.New(rand.NewSource(1))

	splits := map[string][][]byte{
		"bytewise": split(stream, func() int { return 1 }),
		"sevens":   split(stream, func() int { return 7 }),
	}
	for i := 0; i < 50; i++ {
		splits[fmt.Sprintf("random-%d", i)] = split(stream, func() int { return 1 + rng.Intn(64) })
	}

	for name, chunks := range splits {
		t.Run(name, func(t *testing.T) {
			r := &recordingRouter{}
			p := NewParser(r)
			for _, c := range chunks {
				if err := p.Feed(c); err != nil {
					t.Fatalf("Feed failed: %v", err)
				}
			}
			if diff := cmp.Diff(want, r.got); diff != "" {
				t.Fatalf("routed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// split cuts b into non-empty chunks whose sizes come from next. Each chunk
// is copied so no two share a backing array.
func split(b []byte, next func() int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := next()
		if n > len(b) {
			n = len(b)
		}
		out = append(out, append([]byte(nil), b[:n]...))
		b = b[n:]
	}
	return out
}

func TestParserWaitsForCompleteFrame(t *testing.T) {
	frame := Frame(CodePing, bytes.Repeat([]byte{1}, 32))
	r := &recordingRouter{}
	p := NewParser(r)

	if err := p.Feed(frame[:5]); err != nil {
		t.Fatal(err)
	}
	if err := p.Feed(frame[5:20]); err != nil {
		t.Fatal(err)
	}
	if len(r.got) != 0 {
		t.Fatalf("routed a partial frame: %+v", r.got)
	}
	if err := p.Feed(frame[20:]); err != nil {
		t.Fatal(err)
	}
	if len(r.got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(r.got))
	}
}

func TestParserEmptyBodyRoutedImmediately(t *testing.T) {
	r := &recordingRouter{}
	p := NewParser(r)
	if err := p.Feed(Frame(CodeFunction, nil)); err != nil {
		t.Fatal(err)
	}
	if len(r.got) != 1 || r.got[0].Body != "" {
		t.Fatalf("expected one empty FUNCTION, got %+v", r.got)
	}
}

func TestParserInvalidVersionIsSticky(t *testing.T) {
	r := &recordingRouter{}
	p := NewParser(r)

	bad := []byte{1, 0, byte(CodePing), 0, 0, 0, 0, 0}
	good := Frame(CodePing, bytes.Repeat([]byte{2}, 32))

	err := p.Feed(append(bad, good...))
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if err2 := p.Feed(good); err2 != err {
		t.Fatalf("expected sticky error %v, got %v", err, err2)
	}
	if len(r.got) != 0 {
		t.Fatalf("no frame may be routed after a fatal header, got %+v", r.got)
	}
}

func TestParserUnsupportedCode(t *testing.T) {
	for _, code := range []Code{CodeRegister, CodeProgress, CodeResult, CodeFailure, CodePong} {
		t.Run(code.String(), func(t *testing.T) {
			r := &recordingRouter{}
			p := NewParser(r)
			err := p.Feed(Frame(code, []byte("abc")))
			pe, ok := err.(*Error)
			if !ok || pe.Code != CodeUnsupportedCode {
				t.Fatalf("expected unsupported code error, got %v", err)
			}
			if want := fmt.Sprintf("Unsupported IPC message code (%d)", byte(code)); pe.Message != want {
				t.Errorf("message: got %q, want %q", pe.Message, want)
			}
			if p.Err() == nil {
				t.Errorf("Err must report the sticky failure")
			}
		})
	}
}

func TestParserPreservesEarlierFramesBeforeFailure(t *testing.T) {
	r := &recordingRouter{}
	p := NewParser(r)
	stream := append(Frame(CodeFunction, []byte("one")), Frame(CodeResult, []byte("two"))...)
	stream = append(stream, Frame(CodeFunction, []byte("three"))...)

	if err := p.Feed(stream); err == nil {
		t.Fatal("expected failure on RESULT frame")
	}
	if len(r.got) != 1 || r.got[0].Body != "one" {
		t.Fatalf("expected only the first frame, got %+v", r.got)
	}
}
