package protocol

// Router receives complete inbound bodies. Implementations must not block:
// the parser runs on the connection's read path.
type Router interface {
	Function(body []byte)
	Ping(body []byte)
}

type parseState uint8

const (
	readHeader parseState = iota
	readBody
)

// Parser reassembles frames from arbitrarily sized chunks and routes each
// complete body by its code.
//
// A Parser is not safe for concurrent use; it belongs to the single reader
// of a connection. Once it fails, the failure is sticky and no further
// frames are parsed.
type Parser struct {
	segs   Segments
	state  parseState
	header Header
	router Router
	err    error
}

// NewParser returns a parser in the READ_HEADER state.
func NewParser(router Router) *Parser {
	return &Parser{router: router}
}

// Feed buffers chunk and drains as many complete frames as are available.
func (p *Parser) Feed(chunk []byte) error {
	if p.err != nil {
		return p.err
	}
	p.segs.Push(chunk)

	progressed := true
	for progressed && (p.segs.Len() > 0 || p.emptyBodyPending()) {
		var err error
		switch p.state {
		case readHeader:
			progressed, err = p.readHeader()
		default:
			progressed, err = p.readBody()
		}
		if err != nil {
			p.err = err
			return err
		}
	}
	return nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	return p.segs.Len()
}

// Err returns the sticky parse failure, if any.
func (p *Parser) Err() error {
	return p.err
}

// emptyBodyPending reports a parsed header whose zero-length body can be
// routed without more input.
func (p *Parser) emptyBodyPending() bool {
	return p.state == readBody && p.header.BodyLen == 0
}

func (p *Parser) readHeader() (bool, error) {
	if p.segs.Len() < HeaderSize {
		return false, nil
	}
	h, err := ParseHeader(p.segs.Consume(HeaderSize))
	if err != nil {
		return false, err
	}
	p.header = h
	p.state = readBody
	return true, nil
}

func (p *Parser) readBody() (bool, error) {
	if uint64(p.segs.Len()) < uint64(p.header.BodyLen) {
		return false, nil
	}
	body := p.segs.Consume(int(p.header.BodyLen))
	switch p.header.Code {
	case CodeFunction:
		p.router.Function(body)
	case CodePing:
		p.router.Ping(body)
	default:
		return false, UnsupportedCode(p.header.Code)
	}
	p.state = readHeader
	return true, nil
}
