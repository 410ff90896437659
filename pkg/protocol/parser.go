package protocol

// minRead is the minimum free space guaranteed at the buffer tail before
// each read.
const minRead = 1 << 10

// FrameHandler receives each fully-parsed frame in wire order.
type FrameHandler func(h Header, body []byte) error

// Parser is an incremental frame parser over a growing byte buffer.
//
// Bytes are appended at the tail (via Buffer/Advance or Feed) and consumed
// from a cursor at the head. A frame is dispatched only once header and
// body are fully present; at most one frame is being parsed at any time.
// After each drain the unconsumed suffix is compacted to offset zero.
//
// Parser is not safe for concurrent use; a session confines it to its
// reader goroutine.
type Parser struct {
	buf    []byte
	cursor int // consumed bytes at the head of buf

	headerPending bool
	header        Header
	expectBody    int
}

// NewParser returns a parser with the default initial buffer.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, 4*minRead)}
}

// Buffer returns a writable slice at the tail of the receive buffer with
// at least max(minRead, pending body length) free bytes. The caller reads
// into it and then calls Advance with the byte count.
func (p *Parser) Buffer() []byte {
	need := minRead
	if p.headerPending && p.expectBody > need {
		need = p.expectBody
	}
	if cap(p.buf)-len(p.buf) < need {
		grown := make([]byte, len(p.buf), len(p.buf)+need)
		copy(grown, p.buf)
		p.buf = grown
	}
	return p.buf[len(p.buf):cap(p.buf)]
}

// Advance commits n bytes previously read into Buffer.
func (p *Parser) Advance(n int) {
	p.buf = p.buf[:len(p.buf)+n]
}

// Feed appends data and drains all complete frames through handler.
// Equivalent to copying into Buffer, Advance and Drain; kept for tests and
// callers that already hold a byte slice.
func (p *Parser) Feed(data []byte, handler FrameHandler) error {
	for len(data) > 0 {
		dst := p.Buffer()
		n := copy(dst, data)
		p.Advance(n)
		data = data[n:]
		if err := p.Drain(handler); err != nil {
			return err
		}
	}
	return p.Drain(handler)
}

// Drain parses as many complete frames as the buffer holds, dispatching
// each to handler in wire order. A validation failure or a handler error
// stops the drain and is returned; the session closes on any error.
func (p *Parser) Drain(handler FrameHandler) error {
	for {
		if !p.headerPending {
			if len(p.buf)-p.cursor < HeaderSize {
				break
			}
			h, err := DecodeHeader(p.buf[p.cursor:])
			if err != nil {
				return err
			}
			if err := h.Validate(); err != nil {
				return err
			}
			p.cursor += HeaderSize
			p.header = h
			p.expectBody = int(h.Length)
			p.headerPending = true
		}

		if len(p.buf)-p.cursor < p.expectBody {
			break
		}

		// Copy the body out: the receive buffer is reused and may be
		// compacted while the handler still holds the slice.
		body := make([]byte, p.expectBody)
		copy(body, p.buf[p.cursor:p.cursor+p.expectBody])
		p.cursor += p.expectBody
		p.headerPending = false

		if err := handler(p.header, body); err != nil {
			return err
		}
	}

	p.compact()
	return nil
}

// compact moves the unconsumed suffix to offset zero.
func (p *Parser) compact() {
	if p.cursor == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.cursor:])
	p.buf = p.buf[:n]
	p.cursor = 0
}

// PendingBytes reports the number of buffered, not yet consumed bytes.
func (p *Parser) PendingBytes() int {
	return len(p.buf) - p.cursor
}
