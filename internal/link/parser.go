package link

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"codeberg.org/mutker/battester/internal/errors"
)

type parserState int

const (
	stateIdle parserState = iota
	stateReceiving
	stateComplete
)

func (s parserState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateReceiving:
		return "receiving"
	case stateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Parser reassembles frames from a byte stream. Bytes outside a frame are
// skipped until the next SOF. A frame with a bad length or checksum is
// dropped and the parser resynchronizes on the next SOF inside the dropped
// bytes.
type Parser struct {
	state parserState
	buf   []byte
	need  int
}

// NewParser returns a parser in the idle state.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, MaxFrameLen)}
}

// Feed pushes p through the parser. emit is called for each complete frame
// and drop for each discarded one; either may be nil.
func (p *Parser) Feed(data []byte, emit func(Frame), drop func(error)) {
	for i := 0; i < len(data); i++ {
		b := data[i]

		if p.state == stateComplete {
			p.reset()
		}

		switch p.state {
		case stateIdle:
			if b == SOF {
				p.state = stateReceiving
				p.need = headerLen + trailerLen
			}
		case stateReceiving:
			p.buf = append(p.buf, b)

			if len(p.buf) == 1 {
				if int(b) > MaxPayload {
					p.discard(drop, errors.New().WithData(ErrInvalidLength, struct {
						Len int
					}{
						Len: int(b),
					}))
					if b == SOF {
						p.state = stateReceiving
						p.need = headerLen + trailerLen
					}
					continue
				}
				p.need = headerLen + int(b) + trailerLen
			}

			if len(p.buf) < p.need {
				continue
			}

			frame, err := p.decode()
			if err != nil {
				// Replay the dropped bytes so a SOF inside them can start
				// the next frame.
				replay := append([]byte(nil), p.buf...)
				p.discard(drop, err)
				p.Feed(replay, emit, drop)
				continue
			}

			p.state = stateComplete
			if emit != nil {
				emit(frame)
			}
		}
	}
}

func (p *Parser) decode() (Frame, error) {
	body := p.buf[:len(p.buf)-trailerLen]
	want := binary.BigEndian.Uint32(p.buf[len(p.buf)-trailerLen:])

	if got := crc32.ChecksumIEEE(body); got != want {
		return Frame{}, errors.New().WithData(ErrChecksumMismatch, struct {
			Want uint32
			Got  uint32
		}{
			Want: want,
			Got:  got,
		})
	}

	payload := make([]byte, int(body[0]))
	copy(payload, body[headerLen:])

	return Frame{Kind: Kind(body[1]), Seq: body[2], Payload: payload}, nil
}

func (p *Parser) discard(drop func(error), err error) {
	p.reset()
	if drop != nil {
		drop(err)
	}
}

func (p *Parser) reset() {
	p.state = stateIdle
	p.buf = p.buf[:0]
	p.need = 0
}

// Decoder reads frames from an io.Reader.
type Decoder struct {
	r      io.Reader
	parser *Parser
	queue  []Frame
	buf    []byte
	onDrop func(error)
}

// NewDecoder wraps r. onDrop, if set, is called for every discarded frame.
func NewDecoder(r io.Reader, onDrop func(error)) *Decoder {
	return &Decoder{
		r:      r,
		parser: NewParser(),
		buf:    make([]byte, 64),
		onDrop: onDrop,
	}
}

// ReadFrame blocks until a valid frame arrives or the reader fails.
func (d *Decoder) ReadFrame() (Frame, error) {
	for len(d.queue) == 0 {
		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.parser.Feed(d.buf[:n], func(f Frame) {
				d.queue = append(d.queue, f)
			}, d.onDrop)
		}
		if err != nil && len(d.queue) == 0 {
			return Frame{}, err
		}
	}

	f := d.queue[0]
	d.queue = d.queue[1:]

	return f, nil
}
