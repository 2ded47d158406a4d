// Package session is the host side of the link: it issues one request at a
// time to the Battery Interface and matches replies by sequence number.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/link"
	"codeberg.org/mutker/battester/internal/logger"
)

const (
	DefaultTimeout = 250 * time.Millisecond
	DefaultRetries = 2
)

// Options tunes request handling.
type Options struct {
	Timeout  time.Duration // per attempt
	Retries  int           // extra attempts after the first
	Observer Observer
}

// Observer is notified after every request.
type Observer interface {
	ObserveRequest(kind string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, time.Duration, error) {}

// Ack is the outcome of a command without a value.
type Ack struct {
	Status link.Status
	Fault  domain.FaultKind
}

// Poll is one polling round.
type Poll struct {
	Reading domain.AveragedReading
	Elapsed time.Duration
	Fault   domain.FaultKind
}

// Client talks to one BI. It is safe for concurrent use; requests are
// serialized.
type Client struct {
	w       io.Writer
	frames  chan link.Frame
	done    chan struct{}
	readErr error
	opts    Options
	log     logger.Logger

	mu  sync.Mutex
	seq uint8
}

// New starts a reader on rw and returns a client. The reader exits when rw
// returns an error; close rw to stop it.
func New(rw io.ReadWriter, opts Options, log logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	c := &Client{
		w:      rw,
		frames: make(chan link.Frame, 8),
		done:   make(chan struct{}),
		opts:   opts,
		log:    log,
	}
	go c.reader(rw)

	return c
}

func (c *Client) reader(r io.Reader) {
	defer close(c.done)

	dec := link.NewDecoder(r, func(err error) {
		c.log.Debug().Err(err).Msg("Dropped inbound frame")
	})
	for {
		f, err := dec.ReadFrame()
		if err != nil {
			c.readErr = err
			return
		}
		if !f.Kind.IsReply() {
			continue
		}
		select {
		case c.frames <- f:
		default:
			// Nobody is waiting on this reply.
			c.log.Debug().Str("kind", f.Kind.String()).Uint8("seq", f.Seq).Msg("Discarded unsolicited reply")
		}
	}
}

// Done is closed when the reader has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// SetHeater sets the load duty. A Rejected status is not an error; the
// caller decides what the latched fault means.
func (c *Client) SetHeater(ctx context.Context, cmd link.SetHeater) (Ack, error) {
	r, err := c.request(ctx, link.KindSetHeater, cmd.Encode())
	if err != nil {
		return Ack{}, err
	}
	if r.Status == link.StatusInvalid {
		return Ack{}, errors.New().WithData(errors.ErrInvalidArgument, cmd)
	}
	return Ack{Status: r.Status, Fault: r.Fault}, nil
}

func (c *Client) GetCurrentAverage(ctx context.Context) (domain.MilliAmps, domain.FaultKind, error) {
	r, err := c.query(ctx, link.KindGetCurrentAverage)
	if err != nil {
		return 0, domain.FaultNone, err
	}
	return r.MilliAmps(), r.Fault, nil
}

func (c *Client) GetVoltage(ctx context.Context) (domain.MilliVolts, domain.FaultKind, error) {
	r, err := c.query(ctx, link.KindGetVoltage)
	if err != nil {
		return 0, domain.FaultNone, err
	}
	return r.MilliVolts(), r.Fault, nil
}

func (c *Client) GetElapsedTime(ctx context.Context) (time.Duration, domain.FaultKind, error) {
	r, err := c.query(ctx, link.KindGetElapsedTime)
	if err != nil {
		return 0, domain.FaultNone, err
	}
	return time.Duration(r.Millis()) * time.Millisecond, r.Fault, nil
}

func (c *Client) Heartbeat(ctx context.Context) (domain.FaultKind, error) {
	r, err := c.query(ctx, link.KindHeartbeat)
	if err != nil {
		return domain.FaultNone, err
	}
	return r.Fault, nil
}

// ClearFault acknowledges a latched fault; the BI forces the load off and
// re-arms.
func (c *Client) ClearFault(ctx context.Context) (domain.FaultKind, error) {
	r, err := c.query(ctx, link.KindClearFault)
	if err != nil {
		return domain.FaultNone, err
	}
	return r.Fault, nil
}

// Poll reads the averaged current, latest voltage and elapsed load time.
// The first fault reported by any reply wins.
func (c *Client) Poll(ctx context.Context) (Poll, error) {
	var p Poll

	current, fault, err := c.GetCurrentAverage(ctx)
	if err != nil {
		return Poll{}, err
	}
	p.Reading.CurrentAvg = current
	p.Fault = fault

	voltage, fault, err := c.GetVoltage(ctx)
	if err != nil {
		return Poll{}, err
	}
	p.Reading.VoltageLatest = voltage
	if p.Fault == domain.FaultNone {
		p.Fault = fault
	}

	elapsed, fault, err := c.GetElapsedTime(ctx)
	if err != nil {
		return Poll{}, err
	}
	p.Elapsed = elapsed
	if p.Fault == domain.FaultNone {
		p.Fault = fault
	}

	return p, nil
}

func (c *Client) query(ctx context.Context, kind link.Kind) (link.Reply, error) {
	r, err := c.request(ctx, kind, nil)
	if err != nil {
		return link.Reply{}, err
	}
	if r.Status != link.StatusOK {
		return link.Reply{}, errors.New().WithData(ErrInvalidReply, struct {
			Kind   string
			Status string
		}{
			Kind:   kind.String(),
			Status: r.Status.String(),
		})
	}
	return r, nil
}

func (c *Client) request(ctx context.Context, kind link.Kind, payload []byte) (link.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	r, err := c.exchange(ctx, kind, payload)
	c.opts.Observer.ObserveRequest(kind.String(), time.Since(start), err)

	return r, err
}

func (c *Client) exchange(ctx context.Context, kind link.Kind, payload []byte) (link.Reply, error) {
	errFactory := errors.New()
	var lastErr error

	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		c.seq++
		seq := c.seq

		b, err := link.Encode(link.Frame{Kind: kind, Seq: seq, Payload: payload})
		if err != nil {
			return link.Reply{}, err
		}
		if _, err := c.w.Write(b); err != nil {
			return link.Reply{}, errFactory.Wrap(ErrWrite, err)
		}

		r, err := c.await(ctx, kind, seq)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil || errors.HasCode(err, ErrClosed) {
			return link.Reply{}, err
		}

		lastErr = err
		c.log.Debug().
			Str("kind", kind.String()).
			Uint8("seq", seq).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Request attempt failed")
	}

	return link.Reply{}, lastErr
}

func (c *Client) await(ctx context.Context, kind link.Kind, seq uint8) (link.Reply, error) {
	errFactory := errors.New()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return link.Reply{}, errFactory.Wrap(ErrTimeout, ctx.Err())
		case <-c.done:
			return link.Reply{}, errFactory.Wrap(ErrClosed, c.readErr)
		case <-timer.C:
			return link.Reply{}, errFactory.WithData(ErrTimeout, struct {
				Kind string
				Seq  uint8
			}{
				Kind: kind.String(),
				Seq:  seq,
			})
		case f := <-c.frames:
			if f.Seq != seq || f.Kind != kind.Reply() {
				// Late reply to an earlier attempt.
				continue
			}
			r, err := link.DecodeReply(kind, f.Payload)
			if err != nil {
				return link.Reply{}, errFactory.Wrap(ErrUnexpected, err)
			}
			return r, nil
		}
	}
}
