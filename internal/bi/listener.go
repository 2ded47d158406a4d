package bi

import (
	"context"
	"io"
	"math"
	"sync"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/link"
	"codeberg.org/mutker/battester/internal/logger"
)

// Listener answers host frames. Every frame that parses and carries a known
// request updates liveness; anything else is dropped without a reply.
type Listener struct {
	interlock *Interlock
	averager  *Averager
	liveness  *Liveness
	clock     Clock
	gate      sync.Locker
	log       logger.Logger

	writeMu sync.Mutex
	dropped uint64
}

func NewListener(interlock *Interlock, averager *Averager, liveness *Liveness, clock Clock, gate sync.Locker, log logger.Logger) *Listener {
	if gate == nil {
		gate = &sync.Mutex{}
	}
	return &Listener{
		interlock: interlock,
		averager:  averager,
		liveness:  liveness,
		clock:     clock,
		gate:      gate,
		log:       log,
	}
}

// Handle dispatches one request frame. ok is false when the frame was
// dropped.
func (l *Listener) Handle(f link.Frame) (reply link.Frame, ok bool) {
	if f.Kind.IsReply() || !f.Kind.Known() {
		l.drop(f, nil)
		return link.Frame{}, false
	}

	var heater link.SetHeater
	if f.Kind == link.KindSetHeater {
		var err error
		if heater, err = link.DecodeSetHeater(f.Payload); err != nil {
			l.drop(f, err)
			return link.Frame{}, false
		}
	} else if len(f.Payload) != 0 {
		l.drop(f, nil)
		return link.Frame{}, false
	}

	l.gate.Lock()
	defer l.gate.Unlock()

	l.liveness.Touch(l.clock.Now())

	status := link.StatusOK
	var data []byte

	switch f.Kind {
	case link.KindSetHeater:
		var err error
		status, err = l.interlock.Command(heater)
		if err != nil {
			l.log.Error().Err(err).Uint8("duty", heater.Duty).Msg("Failed to apply load command")
		}
	case link.KindGetCurrentAverage:
		data = link.Uint16(clampU16(int64(l.averager.Reading().CurrentAvg)))
	case link.KindGetVoltage:
		data = link.Uint16(clampU16(int64(l.averager.Reading().VoltageLatest)))
	case link.KindGetElapsedTime:
		ms := l.interlock.Elapsed().Milliseconds()
		if ms > math.MaxUint32 {
			ms = math.MaxUint32
		}
		data = link.Uint32(uint32(ms))
	case link.KindHeartbeat:
	case link.KindClearFault:
		prev, err := l.interlock.ClearFault()
		if err != nil {
			status = link.StatusRejected
			l.log.Error().Err(err).Msg("Failed to clear fault")
		} else if prev != domain.FaultNone {
			l.log.Info().Str("fault", prev.String()).Msg("Fault cleared by host")
		}
	}

	if status != link.StatusOK {
		data = nil
	}

	return link.Frame{
		Kind: f.Kind.Reply(),
		Seq:  f.Seq,
		Payload: link.Reply{
			Status: status,
			Fault:  l.interlock.State().Fault,
			Data:   data,
		}.Encode(),
	}, true
}

// Serve reads frames from rw and writes replies until ctx is done or rw
// fails.
func (l *Listener) Serve(ctx context.Context, rw io.ReadWriter) error {
	dec := link.NewDecoder(rw, func(err error) {
		l.drop(link.Frame{}, err)
	})

	for {
		f, err := dec.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		reply, ok := l.Handle(f)
		if !ok {
			continue
		}

		if err := l.write(rw, reply); err != nil {
			return err
		}
	}
}

// Dropped returns how many inbound frames were discarded.
func (l *Listener) Dropped() uint64 {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.dropped
}

func (l *Listener) write(w io.Writer, f link.Frame) error {
	b, err := link.Encode(f)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := w.Write(b); err != nil {
		return errors.New().Wrap(ErrReplyWrite, err)
	}
	return nil
}

func (l *Listener) drop(f link.Frame, err error) {
	l.writeMu.Lock()
	l.dropped++
	l.writeMu.Unlock()

	ev := l.log.Debug().Uint8("kind", uint8(f.Kind)).Uint8("seq", f.Seq)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("Dropped frame")
}

func clampU16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
