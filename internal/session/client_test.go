package session_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/battester/internal/bi"
	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/link"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// responder plays the BI side of a pipe with a scripted handler.
func responder(t *testing.T, conn net.Conn, handle func(n int, f link.Frame) (link.Frame, bool)) {
	t.Helper()
	go func() {
		dec := link.NewDecoder(conn, nil)
		for n := 1; ; n++ {
			f, err := dec.ReadFrame()
			if err != nil {
				return
			}
			reply, ok := handle(n, f)
			if !ok {
				continue
			}
			b, err := link.Encode(reply)
			if err != nil {
				return
			}
			if _, err := conn.Write(b); err != nil {
				return
			}
		}
	}()
}

func ack(f link.Frame, data []byte) link.Frame {
	return link.Frame{Kind: f.Kind.Reply(), Seq: f.Seq, Payload: link.Reply{Data: data}.Encode()}
}

func newPipe(t *testing.T) (host, device net.Conn) {
	t.Helper()
	host, device = net.Pipe()
	t.Cleanup(func() {
		host.Close()
		device.Close()
	})
	return host, device
}

type fixedBattery struct{}

func (fixedBattery) Read() (domain.MilliAmps, domain.MilliVolts, error) { return 10000, 12300, nil }
func (fixedBattery) BatteryPresent() (bool, error)                     { return true, nil }

type nullLoad struct{}

func (nullLoad) SetDuty(uint8) error { return nil }

func TestPollAgainstBatteryInterface(t *testing.T) {
	host, device := newPipe(t)

	unit, err := bi.NewUnit(bi.Config{
		Sensor:   fixedBattery{},
		Presence: fixedBattery{},
		Load:     nullLoad{},
		Limits:   bi.SafetyLimits{CurrentMin: 8000, CurrentMax: 12000},
		Interval: 10 * time.Millisecond,
	}, logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go unit.Run(ctx, device)

	c := session.New(host, session.Options{Timeout: time.Second}, logger.Nop())

	ack, err := c.SetHeater(ctx, link.SetHeater{Duty: 100})
	require.NoError(t, err)
	assert.Equal(t, link.StatusOK, ack.Status)

	require.Eventually(t, func() bool { return unit.Stats().Ticks >= 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	p, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliAmps(10000), p.Reading.CurrentAvg)
	assert.Equal(t, domain.MilliVolts(12300), p.Reading.VoltageLatest)
	assert.Greater(t, p.Elapsed, time.Duration(0))
	assert.Equal(t, domain.FaultNone, p.Fault)
}

func TestRetryAfterDroppedRequest(t *testing.T) {
	host, device := newPipe(t)
	var seqs []uint8
	var mu sync.Mutex
	responder(t, device, func(n int, f link.Frame) (link.Frame, bool) {
		mu.Lock()
		seqs = append(seqs, f.Seq)
		mu.Unlock()
		return ack(f, nil), n > 1
	})

	c := session.New(host, session.Options{Timeout: 50 * time.Millisecond, Retries: 2}, logger.Nop())

	fault, err := c.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FaultNone, fault)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seqs, 2)
	assert.NotEqual(t, seqs[0], seqs[1], "each attempt gets a new sequence number")
}

func TestTimeoutAfterRetries(t *testing.T) {
	host, device := newPipe(t)
	var attempts atomic.Int32
	responder(t, device, func(int, link.Frame) (link.Frame, bool) {
		attempts.Add(1)
		return link.Frame{}, false
	})

	c := session.New(host, session.Options{Timeout: 20 * time.Millisecond, Retries: 2}, logger.Nop())

	_, _, err := c.GetCurrentAverage(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, session.ErrTimeout))
	assert.True(t, session.IsLinkFault(err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestLateReplyIsIgnored(t *testing.T) {
	host, device := newPipe(t)
	responder(t, device, func(n int, f link.Frame) (link.Frame, bool) {
		if n == 1 {
			time.Sleep(60 * time.Millisecond)
			return ack(f, link.Uint16(1)), true
		}
		return ack(f, link.Uint16(12000)), true
	})

	c := session.New(host, session.Options{Timeout: 40 * time.Millisecond, Retries: 1}, logger.Nop())

	v, _, err := c.GetVoltage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MilliVolts(12000), v)
}

func TestFaultIsPiggybacked(t *testing.T) {
	host, device := newPipe(t)
	responder(t, device, func(_ int, f link.Frame) (link.Frame, bool) {
		return link.Frame{
			Kind:    f.Kind.Reply(),
			Seq:     f.Seq,
			Payload: link.Reply{Status: link.StatusRejected, Fault: domain.FaultCommandTimeout}.Encode(),
		}, true
	})

	c := session.New(host, session.Options{}, logger.Nop())

	ack, err := c.SetHeater(context.Background(), link.SetHeater{Duty: 100})
	require.NoError(t, err)
	assert.Equal(t, link.StatusRejected, ack.Status)
	assert.Equal(t, domain.FaultCommandTimeout, ack.Fault)
}

func TestClosedLink(t *testing.T) {
	host, device := newPipe(t)
	c := session.New(host, session.Options{Timeout: time.Second}, logger.Nop())
	device.Close()

	_, err := c.Heartbeat(context.Background())
	require.Error(t, err)
	assert.True(t, session.IsLinkFault(err))
}

func TestContextCancelStopsWaiting(t *testing.T) {
	host, device := newPipe(t)
	responder(t, device, func(int, link.Frame) (link.Frame, bool) { return link.Frame{}, false })
	c := session.New(host, session.Options{Timeout: time.Second, Retries: 5}, logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Heartbeat(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestOneOutstandingRequest(t *testing.T) {
	host, device := newPipe(t)

	received := make(chan link.Frame, 16)
	go func() {
		dec := link.NewDecoder(device, nil)
		for {
			f, err := dec.ReadFrame()
			if err != nil {
				close(received)
				return
			}
			received <- f
		}
	}()

	var replied, maxOutstanding atomic.Int32
	go func() {
		for f := range received {
			// Let any concurrent request reach the wire before answering.
			time.Sleep(2 * time.Millisecond)
			if n := int32(len(received)) + 1; n > maxOutstanding.Load() {
				maxOutstanding.Store(n)
			}
			replied.Add(1)
			b, _ := link.Encode(ack(f, nil))
			if _, err := device.Write(b); err != nil {
				return
			}
		}
	}()

	c := session.New(host, session.Options{Timeout: time.Second}, logger.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Heartbeat(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), replied.Load())
	assert.Equal(t, int32(1), maxOutstanding.Load())
}
