package notify_test

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/notify"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ done chan struct{} }

func newDoneToken() *doneToken {
	t := &doneToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu           sync.Mutex
	messages     []published
	disconnected bool
}

func (f *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return newDoneToken()
}

func (f *fakePublisher) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func TestStateChangedIsRetained(t *testing.T) {
	pub := &fakePublisher{}
	n := notify.NewWithPublisher(pub, "lab/bench1", logger.Nop())

	n.StateChanged(notify.StateEvent{State: "Testing", BatteryID: "PACK-1", Timestamp: time.Unix(10, 0).UTC()})

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "lab/bench1/state", msg.topic)
	assert.True(t, msg.retained)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, "Testing", ev["state"])
	assert.Equal(t, "PACK-1", ev["battery_id"])
	assert.NotContains(t, ev, "fault")
}

func TestTestCompleted(t *testing.T) {
	pub := &fakePublisher{}
	n := notify.NewWithPublisher(pub, "", logger.Nop())

	rec := domain.NewTestRecord("PACK-2", time.Unix(0, 0))
	rec.Samples = append(rec.Samples, domain.Sample{Timestamp: time.Unix(7200, 0), Current: 10000})
	res := domain.ComputeAmpHours(rec.StartTime, rec.Samples)
	rec.Result = &res

	n.TestCompleted(notify.NewResultEvent(rec))
	require.NoError(t, n.Close())

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "battester/result", pub.messages[0].topic)
	assert.False(t, pub.messages[0].retained)

	var ev notify.ResultEvent
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &ev))
	assert.InDelta(t, 20.0, ev.AmpHours, 1e-9)
	assert.InDelta(t, 7200.0, ev.DurationSeconds, 1e-9)
	assert.True(t, pub.disconnected)
}

func TestDisabledIsNoop(t *testing.T) {
	n, err := notify.New(notify.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	n.StateChanged(notify.StateEvent{State: "WaitForID"})
	assert.NoError(t, n.Close())
}

func TestConnectTimeoutIsAnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Accept and hold the connection without ever sending CONNACK.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	cfg := notify.DefaultConfig()
	cfg.Enabled = true
	cfg.Server = "tcp://" + ln.Addr().String()
	cfg.ConnectTimeout = 100 * time.Millisecond

	n, err := notify.New(cfg, logger.Nop())
	require.Error(t, err)
	assert.Nil(t, n)
	assert.True(t, errors.HasCode(err, notify.ErrConnect))
}
