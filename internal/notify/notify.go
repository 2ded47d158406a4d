// Package notify publishes test state changes and results over MQTT.
package notify

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultServer   = "tcp://localhost:1883"
	DefaultClientID = "battester"
	DefaultTopic    = "battester"

	DefaultConnectTimeout = 5 * time.Second

	publishTimeout = 5 * time.Second
	quiesceMillis  = 250

	ErrConnect = errors.ErrorCode("notify_connect_failed")
	ErrEncode  = errors.ErrorCode("notify_encode_failed")
)

type Config struct {
	Enabled  bool
	Server   string
	ClientID string
	Username string
	Password string
	Topic    string

	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Server:   DefaultServer,
		ClientID: DefaultClientID,
		Topic:    DefaultTopic,

		ConnectTimeout: DefaultConnectTimeout,
	}
}

// StateEvent is published retained on <topic>/state.
type StateEvent struct {
	State     string    `json:"state"`
	BatteryID string    `json:"battery_id,omitempty"`
	Fault     string    `json:"fault,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultEvent is published on <topic>/result for each completed test.
type ResultEvent struct {
	ID              string    `json:"id"`
	BatteryID       string    `json:"battery_id"`
	StartTime       time.Time `json:"start_time"`
	Samples         int       `json:"samples"`
	AmpHours        float64   `json:"amp_hours"`
	DurationSeconds float64   `json:"duration_seconds"`
	AverageCurrent  float64   `json:"average_current_a"`
}

// NewResultEvent summarizes a completed record.
func NewResultEvent(rec *domain.TestRecord) ResultEvent {
	ev := ResultEvent{
		ID:        rec.ID.String(),
		BatteryID: rec.BatteryID,
		StartTime: rec.StartTime,
		Samples:   len(rec.Samples),
	}
	if rec.Result != nil {
		ev.AmpHours = rec.Result.AmpHours
		ev.DurationSeconds = rec.Result.Duration.Seconds()
		ev.AverageCurrent = rec.Result.AverageCurrent
	}
	return ev
}

// Notifier receives events from the controller. Implementations must not
// block.
type Notifier interface {
	StateChanged(ev StateEvent)
	TestCompleted(ev ResultEvent)
	Close() error
}

// Publisher is the part of an MQTT client the notifier uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// New connects to the broker, or returns a no-op notifier when disabled.
func New(cfg Config, log logger.Logger) (Notifier, error) {
	if !cfg.Enabled {
		log.Debug().Msg("MQTT disabled, using no-op notifier")
		return noopNotifier{}, nil
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, errors.New().WithData(ErrConnect, struct {
			Server string
			Error  string
		}{
			Server: cfg.Server,
			Error:  "timed out after " + timeout.String(),
		})
	}
	if err := token.Error(); err != nil {
		return nil, errors.New().WithData(ErrConnect, struct {
			Server string
			Error  string
		}{
			Server: cfg.Server,
			Error:  err.Error(),
		})
	}

	log.Info().Str("server", cfg.Server).Str("topic", cfg.Topic).Msg("MQTT connected")

	return NewWithPublisher(client, cfg.Topic, log), nil
}

// NewWithPublisher wraps an existing client.
func NewWithPublisher(p Publisher, topic string, log logger.Logger) Notifier {
	if topic == "" {
		topic = DefaultTopic
	}
	return &mqttNotifier{client: p, topic: topic, log: log}
}

type mqttNotifier struct {
	client Publisher
	topic  string
	log    logger.Logger
}

func (n *mqttNotifier) StateChanged(ev StateEvent) {
	n.publish(n.topic+"/state", true, ev)
}

func (n *mqttNotifier) TestCompleted(ev ResultEvent) {
	n.publish(n.topic+"/result", false, ev)
}

func (n *mqttNotifier) Close() error {
	n.client.Disconnect(quiesceMillis)
	return nil
}

func (n *mqttNotifier) publish(topic string, retained bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		n.log.Error().Err(errors.New().Wrap(ErrEncode, err)).Str("topic", topic).Msg("Failed to encode event")
		return
	}

	token := n.client.Publish(topic, 1, retained, b)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			n.log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			n.log.Error().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

type noopNotifier struct{}

func (noopNotifier) StateChanged(StateEvent) {}

func (noopNotifier) TestCompleted(ResultEvent) {}

func (noopNotifier) Close() error { return nil }
