package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/tool"
	"github.com/nats-io/nats.go"
)

// NatsBus publishes and fans out tool events as JSON over NATS.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultMaxAge = 7 * 24 * time.Hour

	streamEvents = "TOOLFORGE_EVENTS"

	// AllEvents matches every subject events are published on.
	AllEvents = "tool.>"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("toolforge-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Error("bus", "disconnected from nats", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc}
	b.initJetStreamFromEnv()
	return b, nil
}

// Conn exposes the connection for request/reply clients sharing it.
func (b *NatsBus) Conn() *nats.Conn {
	if b == nil {
		return nil
	}
	return b.nc
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends ev on the subject named by its type. When JetStream is on,
// the event is stored with a dedupe id so replays after reconnect collapse.
func (b *NatsBus) Publish(_ context.Context, ev tool.Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	subject := strings.TrimSpace(ev.Type)
	if subject == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if b.jsEnabled {
		_, err = b.js.Publish(subject, data, nats.MsgId(msgID(ev)))
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe decodes events on subject and invokes handler. The returned func
// removes the subscription.
func (b *NatsBus) Subscribe(subject string, handler func(tool.Event)) (func(), error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if subject == "" {
		return nil, errEmptyTopic
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev tool.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logging.Error("bus", "failed to decode event", "subject", msg.Subject, "err", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func initJetStreamEnabled() bool {
	val := strings.TrimSpace(os.Getenv(envUseJetStream))
	switch strings.ToLower(val) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Error("bus", "jetstream init failed", "err", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Error("bus", "jetstream not available", "err", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{AllEvents},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Error("bus", "jetstream ensure stream failed", "stream", streamEvents, "err", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamEvents, "max_age", maxAge.String())
}

func msgID(ev tool.Event) string {
	parts := []string{ev.Type, ev.ToolID, ev.VersionID, ev.ActorID, ev.At.UTC().Format(time.RFC3339Nano)}
	return strings.Join(parts, ":")
}
