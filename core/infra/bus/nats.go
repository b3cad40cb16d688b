package bus

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/welcomecrm/cadence/core/infra/logging"
)

// NatsBus is a thin wrapper over a NATS connection that speaks Packet envelopes.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
	subs      []*nats.Subscription
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 2 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour

	streamSignals  = "CADENCE_SIGNALS"
	streamMessages = "CADENCE_MESSAGES"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilPacket  = errors.New("nil bus packet")
	errEmptyTopic = errors.New("empty subject")
)

// Handler processes a decoded packet. Returning an error wrapped with RetryAfter
// asks JetStream to redeliver; any other error is logged and acknowledged.
type Handler func(subject string, p *Packet) error

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("cadence-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains subscriptions and shuts down the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.nc.Close()
}

// Publish encodes p and sends it on subject. Durable subjects go through
// JetStream with p.ID as msg-id when enabled.
func (b *NatsBus) Publish(subject string, p *Packet) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if p == nil {
		return errNilPacket
	}
	data, err := Encode(p)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := computeMsgID(subject, p); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches handler to subject. With JetStream enabled, durable subjects
// are consumed with explicit ack/nak semantics.
func (b *NatsBus) Subscribe(subject, queue string, handler Handler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			ack, delay := deliver(msg, handler)
			switch {
			case ack:
				_ = msg.Ack()
			case delay > 0:
				_ = msg.NakWithDelay(delay)
			default:
				_ = msg.Nak()
			}
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(1024),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		if queue == "" {
			sub, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			sub, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
	} else {
		cb := func(msg *nats.Msg) { deliver(msg, handler) }
		if queue == "" {
			sub, err = b.nc.Subscribe(subject, cb)
		} else {
			sub, err = b.nc.QueueSubscribe(subject, queue, cb)
		}
	}
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

// deliver decodes msg and runs handler. It reports whether the message should be
// acknowledged and, if not, the redelivery delay.
func deliver(msg *nats.Msg, handler Handler) (bool, time.Duration) {
	p, err := Decode(msg.Data)
	if err != nil {
		logging.Warn("bus", "dropping undecodable packet", "subject", msg.Subject, "error", err)
		return true, 0
	}
	if err := handler(msg.Subject, p); err != nil {
		if delay, ok := RetryDelay(err); ok {
			logging.Warn("bus", "handler requested redelivery", "subject", msg.Subject, "delay", delay.String(), "error", err)
			return false, delay
		}
		logging.Error("bus", "handler error", "subject", msg.Subject, "packet_id", p.ID, "error", err)
	}
	return true, 0
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

func jetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !jetStreamEnabled() {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}

	ensureStream := func(name string, subjects []string) {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   subjects,
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			MaxAge:     maxAge,
			Duplicates: 10 * time.Minute,
		})
		if err == nil {
			logging.Info("bus", "jetstream stream ensured", "name", name, "subjects", strings.Join(subjects, ","))
			return
		}
		// Stream may already exist.
		if _, infoErr := js.StreamInfo(name); infoErr == nil {
			return
		}
		logging.Error("bus", "jetstream ensure stream failed", "name", name, "error", err)
	}
	ensureStream(streamSignals, []string{SubjectSignalAll})
	ensureStream(streamMessages, []string{SubjectMessageOutbound})

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "ack_wait", ackWait.String())
}

// Events are fire-and-forget fan-out; signals and outbound messages are durable.
func isDurableSubject(subject string) bool {
	return subject == SubjectMessageOutbound || strings.HasPrefix(subject, SubjectSignalPrefix)
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	if name == "" {
		return ""
	}
	if q := clean(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}

func computeMsgID(subject string, p *Packet) string {
	if p == nil {
		return ""
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return ""
	}
	return subject + ":" + id
}
