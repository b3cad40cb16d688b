package cadenceengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/welcomecrm/cadence/core/cadence"
	"github.com/welcomecrm/cadence/core/infra/bus"
	"github.com/welcomecrm/cadence/core/infra/logging"
)

const (
	kindMessageOutbound = "message.outbound"
	signalTimeout       = 15 * time.Second
	signalRetryDelay    = 5 * time.Second
)

// Publisher is the send side of the bus.
type Publisher interface {
	Publish(subject string, p *bus.Packet) error
}

// toMap converts v to a structpb-friendly map via its JSON form.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(m map[string]any, out any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// busMessenger hands outbound messages to the channel workers over the bus.
// The idempotency key doubles as the packet id so JetStream drops redeliveries.
type busMessenger struct {
	pub Publisher
	now func() time.Time
}

func NewMessenger(pub Publisher) cadence.Messenger {
	return &busMessenger{pub: pub, now: time.Now}
}

func (m *busMessenger) Send(_ context.Context, msg *cadence.Message) error {
	if msg == nil {
		return cadence.Permanentf("nil message")
	}
	data, err := toMap(msg)
	if err != nil {
		return cadence.Permanent(fmt.Errorf("encode message: %w", err))
	}
	err = m.pub.Publish(bus.SubjectMessageOutbound, &bus.Packet{
		ID:        msg.IdempotencyKey,
		Kind:      kindMessageOutbound,
		CreatedAt: m.now().UTC(),
		Data:      data,
	})
	if err != nil {
		return cadence.Transient(fmt.Errorf("publish message: %w", err))
	}
	return nil
}

// busSink publishes committed events on cadence.event.<type>. Publishing is
// best effort: the event log in Redis is the source of truth.
type busSink struct {
	pub Publisher
}

func NewEventSink(pub Publisher) cadence.EventSink {
	return &busSink{pub: pub}
}

func (s *busSink) Publish(_ context.Context, events []*cadence.Event) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		data, err := toMap(ev)
		if err != nil {
			logging.Warn(component, "encode event failed", "event_id", ev.ID, "error", err)
			continue
		}
		p := &bus.Packet{ID: ev.ID, Kind: ev.Type, CreatedAt: ev.CreatedAt, Data: data}
		if err := s.pub.Publish(bus.EventSubject(ev.Type), p); err != nil {
			logging.Warn(component, "publish event failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		}
	}
}

// decodeSignal reads a signal from a packet. The packet id stands in for a
// missing signal id and the kind or subject for a missing type.
func decodeSignal(subject string, p *bus.Packet) (*cadence.Signal, error) {
	var sig cadence.Signal
	if err := fromMap(p.Data, &sig); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	if sig.ID == "" {
		sig.ID = p.ID
	}
	if sig.Type == "" {
		sig.Type = p.Kind
	}
	if sig.Type == "" {
		sig.Type = strings.TrimPrefix(subject, bus.SubjectSignalPrefix)
	}
	return &sig, nil
}

// signalHandler feeds bus signals to the correlator. Transient failures ask
// for redelivery; permanent ones are logged and acknowledged.
func signalHandler(c *cadence.Correlator) bus.Handler {
	return func(subject string, p *bus.Packet) error {
		sig, err := decodeSignal(subject, p)
		if err != nil {
			logging.Warn(component, "dropping undecodable signal", "subject", subject, "packet_id", p.ID, "error", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		res, err := c.Handle(ctx, sig)
		if err != nil {
			if cadence.IsPermanent(err) {
				logging.Warn(component, "dropping invalid signal", "signal", sig.Type, "card_id", sig.CardID, "error", err)
				return nil
			}
			return bus.RetryAfter(err, signalRetryDelay)
		}
		logging.Debug(component, "signal handled", "signal", sig.Type, "card_id", sig.CardID,
			"duplicate", res.Duplicate, "resumed", len(res.Resumed), "cancelled", len(res.Cancelled), "started", len(res.Started),
			"tasks_created", len(res.TasksCreated), "tasks_skipped", len(res.TasksSkipped))
		return nil
	}
}

// eventHandler relays bus events into a local sink such as the stream hub.
func eventHandler(sink cadence.EventSink) bus.Handler {
	return func(subject string, p *bus.Packet) error {
		var ev cadence.Event
		if err := fromMap(p.Data, &ev); err != nil {
			logging.Warn(component, "dropping undecodable event", "subject", subject, "error", err)
			return nil
		}
		sink.Publish(context.Background(), []*cadence.Event{&ev})
		return nil
	}
}
