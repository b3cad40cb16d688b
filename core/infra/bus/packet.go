package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Subjects used by the cadence engine.
const (
	SubjectSignalPrefix    = "cadence.signal."
	SubjectSignalAll       = "cadence.signal.>"
	SubjectEventPrefix     = "cadence.event."
	SubjectEventAll        = "cadence.event.>"
	SubjectMessageOutbound = "cadence.message.outbound"

	QueueEngine = "cadence-engine"
)

// Packet is the envelope carried on every subject. ID doubles as the JetStream
// msg-id so redeliveries of the same logical message collapse.
type Packet struct {
	ID        string
	Kind      string
	CreatedAt time.Time
	Data      map[string]any
}

// SignalSubject returns the subject for a signal kind.
func SignalSubject(kind string) string {
	return SubjectSignalPrefix + tokenize(kind)
}

// EventSubject returns the subject for an event type.
func EventSubject(eventType string) string {
	return SubjectEventPrefix + tokenize(eventType)
}

// Encode marshals p as a protobuf Struct.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, errNilPacket
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	st, err := structpb.NewStruct(map[string]any{
		"id":         p.ID,
		"kind":       p.Kind,
		"created_at": created.UTC().Format(time.RFC3339Nano),
		"data":       data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	return proto.Marshal(st)
}

// Decode reverses Encode.
func Decode(raw []byte) (*Packet, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	m := st.AsMap()
	p := &Packet{
		ID:   stringField(m, "id"),
		Kind: stringField(m, "kind"),
	}
	if p.Kind == "" {
		return nil, errors.New("decode packet: missing kind")
	}
	if ts := stringField(m, "created_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.CreatedAt = t
		}
	}
	if data, ok := m["data"].(map[string]any); ok {
		p.Data = data
	} else {
		p.Data = map[string]any{}
	}
	return p, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func tokenize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
