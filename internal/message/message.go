// Package message decodes inbound frames, validates them by type, queues
// them by priority and dispatches them to registered handlers.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pushclient/internal/fault"
	kit "pushclient/internal/transport"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrMissingType   = errors.New("frame has no type")
)

// Envelope keys; everything else at the top level is message data.
const (
	keyType      = "type"
	keyData      = "data"
	keyPriority  = "priority"
	keyTimestamp = "timestamp"
	keyRequestID = "requestId"
)

// Timestamps outside this window are replaced by the receipt time.
var (
	minPlausible    = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	maxFutureSkew   = 24 * time.Hour
	defaultMaxFrame = 64 << 10
)

// Message is a parsed inbound frame.
type Message struct {
	Type      string
	Data      map[string]any
	Priority  int
	Timestamp time.Time
	RequestID string
	Body      Body
}

// Body is the typed view of Data. The set of variants is closed.
type Body interface{ isBody() }

type Notification struct {
	MessageID string
	Title     string
	Body      string
	URL       string
}

type Heartbeat struct{ Sequence uint64 }

type HeartbeatAck struct{ Sequence uint64 }

type ServerAck struct {
	MessageID string
	Status    string
}

type System struct {
	Action string
	Params map[string]any
}

// Unknown carries frames of types this client does not know yet.
type Unknown struct{ Raw map[string]any }

func (Notification) isBody() {}
func (Heartbeat) isBody()    {}
func (HeartbeatAck) isBody() {}
func (ServerAck) isBody()    {}
func (System) isBody()       {}
func (Unknown) isBody()      {}

// Parse decodes and validates one frame. maxBytes <= 0 uses the default
// limit. Undecodable frames yield a parse error, frames missing required
// fields a validation error; neither is retryable.
func Parse(frame []byte, maxBytes int, received time.Time) (Message, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFrame
	}
	if len(frame) > maxBytes {
		return Message{}, fault.Parse("message.parse", fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(frame), maxBytes))
	}
	var top map[string]any
	if err := json.Unmarshal(frame, &top); err != nil {
		return Message{}, fault.Parse("message.parse", err)
	}
	if top == nil {
		return Message{}, fault.Parse("message.parse", errors.New("frame is not a JSON object"))
	}

	typ, _ := top[keyType].(string)
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return Message{}, fault.Validation("message.validate", ErrMissingType)
	}

	m := Message{
		Type:      typ,
		Data:      dataOf(top),
		Priority:  intOf(top[keyPriority]),
		Timestamp: timestampOf(top[keyTimestamp], received),
		RequestID: stringOf(top[keyRequestID]),
	}
	body, err := bodyOf(typ, m.Data)
	if err != nil {
		return Message{}, fault.Validation("message.validate", fmt.Errorf("%s: %w", typ, err))
	}
	m.Body = body
	return m, nil
}

// Known reports whether the message type has a dedicated variant.
func (m Message) Known() bool {
	_, unknown := m.Body.(Unknown)
	return m.Body != nil && !unknown
}

type envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  int            `json:"priority,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// Encode renders m in wire form. Parse(Encode(m)) preserves type, priority
// and data.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type, Data: m.Data, Priority: m.Priority, RequestID: m.RequestID}
	if !m.Timestamp.IsZero() {
		env.Timestamp = m.Timestamp.UnixMilli()
	}
	return json.Marshal(env)
}

func dataOf(top map[string]any) map[string]any {
	if d, ok := top[keyData].(map[string]any); ok {
		return d
	}
	out := make(map[string]any, len(top))
	for k, v := range top {
		switch k {
		case keyType, keyData, keyPriority, keyTimestamp, keyRequestID:
			continue
		}
		out[k] = v
	}
	return out
}

func bodyOf(typ string, data map[string]any) (Body, error) {
	switch typ {
	case kit.FrameNotification:
		n := Notification{
			MessageID: firstString(data, "messageId", "id"),
			Title:     stringOf(data["title"]),
			Body:      firstString(data, "body", "message", "content"),
			URL:       firstString(data, "url", "link"),
		}
		if n.MessageID == "" {
			return nil, errors.New("messageId is required")
		}
		if n.Title == "" && n.Body == "" {
			return nil, errors.New("title or body is required")
		}
		return n, nil
	case kit.FrameAck:
		a := ServerAck{MessageID: firstString(data, "messageId", "id"), Status: stringOf(data["status"])}
		if a.MessageID == "" {
			return nil, errors.New("messageId is required")
		}
		return a, nil
	case kit.FrameHeartbeat:
		return Heartbeat{Sequence: uint64(max(intOf(data["sequence"]), 0))}, nil
	case kit.FrameHeartbeatAck:
		return HeartbeatAck{Sequence: uint64(max(intOf(data["sequence"]), 0))}, nil
	case kit.FrameSystem:
		s := System{Action: firstString(data, "action", "command"), Params: data}
		return s, nil
	default:
		return Unknown{Raw: data}, nil
	}
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(data[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

// intOf is lenient: missing or malformed values are 0.
func intOf(v any) int {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return int(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n
		}
	}
	return 0
}

func timestampOf(v any, received time.Time) time.Time {
	var t time.Time
	switch x := v.(type) {
	case float64:
		t = time.UnixMilli(int64(x))
	case string:
		if p, err := time.Parse(time.RFC3339Nano, x); err == nil {
			t = p
		} else if ms, err := strconv.ParseInt(x, 10, 64); err == nil {
			t = time.UnixMilli(ms)
		}
	}
	if t.IsZero() || t.Before(minPlausible) || t.After(received.Add(maxFutureSkew)) {
		return received
	}
	return t
}
