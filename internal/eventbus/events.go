package eventbus

import (
	"time"

	kit "pushclient/internal/transport"
)

// Kind identifies a payload type on the bus.
type Kind string

const (
	KindConnState          Kind = "conn.state"
	KindFrame              Kind = "conn.frame"
	KindHeartbeat          Kind = "conn.heartbeat"
	KindTokenRefreshed     Kind = "token.refreshed"
	KindLoginRequired      Kind = "token.login_required"
	KindServerAck          Kind = "message.server_ack"
	KindControl            Kind = "message.control"
	KindMessageDropped     Kind = "message.dropped"
	KindNotificationIntent Kind = "notification.intent"
	KindNotificationStage  Kind = "notification.stage"
	KindAckIntent          Kind = "notification.ack"
	KindReadReceiptIntent  Kind = "notification.read"
	KindError              Kind = "error"
	KindServiceState       Kind = "service.state"
	KindAttention          Kind = "service.attention"
)

// Payload is implemented by every event payload. The set is closed: only the
// types in this file implement it.
type Payload interface {
	Kind() Kind
	isPayload()
}

type ConnStateChanged struct {
	From    kit.ConnectionState
	To      kit.ConnectionState
	Attempt int
	Code    int // close code that triggered the change, 0 if none
	// Delay is the scheduled wait before the next attempt (Reconnecting only).
	Delay time.Duration
	Err   string
}

// FrameReceived carries a raw inbound text frame.
type FrameReceived struct {
	Data string
	At   time.Time
}

type HeartbeatSent struct {
	Sequence uint64
	Interval time.Duration
}

type TokenRefreshed struct {
	ExpiresAt time.Time
	RefreshAt time.Time
}

type LoginRequired struct {
	Reason string
}

// ServerAck is emitted when the server acknowledges one of our frames.
type ServerAck struct {
	MessageID string
	Status    string
}

// ControlRequested is a server-side control instruction (SYSTEM frames).
type ControlRequested struct {
	Action string
	Data   map[string]any
}

type MessageDropped struct {
	Reason string
	Type   string
	Err    string
}

type NotificationIntentReady struct {
	Intent kit.NotificationIntent
}

type NotificationStageChanged struct {
	ID        string
	MessageID string
	Stage     kit.NotificationStage
}

// AckIntent asks the connection to acknowledge a message.
type AckIntent struct {
	MessageID string
	Status    string
}

// ReadReceiptIntent asks the connection to report a message as read.
type ReadReceiptIntent struct {
	MessageID string
	ReadAt    time.Time
}

// ComponentError reports a component failure to the orchestrator.
type ComponentError struct {
	Component string
	Err       error
}

type ServiceStateChanged struct {
	From kit.ServiceState
	To   kit.ServiceState
}

// AttentionRequired signals the host that user action is needed
// (e.g. re-authentication); the service does not retry on its own.
type AttentionRequired struct {
	Reason string
	Err    error
}

func (ConnStateChanged) Kind() Kind         { return KindConnState }
func (FrameReceived) Kind() Kind            { return KindFrame }
func (HeartbeatSent) Kind() Kind            { return KindHeartbeat }
func (TokenRefreshed) Kind() Kind           { return KindTokenRefreshed }
func (LoginRequired) Kind() Kind            { return KindLoginRequired }
func (ServerAck) Kind() Kind                { return KindServerAck }
func (ControlRequested) Kind() Kind         { return KindControl }
func (MessageDropped) Kind() Kind           { return KindMessageDropped }
func (NotificationIntentReady) Kind() Kind  { return KindNotificationIntent }
func (NotificationStageChanged) Kind() Kind { return KindNotificationStage }
func (AckIntent) Kind() Kind                { return KindAckIntent }
func (ReadReceiptIntent) Kind() Kind        { return KindReadReceiptIntent }
func (ComponentError) Kind() Kind           { return KindError }
func (ServiceStateChanged) Kind() Kind      { return KindServiceState }
func (AttentionRequired) Kind() Kind        { return KindAttention }

func (ConnStateChanged) isPayload()         {}
func (FrameReceived) isPayload()            {}
func (HeartbeatSent) isPayload()            {}
func (TokenRefreshed) isPayload()           {}
func (LoginRequired) isPayload()            {}
func (ServerAck) isPayload()                {}
func (ControlRequested) isPayload()         {}
func (MessageDropped) isPayload()           {}
func (NotificationIntentReady) isPayload()  {}
func (NotificationStageChanged) isPayload() {}
func (AckIntent) isPayload()                {}
func (ReadReceiptIntent) isPayload()        {}
func (ComponentError) isPayload()           {}
func (ServiceStateChanged) isPayload()      {}
func (AttentionRequired) isPayload()        {}
