package transport

import "time"

// ConnectionState is the transport-level state of the push connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ServiceState is the lifecycle state of the push service.
type ServiceState int

const (
	Uninitialized ServiceState = iota
	Initialized
	Starting
	Running
	Stopped
)

func (s ServiceState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s ServiceState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Wire frame types shared by the connection manager and message processor.
const (
	FrameNotification = "NOTIFICATION"
	FrameHeartbeat    = "HEARTBEAT"
	FrameHeartbeatAck = "HEARTBEAT_ACK"
	FrameAck          = "ACK"
	FrameReadReceipt  = "READ_RECEIPT"
	FrameSystem       = "SYSTEM"
)

// Ack statuses sent back to the server.
const (
	AckReceived  = "received"
	AckDisplayed = "displayed"
	AckFailed    = "failed"
)

// NotificationIntent is a request to show a user-facing notification.
type NotificationIntent struct {
	MessageID string `json:"messageId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url,omitempty"`
	Priority  int    `json:"priority"`
}

// NotificationStage is a step in a shown notification's lifecycle.
type NotificationStage string

const (
	StageCreated NotificationStage = "created"
	StageShown   NotificationStage = "shown"
	StageClicked NotificationStage = "clicked"
	StageClosed  NotificationStage = "closed"
	StageFailed  NotificationStage = "failed"
)

// Credential is what the token endpoint hands back.
// ExpiresAt may be zero when the endpoint does not report it.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}
