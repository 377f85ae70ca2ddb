package conn

import (
	"encoding/json"
	"strings"
	"time"

	kit "pushclient/internal/transport"
)

type heartbeatFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

type ackFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type readReceiptFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ReadTime  int64  `json:"readTime"`
}

func newAckFrame(id, status string, at time.Time) ackFrame {
	if status == "" {
		status = kit.AckReceived
	}
	return ackFrame{Type: kit.FrameAck, MessageID: id, Status: status, Timestamp: at.UnixMilli()}
}

func newReadReceiptFrame(id string, at time.Time) readReceiptFrame {
	return readReceiptFrame{Type: kit.FrameReadReceipt, MessageID: id, ReadTime: at.UnixMilli()}
}

// isHeartbeatAck peeks at the frame type without decoding the full payload.
func isHeartbeatAck(data string) bool {
	if !strings.Contains(data, kit.FrameHeartbeatAck) {
		return false
	}
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(data), &peek); err != nil {
		return false
	}
	return peek.Type == kit.FrameHeartbeatAck
}
