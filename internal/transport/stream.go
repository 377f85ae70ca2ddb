package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WebSocket close codes with specific reconnect treatment.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseServerError     = 1011
	CloseServiceRestart  = 1012
	CloseTryAgainLater   = 1013
)

// Stream is an open text-frame connection.
// Read is called from one goroutine; Write and Close from another.
type Stream interface {
	// Read blocks for the next text frame. A peer close yields *CloseError.
	Read() (string, error)
	Write(data []byte, deadline time.Time) error
	// Close sends a close frame with code (when the code can be sent on the
	// wire) and releases the connection.
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Stream, error)
}

type DialerFunc func(ctx context.Context, url string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Stream, error) { return f(ctx, url) }

// CloseError reports how the peer ended the stream.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream closed (%d)", e.Code)
	}
	return fmt.Sprintf("stream closed (%d): %s", e.Code, e.Reason)
}

// CloseCode extracts the close code from err. Errors that are not a
// CloseError count as abnormal closure.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}
