// Package websocket adapts gorilla/websocket to the transport Stream contract.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	kit "pushclient/internal/transport"

	"github.com/gorilla/websocket"
)

type Dialer struct {
	HandshakeTimeout time.Duration
	// ReadLimit bounds inbound frame size; oversized frames fail the read.
	ReadLimit int64
	Header    http.Header
}

var _ kit.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, url string) (kit.Stream, error) {
	hs := d.HandshakeTimeout
	if hs <= 0 {
		hs = 10 * time.Second
	}
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hs,
	}
	conn, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &stream{conn: conn}, nil
}

type stream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *stream) Read() (string, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return "", &kit.CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return "", &kit.CloseError{Code: kit.CloseAbnormal, Reason: err.Error()}
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (s *stream) Write(data []byte, deadline time.Time) error {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close is idempotent. 1006 is never sent on the wire; the socket is dropped.
func (s *stream) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		if code != kit.CloseAbnormal {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
