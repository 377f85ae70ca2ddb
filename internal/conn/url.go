package conn

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// BuildURL appends the credential and a unix-millisecond timestamp to endpoint.
func BuildURL(endpoint, token string, now time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		return "", fmt.Errorf("invalid endpoint %q: missing scheme", endpoint)
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
