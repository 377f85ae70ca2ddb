package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pushclient/internal/fault"
	kit "pushclient/internal/transport"
)

// HTTPFetcher requests a token by POSTing {"identity": ...} to URL and
// expects {"token": ..., "expiresAt": ...} back. expiresAt may be an RFC3339
// string or unix milliseconds.
type HTTPFetcher struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

var _ kit.Fetcher = (*HTTPFetcher)(nil)

type tokenRequest struct {
	Identity string `json:"identity"`
}

type tokenResponse struct {
	Token     string          `json:"token"`
	ExpiresAt json.RawMessage `json:"expiresAt,omitempty"`
}

const maxTokenResponse = 64 << 10

func (f *HTTPFetcher) Fetch(ctx context.Context, identity string) (kit.Credential, error) {
	if strings.TrimSpace(f.URL) == "" {
		return kit.Credential{}, fault.NoRetry(fault.Token("token.http", errors.New("token url is empty")))
	}
	body, err := json.Marshal(tokenRequest{Identity: identity})
	if err != nil {
		return kit.Credential{}, fault.Token("token.http", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return kit.Credential{}, fault.NoRetry(fault.Token("token.http", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return kit.Credential{}, fault.Token("token.http", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return kit.Credential{}, fault.Token("token.http", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return kit.Credential{}, fault.LoginRequired("token.http", fmt.Errorf("token endpoint: %s", resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		err := fault.Token("token.http", fmt.Errorf("token endpoint: %s", resp.Status))
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			err = fault.WithRetryAfter(err, d)
		}
		return kit.Credential{}, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return kit.Credential{}, fault.Token("token.http", fmt.Errorf("decode response: %w", err))
	}
	exp, err := parseExpiry(tr.ExpiresAt)
	if err != nil {
		return kit.Credential{}, fault.Token("token.http", err)
	}
	return kit.Credential{Token: tr.Token, ExpiresAt: exp}, nil
}

func parseExpiry(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, err
		}
		if str == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return time.Time{}, fmt.Errorf("expiresAt: %w", err)
		}
		return t, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiresAt: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
