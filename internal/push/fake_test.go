package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pushclient/internal/conn"
	"pushclient/internal/eventbus"
	"pushclient/internal/message"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	reads  chan string
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []map[string]any
}

func newFakeStream() *fakeStream {
	return &fakeStream{reads: make(chan string, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Read() (string, error) {
	select {
	case data := <-s.reads:
		return data, nil
	case <-s.closed:
		return "", &kit.CloseError{Code: kit.CloseNormal}
	}
}

func (s *fakeStream) Write(data []byte, deadline time.Time) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes = append(s.writes, frame)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close(code int, reason string) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) framesOfType(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.writes {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	streams []*fakeStream
	fail    atomic.Bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (kit.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type fakeRenderer struct {
	mu    sync.Mutex
	shown []kit.Toast
}

func (r *fakeRenderer) Supported() bool { return true }

func (r *fakeRenderer) Show(ctx context.Context, t kit.Toast, cb kit.ToastCallbacks) error {
	r.mu.Lock()
	r.shown = append(r.shown, t)
	r.mu.Unlock()
	cb.OnShown()
	return nil
}

func (r *fakeRenderer) Close(id string) error { return nil }

func (r *fakeRenderer) toasts() []kit.Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kit.Toast(nil), r.shown...)
}

type harness struct {
	svc      *Service
	dialer   *fakeDialer
	renderer *fakeRenderer
	bus      eventbus.Bus
}

func testConfig() Config {
	return Config{
		Endpoints: []string{"wss://a.example/push", "wss://b.example/push"},
		Enabled:   true,
		Conn:      conn.Config{ClientID: "client-1"},
		Messages:  message.Config{TickInterval: 5 * time.Millisecond},
		Restart:   RestartConfig{Delay: time.Millisecond, Budget: 10, Refill: time.Millisecond},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, renderer: &fakeRenderer{}, bus: eventbus.New()}
	h.svc = New(cfg, Deps{
		Dialer: h.dialer,
		Fetcher: kit.FetcherFunc(func(ctx context.Context, identity string) (kit.Credential, error) {
			return kit.Credential{Token: "tok-" + identity, ExpiresAt: time.Now().Add(time.Hour)}, nil
		}),
		Identity: kit.IdentityFunc(func(ctx context.Context) (string, error) { return "alice", nil }),
		Language: kit.LanguageFunc(func() string { return "en" }),
		Renderer: h.renderer,
		Bus:      h.bus,
	}, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Close(ctx)
	})
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Init(context.Background()))
}

func waitFor[T any](t *testing.T, ch <-chan eventbus.Event, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if p, ok := ev.Payload.(T); ok && match(p) {
				return p
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}
