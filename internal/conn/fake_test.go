package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pushclient/internal/eventbus"
	"pushclient/internal/token"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/stretchr/testify/require"
)

type readResult struct {
	data string
	err  error
}

type fakeStream struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32

	mu         sync.Mutex
	writes     [][]byte
	failWrites atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{reads: make(chan readResult, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Read() (string, error) {
	select {
	case r := <-s.reads:
		return r.data, r.err
	case <-s.closed:
		return "", &kit.CloseError{Code: kit.CloseAbnormal, Reason: "closed locally"}
	}
}

func (s *fakeStream) Write(data []byte, deadline time.Time) error {
	if s.failWrites.Load() {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		close(s.closed)
	})
	return nil
}

func (s *fakeStream) serverSend(data string) { s.reads <- readResult{data: data} }

func (s *fakeStream) serverClose(code int) {
	s.reads <- readResult{err: &kit.CloseError{Code: code}}
}

func (s *fakeStream) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	streams chan *fakeStream
	// fail, when set, decides per dial (1-based) whether to fail.
	fail func(n int) error
}

func newFakeDialer() *fakeDialer { return &fakeDialer{streams: make(chan *fakeStream, 32)} }

func (d *fakeDialer) Dial(ctx context.Context, url string) (kit.Stream, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	n := len(d.urls)
	d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}
	s := newFakeStream()
	d.streams <- s
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-d.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream dialed")
		return nil
	}
}

type fakeTokens struct {
	gets   atomic.Int32
	forces atomic.Int32
}

func (f *fakeTokens) GetToken(ctx context.Context) (string, error) {
	f.gets.Add(1)
	return "tok", nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context) (token.Info, error) {
	f.forces.Add(1)
	return token.Info{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	tokens *fakeTokens
	bus    eventbus.Bus
	states <-chan eventbus.Event
}

func testConfig() Config {
	return Config{
		ClientID:             "client-1",
		MaxReconnectAttempts: 5,
		Backoff:              Backoff{Base: 5 * time.Millisecond, Max: 200 * time.Millisecond, Multiplier: 2},
		ServerErrorDelay:     15 * time.Millisecond,
		ServiceRestartDelay:  15 * time.Millisecond,
		TryAgainDelay:        15 * time.Millisecond,
		Heartbeat:            HeartbeatConfig{Interval: time.Hour, Min: time.Millisecond, Max: time.Hour},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	bus := eventbus.New()
	states, unsub := bus.Subscribe(512, eventbus.KindConnState)
	h := &harness{dialer: newFakeDialer(), tokens: &fakeTokens{}, bus: bus, states: states}
	h.m = New(cfg, h.dialer, h.tokens, bus, logx.Nop())
	h.m.rnd = func() float64 { return 0.5 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		unsub()
	})
	return h
}

func (h *harness) connect(t *testing.T) *fakeStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.m.Connect(ctx, "ws://push.example/stream"))
	s := h.dialer.next(t)
	h.waitState(t, kit.Connected)
	return s
}

// waitState consumes state events until one reaches want.
func (h *harness) waitState(t *testing.T, want kit.ConnectionState) eventbus.ConnStateChanged {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.states:
			sc := ev.Payload.(eventbus.ConnStateChanged)
			if sc.To == want {
				return sc
			}
		case <-timeout:
			t.Fatalf("state %s not reached (now %s)", want, h.m.State())
			return eventbus.ConnStateChanged{}
		}
	}
}

// drainStates collects state events until quiet for the given window.
func (h *harness) drainStates(quiet time.Duration) []eventbus.ConnStateChanged {
	var out []eventbus.ConnStateChanged
	for {
		select {
		case ev := <-h.states:
			out = append(out, ev.Payload.(eventbus.ConnStateChanged))
		case <-time.After(quiet):
			return out
		}
	}
}
