package message

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pushclient/internal/eventbus"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handler(ctx context.Context, m Message) error {
	r.mu.Lock()
	r.ids = append(r.ids, m.RequestID)
	r.mu.Unlock()
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestDispatchHigherPriorityFirst(t *testing.T) {
	t.Parallel()
	p := New(Config{BatchSize: 1, TickInterval: 10 * time.Millisecond}, nil, logx.Nop())
	rec := &recorder{}
	p.Register(kit.FrameHeartbeat, HandlerFunc(rec.handler))

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, `{"type":"HEARTBEAT","requestId":"low-1","priority":1}`))
	require.NoError(t, p.Submit(ctx, `{"type":"HEARTBEAT","requestId":"high","priority":9}`))
	require.NoError(t, p.Submit(ctx, `{"type":"HEARTBEAT","requestId":"low-2","priority":1}`))
	require.NoError(t, p.Submit(ctx, `{"type":"HEARTBEAT","requestId":"none"}`))
	runProcessor(t, p)

	require.Eventually(t, func() bool { return len(rec.got()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"high", "low-1", "low-2", "none"}, rec.got())
	assert.Equal(t, uint64(4), p.Stats().Dispatched)
}

func TestFailingHandlerDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	p := New(Config{TickInterval: 5 * time.Millisecond, HandlerTimeout: 50 * time.Millisecond}, nil, logx.Nop())
	rec := &recorder{}
	p.Register(kit.FrameSystem, HandlerFunc(func(context.Context, Message) error { return errors.New("boom") }))
	p.Register(kit.FrameSystem, HandlerFunc(func(context.Context, Message) error { panic("worse") }))
	p.Register(kit.FrameSystem, HandlerFunc(func(ctx context.Context, m Message) error {
		select {} // ignores its context
	}))
	p.Register(kit.FrameSystem, HandlerFunc(rec.handler))
	runProcessor(t, p)

	require.NoError(t, p.Submit(context.Background(), `{"type":"SYSTEM","requestId":"r1"}`))
	require.NoError(t, p.Submit(context.Background(), `{"type":"SYSTEM","requestId":"r2"}`))

	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().HandlerErrors == 6 }, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownTypeReachesWildcardHandlers(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	p := New(Config{TickInterval: 5 * time.Millisecond}, bus, logx.Nop())
	var seen atomic.Value
	p.Register(Wildcard, HandlerFunc(func(ctx context.Context, m Message) error {
		seen.Store(m)
		return nil
	}))
	runProcessor(t, p)

	// Frames arrive through the bus like they do from the connection.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.FrameReceived{Data: `{"type":"BRAND_NEW","x":1}`, At: time.Now()})
		return seen.Load() != nil
	}, 2*time.Second, 20*time.Millisecond)

	m := seen.Load().(Message)
	assert.Equal(t, "BRAND_NEW", m.Type)
	assert.False(t, m.Known())
	assert.GreaterOrEqual(t, p.Stats().Unknown, uint64(1))
}

func TestBadFramesAreDroppedAndCounted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(8, eventbus.KindMessageDropped)
	defer unsub()
	p := New(Config{TickInterval: 5 * time.Millisecond}, bus, logx.Nop())
	runProcessor(t, p)

	require.NoError(t, p.Submit(context.Background(), `not json`))
	require.NoError(t, p.Submit(context.Background(), `{"type":"ACK"}`))

	var reasons []string
	for len(reasons) < 2 {
		select {
		case ev := <-dropped:
			reasons = append(reasons, ev.Payload.(eventbus.MessageDropped).Reason)
		case <-time.After(2 * time.Second):
			t.Fatal("drops not reported")
		}
	}
	assert.Equal(t, []string{"parse", "validation"}, reasons)
	st := p.Stats()
	assert.Equal(t, uint64(1), st.ParseErrors)
	assert.Equal(t, uint64(1), st.Invalid)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: 2, BatchSize: 10, TickInterval: time.Hour}, nil, logx.Nop())
	rec := &recorder{}
	p.Register(kit.FrameHeartbeat, HandlerFunc(rec.handler))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Submit(context.Background(), `{"type":"HEARTBEAT","requestId":"`+id+`"}`))
	}
	runProcessor(t, p)

	require.Eventually(t, func() bool { return p.Stats().Overflow == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, p.Stats().Queued)
}
