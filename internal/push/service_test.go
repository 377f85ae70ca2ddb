package push

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pushclient/internal/eventbus"
	"pushclient/internal/fault"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleBeforeInit(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.svc.Start(context.Background()), ErrNotInitialized)
	assert.ErrorIs(t, h.svc.Restart(context.Background()), ErrNotInitialized)
	assert.NoError(t, h.svc.Stop(context.Background()))
	assert.Equal(t, kit.Uninitialized, h.svc.State())
}

func TestStartConnectsAndStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)
	assert.Equal(t, kit.Initialized, h.svc.State())

	require.NoError(t, h.svc.Start(ctx))
	assert.Equal(t, kit.Running, h.svc.State())
	require.NoError(t, h.svc.Start(ctx))

	dials := h.dialer.dials()
	require.Len(t, dials, 1)
	assert.True(t, strings.HasPrefix(dials[0], "wss://a.example/push?"), dials[0])
	assert.Contains(t, dials[0], "token=tok-alice")

	st := h.svc.Status()
	assert.Equal(t, kit.Connected, st.Connection)
	assert.Equal(t, "wss://a.example/push", st.Endpoint)
	assert.False(t, st.TokenExpiresAt.IsZero())

	require.NoError(t, h.svc.Stop(ctx))
	assert.Equal(t, kit.Stopped, h.svc.State())
	assert.Equal(t, kit.Disconnected, h.svc.Status().Connection)
}

func TestDisabledServiceDoesNotStart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg)
	h.init(t)

	assert.ErrorIs(t, h.svc.Start(ctx), ErrDisabled)
	require.NoError(t, h.svc.SetEnabled(ctx, true))
	assert.Equal(t, kit.Running, h.svc.State())

	require.NoError(t, h.svc.SetEnabled(ctx, false))
	assert.Equal(t, kit.Stopped, h.svc.State())
	assert.False(t, h.svc.Status().Enabled)
}

func TestRestartRotatesEndpoints(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)

	require.NoError(t, h.svc.Start(ctx))
	require.NoError(t, h.svc.Restart(ctx))
	require.NoError(t, h.svc.Restart(ctx))

	dials := h.dialer.dials()
	require.Len(t, dials, 3)
	assert.True(t, strings.HasPrefix(dials[0], "wss://a.example"))
	assert.True(t, strings.HasPrefix(dials[1], "wss://b.example"))
	assert.True(t, strings.HasPrefix(dials[2], "wss://a.example"))
	assert.EqualValues(t, 2, h.svc.Status().Restarts)
}

func TestResolverOverridesEndpoints(t *testing.T) {
	h := &harness{dialer: &fakeDialer{}, renderer: &fakeRenderer{}, bus: eventbus.New()}
	h.svc = New(testConfig(), Deps{
		Dialer: h.dialer,
		Fetcher: kit.FetcherFunc(func(ctx context.Context, identity string) (kit.Credential, error) {
			return kit.Credential{Token: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}),
		Identity: kit.IdentityFunc(func(ctx context.Context) (string, error) { return "bob", nil }),
		Renderer: h.renderer,
		Resolver: kit.EndpointFunc(func(ctx context.Context) (string, error) { return "ws://resolved.example/s", nil }),
		Bus:      h.bus,
	}, logx.Nop())
	defer h.svc.Close(context.Background())
	h.init(t)

	require.NoError(t, h.svc.Start(context.Background()))
	assert.True(t, strings.HasPrefix(h.dialer.dials()[0], "ws://resolved.example/s?"))
}

func TestStartFailureSchedulesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)
	h.dialer.fail.Store(true)

	err := h.svc.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, fault.KindConnection, fault.KindOf(err))

	st := h.svc.Status()
	assert.Equal(t, kit.Stopped, st.State)
	assert.True(t, st.RestartPending)
	assert.NotEmpty(t, st.LastError)
	assert.EqualValues(t, 1, st.Errors)

	require.NoError(t, h.svc.Stop(ctx))
	assert.False(t, h.svc.Status().RestartPending)
}

func TestStopAbortsHungStart(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	h := &harness{dialer: &fakeDialer{}, renderer: &fakeRenderer{}, bus: eventbus.New()}
	h.svc = New(testConfig(), Deps{
		Dialer: h.dialer,
		Fetcher: kit.FetcherFunc(func(ctx context.Context, identity string) (kit.Credential, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return kit.Credential{}, errors.New("token endpoint unreachable")
		}),
		Identity: kit.IdentityFunc(func(ctx context.Context) (string, error) { return "alice", nil }),
		Renderer: h.renderer,
		Bus:      h.bus,
	}, logx.Nop())
	defer h.svc.Close(context.Background())
	h.init(t)

	startErr := make(chan error, 1)
	go func() { startErr <- h.svc.Start(context.Background()) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("token fetch never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.svc.Stop(context.Background()) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop waited on the hung start")
	}
	require.Error(t, <-startErr)
	st := h.svc.Status()
	assert.Equal(t, kit.Stopped, st.State)
	assert.False(t, st.RestartPending)
	assert.Empty(t, h.dialer.dials())
}

func TestRetryableComponentErrorRestarts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)
	require.NoError(t, h.svc.Start(ctx))

	states, unsub := h.bus.Subscribe(32, eventbus.KindServiceState)
	defer unsub()
	h.bus.Publish(eventbus.ComponentError{
		Component: "conn",
		Err:       fault.WithRetryAfter(fault.Connection("conn.reconnect", errors.New("gave up")), 10*time.Millisecond),
	})

	waitFor(t, states, func(p eventbus.ServiceStateChanged) bool { return p.To == kit.Stopped })
	waitFor(t, states, func(p eventbus.ServiceStateChanged) bool { return p.To == kit.Running })
	assert.EqualValues(t, 1, h.svc.Status().Restarts)
	assert.Len(t, h.dialer.dials(), 2)
}

func TestNonRetryableErrorNeedsAttention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)
	require.NoError(t, h.svc.Start(ctx))

	attn, unsub := h.bus.Subscribe(8, eventbus.KindAttention)
	defer unsub()
	h.bus.Publish(eventbus.ComponentError{
		Component: "notification",
		Err:       fault.Permission("notification.renderer", errors.New("denied")),
	})

	got := waitFor(t, attn, func(p eventbus.AttentionRequired) bool { return true })
	assert.Equal(t, "notification failed", got.Reason)
	st := h.svc.Status()
	assert.False(t, st.RestartPending)
	assert.Equal(t, kit.Running, st.State)
	assert.Equal(t, kit.Connected, st.Connection)
}

func TestRestartBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Restart = RestartConfig{Delay: time.Millisecond, Budget: 1, Refill: time.Hour}
	h := newHarness(t, cfg)
	h.init(t)
	require.NoError(t, h.svc.Start(ctx))

	attn, unsub := h.bus.Subscribe(8, eventbus.KindAttention)
	defer unsub()
	slow := fault.WithRetryAfter(fault.Connection("conn.reconnect", errors.New("down")), time.Hour)
	h.bus.Publish(eventbus.ComponentError{Component: "conn", Err: slow})
	h.bus.Publish(eventbus.ComponentError{Component: "conn", Err: slow})

	got := waitFor(t, attn, func(p eventbus.AttentionRequired) bool { return true })
	assert.Equal(t, "restart budget exhausted", got.Reason)
	assert.True(t, h.svc.Status().RestartPending)
}

func TestLoginRequiredDoesNotRestart(t *testing.T) {
	ctx := context.Background()
	h := &harness{dialer: &fakeDialer{}, renderer: &fakeRenderer{}, bus: eventbus.New()}
	h.svc = New(testConfig(), Deps{
		Dialer: h.dialer,
		Fetcher: kit.FetcherFunc(func(ctx context.Context, identity string) (kit.Credential, error) {
			return kit.Credential{}, errors.New("unused")
		}),
		Identity: kit.IdentityFunc(func(ctx context.Context) (string, error) { return "", errors.New("signed out") }),
		Renderer: h.renderer,
		Bus:      h.bus,
	}, logx.Nop())
	defer h.svc.Close(context.Background())
	attn, unsub := h.bus.Subscribe(8, eventbus.KindAttention)
	defer unsub()
	h.init(t)

	err := h.svc.Start(ctx)
	require.Error(t, err)
	assert.True(t, fault.IsLoginRequired(err))
	got := waitFor(t, attn, func(p eventbus.AttentionRequired) bool { return true })
	assert.Equal(t, "login required", got.Reason)
	assert.False(t, h.svc.Status().RestartPending)
	assert.Empty(t, h.dialer.dials())
}

func TestNotificationRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)
	require.NoError(t, h.svc.Start(ctx))

	stream := h.dialer.last()
	require.NotNil(t, stream)
	stream.reads <- `{"type":"NOTIFICATION","priority":2,"data":{"messageId":"m-7","title":"Hi","body":"there","url":"/app/inbox"}}`

	require.Eventually(t, func() bool { return len(h.renderer.toasts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	toast := h.renderer.toasts()[0]
	assert.Equal(t, "Hi", toast.Title)
	assert.Equal(t, "/app/en/inbox", toast.URL)
	assert.Equal(t, 2, toast.Priority)

	require.Eventually(t, func() bool { return len(stream.framesOfType(kit.FrameAck)) == 1 }, 2*time.Second, 5*time.Millisecond)
	ack := stream.framesOfType(kit.FrameAck)[0]
	assert.Equal(t, "m-7", ack["messageId"])
	assert.Equal(t, kit.AckDisplayed, ack["status"])

	st := h.svc.Status()
	assert.EqualValues(t, 1, st.Received)
	assert.EqualValues(t, 1, st.Dispatched)
	assert.Equal(t, 1, st.ActiveNotifications)
}

func TestServerControlRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)
	require.NoError(t, h.svc.Start(ctx))

	states, unsub := h.bus.Subscribe(32, eventbus.KindServiceState, eventbus.KindAttention)
	defer unsub()

	h.dialer.last().reads <- `{"type":"SYSTEM","data":{"action":"reconnect"}}`
	waitFor(t, states, func(p eventbus.ServiceStateChanged) bool { return p.To == kit.Running })
	assert.EqualValues(t, 1, h.svc.Status().Restarts)

	h.dialer.last().reads <- `{"type":"SYSTEM","data":{"action":"logout"}}`
	got := waitFor(t, states, func(p eventbus.AttentionRequired) bool { return true })
	assert.Equal(t, "logout requested by server", got.Reason)
	assert.Equal(t, kit.Stopped, h.svc.State())
}

func TestApplyRestartsOnEndpointChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.init(t)
	require.NoError(t, h.svc.Start(ctx))

	states, unsub := h.bus.Subscribe(32, eventbus.KindServiceState)
	defer unsub()
	cfg := testConfig()
	cfg.Endpoints = []string{"wss://c.example/push"}
	require.NoError(t, h.svc.Apply(ctx, cfg))

	waitFor(t, states, func(p eventbus.ServiceStateChanged) bool { return p.To == kit.Running })
	dials := h.dialer.dials()
	require.Len(t, dials, 2)
	assert.True(t, strings.HasPrefix(dials[1], "wss://c.example/push"))
}

func TestStatusReportSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Report.Schedule = "not a schedule"
	h := newHarness(t, cfg)
	h.init(t)
	assert.Error(t, h.svc.startReport(ReportConfig{Schedule: "bogus"}))
	assert.NoError(t, h.svc.startReport(ReportConfig{Schedule: "@every 1h"}))
	assert.NoError(t, h.svc.startReport(ReportConfig{}))
}
