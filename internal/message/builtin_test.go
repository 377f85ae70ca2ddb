package message

import (
	"context"
	"testing"
	"time"

	"pushclient/internal/eventbus"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsTurnMessagesIntoEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.KindNotificationIntent, eventbus.KindServerAck, eventbus.KindControl)
	defer unsub()

	p := New(Config{TickInterval: 5 * time.Millisecond}, bus, logx.Nop())
	off := Builtins{Bus: bus, Language: kit.LanguageFunc(func() string { return "de" })}.Register(p)
	defer off()
	runProcessor(t, p)

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, `{"type":"NOTIFICATION","priority":4,"messageId":"n1","title":"Hallo","url":"/app/inbox"}`))
	require.NoError(t, p.Submit(ctx, `{"type":"ACK","messageId":"n0","status":"received"}`))
	require.NoError(t, p.Submit(ctx, `{"type":"SYSTEM","action":"Reconnect"}`))
	require.NoError(t, p.Submit(ctx, `{"type":"SYSTEM","action":"maintenance"}`))

	got := map[eventbus.Kind]eventbus.Payload{}
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-events:
			got[ev.Kind()] = ev.Payload
		case <-timeout:
			t.Fatalf("only got %v", got)
		}
	}

	intent := got[eventbus.KindNotificationIntent].(eventbus.NotificationIntentReady).Intent
	assert.Equal(t, kit.NotificationIntent{MessageID: "n1", Title: "Hallo", URL: "/app/de/inbox", Priority: 4}, intent)
	assert.Equal(t, eventbus.ServerAck{MessageID: "n0", Status: "received"}, got[eventbus.KindServerAck])
	assert.Equal(t, ActionReconnect, got[eventbus.KindControl].(eventbus.ControlRequested).Action)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev.Kind())
	case <-time.After(50 * time.Millisecond):
	}
}
