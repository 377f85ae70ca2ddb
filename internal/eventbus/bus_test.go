package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "pushclient/internal/transport"
)

func TestSubscribeFiltersByKind(t *testing.T) {
	t.Parallel()
	bus := New()
	acks, unsub := bus.Subscribe(4, KindAckIntent)
	defer unsub()
	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()

	bus.Publish(ConnStateChanged{From: kit.Disconnected, To: kit.Connecting})
	bus.Publish(AckIntent{MessageID: "m1", Status: kit.AckDisplayed})

	select {
	case e := <-acks:
		ack, ok := e.Payload.(AckIntent)
		require.True(t, ok)
		assert.Equal(t, "m1", ack.MessageID)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("ack not delivered")
	}
	assert.Len(t, acks, 0)
	assert.Len(t, all, 2)
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(LoginRequired{Reason: "a"})
	bus.Publish(LoginRequired{Reason: "b"})
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	// Publishing after unsubscribe must not panic.
	bus.Publish(LoginRequired{})
}

func TestEventKind(t *testing.T) {
	t.Parallel()
	assert.Equal(t, KindFrame, Event{Payload: FrameReceived{Data: "{}"}}.Kind())
	assert.Equal(t, Kind(""), Event{}.Kind())
}
