package notification

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"pushclient/internal/eventbus"
	"pushclient/internal/fault"
	"pushclient/internal/storage"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	mu        sync.Mutex
	supported bool
	fail      map[string]error
	shown     []kit.Toast
	open      map[string]kit.ToastCallbacks
	byTitle   map[string]string
	closed    []string
	maxOpen   int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		supported: true,
		fail:      map[string]error{},
		open:      map[string]kit.ToastCallbacks{},
		byTitle:   map[string]string{},
	}
}

func (r *fakeRenderer) Supported() bool { return r.supported }

func (r *fakeRenderer) Show(ctx context.Context, t kit.Toast, cb kit.ToastCallbacks) error {
	r.mu.Lock()
	if err := r.fail[t.Title]; err != nil {
		r.mu.Unlock()
		return err
	}
	r.shown = append(r.shown, t)
	r.open[t.ID] = cb
	r.byTitle[t.Title] = t.ID
	if len(r.open) > r.maxOpen {
		r.maxOpen = len(r.open)
	}
	r.mu.Unlock()
	if cb.OnShown != nil {
		cb.OnShown()
	}
	return nil
}

func (r *fakeRenderer) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, id)
	r.closed = append(r.closed, id)
	return nil
}

func (r *fakeRenderer) callbacks(title string) (kit.ToastCallbacks, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTitle[title]
	if !ok {
		return kit.ToastCallbacks{}, false
	}
	cb, ok := r.open[id]
	return cb, ok
}

// userClose simulates the user dismissing the toast titled title.
func (r *fakeRenderer) userClose(t *testing.T, title string) {
	t.Helper()
	r.mu.Lock()
	id, ok := r.byTitle[title]
	cb, open := r.open[id]
	if ok && open {
		delete(r.open, id)
	}
	r.mu.Unlock()
	require.True(t, ok && open, "toast %q is not open", title)
	cb.OnClose()
}

func (r *fakeRenderer) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.shown))
	for _, t := range r.shown {
		out = append(out, t.Title)
	}
	return out
}

func (r *fakeRenderer) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *fakeRenderer) openTitles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for title, id := range r.byTitle {
		if _, ok := r.open[id]; ok {
			out = append(out, title)
		}
	}
	return out
}

func (r *fakeRenderer) peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxOpen
}

type openerRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (o *openerRecorder) Open(ctx context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return nil
}

func (o *openerRecorder) opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.urls...)
}

func startDispatcher(t *testing.T, cfg Config, r kit.Renderer, opener kit.URLOpener, store storage.Store, bus eventbus.Bus) *Dispatcher {
	t.Helper()
	d := New(cfg, r, opener, store, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func intent(id string, prio int) kit.NotificationIntent {
	return kit.NotificationIntent{MessageID: id, Title: id, Body: "body " + id, Priority: prio}
}

func TestHigherPriorityIntentAdmittedFirst(t *testing.T) {
	ctx := context.Background()
	r := newFakeRenderer()
	d := startDispatcher(t, Config{MaxConcurrent: 3}, r, nil, nil, nil)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Notify(ctx, intent(id, 1)))
	}
	require.Eventually(t, func() bool { return len(r.titles()) == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Notify(ctx, intent("d", 1)))
	require.NoError(t, d.Notify(ctx, intent("e", 5)))
	snap := d.Snapshot()
	assert.Equal(t, 3, snap.Active)
	assert.Equal(t, 2, snap.Pending)

	r.userClose(t, "a")
	require.Eventually(t, func() bool { return len(r.titles()) == 4 }, time.Second, 5*time.Millisecond)
	// a, b and c render concurrently; e must be the next admitted.
	got := r.titles()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got[:3])
	assert.Equal(t, "e", got[3])

	r.userClose(t, "b")
	require.Eventually(t, func() bool { return len(r.titles()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "d", r.titles()[4])
	assert.Equal(t, 0, d.Snapshot().Pending)
}

func TestActiveNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	const total, limit = 20, 3
	r := newFakeRenderer()
	d := startDispatcher(t, Config{MaxConcurrent: limit}, r, nil, nil, nil)

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < total; i++ {
		id := string(rune('A' + i))
		require.NoError(t, d.Notify(ctx, intent(id, rnd.Intn(6))))
		require.LessOrEqual(t, d.Snapshot().Active, limit)
	}

	for closed := 0; closed < total; closed++ {
		want := total - closed
		if want > limit {
			want = limit
		}
		require.Eventually(t, func() bool { return r.openCount() == want }, time.Second, 2*time.Millisecond)
		require.LessOrEqual(t, d.Snapshot().Active, limit)
		open := r.openTitles()
		r.userClose(t, open[rnd.Intn(len(open))])
	}
	require.Eventually(t, func() bool { return d.Snapshot().Active == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, r.titles(), total)
	assert.LessOrEqual(t, r.peak(), limit)
}

func TestShownThenClickedEmitsIntents(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.KindAckIntent, eventbus.KindReadReceiptIntent)
	defer unsub()
	r := newFakeRenderer()
	opener := &openerRecorder{}
	d := startDispatcher(t, Config{}, r, opener, nil, bus)

	in := intent("m-1", 0)
	in.URL = "https://example.com/app/en/inbox"
	require.NoError(t, d.Notify(ctx, in))

	ev := <-events
	ack, ok := ev.Payload.(eventbus.AckIntent)
	require.True(t, ok, "got %T", ev.Payload)
	assert.Equal(t, "m-1", ack.MessageID)
	assert.Equal(t, kit.AckDisplayed, ack.Status)

	cb, ok := r.callbacks("m-1")
	require.True(t, ok)
	cb.OnClick()

	ev = <-events
	rr, ok := ev.Payload.(eventbus.ReadReceiptIntent)
	require.True(t, ok, "got %T", ev.Payload)
	assert.Equal(t, "m-1", rr.MessageID)
	assert.False(t, rr.ReadAt.IsZero())

	require.Eventually(t, func() bool { return len(opener.opened()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, in.URL, opener.opened()[0])
	require.Eventually(t, func() bool { return d.Snapshot().Active == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.openCount())
	snap := d.Snapshot()
	assert.EqualValues(t, 1, snap.Shown)
	assert.EqualValues(t, 1, snap.Clicked)
}

func TestDuplicateMessagesSkipped(t *testing.T) {
	ctx := context.Background()
	r := newFakeRenderer()
	store := storage.NewMemory()
	d := startDispatcher(t, Config{MaxConcurrent: 1}, r, nil, store, nil)

	require.NoError(t, d.Notify(ctx, intent("x", 0)))
	require.NoError(t, d.Notify(ctx, intent("y", 0)))
	assert.ErrorIs(t, d.Notify(ctx, intent("x", 0)), ErrDuplicate)
	assert.ErrorIs(t, d.Notify(ctx, intent("y", 0)), ErrDuplicate)

	require.Eventually(t, func() bool { return r.openCount() == 1 }, time.Second, 5*time.Millisecond)
	r.userClose(t, "x")
	require.Eventually(t, func() bool { return len(r.titles()) == 2 }, time.Second, 5*time.Millisecond)

	// Closed items stay deduplicated through the store.
	assert.ErrorIs(t, d.Notify(ctx, intent("x", 0)), ErrDuplicate)
	assert.EqualValues(t, 3, d.Snapshot().Duplicates)

	var stages []string
	for _, e := range store.Journal() {
		if e.MessageID == "x" {
			stages = append(stages, e.Stage)
		}
	}
	assert.Equal(t, []string{"created", "shown", "closed"}, stages)
}

func TestUnsupportedRendererDisablesDispatcher(t *testing.T) {
	bus := eventbus.New()
	errs, unsub := bus.Subscribe(4, eventbus.KindError)
	defer unsub()
	r := newFakeRenderer()
	r.supported = false
	d := startDispatcher(t, Config{}, r, nil, nil, bus)

	err := d.Notify(context.Background(), intent("a", 0))
	assert.ErrorIs(t, err, ErrDisabled)
	assert.True(t, d.Snapshot().Disabled)
	assert.Empty(t, r.titles())

	ev := <-errs
	ce, ok := ev.Payload.(eventbus.ComponentError)
	require.True(t, ok)
	assert.Equal(t, "notification", ce.Component)
	assert.Equal(t, fault.KindPermission, fault.KindOf(ce.Err))
	assert.False(t, fault.IsRetryable(ce.Err))
}

func TestRenderFailureAdmitsNext(t *testing.T) {
	ctx := context.Background()
	r := newFakeRenderer()
	r.fail["bad"] = errors.New("toast backend gone")
	d := startDispatcher(t, Config{MaxConcurrent: 1}, r, nil, nil, nil)

	require.NoError(t, d.Notify(ctx, intent("bad", 0)))
	require.NoError(t, d.Notify(ctx, intent("good", 0)))

	require.Eventually(t, func() bool { return len(r.titles()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"good"}, r.titles())
	snap := d.Snapshot()
	assert.EqualValues(t, 1, snap.Failed)
	assert.False(t, snap.Disabled)
}

func TestFailedRenderIsNotRememberedAsSeen(t *testing.T) {
	ctx := context.Background()
	r := newFakeRenderer()
	r.fail["flaky"] = errors.New("toast backend gone")
	store := storage.NewMemory()
	d := startDispatcher(t, Config{MaxConcurrent: 1}, r, nil, store, nil)

	require.NoError(t, d.Notify(ctx, intent("flaky", 0)))
	require.Eventually(t, func() bool { return d.Snapshot().Failed == 1 }, time.Second, 5*time.Millisecond)
	_, seen, err := store.Seen(ctx, "flaky")
	require.NoError(t, err)
	assert.False(t, seen)

	r.mu.Lock()
	delete(r.fail, "flaky")
	r.mu.Unlock()

	require.NoError(t, d.Notify(ctx, intent("flaky", 0)))
	require.Eventually(t, func() bool { return len(r.titles()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, seen, err := store.Seen(ctx, "flaky")
		return err == nil && seen
	}, time.Second, 5*time.Millisecond)
}

func TestBusIntentAndClear(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	r := newFakeRenderer()
	d := startDispatcher(t, Config{MaxConcurrent: 1}, r, nil, nil, bus)
	// Apply round-trips through the loop, so the bus subscription is live.
	require.NoError(t, d.Apply(ctx, Config{MaxConcurrent: 1}))

	bus.Publish(eventbus.NotificationIntentReady{Intent: intent("p", 0)})
	bus.Publish(eventbus.NotificationIntentReady{Intent: intent("q", 0)})
	require.Eventually(t, func() bool { s := d.Snapshot(); return s.Active == 1 && s.Pending == 1 }, time.Second, 5*time.Millisecond)

	n, err := d.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	snap := d.Snapshot()
	assert.Zero(t, snap.Active)
	assert.Zero(t, snap.Pending)
}

func TestApplyRaisesCap(t *testing.T) {
	ctx := context.Background()
	r := newFakeRenderer()
	d := startDispatcher(t, Config{MaxConcurrent: 1}, r, nil, nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Notify(ctx, intent(id, 0)))
	}
	assert.Equal(t, 2, d.Snapshot().Pending)

	require.NoError(t, d.Apply(ctx, Config{MaxConcurrent: 3}))
	assert.Equal(t, 3, d.Snapshot().Active)
	require.Eventually(t, func() bool { return r.openCount() == 3 }, time.Second, 5*time.Millisecond)
}
