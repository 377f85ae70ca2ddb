// Package notification decides what to show and when: it enforces the
// concurrency cap, queues the rest by priority, follows each shown item
// through its lifecycle and turns lifecycle steps into ack and read-receipt
// intents.
//
// Items are never closed on a timer; they stay until the user or the host
// closes them.
package notification

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"pushclient/internal/eventbus"
	"pushclient/internal/fault"
	"pushclient/internal/runtime/pqueue"
	"pushclient/internal/storage"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrDisabled       = errors.New("notifications disabled")
	ErrDuplicate      = errors.New("duplicate notification")
	ErrUnsupported    = errors.New("notifications are not supported on this host")
	ErrStopped        = errors.New("notification dispatcher stopped")
	ErrAlreadyRunning = errors.New("notification dispatcher already running")
)

type Config struct {
	MaxConcurrent int
	// DedupWindow is how long a shown message id is remembered in storage.
	DedupWindow  time.Duration
	ShowTimeout  time.Duration
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	} else if c.DedupWindow == 0 {
		c.DedupWindow = 24 * time.Hour
	}
	if c.ShowTimeout <= 0 {
		c.ShowTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 250 * time.Millisecond
	}
	return c
}

// Item is an admitted notification; it lives until its toast closes.
type Item struct {
	ID        string                 `json:"id"`
	Intent    kit.NotificationIntent `json:"intent"`
	CreatedAt time.Time              `json:"created_at"`
	Shown     bool                   `json:"shown"`
}

type Snapshot struct {
	Active     int    `json:"active"`
	Pending    int    `json:"pending"`
	Disabled   bool   `json:"disabled"`
	Reason     string `json:"reason,omitempty"`
	Shown      uint64 `json:"shown"`
	Clicked    uint64 `json:"clicked"`
	Closed     uint64 `json:"closed"`
	Failed     uint64 `json:"failed"`
	Duplicates uint64 `json:"duplicates"`
	Items      []Item `json:"items,omitempty"`
}

type Dispatcher struct {
	cfg      Config
	renderer kit.Renderer
	opener   kit.URLOpener
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	cmds    chan any
	events  chan any
	done    chan struct{}
	running atomic.Bool
	runCtx  context.Context
	snap    atomic.Pointer[Snapshot]

	// Owned by the Run loop.
	active    map[string]*Item
	byMessage map[string]string
	pending   *pqueue.Queue[kit.NotificationIntent]
	queued    map[string]struct{}
	disabled  error
	stats     Snapshot
}

type (
	cmdNotify struct {
		intent kit.NotificationIntent
		reply  chan error
	}
	cmdClear struct{ reply chan int }
	cmdApply struct {
		cfg   Config
		reply chan error
	}

	showResult struct {
		id  string
		err error
	}
	itemShown   struct{ id string }
	itemClicked struct{ id string }
	itemClosed  struct{ id string }
)

// New builds a dispatcher. opener and store may be nil.
func New(cfg Config, renderer kit.Renderer, opener kit.URLOpener, store storage.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:       cfg.withDefaults(),
		renderer:  renderer,
		opener:    opener,
		store:     store,
		bus:       bus,
		log:       log.With(logx.String("comp", "notification")),
		now:       time.Now,
		cmds:      make(chan any),
		events:    make(chan any, 32),
		done:      make(chan struct{}),
		active:    map[string]*Item{},
		byMessage: map[string]string{},
		pending:   pqueue.New[kit.NotificationIntent](0),
		queued:    map[string]struct{}{},
	}
	d.refreshSnapshot()
	return d
}

// Run processes intents from the bus and direct Notify calls until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(d.done)
	d.runCtx = ctx

	if d.renderer == nil || !d.renderer.Supported() {
		d.disable(fault.Permission("notification.renderer", ErrUnsupported))
	}

	var intents <-chan eventbus.Event
	if d.bus != nil {
		ch, unsub := d.bus.Subscribe(128, eventbus.KindNotificationIntent)
		defer unsub()
		intents = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-d.cmds:
			d.handleCommand(c)
		case ev := <-d.events:
			d.handleEvent(ev)
		case ev, ok := <-intents:
			if !ok {
				intents = nil
				continue
			}
			if p, ok := ev.Payload.(eventbus.NotificationIntentReady); ok {
				if err := d.admit(p.Intent); err != nil && !errors.Is(err, ErrDuplicate) {
					d.log.Debug("intent not admitted", logx.String("message_id", p.Intent.MessageID), logx.Err(err))
				}
			}
		}
	}
}

func (d *Dispatcher) Snapshot() Snapshot { return *d.snap.Load() }

// Notify admits intent directly.
func (d *Dispatcher) Notify(ctx context.Context, intent kit.NotificationIntent) error {
	reply := make(chan error, 1)
	if err := d.send(ctx, cmdNotify{intent: intent, reply: reply}); err != nil {
		return err
	}
	return d.await(ctx, reply)
}

// Clear closes every active item and drops everything pending. It returns
// how many items were discarded.
func (d *Dispatcher) Clear(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := d.send(ctx, cmdClear{reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-d.done:
		return 0, ErrStopped
	}
}

// Apply swaps the configuration. A larger cap admits pending items at once.
func (d *Dispatcher) Apply(ctx context.Context, cfg Config) error {
	reply := make(chan error, 1)
	if err := d.send(ctx, cmdApply{cfg: cfg, reply: reply}); err != nil {
		return err
	}
	return d.await(ctx, reply)
}

func (d *Dispatcher) send(ctx context.Context, cmd any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrStopped
	}
}

func (d *Dispatcher) await(ctx context.Context, reply chan error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrStopped
	}
}

func (d *Dispatcher) post(ev any) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

func (d *Dispatcher) handleCommand(c any) {
	switch c := c.(type) {
	case cmdNotify:
		c.reply <- d.admit(c.intent)
	case cmdClear:
		c.reply <- d.clear()
	case cmdApply:
		d.cfg = c.cfg.withDefaults()
		d.admitNext()
		d.refreshSnapshot()
		c.reply <- nil
	}
}

func (d *Dispatcher) handleEvent(ev any) {
	switch ev := ev.(type) {
	case showResult:
		d.onShowResult(ev)
	case itemShown:
		if it := d.active[ev.id]; it != nil {
			d.markShown(it)
		}
	case itemClicked:
		if it := d.active[ev.id]; it != nil {
			d.onClicked(it)
		}
	case itemClosed:
		if it := d.active[ev.id]; it != nil {
			d.remove(it, kit.StageClosed, "")
			d.stats.Closed++
			d.admitNext()
			d.refreshSnapshot()
		}
	}
}

func (d *Dispatcher) admit(in kit.NotificationIntent) error {
	if d.disabled != nil {
		return ErrDisabled
	}
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}
	if d.isDuplicate(in.MessageID) {
		d.stats.Duplicates++
		d.refreshSnapshot()
		d.log.Debug("duplicate notification skipped", logx.String("message_id", in.MessageID))
		return ErrDuplicate
	}
	if len(d.active) < d.cfg.MaxConcurrent {
		d.show(in)
	} else {
		d.pending.Push(in, in.Priority)
		d.queued[in.MessageID] = struct{}{}
	}
	d.refreshSnapshot()
	return nil
}

func (d *Dispatcher) isDuplicate(messageID string) bool {
	if _, ok := d.byMessage[messageID]; ok {
		return true
	}
	if _, ok := d.queued[messageID]; ok {
		return true
	}
	if d.store == nil || d.cfg.DedupWindow == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	defer cancel()
	_, seen, err := d.store.Seen(ctx, messageID)
	if err != nil {
		d.log.Debug("seen lookup failed", logx.Err(err))
		return false
	}
	return seen
}

// show admits in into the active set; the slot is taken before the toast is
// rendered so the cap holds while Show is in flight.
func (d *Dispatcher) show(in kit.NotificationIntent) {
	it := &Item{ID: uuid.NewString(), Intent: in, CreatedAt: d.now()}
	d.active[it.ID] = it
	d.byMessage[in.MessageID] = it.ID
	d.stage(it, kit.StageCreated, "")
	d.refreshSnapshot()

	id := it.ID
	toast := kit.Toast{ID: id, Title: in.Title, Body: in.Body, URL: in.URL, Priority: in.Priority}
	cbs := kit.ToastCallbacks{
		OnShown: func() { d.post(itemShown{id: id}) },
		OnClick: func() { d.post(itemClicked{id: id}) },
		OnClose: func() { d.post(itemClosed{id: id}) },
	}
	renderer := d.renderer
	parent := d.runCtx
	if parent == nil {
		parent = context.Background()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parent, d.cfg.ShowTimeout)
		defer cancel()
		d.post(showResult{id: id, err: safeShow(ctx, renderer, toast, cbs)})
	}()
}

func safeShow(ctx context.Context, r kit.Renderer, t kit.Toast, cbs kit.ToastCallbacks) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("renderer panicked")
		}
	}()
	return r.Show(ctx, t, cbs)
}

func (d *Dispatcher) onShowResult(r showResult) {
	it := d.active[r.id]
	if it == nil {
		return
	}
	if r.err == nil {
		d.markShown(it)
		return
	}
	if errors.Is(r.err, ErrUnsupported) || fault.KindOf(r.err) == fault.KindPermission {
		d.remove(it, kit.StageFailed, r.err.Error())
		d.stats.Failed++
		d.disable(fault.Permission("notification.show", r.err))
		return
	}
	err := fault.Notification("notification.show", r.err)
	d.log.Warn("notification render failed", logx.String("message_id", it.Intent.MessageID), logx.Err(err))
	d.remove(it, kit.StageFailed, err.Error())
	d.stats.Failed++
	d.admitNext()
	d.refreshSnapshot()
}

func (d *Dispatcher) markShown(it *Item) {
	if it.Shown {
		return
	}
	it.Shown = true
	d.stats.Shown++
	d.stage(it, kit.StageShown, "")
	d.markSeen(it.Intent.MessageID)
	if d.bus != nil {
		d.bus.Publish(eventbus.AckIntent{MessageID: it.Intent.MessageID, Status: kit.AckDisplayed})
	}
	d.refreshSnapshot()
}

func (d *Dispatcher) onClicked(it *Item) {
	d.stats.Clicked++
	d.stage(it, kit.StageClicked, "")
	if d.bus != nil {
		d.bus.Publish(eventbus.ReadReceiptIntent{MessageID: it.Intent.MessageID, ReadAt: d.now()})
	}
	if url := it.Intent.URL; url != "" && d.opener != nil {
		opener := d.opener
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShowTimeout)
			defer cancel()
			if err := opener.Open(ctx, url); err != nil {
				d.log.Warn("open url failed", logx.String("url", url), logx.Err(err))
			}
		}()
	}
	d.closeToast(it.ID)
	d.remove(it, kit.StageClosed, "")
	d.stats.Closed++
	d.admitNext()
	d.refreshSnapshot()
}

func (d *Dispatcher) admitNext() {
	if d.disabled != nil {
		return
	}
	for len(d.active) < d.cfg.MaxConcurrent {
		in, ok := d.pending.Pop()
		if !ok {
			return
		}
		delete(d.queued, in.MessageID)
		d.show(in)
	}
}

func (d *Dispatcher) remove(it *Item, stage kit.NotificationStage, errText string) {
	delete(d.active, it.ID)
	if d.byMessage[it.Intent.MessageID] == it.ID {
		delete(d.byMessage, it.Intent.MessageID)
	}
	d.stage(it, stage, errText)
}

func (d *Dispatcher) clear() int {
	n := 0
	for _, it := range d.active {
		d.closeToast(it.ID)
		d.remove(it, kit.StageClosed, "")
		d.stats.Closed++
		n++
	}
	n += len(d.pending.Clear())
	d.queued = map[string]struct{}{}
	d.refreshSnapshot()
	return n
}

func (d *Dispatcher) closeToast(id string) {
	if d.renderer == nil {
		return
	}
	defer func() { _ = recover() }()
	if err := d.renderer.Close(id); err != nil {
		d.log.Debug("close toast failed", logx.String("id", id), logx.Err(err))
	}
}

// disable stops all further rendering. The connection is unaffected.
func (d *Dispatcher) disable(err error) {
	if d.disabled != nil {
		return
	}
	d.disabled = err
	d.pending.Clear()
	d.queued = map[string]struct{}{}
	d.log.Error("notifications disabled", logx.Err(err))
	if d.bus != nil {
		d.bus.Publish(eventbus.ComponentError{Component: "notification", Err: err})
	}
	d.refreshSnapshot()
}

func (d *Dispatcher) stage(it *Item, stage kit.NotificationStage, errText string) {
	if d.bus != nil {
		d.bus.Publish(eventbus.NotificationStageChanged{ID: it.ID, MessageID: it.Intent.MessageID, Stage: stage})
	}
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	defer cancel()
	if err := d.store.AppendDelivery(ctx, storage.DeliveryEntry{
		At:        d.now(),
		MessageID: it.Intent.MessageID,
		ItemID:    it.ID,
		Stage:     string(stage),
		Priority:  it.Intent.Priority,
		Error:     errText,
	}); err != nil {
		d.log.Debug("delivery journal write failed", logx.Err(err))
	}
}

func (d *Dispatcher) markSeen(messageID string) {
	if d.store == nil || d.cfg.DedupWindow == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	defer cancel()
	if err := d.store.MarkSeen(ctx, messageID, d.now().Add(d.cfg.DedupWindow)); err != nil {
		d.log.Debug("seen write failed", logx.Err(err))
	}
}

func (d *Dispatcher) refreshSnapshot() {
	s := d.stats
	s.Active = len(d.active)
	s.Pending = d.pending.Len()
	s.Disabled = d.disabled != nil
	if d.disabled != nil {
		s.Reason = d.disabled.Error()
	}
	s.Items = make([]Item, 0, len(d.active))
	for _, it := range d.active {
		s.Items = append(s.Items, *it)
	}
	sort.Slice(s.Items, func(i, j int) bool { return s.Items[i].CreatedAt.Before(s.Items[j].CreatedAt) })
	d.snap.Store(&s)
}
