// Package conn owns the push transport: connect, reconnect with backoff,
// heartbeat keep-alive and outbound frames.
//
// All state lives in the Run loop. Public methods are commands sent to the
// loop; dial and read results come back as generation-tagged events so a
// stale result can never revive a connection that was torn down.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pushclient/internal/eventbus"
	"pushclient/internal/fault"
	"pushclient/internal/runtime/timers"
	"pushclient/internal/token"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/google/uuid"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrStopped           = errors.New("connection manager stopped")
	ErrDisconnected      = errors.New("disconnected before the connection opened")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	ErrAlreadyRunning    = errors.New("connection manager already running")
)

const (
	timerReconnect = "reconnect"
	timerHeartbeat = "heartbeat"
)

// TokenSource supplies the credential for each connection attempt.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (token.Info, error)
}

// Snapshot is a read-only view of the manager, refreshed on every transition.
type Snapshot struct {
	State             kit.ConnectionState `json:"state"`
	Endpoint          string              `json:"endpoint,omitempty"`
	ClientID          string              `json:"client_id"`
	Attempt           int                 `json:"attempt"`
	AbnormalStreak    int                 `json:"abnormal_streak"`
	HeartbeatInterval time.Duration       `json:"heartbeat_interval"`
	HeartbeatSeq      uint64              `json:"heartbeat_seq"`
	Reconnects        uint64              `json:"reconnects"`
	LastCloseCode     int                 `json:"last_close_code,omitempty"`
	LastError         string              `json:"last_error,omitempty"`
	ConnectedAt       time.Time           `json:"connected_at"`
	LastActivity      time.Time           `json:"last_activity"`
}

type Manager struct {
	dialer kit.Dialer
	tokens TokenSource
	bus    eventbus.Bus
	log    logx.Logger
	timers *timers.Set
	rnd    func() float64
	now    func() time.Time

	cmds    chan any
	events  chan any
	done    chan struct{}
	running atomic.Bool

	lastActivity atomic.Int64
	snap         atomic.Pointer[Snapshot]

	// Owned by the Run loop.
	cfg          Config
	runCtx       context.Context
	state        kit.ConnectionState
	endpoint     string
	gen          uint64
	stream       kit.Stream
	dialCancel   context.CancelFunc
	waiters      []chan error
	attempt      int
	streak       int
	forceRefresh bool
	interval     time.Duration
	seq          uint64
	hbFailures   int
	reconnects   uint64
	lastCode     int
	lastErr      error
	connectedAt  time.Time
}

type (
	cmdConnect struct {
		endpoint string
		reply    chan error
	}
	cmdDisconnect struct{ reply chan error }
	cmdSend       struct {
		data  []byte
		reply chan error
	}
	cmdApply struct {
		cfg   Config
		reply chan error
	}

	dialResult struct {
		gen    uint64
		stream kit.Stream
		err    error
	}
	streamClosed struct {
		gen  uint64
		code int
		err  error
	}
	reconnectDue struct{ gen uint64 }
	heartbeatDue struct{ gen uint64 }
)

func New(cfg Config, dialer kit.Dialer, tokens TokenSource, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	m := &Manager{
		dialer:   dialer,
		tokens:   tokens,
		bus:      bus,
		log:      log.With(logx.String("comp", "conn")),
		timers:   timers.New(),
		now:      time.Now,
		cmds:     make(chan any),
		events:   make(chan any, 16),
		done:     make(chan struct{}),
		cfg:      cfg,
		state:    kit.Disconnected,
		interval: cfg.Heartbeat.Interval,
	}
	m.refreshSnapshot()
	return m
}

// Run drives the manager until ctx is cancelled. It must be running for any
// other method to make progress.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)
	m.runCtx = ctx

	var intents <-chan eventbus.Event
	if m.bus != nil {
		ch, unsub := m.bus.Subscribe(64, eventbus.KindAckIntent, eventbus.KindReadReceiptIntent)
		defer unsub()
		intents = ch
	}

	for {
		select {
		case <-ctx.Done():
			m.teardown(ErrStopped)
			m.timers.Close()
			return nil
		case c := <-m.cmds:
			m.handleCommand(c)
		case ev := <-m.events:
			m.handleEvent(ev)
		case ev, ok := <-intents:
			if !ok {
				intents = nil
				continue
			}
			m.handleIntent(ev)
		}
	}
}

// Snapshot returns the latest state view. Safe from any goroutine.
func (m *Manager) Snapshot() Snapshot {
	s := *m.snap.Load()
	if ns := m.lastActivity.Load(); ns > 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}

func (m *Manager) State() kit.ConnectionState { return m.snap.Load().State }

// Connect opens the connection to endpoint and waits for the first attempt.
// It is a no-op while already connected; while connecting it joins the
// attempt in flight.
func (m *Manager) Connect(ctx context.Context, endpoint string) error {
	reply := make(chan error, 1)
	return m.call(ctx, cmdConnect{endpoint: endpoint, reply: reply}, reply)
}

// Disconnect cancels reconnect and heartbeat timers and closes the stream
// with a normal close code. No reconnect follows.
func (m *Manager) Disconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	return m.call(ctx, cmdDisconnect{reply: reply}, reply)
}

// Send writes frame as JSON. Frames are written in call order.
func (m *Manager) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	reply := make(chan error, 1)
	return m.call(ctx, cmdSend{data: data, reply: reply}, reply)
}

func (m *Manager) SendAck(ctx context.Context, messageID, status string) error {
	return m.Send(ctx, newAckFrame(messageID, status, m.now()))
}

func (m *Manager) SendReadReceipt(ctx context.Context, messageID string) error {
	return m.Send(ctx, newReadReceiptFrame(messageID, m.now()))
}

// Apply replaces the configuration. Heartbeat and backoff changes apply from
// the next connection cycle.
func (m *Manager) Apply(ctx context.Context, cfg Config) error {
	reply := make(chan error, 1)
	return m.call(ctx, cmdApply{cfg: cfg, reply: reply}, reply)
}

func (m *Manager) call(ctx context.Context, cmd any, reply chan error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// post hands an event to the loop; false once the loop has exited.
func (m *Manager) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) handleCommand(c any) {
	switch c := c.(type) {
	case cmdConnect:
		m.onConnect(c)
	case cmdDisconnect:
		m.teardown(ErrDisconnected)
		c.reply <- nil
	case cmdSend:
		c.reply <- m.write(c.data)
	case cmdApply:
		cfg := c.cfg.withDefaults()
		if cfg.ClientID == "" {
			cfg.ClientID = m.cfg.ClientID
		}
		m.cfg = cfg
		if m.state != kit.Connected {
			m.interval = cfg.Heartbeat.Interval
		}
		m.refreshSnapshot()
		c.reply <- nil
	}
}

func (m *Manager) handleEvent(ev any) {
	switch ev := ev.(type) {
	case dialResult:
		m.onDialResult(ev)
	case streamClosed:
		if ev.gen != m.gen || m.state != kit.Connected {
			return
		}
		m.closeStream(ev.code)
		m.onClosed(ev.code, ev.err)
	case reconnectDue:
		if ev.gen != m.gen || m.state != kit.Reconnecting {
			return
		}
		m.dial()
	case heartbeatDue:
		if ev.gen != m.gen || m.state != kit.Connected {
			return
		}
		m.heartbeat()
	}
}

func (m *Manager) handleIntent(ev eventbus.Event) {
	var frame any
	switch p := ev.Payload.(type) {
	case eventbus.AckIntent:
		frame = newAckFrame(p.MessageID, p.Status, m.now())
	case eventbus.ReadReceiptIntent:
		at := p.ReadAt
		if at.IsZero() {
			at = m.now()
		}
		frame = newReadReceiptFrame(p.MessageID, at)
	default:
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := m.write(data); err != nil {
		m.log.Debug("outbound intent not sent", logx.String("kind", string(ev.Kind())), logx.Err(err))
	}
}

func (m *Manager) onConnect(c cmdConnect) {
	switch m.state {
	case kit.Connected:
		c.reply <- nil
		return
	case kit.Connecting:
		m.waiters = append(m.waiters, c.reply)
		return
	}
	m.timers.Cancel(timerReconnect)
	m.endpoint = c.endpoint
	m.attempt = 0
	m.waiters = append(m.waiters, c.reply)
	m.dial()
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	force := m.forceRefresh
	m.forceRefresh = false
	endpoint := m.endpoint

	m.setState(kit.Connecting, eventbus.ConnStateChanged{Attempt: m.attempt})

	ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	go func() {
		defer cancel()
		stream, err := m.open(ctx, endpoint, force)
		if !m.post(dialResult{gen: gen, stream: stream, err: err}) && stream != nil {
			_ = stream.Close(kit.CloseNormal, "shutdown")
		}
	}()
}

// open runs off the loop: token lookup then transport dial.
func (m *Manager) open(ctx context.Context, endpoint string, force bool) (kit.Stream, error) {
	var tok string
	if m.tokens != nil {
		var err error
		if force {
			var info token.Info
			info, err = m.tokens.ForceRefresh(ctx)
			tok = info.Token
		} else {
			tok, err = m.tokens.GetToken(ctx)
		}
		if err != nil {
			if fault.KindOf(err) == fault.KindUnknown {
				err = fault.Token("conn.token", err)
			}
			return nil, err
		}
	}
	u, err := BuildURL(endpoint, tok, m.now())
	if err != nil {
		return nil, fault.NoRetry(fault.Connection("conn.url", err))
	}
	if m.dialer == nil {
		return nil, fault.NoRetry(fault.Connection("conn.dial", errors.New("no dialer configured")))
	}
	stream, err := m.dialer.Dial(ctx, u)
	if err != nil {
		return nil, fault.Connection("conn.dial", err)
	}
	return stream, nil
}

func (m *Manager) onDialResult(r dialResult) {
	if r.gen != m.gen || m.state != kit.Connecting {
		if r.stream != nil {
			_ = r.stream.Close(kit.CloseNormal, "stale")
		}
		return
	}
	m.dialCancel = nil
	if r.err != nil {
		m.onDialFailed(r.err)
		return
	}

	now := m.now()
	m.stream = r.stream
	m.attempt = 0
	m.hbFailures = 0
	m.lastErr = nil
	m.connectedAt = now
	m.lastActivity.Store(now.UnixNano())
	m.setState(kit.Connected, eventbus.ConnStateChanged{})
	m.log.Info("connected", logx.String("endpoint", m.endpoint), logx.Duration("heartbeat", m.interval))

	go m.readLoop(m.gen, r.stream)
	m.armHeartbeat()
	m.replyWaiters(nil)
}

func (m *Manager) onDialFailed(err error) {
	m.lastErr = err
	m.setState(kit.Error, eventbus.ConnStateChanged{Attempt: m.attempt, Err: err.Error()})
	if len(m.waiters) > 0 {
		// First attempt of a cycle: the caller owns the retry decision.
		m.replyWaiters(err)
		return
	}
	if !fault.IsRetryable(err) {
		m.log.Warn("reconnect stopped", logx.Err(err))
		m.publishError(err)
		return
	}
	m.log.Debug("reconnect attempt failed", logx.Int("attempt", m.attempt), logx.Err(err))
	m.scheduleReconnect(0, err)
}

func (m *Manager) readLoop(gen uint64, stream kit.Stream) {
	for {
		data, err := stream.Read()
		if err != nil {
			m.post(streamClosed{gen: gen, code: kit.CloseCode(err), err: err})
			return
		}
		now := m.now()
		m.lastActivity.Store(now.UnixNano())
		if isHeartbeatAck(data) {
			continue
		}
		if m.bus != nil {
			m.bus.Publish(eventbus.FrameReceived{Data: data, At: now})
		}
	}
}

func (m *Manager) onClosed(code int, cause error) {
	m.lastCode = code
	uptime := m.now().Sub(m.connectedAt)

	if code == kit.CloseNormal {
		m.streak = 0
		m.resetInterval()
		m.setState(kit.Disconnected, eventbus.ConnStateChanged{Code: code})
		m.log.Info("connection closed normally")
		return
	}

	if code == kit.CloseAbnormal {
		if uptime >= m.cfg.StableAfter {
			m.streak = 0
		}
		m.streak++
		m.adaptHeartbeat()
	} else {
		m.streak = 0
	}
	if code == kit.ClosePolicyViolation {
		m.forceRefresh = true
	}
	m.log.Warn("connection closed", logx.Int("code", code), logx.Int("abnormal_streak", m.streak), logx.Err(cause))
	m.scheduleReconnect(code, cause)
}

// scheduleReconnect arms exactly one reconnect timer, or moves to Error when
// the attempt cap is reached.
func (m *Manager) scheduleReconnect(code int, cause error) {
	if limit := m.cfg.MaxReconnectAttempts; limit > 0 && m.attempt >= limit {
		err := fault.WithRetryAfter(
			fault.Connection("conn.reconnect", fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, m.attempt)),
			m.cfg.Backoff.Max,
		)
		m.lastErr = err
		m.setState(kit.Error, eventbus.ConnStateChanged{Attempt: m.attempt, Code: code, Err: err.Error()})
		m.log.Error("giving up reconnecting", logx.Int("attempts", m.attempt))
		m.publishError(err)
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempt+m.penalty(), m.rnd)
	if floor := m.floorFor(code); delay < floor {
		delay = min(floor, m.cfg.Backoff.Max)
	}
	m.attempt++
	m.reconnects++
	gen := m.gen
	m.timers.Schedule(timerReconnect, delay, func() { m.post(reconnectDue{gen: gen}) })

	change := eventbus.ConnStateChanged{Attempt: m.attempt, Code: code, Delay: delay}
	if cause != nil {
		change.Err = cause.Error()
	}
	m.setState(kit.Reconnecting, change)
}

// penalty grows the backoff exponent while abnormal closes keep repeating,
// since every successful open resets the attempt counter.
func (m *Manager) penalty() int {
	if m.streak > 1 {
		return m.streak - 1
	}
	return 0
}

func (m *Manager) floorFor(code int) time.Duration {
	switch code {
	case kit.CloseServerError:
		return m.cfg.ServerErrorDelay
	case kit.CloseServiceRestart:
		return m.cfg.ServiceRestartDelay
	case kit.CloseTryAgainLater:
		return m.cfg.TryAgainDelay
	default:
		return 0
	}
}

func (m *Manager) armHeartbeat() {
	gen := m.gen
	m.timers.Schedule(timerHeartbeat, m.interval, func() { m.post(heartbeatDue{gen: gen}) })
}

func (m *Manager) heartbeat() {
	m.seq++
	data, _ := json.Marshal(heartbeatFrame{
		Type:      kit.FrameHeartbeat,
		ClientID:  m.cfg.ClientID,
		Sequence:  m.seq,
		Timestamp: m.now().UnixMilli(),
	})
	if err := m.write(data); err != nil {
		m.hbFailures++
		m.log.Warn("heartbeat send failed", logx.Int("failures", m.hbFailures), logx.Err(err))
		if m.hbFailures >= m.cfg.Heartbeat.FailureThreshold {
			m.closeStream(kit.CloseAbnormal)
			m.onClosed(kit.CloseAbnormal, fmt.Errorf("%d consecutive heartbeat failures: %w", m.hbFailures, err))
			return
		}
	} else {
		m.hbFailures = 0
		if m.bus != nil {
			m.bus.Publish(eventbus.HeartbeatSent{Sequence: m.seq, Interval: m.interval})
		}
	}
	m.refreshSnapshot()
	m.armHeartbeat()
}

func (m *Manager) adaptHeartbeat() {
	hb := m.cfg.Heartbeat
	if !hb.Adaptive || m.streak < hb.AdaptAfter {
		return
	}
	next := time.Duration(float64(m.interval) * hb.AdaptFactor)
	if next < hb.Floor {
		next = hb.Floor
	}
	if next != m.interval {
		m.log.Info("heartbeat interval shortened", logx.Duration("from", m.interval), logx.Duration("to", next))
		m.interval = next
	}
}

func (m *Manager) resetInterval() {
	if m.cfg.Heartbeat.HoldOnCleanClose {
		return
	}
	m.interval = m.cfg.Heartbeat.Interval
}

func (m *Manager) write(data []byte) error {
	if m.state != kit.Connected || m.stream == nil {
		return ErrNotConnected
	}
	if err := m.stream.Write(data, m.now().Add(m.cfg.WriteTimeout)); err != nil {
		return fault.Connection("conn.send", err)
	}
	return nil
}

func (m *Manager) closeStream(code int) {
	m.timers.Cancel(timerHeartbeat)
	if m.stream != nil {
		_ = m.stream.Close(code, "")
		m.stream = nil
	}
}

// teardown is the explicit-disconnect path: every timer for this cycle is
// cancelled before returning.
func (m *Manager) teardown(waitErr error) {
	m.gen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.timers.CancelAll()
	if m.stream != nil {
		_ = m.stream.Close(kit.CloseNormal, "client disconnect")
		m.stream = nil
	}
	m.attempt = 0
	m.streak = 0
	m.forceRefresh = false
	m.resetInterval()
	m.replyWaiters(waitErr)
	if m.state != kit.Disconnected {
		m.setState(kit.Disconnected, eventbus.ConnStateChanged{Code: kit.CloseNormal})
	}
}

func (m *Manager) replyWaiters(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Manager) publishError(err error) {
	if m.bus != nil {
		m.bus.Publish(eventbus.ComponentError{Component: "conn", Err: err})
	}
}

func (m *Manager) setState(to kit.ConnectionState, change eventbus.ConnStateChanged) {
	from := m.state
	m.state = to
	m.refreshSnapshot()
	m.log.Debug("state", logx.String("from", from.String()), logx.String("to", to.String()), logx.Int("attempt", change.Attempt))
	if m.bus != nil {
		change.From = from
		change.To = to
		m.bus.Publish(change)
	}
}

func (m *Manager) refreshSnapshot() {
	s := &Snapshot{
		State:             m.state,
		Endpoint:          m.endpoint,
		ClientID:          m.cfg.ClientID,
		Attempt:           m.attempt,
		AbnormalStreak:    m.streak,
		HeartbeatInterval: m.interval,
		HeartbeatSeq:      m.seq,
		Reconnects:        m.reconnects,
		LastCloseCode:     m.lastCode,
		ConnectedAt:       m.connectedAt,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.snap.Store(s)
}
