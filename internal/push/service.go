// Package push is the orchestrator: it owns the token manager, connection
// manager, message processor and notification dispatcher, drives their
// lifecycle and applies the global error policy.
package push

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pushclient/internal/conn"
	"pushclient/internal/eventbus"
	"pushclient/internal/fault"
	"pushclient/internal/message"
	"pushclient/internal/notification"
	"pushclient/internal/runtime/supervisor"
	"pushclient/internal/runtime/timers"
	"pushclient/internal/storage"
	"pushclient/internal/token"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

var (
	ErrNotInitialized = errors.New("push service not initialized")
	ErrDisabled       = errors.New("push service disabled")
	ErrNoEndpoint     = errors.New("no push endpoint configured")
)

const timerRestart = "restart"

// Deps are the host collaborators. Dialer and Fetcher are required for the
// service to connect; the rest are optional.
type Deps struct {
	Dialer   kit.Dialer
	Fetcher  kit.Fetcher
	Identity kit.IdentityProvider
	Language kit.LanguageProvider
	Renderer kit.Renderer
	Opener   kit.URLOpener
	Resolver kit.EndpointResolver
	Store    storage.Store
	Bus      eventbus.Bus
}

type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	deps Deps

	tokens *token.Manager
	conn   *conn.Manager
	proc   *message.Processor
	notif  *notification.Dispatcher

	timers *timers.Set
	parser cron.Parser

	// opMu serialises Start, Stop and Restart. cancelOp aborts the one
	// holding it so Stop does not queue behind a hung connect.
	opMu     sync.Mutex
	cancelOp context.CancelFunc

	mu          sync.Mutex
	cfg         Config
	state       kit.ServiceState
	since       time.Time
	enabled     bool
	wantRunning bool
	endpoint    string
	endpointIdx int
	lastErr     error
	limiter     *rate.Limiter
	sup         *supervisor.Supervisor
	cron        *cron.Cron
	unregister  func()

	received   atomic.Uint64
	dispatched atomic.Uint64
	errs       atomic.Uint64
	restarts   atomic.Uint64
}

// New builds the service and all of its components. Nothing runs until Init.
func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New()
		deps.Bus = bus
	}
	s := &Service{
		log:     log.With(logx.String("comp", "push")),
		bus:     bus,
		deps:    deps,
		timers:  timers.New(),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:     cfg,
		state:   kit.Uninitialized,
		since:   time.Now(),
		enabled: cfg.Enabled,
		limiter: rate.NewLimiter(rate.Every(cfg.Restart.Refill), cfg.Restart.Budget),
	}
	s.tokens = token.New(cfg.Token, deps.Fetcher, deps.Identity, bus, log)
	s.conn = conn.New(cfg.Conn, deps.Dialer, s.tokens, bus, log)
	s.proc = message.New(cfg.Messages, bus, log)
	s.notif = notification.New(cfg.Notifications, deps.Renderer, deps.Opener, deps.Store, bus, log)
	return s
}

func (s *Service) Bus() eventbus.Bus { return s.bus }

// Subscribe is a shortcut for Bus().Subscribe.
func (s *Service) Subscribe(buffer int, kinds ...eventbus.Kind) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer, kinds...)
}

func (s *Service) State() kit.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Init starts the component loops and the status report. The connection is
// not opened until Start.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state != kit.Uninitialized {
		s.mu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup = sup
	cfg := s.cfg
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(256,
		eventbus.KindError,
		eventbus.KindControl,
		eventbus.KindLoginRequired,
		eventbus.KindFrame,
		eventbus.KindNotificationIntent,
	)
	sup.Go("conn", s.conn.Run)
	sup.Go("message", s.proc.Run)
	sup.Go("notification", s.notif.Run)
	sup.Go0("push.events", func(ctx context.Context) {
		defer unsub()
		s.eventLoop(ctx, events)
	})

	unregister := message.Builtins{
		Bus:       s.bus,
		Language:  s.deps.Language,
		Localizer: message.NewLocalizer(cfg.Locale.Prefixes, cfg.Locale.Hosts, cfg.Locale.Locales),
		Log:       s.log,
	}.Register(s.proc)

	s.mu.Lock()
	s.unregister = unregister
	s.mu.Unlock()
	if err := s.startReport(cfg.Report); err != nil {
		s.log.Warn("status report disabled", logx.String("schedule", cfg.Report.Schedule), logx.Err(err))
	}
	s.setState(kit.Initialized)
	s.log.Info("service initialized", logx.Int("endpoints", len(cfg.Endpoints)), logx.Bool("enabled", s.Enabled()))
	return nil
}

// Start resolves an endpoint, obtains a token and connects. It is a no-op
// while starting or running.
func (s *Service) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	ctx, done := s.trackOp(ctx)
	defer done()
	return s.start(ctx)
}

// trackOp derives the context of the operation holding opMu.
func (s *Service) trackOp(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelOp = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancelOp = nil
		s.mu.Unlock()
		cancel()
	}
}

func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case kit.Uninitialized:
		s.mu.Unlock()
		return ErrNotInitialized
	case kit.Starting, kit.Running:
		s.mu.Unlock()
		return nil
	}
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	s.wantRunning = true
	cfg := s.cfg
	idx := s.endpointIdx
	s.mu.Unlock()

	s.timers.Cancel(timerRestart)
	s.setState(kit.Starting)

	endpoint, err := s.resolveEndpoint(ctx, cfg, idx)
	if err == nil {
		_, err = s.tokens.GetToken(ctx)
	}
	if err == nil {
		err = s.conn.Connect(ctx, endpoint)
	}
	if err != nil {
		s.setState(kit.Stopped)
		if ctx.Err() != nil {
			s.log.Info("start aborted", logx.String("endpoint", endpoint), logx.Err(err))
			return err
		}
		s.log.Warn("start failed", logx.String("endpoint", endpoint), logx.Err(err))
		s.fail("start", err)
		return err
	}

	s.mu.Lock()
	s.endpoint = endpoint
	s.lastErr = nil
	s.mu.Unlock()
	s.setState(kit.Running)
	s.log.Info("service running", logx.String("endpoint", endpoint))
	return nil
}

// Stop cancels a pending restart, disconnects and clears notifications.
// Automatic restarts stay off until the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.wantRunning = false
	if s.cancelOp != nil {
		s.cancelOp()
	}
	s.mu.Unlock()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

func (s *Service) stop(ctx context.Context) error {
	s.timers.Cancel(timerRestart)
	switch s.State() {
	case kit.Uninitialized, kit.Initialized:
		return nil
	}
	var errs []error
	if err := s.conn.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.notif.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.State() != kit.Stopped {
		s.setState(kit.Stopped)
		s.log.Info("service stopped")
	}
	return errors.Join(errs...)
}

// Restart stops, waits the configured delay and starts again on the next
// endpoint.
func (s *Service) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	ctx, done := s.trackOp(ctx)
	defer done()
	return s.restart(ctx)
}

func (s *Service) restart(ctx context.Context) error {
	if s.State() == kit.Uninitialized {
		return ErrNotInitialized
	}
	n := s.restarts.Add(1)
	if err := s.stop(ctx); err != nil {
		s.log.Debug("stop during restart", logx.Err(err))
	}
	s.mu.Lock()
	s.endpointIdx++
	delay := s.cfg.Restart.Delay
	s.mu.Unlock()
	s.log.Info("restarting", logx.Uint64("restart", n), logx.Duration("delay", delay))

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return s.start(ctx)
}

// autoRestart is the policy-driven restart; it backs off if the user stopped
// or disabled the service in the meantime.
func (s *Service) autoRestart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	want := s.wantRunning && s.enabled
	s.mu.Unlock()
	if !want {
		return nil
	}
	ctx, done := s.trackOp(ctx)
	defer done()
	if err := s.restart(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("automatic restart failed", logx.Err(err))
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles the service. Disabling stops it; enabling starts it
// when it has been initialized.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	changed := s.enabled != enabled
	s.enabled = enabled
	state := s.state
	s.mu.Unlock()
	if changed {
		s.log.Info("enabled changed", logx.Bool("enabled", enabled))
	}
	if !enabled {
		return s.Stop(ctx)
	}
	if state == kit.Initialized || state == kit.Stopped {
		return s.Start(ctx)
	}
	return nil
}

// Apply swaps the configuration. Connection and endpoint changes take effect
// through a restart when running; token and message settings are read once
// at construction and need a new service.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.enabled = cfg.Enabled
	s.limiter.SetLimit(rate.Every(cfg.Restart.Refill))
	s.limiter.SetBurst(cfg.Restart.Budget)
	state := s.state
	s.mu.Unlock()

	if state == kit.Uninitialized {
		return nil
	}
	var errs []error
	if err := s.conn.Apply(ctx, cfg.Conn); err != nil {
		errs = append(errs, err)
	}
	if err := s.notif.Apply(ctx, cfg.Notifications); err != nil {
		errs = append(errs, err)
	}
	if old.Report != cfg.Report {
		if err := s.startReport(cfg.Report); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if !cfg.Enabled {
		return s.Stop(ctx)
	}
	reconnect := !reflect.DeepEqual(old.Endpoints, cfg.Endpoints) || !reflect.DeepEqual(old.Conn, cfg.Conn)
	switch {
	case state == kit.Running && reconnect:
		s.log.Info("connection settings changed, restarting")
		s.goSup("push.apply", s.autoRestart)
	case !old.Enabled && (state == kit.Initialized || state == kit.Stopped):
		return s.Start(ctx)
	}
	return nil
}

// Close stops the service and every component loop.
func (s *Service) Close(ctx context.Context) error {
	stopErr := s.Stop(ctx)
	s.timers.Close()

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	unregister := s.unregister
	s.unregister = nil
	sup := s.sup
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if unregister != nil {
		unregister()
	}
	var supErr error
	if sup != nil {
		supErr = sup.Stop(ctx)
	}
	s.tokens.Close()
	return errors.Join(stopErr, supErr)
}

func (s *Service) resolveEndpoint(ctx context.Context, cfg Config, idx int) (string, error) {
	if s.deps.Resolver != nil {
		ep, err := s.deps.Resolver.Endpoint(ctx)
		if err != nil {
			return "", fault.Connection("push.endpoint", err)
		}
		if ep = strings.TrimSpace(ep); ep != "" {
			return ep, nil
		}
	}
	if len(cfg.Endpoints) == 0 {
		return "", fault.NoRetry(fault.Connection("push.endpoint", ErrNoEndpoint))
	}
	if idx < 0 {
		idx = -idx
	}
	return cfg.Endpoints[idx%len(cfg.Endpoints)], nil
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev.Payload)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, p eventbus.Payload) {
	switch p := p.(type) {
	case eventbus.FrameReceived:
		s.received.Add(1)
	case eventbus.NotificationIntentReady:
		s.dispatched.Add(1)
	case eventbus.ComponentError:
		if p.Err != nil {
			s.fail(p.Component, p.Err)
		}
	case eventbus.LoginRequired:
		s.attention("login required", errors.New(p.Reason))
	case eventbus.ControlRequested:
		s.control(p.Action)
	}
}

func (s *Service) control(action string) {
	switch action {
	case message.ActionReconnect:
		s.log.Info("server requested reconnect")
		s.goSup("push.control", s.autoRestart)
	case message.ActionLogout:
		s.log.Warn("server requested logout")
		s.goSup("push.control", func(ctx context.Context) error {
			err := s.Stop(ctx)
			s.attention("logout requested by server", nil)
			return err
		})
	}
}

// fail applies the global error policy to err.
func (s *Service) fail(component string, err error) {
	s.errs.Add(1)
	s.mu.Lock()
	s.lastErr = err
	want := s.wantRunning && s.enabled
	limiter := s.limiter
	s.mu.Unlock()

	switch {
	case fault.IsLoginRequired(err):
		// The token manager already announced it.
		s.log.Warn("login required, not restarting", logx.String("component", component))
	case !fault.IsRetryable(err):
		s.attention(component+" failed", err)
	case !want:
		s.log.Debug("error while stopped", logx.String("component", component), logx.Err(err))
	case !limiter.Allow():
		s.attention("restart budget exhausted", err)
	default:
		delay := fault.RetryDelay(err)
		s.log.Info("restart scheduled", logx.String("component", component), logx.Duration("delay", delay), logx.Err(err))
		s.timers.Schedule(timerRestart, delay, func() { s.goSup("push.restart", s.autoRestart) })
	}
}

func (s *Service) attention(reason string, err error) {
	s.log.Error("attention required", logx.String("reason", reason), logx.Err(err))
	s.bus.Publish(eventbus.AttentionRequired{Reason: reason, Err: err})
}

func (s *Service) goSup(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil || sup.Context().Err() != nil {
		return
	}
	sup.Go(name, fn)
}

func (s *Service) setState(to kit.ServiceState) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.since = time.Now()
	s.mu.Unlock()
	s.bus.Publish(eventbus.ServiceStateChanged{From: from, To: to})
}
