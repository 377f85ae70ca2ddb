package token

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"pushclient/internal/eventbus"
	"pushclient/internal/fault"
	"pushclient/internal/runtime/timers"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/sync/singleflight"
)

var (
	ErrClosed       = errors.New("token manager closed")
	ErrEmptyToken   = errors.New("token endpoint returned an empty token")
	ErrExpiredToken = errors.New("token endpoint returned an expired token")
	ErrNoIdentity   = errors.New("user identity unavailable")
)

const (
	timerRefresh = "refresh"
	// flightKey names the shared fetch in the singleflight group.
	flightKey = "refresh"
)

type Config struct {
	// RefreshLead is the maximum time before expiry a refresh is attempted.
	RefreshLead time.Duration
	// RefreshFraction caps the lead to a fraction of the token lifetime so
	// short-lived tokens are not refreshed immediately.
	RefreshFraction float64
	// DefaultTTL applies when neither the endpoint nor the JWT carry an expiry.
	DefaultTTL time.Duration
	// RetryDelay is the wait before the single retry of a failed scheduled refresh.
	RetryDelay   time.Duration
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshLead <= 0 {
		c.RefreshLead = 5 * time.Minute
	}
	if c.RefreshFraction <= 0 || c.RefreshFraction >= 1 {
		c.RefreshFraction = 0.2
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = fault.TokenRetryDelay
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	return c
}

// Info is an issued credential. Never mutated after creation.
type Info struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	RefreshAt time.Time `json:"refresh_at"`
}

// Valid reports whether the token has not expired at t.
func (i *Info) Valid(t time.Time) bool { return i != nil && t.Before(i.ExpiresAt) }

// Fresh reports whether the token does not need a refresh at t.
func (i *Info) Fresh(t time.Time) bool { return i != nil && t.Before(i.RefreshAt) }

type Manager struct {
	cfg      Config
	fetcher  kit.Fetcher
	identity kit.IdentityProvider
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	info    atomic.Pointer[Info]
	fetches atomic.Uint64
	group   singleflight.Group
	timers  *timers.Set

	// Background refreshes run under ctx so they outlive the callers that
	// triggered them but stop on Close.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func New(cfg Config, fetcher kit.Fetcher, identity kit.IdentityProvider, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.withDefaults(),
		fetcher:  fetcher,
		identity: identity,
		bus:      bus,
		log:      log.With(logx.String("comp", "token")),
		now:      time.Now,
		timers:   timers.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Current returns the cached credential, if any.
func (m *Manager) Current() (Info, bool) {
	if p := m.info.Load(); p != nil {
		return *p, true
	}
	return Info{}, false
}

// Fetches reports how many times the fetcher was called.
func (m *Manager) Fetches() uint64 { return m.fetches.Load() }

// RefreshDue returns when the proactive refresh fires, if scheduled.
func (m *Manager) RefreshDue() (time.Time, bool) { return m.timers.Due(timerRefresh) }

// GetToken returns the cached token while it is fresh, otherwise refreshes
// and waits. A failed refresh falls back to a cached token that has not yet
// expired, unless the failure requires a new login.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	cur := m.info.Load()
	if cur.Fresh(m.now()) {
		return cur.Token, nil
	}
	info, err := m.Refresh(ctx)
	if err == nil {
		return info.Token, nil
	}
	if cur.Valid(m.now()) && !fault.IsLoginRequired(err) && !errors.Is(err, ErrClosed) {
		m.log.Warn("token refresh failed, using cached token", logx.Err(err), logx.Time("expires_at", cur.ExpiresAt))
		return cur.Token, nil
	}
	return "", err
}

// Refresh fetches a new token, joining a refresh already in flight.
func (m *Manager) Refresh(ctx context.Context) (Info, error) {
	return m.refresh(ctx, false)
}

// ForceRefresh fetches a new token without joining an in-flight refresh,
// for when the server rejected the current credential.
func (m *Manager) ForceRefresh(ctx context.Context) (Info, error) {
	return m.refresh(ctx, true)
}

func (m *Manager) refresh(ctx context.Context, force bool) (Info, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.closed.Load() {
		return Info{}, fault.NoRetry(fault.Token("token.refresh", ErrClosed))
	}
	if force {
		m.group.Forget(flightKey)
	}
	ch := m.group.DoChan(flightKey, func() (any, error) {
		return m.fetch()
	})
	select {
	case <-ctx.Done():
		return Info{}, fault.Token("token.refresh", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Info{}, r.Err
		}
		return *(r.Val.(*Info)), nil
	}
}

func (m *Manager) fetch() (*Info, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.FetchTimeout)
	defer cancel()

	if m.fetcher == nil {
		return nil, fault.NoRetry(fault.Token("token.fetch", errors.New("no token fetcher configured")))
	}

	id, err := m.resolveIdentity(ctx)
	if err != nil {
		return nil, m.loginRequired("token.identity", err)
	}

	m.fetches.Add(1)
	cred, err := m.fetcher.Fetch(ctx, id)
	if err != nil {
		if fault.IsLoginRequired(err) {
			m.publishLogin(err)
			return nil, err
		}
		var fe *fault.Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, fault.Token("token.fetch", err)
	}
	if strings.TrimSpace(cred.Token) == "" {
		return nil, fault.Token("token.fetch", ErrEmptyToken)
	}

	now := m.now()
	exp := cred.ExpiresAt
	if exp.IsZero() {
		exp = m.tokenExpiry(cred.Token, now)
	}
	if !exp.After(now) {
		return nil, fault.Token("token.fetch", ErrExpiredToken)
	}

	info := &Info{Token: cred.Token, ExpiresAt: exp, RefreshAt: RefreshAt(now, exp, m.cfg.RefreshLead, m.cfg.RefreshFraction)}
	m.info.Store(info)
	m.schedule(info.RefreshAt.Sub(now), 0)

	m.log.Info("token refreshed", logx.Time("expires_at", info.ExpiresAt), logx.Time("refresh_at", info.RefreshAt))
	if m.bus != nil {
		m.bus.Publish(eventbus.TokenRefreshed{ExpiresAt: info.ExpiresAt, RefreshAt: info.RefreshAt})
	}
	return info, nil
}

func (m *Manager) resolveIdentity(ctx context.Context) (string, error) {
	if m.identity == nil {
		return "", ErrNoIdentity
	}
	id, err := m.identity.Identity(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

func (m *Manager) loginRequired(op string, err error) error {
	lerr := fault.LoginRequired(op, err)
	m.publishLogin(lerr)
	return lerr
}

func (m *Manager) publishLogin(err error) {
	m.log.Warn("login required", logx.Err(err))
	if m.bus != nil {
		m.bus.Publish(eventbus.LoginRequired{Reason: err.Error()})
	}
}

// tokenExpiry reads the JWT exp claim without verifying the signature;
// opaque tokens fall back to DefaultTTL.
func (m *Manager) tokenExpiry(raw string, now time.Time) time.Time {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err == nil {
		if exp := tok.Expiration(); !exp.IsZero() {
			return exp
		}
	}
	return now.Add(m.cfg.DefaultTTL)
}

// schedule arms the proactive refresh. attempt 1 is the single retry.
func (m *Manager) schedule(d time.Duration, attempt int) {
	m.timers.Schedule(timerRefresh, d, func() {
		if m.closed.Load() {
			return
		}
		_, err := m.Refresh(m.ctx)
		if err == nil {
			return
		}
		if attempt == 0 && fault.IsRetryable(err) {
			m.log.Warn("scheduled token refresh failed, retrying", logx.Err(err), logx.Duration("delay", m.cfg.RetryDelay))
			m.schedule(m.cfg.RetryDelay, 1)
			return
		}
		m.log.Warn("scheduled token refresh gave up", logx.Err(err))
	})
}

// Close cancels the refresh timer and any in-flight fetch.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.timers.Close()
	m.cancel()
}

// RefreshAt computes when a token issued at now and expiring at exp should be
// refreshed: exp minus min(lead, lifetime*fraction). The result is always
// before exp.
func RefreshAt(now, exp time.Time, lead time.Duration, fraction float64) time.Time {
	lifetime := exp.Sub(now)
	if lifetime <= 0 {
		return now
	}
	d := time.Duration(float64(lifetime) * fraction)
	if lead > 0 && lead < d {
		d = lead
	}
	if d <= 0 {
		d = lifetime / 2
	}
	if d <= 0 {
		d = lifetime
	}
	return exp.Add(-d)
}
