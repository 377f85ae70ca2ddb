package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pushclient/internal/config"
	"pushclient/internal/eventbus"
	"pushclient/internal/metrics"
	"pushclient/internal/observability/status"
	"pushclient/internal/push"
	"pushclient/internal/runtime/supervisor"
	"pushclient/internal/storage"
	"pushclient/internal/token"
	kit "pushclient/internal/transport"
	"pushclient/internal/transport/websocket"
	logx "pushclient/pkg/logx"
)

// Host overrides the collaborators the app would otherwise build from
// config. Zero fields fall back to the console host and the network
// transports.
type Host struct {
	Dialer   kit.Dialer
	Fetcher  kit.Fetcher
	Identity kit.IdentityProvider
	Language kit.LanguageProvider
	Renderer kit.Renderer
	Opener   kit.URLOpener
	Resolver kit.EndpointResolver
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Metrics
	push    *push.Service
	status  *status.Server
}

func New(cfgPath string, host Host) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	pcfg, err := mapPushConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if host.Dialer == nil {
		host.Dialer = &websocket.Dialer{
			HandshakeTimeout: durationOr(cfg.Connection.HandshakeTimeout, 0),
			ReadLimit:        cfg.Connection.ReadLimit,
		}
	}
	if host.Fetcher == nil {
		host.Fetcher = &token.HTTPFetcher{
			URL:     strings.TrimSpace(cfg.Token.URL),
			Headers: cfg.Token.Headers,
			Client:  &http.Client{},
		}
	}
	if host.Identity == nil {
		host.Identity = staticIdentity(func() string { return currentConfig(cfgm).Token.Identity })
	}
	if host.Language == nil {
		host.Language = kit.LanguageFunc(func() string { return currentConfig(cfgm).Server.Language })
	}
	var console *consoleRenderer
	if host.Renderer == nil {
		console = newConsoleRenderer(log)
		host.Renderer = console
	}
	if host.Opener == nil {
		host.Opener = consoleOpener(log)
	}

	svc := push.New(pcfg, push.Deps{
		Dialer:   host.Dialer,
		Fetcher:  host.Fetcher,
		Identity: host.Identity,
		Language: host.Language,
		Renderer: host.Renderer,
		Opener:   host.Opener,
		Resolver: host.Resolver,
		Store:    store,
		Bus:      bus,
	}, log)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: metrics.New(),
		push:    svc,
	}
	a.status = status.New(scfg, status.Sources{
		Status:  func() any { return a.push.Status() },
		Healthy: a.Healthy,
		Metrics: a.metrics.Handler(),
		Control: a.push,
		Toasts:  toastsOrNil(console),
	}, log)
	return a, nil
}

// toastsOrNil keeps a nil *consoleRenderer from becoming a non-nil interface.
func toastsOrNil(c *consoleRenderer) status.Toasts {
	if c == nil {
		return nil
	}
	return c
}

func currentConfig(m *config.Manager) *config.Config {
	if c := m.Get(); c != nil {
		return c
	}
	return &config.Config{}
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func (a *App) Push() *push.Service { return a.push }

func (a *App) Logger() logx.Logger { return a.log }

// StatusAddr is the bound status server address, empty when disabled.
func (a *App) StatusAddr() string { return a.status.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy fails when a supervised loop died or the service never
// initialized. A disconnected client that is still retrying is healthy.
func (a *App) Healthy() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if a.push.State() == kit.Uninitialized {
		return errors.New("push service not initialized")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: everything the mapping would reject is
	// rejected before commit/publish
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapPushConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStatusConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if err := a.push.Init(a.sup.Context()); err != nil {
		return err
	}
	a.status.Start(a.sup.Context())

	if a.push.Enabled() {
		if err := a.push.Start(a.sup.Context()); err != nil {
			// Failed starts are retried by the service's restart policy.
			a.log.Warn("initial start failed", logx.Err(err))
		}
	} else {
		a.log.Info("push disabled via config")
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(next))

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "token", "messages":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	// The manager's validator already ran both mappings, so errors here
	// only happen if the validator was bypassed.
	if pcfg, err := mapPushConfig(next); err != nil {
		a.log.Warn("invalid push config; keeping previous", logx.Err(err))
	} else if err := a.push.Apply(ctx, pcfg); err != nil {
		a.log.Warn("push config apply failed", logx.Err(err))
	}
	if scfg, err := mapStatusConfig(next); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(ctx, scfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
				limit = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Status first so /control cannot restart the service mid-shutdown.
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("push", 4*time.Second, a.push.Close)

	a.sup.Cancel()
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
