package app

import (
	"strings"

	"pushclient/internal/config"
	"pushclient/internal/conn"
	"pushclient/internal/message"
	"pushclient/internal/notification"
	"pushclient/internal/observability/status"
	"pushclient/internal/push"
	"pushclient/internal/storage"
	"pushclient/internal/token"
	logx "pushclient/pkg/logx"
)

// mapPushConfig converts the file config to the service config. Zero
// durations are left zero so each component applies its own default.
func mapPushConfig(cfg *config.Config) (push.Config, error) {
	if cfg == nil {
		return push.Config{Enabled: true}, nil
	}
	var d config.Durations
	c, h, t, m := cfg.Connection, cfg.Heartbeat, cfg.Token, cfg.Messages

	out := push.Config{
		Endpoints: trimAll(cfg.Server.Endpoints),
		Enabled:   cfg.Server.Enabled == nil || *cfg.Server.Enabled,
		Conn: conn.Config{
			ClientID:             strings.TrimSpace(cfg.Server.ClientID),
			MaxReconnectAttempts: c.MaxReconnectAttempts,
			Backoff: conn.Backoff{
				Base:       d.Get("connection.backoff_base", c.BackoffBase, 0),
				Max:        d.Get("connection.backoff_max", c.BackoffMax, 0),
				Multiplier: c.BackoffMultiplier,
				Jitter:     c.Jitter,
			},
			ConnectTimeout:      d.Get("connection.connect_timeout", c.ConnectTimeout, 0),
			WriteTimeout:        d.Get("connection.write_timeout", c.WriteTimeout, 0),
			ServerErrorDelay:    d.Get("connection.server_error_delay", c.ServerErrorDelay, 0),
			ServiceRestartDelay: d.Get("connection.service_restart_delay", c.ServiceRestartDelay, 0),
			TryAgainDelay:       d.Get("connection.try_again_delay", c.TryAgainDelay, 0),
			StableAfter:         d.Get("connection.stable_after", c.StableAfter, 0),
			Heartbeat: conn.HeartbeatConfig{
				Interval:         d.Get("heartbeat.interval", h.Interval, 0),
				Min:              d.Get("heartbeat.min", h.Min, 0),
				Max:              d.Get("heartbeat.max", h.Max, 0),
				FailureThreshold: h.FailureThreshold,
				Adaptive:         h.Adaptive,
				AdaptAfter:       h.AdaptAfter,
				AdaptFactor:      h.AdaptFactor,
				Floor:            d.Get("heartbeat.floor", h.Floor, 0),
				HoldOnCleanClose: h.HoldOnCleanClose,
			},
		},
		Token: token.Config{
			RefreshLead:     d.Get("token.refresh_lead", t.RefreshLead, 0),
			RefreshFraction: t.RefreshFraction,
			DefaultTTL:      d.Get("token.default_ttl", t.DefaultTTL, 0),
			RetryDelay:      d.Get("token.retry_delay", t.RetryDelay, 0),
			FetchTimeout:    d.Get("token.fetch_timeout", t.FetchTimeout, 0),
		},
		Messages: message.Config{
			MaxFrameBytes:  m.MaxFrameBytes,
			QueueSize:      m.QueueSize,
			BatchSize:      m.BatchSize,
			TickInterval:   d.Get("messages.tick_interval", m.TickInterval, 0),
			HandlerTimeout: d.Get("messages.handler_timeout", m.HandlerTimeout, 0),
		},
		Notifications: notification.Config{
			MaxConcurrent: cfg.Notifications.MaxConcurrent,
			DedupWindow:   d.Get("notifications.dedup_window", cfg.Notifications.DedupWindow, 0),
		},
		Locale: push.LocaleConfig{
			Prefixes: m.LocalePrefixes,
			Hosts:    m.LocaleHosts,
			Locales:  m.Locales,
		},
		Restart: push.RestartConfig{
			Delay:  d.Get("restart.delay", cfg.Restart.Delay, 0),
			Budget: cfg.Restart.Budget,
			Refill: d.Get("restart.refill", cfg.Restart.Refill, 0),
		},
		Report: push.ReportConfig{Schedule: strings.TrimSpace(cfg.Report.Schedule)},
	}
	return out, d.Err()
}

// mapStorageConfig reports enabled=false when no driver is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	bt, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: bt}, true, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	if cfg == nil {
		return status.Config{}, nil
	}
	s := cfg.Status
	var d config.Durations
	out := status.Config{
		Enabled:       s.Enabled,
		Addr:          strings.TrimSpace(s.Addr),
		Token:         strings.TrimSpace(s.Token),
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		ReadTimeout:   d.Get("status.read_timeout", s.ReadTimeout, 0),
		WriteTimeout:  d.Get("status.write_timeout", s.WriteTimeout, 0),
		IdleTimeout:   d.Get("status.idle_timeout", s.IdleTimeout, 0),
	}
	if out.Addr == "" {
		out.Addr = status.DefaultAddr
	}
	return out, d.Err()
}

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
