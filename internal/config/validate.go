package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var reportParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks everything that can be checked without touching the
// network. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for i, ep := range cfg.Server.Endpoints {
		add(checkURL(fmt.Sprintf("server.endpoints[%d]", i), ep, "ws", "wss", "http", "https"))
	}
	if u := strings.TrimSpace(cfg.Token.URL); u != "" {
		add(checkURL("token.url", u, "http", "https"))
	}

	durations := map[string]string{
		"connection.backoff_base":          cfg.Connection.BackoffBase,
		"connection.backoff_max":           cfg.Connection.BackoffMax,
		"connection.connect_timeout":       cfg.Connection.ConnectTimeout,
		"connection.handshake_timeout":     cfg.Connection.HandshakeTimeout,
		"connection.write_timeout":         cfg.Connection.WriteTimeout,
		"connection.server_error_delay":    cfg.Connection.ServerErrorDelay,
		"connection.service_restart_delay": cfg.Connection.ServiceRestartDelay,
		"connection.try_again_delay":       cfg.Connection.TryAgainDelay,
		"connection.stable_after":          cfg.Connection.StableAfter,
		"heartbeat.interval":               cfg.Heartbeat.Interval,
		"heartbeat.min":                    cfg.Heartbeat.Min,
		"heartbeat.max":                    cfg.Heartbeat.Max,
		"heartbeat.floor":                  cfg.Heartbeat.Floor,
		"token.refresh_lead":               cfg.Token.RefreshLead,
		"token.default_ttl":                cfg.Token.DefaultTTL,
		"token.retry_delay":                cfg.Token.RetryDelay,
		"token.fetch_timeout":              cfg.Token.FetchTimeout,
		"messages.tick_interval":           cfg.Messages.TickInterval,
		"messages.handler_timeout":         cfg.Messages.HandlerTimeout,
		"notifications.dedup_window":       cfg.Notifications.DedupWindow,
		"restart.delay":                    cfg.Restart.Delay,
		"restart.refill":                   cfg.Restart.Refill,
		"status.read_timeout":              cfg.Status.ReadTimeout,
		"status.write_timeout":             cfg.Status.WriteTimeout,
		"status.idle_timeout":              cfg.Status.IdleTimeout,
	}
	for path, raw := range durations {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if f := cfg.Token.RefreshFraction; f < 0 || f >= 1 {
		add(fmt.Errorf("token.refresh_fraction must be in [0,1), got %v", f))
	}
	if j := cfg.Connection.Jitter; j < 0 || j >= 1 {
		add(fmt.Errorf("connection.jitter must be in [0,1), got %v", j))
	}
	if m := cfg.Connection.BackoffMultiplier; m != 0 && m < 1 {
		add(fmt.Errorf("connection.backoff_multiplier must be >= 1, got %v", m))
	}
	if f := cfg.Heartbeat.AdaptFactor; f != 0 && (f <= 0 || f >= 1) {
		add(fmt.Errorf("heartbeat.adapt_factor must be in (0,1), got %v", f))
	}
	if n := cfg.Notifications.MaxConcurrent; n < 0 {
		add(fmt.Errorf("notifications.max_concurrent must be >= 0, got %d", n))
	}
	if s := strings.TrimSpace(cfg.Report.Schedule); s != "" {
		if _, err := reportParser.Parse(s); err != nil {
			add(fmt.Errorf("report.schedule: %w", err))
		}
	}
	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none", "memory", "mem", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				add(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", sc.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		add(err)
	}
	return errors.Join(errs...)
}

func checkURL(path, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %q", path, raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported scheme %q", path, u.Scheme)
}
