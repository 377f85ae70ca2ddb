package push

import (
	"time"

	"pushclient/internal/conn"
	"pushclient/internal/message"
	"pushclient/internal/notification"
	"pushclient/internal/token"
)

// Config is an immutable snapshot; Apply replaces it wholesale.
type Config struct {
	// Endpoints are tried round-robin, advancing on every restart. Ignored
	// when the host supplies an EndpointResolver.
	Endpoints []string
	Enabled   bool

	Conn          conn.Config
	Token         token.Config
	Messages      message.Config
	Notifications notification.Config
	Locale        LocaleConfig
	Restart       RestartConfig
	Report        ReportConfig
}

type LocaleConfig struct {
	// Prefixes are path prefixes that take the locale after them (/app/en/...).
	Prefixes []string
	// Hosts are treated as our own; absolute URLs to other hosts are left alone.
	Hosts   []string
	Locales []string
}

type RestartConfig struct {
	// Delay separates Stop and Start inside Restart.
	Delay time.Duration
	// Budget automatic restarts are allowed back to back; one more is
	// earned every Refill.
	Budget int
	Refill time.Duration
}

type ReportConfig struct {
	// Schedule is a cron spec ("@every 5m", "0 */10 * * * *"). Empty disables
	// the periodic status report.
	Schedule string
}

func (c Config) withDefaults() Config {
	if c.Restart.Delay < 0 {
		c.Restart.Delay = 0
	} else if c.Restart.Delay == 0 {
		c.Restart.Delay = time.Second
	}
	if c.Restart.Budget <= 0 {
		c.Restart.Budget = 5
	}
	if c.Restart.Refill <= 0 {
		c.Restart.Refill = time.Minute
	}
	c.Endpoints = append([]string(nil), c.Endpoints...)
	return c
}
