package conn

import "time"

type Config struct {
	// ClientID identifies this client in heartbeat frames. Generated when empty.
	ClientID string

	// MaxReconnectAttempts caps consecutive reconnects without a successful
	// open. Negative means unlimited.
	MaxReconnectAttempts int
	Backoff              Backoff

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// Minimum delays for server close codes that ask us to come back later.
	ServerErrorDelay    time.Duration // 1011
	ServiceRestartDelay time.Duration // 1012
	TryAgainDelay       time.Duration // 1013

	// StableAfter is how long a connection must stay open before an abnormal
	// close stops counting toward the flapping streak.
	StableAfter time.Duration

	Heartbeat HeartbeatConfig
}

type HeartbeatConfig struct {
	Interval time.Duration
	Min      time.Duration
	Max      time.Duration
	// FailureThreshold consecutive send failures force an abnormal close.
	FailureThreshold int

	// Adaptive shortens the interval by AdaptFactor after AdaptAfter
	// consecutive abnormal closes, never below Floor.
	Adaptive    bool
	AdaptAfter  int
	AdaptFactor float64
	Floor       time.Duration
	// HoldOnCleanClose keeps an adapted interval across a normal close.
	HoldOnCleanClose bool
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	c.Backoff = c.Backoff.withDefaults()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ServerErrorDelay <= 0 {
		c.ServerErrorDelay = 10 * time.Second
	}
	if c.ServiceRestartDelay <= 0 {
		c.ServiceRestartDelay = 5 * time.Second
	}
	if c.TryAgainDelay <= 0 {
		c.TryAgainDelay = 30 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	c.Heartbeat = c.Heartbeat.withDefaults()
	return c
}

func (h HeartbeatConfig) withDefaults() HeartbeatConfig {
	if h.Min <= 0 {
		h.Min = 5 * time.Second
	}
	if h.Max <= 0 {
		h.Max = 5 * time.Minute
	}
	if h.Max < h.Min {
		h.Max = h.Min
	}
	if h.Interval <= 0 {
		h.Interval = 30 * time.Second
	}
	h.Interval = clampDuration(h.Interval, h.Min, h.Max)
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = 3
	}
	if h.AdaptAfter <= 0 {
		h.AdaptAfter = 2
	}
	if h.AdaptFactor <= 0 || h.AdaptFactor >= 1 {
		h.AdaptFactor = 0.75
	}
	if h.Floor <= 0 || h.Floor > h.Interval {
		h.Floor = h.Min
	}
	return h
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
