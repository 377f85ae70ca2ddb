package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "5m"). Omitted or
// zero values fall back to component defaults.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Connection    ConnectionConfig    `json:"connection"`
	Heartbeat     HeartbeatConfig     `json:"heartbeat"`
	Token         TokenConfig         `json:"token"`
	Messages      MessagesConfig      `json:"messages"`
	Notifications NotificationsConfig `json:"notifications"`
	Restart       RestartConfig       `json:"restart"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Status        StatusConfig        `json:"status"`
	Report        ReportConfig        `json:"report"`
}

// ServerConfig selects where to connect.
//
// Enabled is a pointer so an omitted key means enabled.
type ServerConfig struct {
	Endpoints []string `json:"endpoints"`
	Enabled   *bool    `json:"enabled,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	// Language is reported to the message pipeline by the console host.
	Language string `json:"language,omitempty"`
}

// ConnectionConfig tunes reconnects.
//
// Defaults:
//   - max_reconnect_attempts: 10 (negative means unlimited)
//   - backoff_base: "1s", backoff_max: "5m", backoff_multiplier: 2, jitter: 0
//   - connect_timeout: "15s", handshake_timeout: "10s", write_timeout: "5s"
//   - server_error_delay: "10s", service_restart_delay: "5s", try_again_delay: "30s"
//   - stable_after: "1m"
type ConnectionConfig struct {
	MaxReconnectAttempts int     `json:"max_reconnect_attempts,omitempty"`
	BackoffBase          string  `json:"backoff_base,omitempty"`
	BackoffMax           string  `json:"backoff_max,omitempty"`
	BackoffMultiplier    float64 `json:"backoff_multiplier,omitempty"`
	Jitter               float64 `json:"jitter,omitempty"`
	ConnectTimeout       string  `json:"connect_timeout,omitempty"`
	HandshakeTimeout     string  `json:"handshake_timeout,omitempty"`
	WriteTimeout         string  `json:"write_timeout,omitempty"`
	ReadLimit            int64   `json:"read_limit,omitempty"`
	ServerErrorDelay     string  `json:"server_error_delay,omitempty"`
	ServiceRestartDelay  string  `json:"service_restart_delay,omitempty"`
	TryAgainDelay        string  `json:"try_again_delay,omitempty"`
	StableAfter          string  `json:"stable_after,omitempty"`
}

type HeartbeatConfig struct {
	Interval         string  `json:"interval,omitempty"`
	Min              string  `json:"min,omitempty"`
	Max              string  `json:"max,omitempty"`
	FailureThreshold int     `json:"failure_threshold,omitempty"`
	Adaptive         bool    `json:"adaptive,omitempty"`
	AdaptAfter       int     `json:"adapt_after,omitempty"`
	AdaptFactor      float64 `json:"adapt_factor,omitempty"`
	Floor            string  `json:"floor,omitempty"`
	HoldOnCleanClose bool    `json:"hold_on_clean_close,omitempty"`
}

// TokenConfig points the HTTP fetcher at the token endpoint.
//
// Headers and Identity are secrets and never logged.
type TokenConfig struct {
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Identity        string            `json:"identity,omitempty"`
	RefreshLead     string            `json:"refresh_lead,omitempty"`
	RefreshFraction float64           `json:"refresh_fraction,omitempty"`
	DefaultTTL      string            `json:"default_ttl,omitempty"`
	RetryDelay      string            `json:"retry_delay,omitempty"`
	FetchTimeout    string            `json:"fetch_timeout,omitempty"`
}

type MessagesConfig struct {
	MaxFrameBytes  int      `json:"max_frame_bytes,omitempty"`
	QueueSize      int      `json:"queue_size,omitempty"`
	BatchSize      int      `json:"batch_size,omitempty"`
	TickInterval   string   `json:"tick_interval,omitempty"`
	HandlerTimeout string   `json:"handler_timeout,omitempty"`
	LocalePrefixes []string `json:"locale_prefixes,omitempty"`
	LocaleHosts    []string `json:"locale_hosts,omitempty"`
	Locales        []string `json:"locales,omitempty"`
}

type NotificationsConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// RestartConfig bounds automatic restarts: Budget back to back, one more
// every Refill.
type RestartConfig struct {
	Delay  string `json:"delay,omitempty"`
	Budget int    `json:"budget,omitempty"`
	Refill string `json:"refill,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional dedup/journal store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pushclient.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatusConfig controls the HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9470").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// ReportConfig schedules the periodic status log line (cron spec or
// "@every 5m"). Empty disables it.
type ReportConfig struct {
	Schedule string `json:"schedule,omitempty"`
}
