package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pushclient/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (token headers, identity, status
// token) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Int("server.endpoint_count", len(newCfg.Server.Endpoints)),
			logx.Bool("server.enabled", newCfg.Server.Enabled == nil || *newCfg.Server.Enabled),
			logx.String("server.language", newCfg.Server.Language),
		)
	}
	if oldCfg.Connection != newCfg.Connection {
		changed = append(changed, "connection")
		attrs = append(attrs,
			logx.Int("connection.max_reconnect_attempts", newCfg.Connection.MaxReconnectAttempts),
			logx.String("connection.backoff_base", strings.TrimSpace(newCfg.Connection.BackoffBase)),
			logx.String("connection.backoff_max", strings.TrimSpace(newCfg.Connection.BackoffMax)),
		)
	}
	if oldCfg.Heartbeat != newCfg.Heartbeat {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.String("heartbeat.interval", strings.TrimSpace(newCfg.Heartbeat.Interval)),
			logx.Bool("heartbeat.adaptive", newCfg.Heartbeat.Adaptive),
		)
	}
	oTok, nTok := oldCfg.Token, newCfg.Token
	if !reflect.DeepEqual(oTok, nTok) {
		changed = append(changed, "token")
		attrs = append(attrs,
			logx.Bool("token.url_set", strings.TrimSpace(nTok.URL) != ""),
			logx.Bool("token.url_changed", strings.TrimSpace(oTok.URL) != strings.TrimSpace(nTok.URL)),
			logx.Int("token.header_count", len(nTok.Headers)),
			logx.Bool("token.identity_set", strings.TrimSpace(nTok.Identity) != ""),
			logx.String("token.refresh_lead", strings.TrimSpace(nTok.RefreshLead)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Messages, newCfg.Messages) {
		changed = append(changed, "messages")
		attrs = append(attrs,
			logx.Int("messages.queue_size", newCfg.Messages.QueueSize),
			logx.Int("messages.batch_size", newCfg.Messages.BatchSize),
		)
	}
	if oldCfg.Notifications != newCfg.Notifications {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.Int("notifications.max_concurrent", newCfg.Notifications.MaxConcurrent),
			logx.String("notifications.dedup_window", strings.TrimSpace(newCfg.Notifications.DedupWindow)),
		)
	}
	if oldCfg.Restart != newCfg.Restart {
		changed = append(changed, "restart")
		attrs = append(attrs,
			logx.String("restart.delay", strings.TrimSpace(newCfg.Restart.Delay)),
			logx.Int("restart.budget", newCfg.Restart.Budget),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}
	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs, logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)))
	}

	sort.Strings(changed)
	return changed, attrs
}
