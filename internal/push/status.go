package push

import (
	"time"

	"pushclient/internal/conn"
	"pushclient/internal/message"
	"pushclient/internal/runtime/supervisor"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Status is a point-in-time view of the service.
type Status struct {
	State      kit.ServiceState    `json:"state"`
	Since      time.Time           `json:"since"`
	Connection kit.ConnectionState `json:"connection"`
	Enabled    bool                `json:"enabled"`
	Endpoint   string              `json:"endpoint,omitempty"`

	Received   uint64 `json:"received"`
	Dispatched uint64 `json:"dispatched"`
	Errors     uint64 `json:"errors"`
	Reconnects uint64 `json:"reconnects"`
	Restarts   uint64 `json:"restarts"`

	ActiveNotifications   int  `json:"active_notifications"`
	PendingNotifications  int  `json:"pending_notifications"`
	NotificationsDisabled bool `json:"notifications_disabled"`

	TokenExpiresAt time.Time `json:"token_expires_at"`
	RestartPending bool      `json:"restart_pending"`
	LastError      string    `json:"last_error,omitempty"`

	Conn       conn.Snapshot       `json:"conn"`
	Messages   message.Stats       `json:"messages"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		State:    s.state,
		Since:    s.since,
		Enabled:  s.enabled,
		Endpoint: s.endpoint,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	sup := s.sup
	s.mu.Unlock()

	cs := s.conn.Snapshot()
	ns := s.notif.Snapshot()
	st.Connection = cs.State
	st.Conn = cs
	st.Reconnects = cs.Reconnects
	st.Received = s.received.Load()
	st.Dispatched = s.dispatched.Load()
	st.Errors = s.errs.Load()
	st.Restarts = s.restarts.Load()
	st.ActiveNotifications = ns.Active
	st.PendingNotifications = ns.Pending
	st.NotificationsDisabled = ns.Disabled
	st.Messages = s.proc.Stats()
	st.Supervisor = sup.Snapshot()
	st.RestartPending = s.timers.Pending(timerRestart)
	if info, ok := s.tokens.Current(); ok {
		st.TokenExpiresAt = info.ExpiresAt
	}
	return st
}

// startReport (re)schedules the periodic status log line.
func (s *Service) startReport(cfg ReportConfig) error {
	s.mu.Lock()
	old := s.cron
	s.cron = nil
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	if cfg.Schedule == "" {
		return nil
	}
	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(cfg.Schedule, s.report); err != nil {
		return err
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	return nil
}

func (s *Service) report() {
	st := s.Status()
	s.log.Info("status report",
		logx.String("state", st.State.String()),
		logx.String("connection", st.Connection.String()),
		logx.Bool("enabled", st.Enabled),
		logx.Uint64("received", st.Received),
		logx.Uint64("dispatched", st.Dispatched),
		logx.Uint64("errors", st.Errors),
		logx.Uint64("reconnects", st.Reconnects),
		logx.Uint64("restarts", st.Restarts),
		logx.Int("active", st.ActiveNotifications),
		logx.Int("pending", st.PendingNotifications),
		logx.Time("token_expires_at", st.TokenExpiresAt),
	)
}
