// Package metrics mirrors push engine events into Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"pushclient/internal/eventbus"
	kit "pushclient/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushclient"

// Metrics owns a private registry so several engines (and tests) can coexist
// in one process.
type Metrics struct {
	reg *prometheus.Registry

	connState     prometheus.Gauge
	serviceState  prometheus.Gauge
	transitions   *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	reconnectWait prometheus.Histogram
	frames        prometheus.Counter
	heartbeats    prometheus.Counter
	dropped       *prometheus.CounterVec
	stages        *prometheus.CounterVec
	serverAcks    *prometheus.CounterVec
	tokenRefresh  prometheus.Counter
	tokenExpiry   prometheus.Gauge
	loginRequired prometheus.Counter
	errors        *prometheus.CounterVec
	attention     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 error)",
		}),
		serviceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_state",
			Help:      "Current service state (0 uninitialized, 1 initialized, 2 starting, 3 running, 4 stopped)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"to"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled, by triggering close code",
		}, []string{"code"}),
		reconnectWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay chosen before each reconnect",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames handed to the message processor",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames written",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped, by reason",
		}, []string{"reason"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification lifecycle steps, by stage",
		}, []string{"stage"}),
		serverAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_acks_total",
			Help:      "Acknowledgements received from the server, by status",
		}, []string{"status"}),
		tokenRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Successful token fetches",
		}),
		tokenExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_expiry_timestamp_seconds",
			Help:      "Unix time at which the current token expires",
		}),
		loginRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_required_total",
			Help:      "Times the token manager asked for a fresh login",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_errors_total",
			Help:      "Errors reported to the service, by component",
		}, []string{"component"}),
		attention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attention_required_total",
			Help:      "Failures that need user action",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connState,
		m.serviceState,
		m.transitions,
		m.reconnects,
		m.reconnectWait,
		m.frames,
		m.heartbeats,
		m.dropped,
		m.stages,
		m.serverAcks,
		m.tokenRefresh,
		m.tokenExpiry,
		m.loginRequired,
		m.errors,
		m.attention,
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run mirrors bus events into collectors until ctx is cancelled.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev.Payload)
		}
	}
}

// Observe records a single payload.
func (m *Metrics) Observe(p eventbus.Payload) {
	switch p := p.(type) {
	case eventbus.ConnStateChanged:
		m.connState.Set(float64(p.To))
		m.transitions.WithLabelValues(p.To.String()).Inc()
		if p.To == kit.Reconnecting {
			m.reconnects.WithLabelValues(strconv.Itoa(p.Code)).Inc()
			m.reconnectWait.Observe(p.Delay.Seconds())
		}
	case eventbus.ServiceStateChanged:
		m.serviceState.Set(float64(p.To))
	case eventbus.FrameReceived:
		m.frames.Inc()
	case eventbus.HeartbeatSent:
		m.heartbeats.Inc()
	case eventbus.MessageDropped:
		m.dropped.WithLabelValues(p.Reason).Inc()
	case eventbus.NotificationStageChanged:
		m.stages.WithLabelValues(string(p.Stage)).Inc()
	case eventbus.ServerAck:
		m.serverAcks.WithLabelValues(p.Status).Inc()
	case eventbus.TokenRefreshed:
		m.tokenRefresh.Inc()
		if !p.ExpiresAt.IsZero() {
			m.tokenExpiry.Set(float64(p.ExpiresAt.Unix()))
		}
	case eventbus.LoginRequired:
		m.loginRequired.Inc()
	case eventbus.ComponentError:
		m.errors.WithLabelValues(p.Component).Inc()
	case eventbus.AttentionRequired:
		m.attention.Inc()
	}
}
