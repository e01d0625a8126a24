package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by a Client. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Connected         prometheus.Gauge
	Reconnects        prometheus.Counter
	CommandsSent      *prometheus.CounterVec
	CommandsFailed    *prometheus.CounterVec
	EventsReceived    prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hassws",
			Name:      "connected",
			Help:      "1 while the client is authenticated",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hassws",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a dropped or failed connection",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hassws",
			Name:      "commands_sent_total",
			Help:      "Commands written to the socket",
		}, []string{"type"}),
		CommandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hassws",
			Name:      "commands_failed_total",
			Help:      "Commands acknowledged with success=false",
		}, []string{"code"}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hassws",
			Name:      "events_received_total",
			Help:      "Event frames received",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hassws",
			Name:      "heartbeat_timeouts_total",
			Help:      "Pings left unanswered past the heartbeat timeout",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Connected, m.Reconnects, m.CommandsSent, m.CommandsFailed, m.EventsReceived, m.HeartbeatTimeouts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) commandSent(typ string) {
	if m != nil {
		m.CommandsSent.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) commandFailed(code string) {
	if m != nil {
		m.CommandsFailed.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) event() {
	if m != nil {
		m.EventsReceived.Inc()
	}
}

func (m *Metrics) heartbeatTimeout() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}
