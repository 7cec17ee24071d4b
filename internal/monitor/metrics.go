package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/afkbot/afkbot/internal/agent"
)

var allStates = []agent.State{
	agent.StateIdle,
	agent.StateConnecting,
	agent.StateConnected,
	agent.StateAwaitingRetry,
}

// Metrics holds all Prometheus metrics for the bot
type Metrics struct {
	// Counters
	AttemptsTotal         prometheus.Counter
	EventsTotal           prometheus.CounterVec
	DisconnectsTotal      prometheus.CounterVec
	ProbeResultsTotal     prometheus.CounterVec
	LivenessRequestsTotal prometheus.Counter
	NotificationsTotal    prometheus.CounterVec

	// Gauges
	State          prometheus.GaugeVec
	BackoffSeconds prometheus.Gauge
	FeedClients    prometheus.Gauge
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			AttemptsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "afkbot_connection_attempts_total",
					Help: "Total connection attempts started",
				},
			),
			EventsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afkbot_connection_events_total",
					Help: "Total connection events processed by type",
				},
				[]string{"type"},
			),
			DisconnectsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afkbot_disconnects_total",
					Help: "Terminal events by kind (lost/failed) and the state they ended",
				},
				[]string{"kind", "from_state"},
			),
			ProbeResultsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afkbot_probe_results_total",
					Help: "Pre-flight probe outcomes",
				},
				[]string{"result"},
			),
			LivenessRequestsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "afkbot_liveness_requests_total",
					Help: "Requests served by the liveness endpoint",
				},
			),
			NotificationsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "afkbot_notifications_total",
					Help: "Discord notifications by outcome",
				},
				[]string{"status"},
			),
			State: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "afkbot_supervisor_state",
					Help: "1 for the current supervisor state, 0 otherwise",
				},
				[]string{"state"},
			),
			BackoffSeconds: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "afkbot_backoff_seconds",
					Help: "Delay of the pending reconnect, 0 when none is scheduled",
				},
			),
			FeedClients: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "afkbot_state_feed_clients",
					Help: "Connected state feed subscribers",
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// OnUpdate records one supervisor update.
func (m *Metrics) OnUpdate(u agent.Update) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(u.Event.Type)).Inc()
	if u.To == agent.StateConnecting && u.From != agent.StateConnecting {
		m.AttemptsTotal.Inc()
	}
	if u.Event.Terminal() && u.To == agent.StateAwaitingRetry {
		m.DisconnectsTotal.WithLabelValues(string(u.Event.Type), u.From.String()).Inc()
	}
	m.SetState(u.To)
	m.BackoffSeconds.Set(u.Delay.Seconds())
}

// SetState marks s as the only active state.
func (m *Metrics) SetState(s agent.State) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.State.WithLabelValues(st.String()).Set(v)
	}
}

// RecordProbe records a pre-flight probe outcome
func (m *Metrics) RecordProbe(result agent.ProbeResult) {
	if m == nil {
		return
	}
	m.ProbeResultsTotal.WithLabelValues(string(result)).Inc()
}

// RecordLivenessRequest counts one GET / on the liveness port
func (m *Metrics) RecordLivenessRequest() {
	if m == nil {
		return
	}
	m.LivenessRequestsTotal.Inc()
}

// RecordNotification records a Discord send outcome
func (m *Metrics) RecordNotification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

// SetFeedClients sets the current state feed subscriber count
func (m *Metrics) SetFeedClients(count int) {
	if m == nil {
		return
	}
	m.FeedClients.Set(float64(count))
}
