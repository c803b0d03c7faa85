package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	UpstreamDials       *prometheus.CounterVec
	ResolverLookups     *prometheus.CounterVec
	SuppressedResponses prometheus.Counter
	BroadcastSends      *prometheus.CounterVec
	NotifyAttempts      *prometheus.CounterVec
	CaricatureRequests  *prometheus.CounterVec
	SummaryRequests     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of relayed browser sessions currently open.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamDials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dials_total",
			Help:      "Upstream WebSocket dial attempts by query parameter and result.",
		}, []string{"param", "result"}),
		ResolverLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_lookups_total",
			Help:      "User record lookups by result.",
		}, []string{"result"}),
		SuppressedResponses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_responses_total",
			Help:      "Browser response.create requests dropped in manual response mode.",
		}),
		BroadcastSends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_sends_total",
			Help:      "Status broadcasts delivered to browser sockets by result.",
		}, []string{"result"}),
		NotifyAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_attempts_total",
			Help:      "Resolution webhook attempts by result.",
		}, []string{"result"}),
		CaricatureRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "caricature_requests_total",
			Help:      "Caricature generation requests by result.",
		}, []string{"result"}),
		SummaryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_requests_total",
			Help:      "Transcript summarization requests by result.",
		}, []string{"result"}),
	}
}

// Observe helpers tolerate a nil receiver so packages can run without metrics.

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) UpstreamDial(param, result string) {
	if m == nil {
		return
	}
	m.UpstreamDials.WithLabelValues(param, result).Inc()
}

func (m *Metrics) ResolverLookup(result string) {
	if m == nil {
		return
	}
	m.ResolverLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SuppressedResponse() {
	if m == nil {
		return
	}
	m.SuppressedResponses.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) Broadcast(sent, failed int) {
	if m == nil {
		return
	}
	m.BroadcastSends.WithLabelValues("sent").Add(float64(sent))
	m.BroadcastSends.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) NotifyAttempt(result string) {
	if m == nil {
		return
	}
	m.NotifyAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) CaricatureRequest(result string) {
	if m == nil {
		return
	}
	m.CaricatureRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) SummaryRequest(result string) {
	if m == nil {
		return
	}
	m.SummaryRequests.WithLabelValues(result).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
