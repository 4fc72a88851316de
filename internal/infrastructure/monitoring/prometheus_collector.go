package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"watchparty/internal/core/ports"
)

// PrometheusCollector implements ports.MetricsRecorder. It takes an explicit
// registerer so tests can use a throwaway registry.
type PrometheusCollector struct {
	partiesActive     prometheus.Gauge
	membersConnected  prometheus.Gauge
	partiesTotal      prometheus.Counter
	controlMessages   *prometheus.CounterVec
	duplicatesDropped *prometheus.CounterVec
	broadcasts        *prometheus.CounterVec
	tokenValidations  *prometheus.CounterVec
	proxyRequests     *prometheus.CounterVec
	segmentDuration   prometheus.Histogram
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		partiesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "watchparty_parties_active",
			Help: "Number of live watch parties",
		}),

		membersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "watchparty_members_connected",
			Help: "Number of members currently in parties",
		}),

		partiesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "watchparty_parties_created_total",
			Help: "Total number of parties created",
		}),

		controlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchparty_control_messages_total",
			Help: "Inbound control-channel messages by type",
		}, []string{"type"}),

		duplicatesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchparty_duplicate_commands_dropped_total",
			Help: "Playback commands dropped by echo suppression",
		}, []string{"type"}),

		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchparty_broadcasts_total",
			Help: "Outbound control-channel events by type",
		}, []string{"type"}),

		tokenValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchparty_token_validations_total",
			Help: "Stream token validation results",
		}, []string{"outcome"}),

		proxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "watchparty_proxy_requests_total",
			Help: "HLS proxy requests by kind and status",
		}, []string{"kind", "status"}),

		segmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchparty_segment_transfer_duration_seconds",
			Help:    "Duration of proxied segment transfers",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
	}
}

func (c *PrometheusCollector) PartyCreated() {
	c.partiesActive.Inc()
	c.partiesTotal.Inc()
}

func (c *PrometheusCollector) PartyRemoved() { c.partiesActive.Dec() }

func (c *PrometheusCollector) MemberJoined() { c.membersConnected.Inc() }

func (c *PrometheusCollector) MemberLeft() { c.membersConnected.Dec() }

func (c *PrometheusCollector) ControlMessage(msgType string) {
	c.controlMessages.WithLabelValues(msgType).Inc()
}

func (c *PrometheusCollector) DuplicateDropped(cmdType string) {
	c.duplicatesDropped.WithLabelValues(cmdType).Inc()
}

func (c *PrometheusCollector) BroadcastSent(eventType string, recipients int) {
	c.broadcasts.WithLabelValues(eventType).Add(float64(recipients))
}

func (c *PrometheusCollector) TokenValidation(outcome string) {
	c.tokenValidations.WithLabelValues(outcome).Inc()
}

func (c *PrometheusCollector) ProxyRequest(kind, status string) {
	c.proxyRequests.WithLabelValues(kind, status).Inc()
}

func (c *PrometheusCollector) SegmentDuration(seconds float64) {
	c.segmentDuration.Observe(seconds)
}
