// Package metrics exposes Prometheus collectors over the coordinator's
// three components, registered via promauto following the pack's
// escrow/metrics.go convention. Served at GET /metrics (spec §6's ambient
// surface; observability is outside spec.md's Non-goals for the exchange
// core itself).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the coordinator updates.
type Metrics struct {
	IOCsReported     *prometheus.CounterVec
	IOCsPromoted     prometheus.Counter
	TrustUpdates     *prometheus.CounterVec
	TrustScore       *prometheus.GaugeVec
	ActiveSessions   prometheus.Gauge
	DetectionFeedLen prometheus.Gauge
	ConsensusVotes   prometheus.Histogram
	ExpirySweptTotal prometheus.Counter
}

// New creates and registers every collector against the default registry.
func New() *Metrics {
	return &Metrics{
		IOCsReported: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsig_iocs_reported_total",
				Help: "Total IOC reports received, labeled by ioc_type.",
			},
			[]string{"ioc_type"},
		),
		IOCsPromoted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fedsig_iocs_promoted_total",
				Help: "Total IOCs promoted from pending to verified by consensus.",
			},
		),
		TrustUpdates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsig_trust_updates_total",
				Help: "Total trust mutations, labeled by outcome (verified/rejected).",
			},
			[]string{"outcome"},
		),
		TrustScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fedsig_client_trust_score",
				Help: "Current trust score per client_id.",
			},
			[]string{"client_id"},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsig_active_sessions",
				Help: "Number of currently-connected client sessions.",
			},
		),
		DetectionFeedLen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsig_detection_feed_length",
				Help: "Current length of the bounded detection feed.",
			},
		),
		ConsensusVotes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fedsig_consensus_votes",
				Help:    "Number of votes accumulated at the moment of promotion.",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 13, 21},
			},
		),
		ExpirySweptTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fedsig_expiry_swept_total",
				Help: "Total IOCs marked expired by the background sweep.",
			},
		),
	}
}

// RecordReport increments the report counter for an IOC type.
func (m *Metrics) RecordReport(iocType string) {
	m.IOCsReported.WithLabelValues(iocType).Inc()
}

// RecordPromotion increments promotion counters given the vote count.
func (m *Metrics) RecordPromotion(voteCount int) {
	m.IOCsPromoted.Inc()
	m.ConsensusVotes.Observe(float64(voteCount))
}

// RecordTrustUpdate increments the trust-update counter and sets the
// client's current gauge value.
func (m *Metrics) RecordTrustUpdate(clientID string, verified bool, newTrust float64) {
	outcome := "rejected"
	if verified {
		outcome = "verified"
	}
	m.TrustUpdates.WithLabelValues(outcome).Inc()
	m.TrustScore.WithLabelValues(clientID).Set(newTrust)
}

// RecordExpirySweep adds n to the expiry-swept counter.
func (m *Metrics) RecordExpirySweep(n int) {
	m.ExpirySweptTotal.Add(float64(n))
}
