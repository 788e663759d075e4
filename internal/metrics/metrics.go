package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

var (
	// IssueDuration tracks the latency of credit note issuance
	IssueDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditnote_issue_duration_seconds",
			Help:    "Duration of credit note issuance requests in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"status"}, // success or failed
	)

	// RedeemDuration tracks the latency of redemption attempts
	RedeemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditnote_redeem_duration_seconds",
			Help:    "Duration of redemption requests in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"status"}, // success or failed
	)
)

// RecordIssueDuration records the duration of an issuance request
func RecordIssueDuration(status string, duration float64) {
	IssueDuration.WithLabelValues(status).Observe(duration)
}

// RecordRedeemDuration records the duration of a redemption request
func RecordRedeemDuration(status string, duration float64) {
	RedeemDuration.WithLabelValues(status).Observe(duration)
}
