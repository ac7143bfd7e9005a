package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for monitoring the claim lifecycle
var (
	ClaimsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_claims_created_total",
			Help: "Total number of claims created",
		},
	)

	ClaimsReusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_claims_reused_total",
			Help: "Total number of duplicate claim creations answered with the existing pay link",
		},
	)

	CallbacksReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_callbacks_received_total",
			Help: "Total number of payment callbacks received",
		},
	)

	CallbacksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_callbacks_rejected_total",
			Help: "Total number of payment callbacks rejected, by reason",
		},
		[]string{"reason"},
	)

	DonationKeysIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_keys_issued_total",
			Help: "Total number of donation keys issued",
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(ClaimsCreatedTotal)
	prometheus.MustRegister(ClaimsReusedTotal)
	prometheus.MustRegister(CallbacksReceivedTotal)
	prometheus.MustRegister(CallbacksRejectedTotal)
	prometheus.MustRegister(DonationKeysIssuedTotal)
}
