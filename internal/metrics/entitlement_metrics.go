package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh results.
const (
	RefreshSuccess      = "success"
	RefreshError        = "error"
	RefreshUnauthorized = "unauthorized"
	RefreshStale        = "stale"
	RefreshNoBusiness   = "no_business"
)

var (
	// Entitlement refresh metrics
	EntitlementRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_entitlements_refresh_total",
			Help: "Total entitlement refreshes by result",
		},
		[]string{"result"},
	)

	EntitlementRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "console_entitlements_refresh_duration_seconds",
			Help:    "Duration of entitlement snapshot fetches",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
	)

	EntitlementFeatures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_entitlements_features",
			Help: "Number of granted feature codes in the current snapshot",
		},
	)

	EntitlementLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "console_entitlements_last_success_timestamp",
			Help: "Unix timestamp of the last successful entitlement refresh",
		},
	)

	// Gate and upgrade metrics
	UpgradeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_upgrade_requests_total",
			Help: "Total upgrade requests published by reason",
		},
		[]string{"reason"},
	)

	UpgradeRequestsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "console_upgrade_requests_dropped_total",
			Help: "Upgrade requests published with no subscriber attached",
		},
	)

	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_quota_denials_total",
			Help: "Total quota checks that denied an action, by quota key",
		},
		[]string{"quota_key"},
	)
)

// RecordRefresh records the outcome of one refresh.
func RecordRefresh(result string, duration time.Duration, features int) {
	EntitlementRefreshTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		EntitlementRefreshDuration.Observe(duration.Seconds())
	}
	switch result {
	case RefreshSuccess:
		EntitlementFeatures.Set(float64(features))
		EntitlementLastSuccess.SetToCurrentTime()
	case RefreshNoBusiness:
		EntitlementFeatures.Set(0)
	}
}

// RecordUpgradeRequest records a published upgrade request.
func RecordUpgradeRequest(reason string, delivered int) {
	UpgradeRequestsTotal.WithLabelValues(reason).Inc()
	if delivered == 0 {
		UpgradeRequestsDroppedTotal.Inc()
	}
}

// RecordQuotaDenial records a denied quota check.
func RecordQuotaDenial(quotaKey string) {
	QuotaDenialsTotal.WithLabelValues(quotaKey).Inc()
}
