// Package metrics holds the hub's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitle",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileTotal counts reconciliation outcomes (applied, replayed, ignored, error).
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Entitlement reconciliations by outcome.",
	}, []string{"outcome"})

	// VersionConflictsTotal counts lost compare-and-set races by operation.
	VersionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "billing",
		Name:      "version_conflicts_total",
		Help:      "Entitlement compare-and-set conflicts by operation.",
	}, []string{"operation"})

	// CreditSpendsTotal counts spend requests by result (ok, insufficient, error).
	CreditSpendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "credits",
		Name:      "spends_total",
		Help:      "Credit spend requests by result.",
	}, []string{"result"})

	// CreditsSpentTotal sums credits successfully consumed.
	CreditsSpentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "credits",
		Name:      "spent_total",
		Help:      "Total credits consumed.",
	})

	// CatalogReloadsTotal counts tier catalog reloads by result.
	CatalogReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "billing",
		Name:      "catalog_reloads_total",
		Help:      "Tier catalog reloads by result.",
	}, []string{"result"})
)
