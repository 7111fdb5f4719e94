// Package metrics provides Prometheus metrics for rewritesync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rewritesync"
)

var (
	// RecordsAddedTotal counts rewrite records added to the resolver.
	RecordsAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_added_total",
			Help:      "Total number of DNS rewrite records added",
		},
		[]string{"domain_source"},
	)

	// RecordsDeletedTotal counts rewrite records deleted from the resolver.
	RecordsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_deleted_total",
			Help:      "Total number of DNS rewrite records deleted",
		},
		[]string{"reason"},
	)

	// RecordsUpdatedTotal counts rewrite records rotated to a new answer.
	RecordsUpdatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_updated_total",
			Help:      "Total number of DNS rewrite records updated",
		},
	)

	// ConflictsTotal counts conflicts detected during reconciliation.
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Total number of ownership or multi-source conflicts detected",
		},
		[]string{"kind"},
	)

	// DNSAPIRequestsTotal counts DNS provider API requests by endpoint and status.
	DNSAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_api_requests_total",
			Help:      "Total number of DNS provider API requests",
		},
		[]string{"endpoint", "status"},
	)

	// DNSAPIRequestDuration tracks DNS provider API request latency.
	DNSAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_api_request_duration_seconds",
			Help:      "Duration of DNS provider API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ProxyPollsTotal counts proxy instance polls by instance and result.
	ProxyPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_polls_total",
			Help:      "Total number of proxy instance polls",
		},
		[]string{"instance", "status"},
	)

	// ReconciliationsTotal counts reconciliation cycles by result.
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliation cycles",
		},
		[]string{"status"},
	)

	// ReconciliationDuration tracks reconciliation cycle duration.
	ReconciliationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Duration of reconciliation cycles in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// DomainsManaged tracks the number of domains currently managed.
	DomainsManaged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "domains_managed",
			Help:      "Number of domains with at least one managed record after the last cycle",
		},
	)

	// InstancesHealthy tracks the number of proxy instances that last polled successfully.
	InstancesHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_healthy",
			Help:      "Number of proxy instances whose last poll succeeded",
		},
	)

	// BuildInfo exposes build information as a metric.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for rewritesync",
		},
		[]string{"version", "go_version"},
	)

	// Up indicates if the service is up and running.
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether rewritesync is up and running (1 = up, 0 = down)",
		},
	)
)

// SetBuildInfo sets the build information metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetUp marks the service as up.
func SetUp() {
	Up.Set(1)
}

// RecordDNSAPIRequest records metrics for a DNS provider API request.
func RecordDNSAPIRequest(endpoint, status string, durationSeconds float64) {
	DNSAPIRequestsTotal.WithLabelValues(endpoint, status).Inc()
	DNSAPIRequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordProxyPoll records the outcome of a single proxy instance poll.
func RecordProxyPoll(instance, status string) {
	ProxyPollsTotal.WithLabelValues(instance, status).Inc()
}

// RecordReconciliation records metrics for a reconciliation cycle.
func RecordReconciliation(status string, durationSeconds float64, domainsManaged, instancesHealthy int) {
	ReconciliationsTotal.WithLabelValues(status).Inc()
	ReconciliationDuration.Observe(durationSeconds)
	DomainsManaged.Set(float64(domainsManaged))
	InstancesHealthy.Set(float64(instancesHealthy))
}

// RecordAdd increments the records-added counter.
func RecordAdd(source string) {
	RecordsAddedTotal.WithLabelValues(source).Inc()
}

// RecordDelete increments the records-deleted counter.
func RecordDelete(reason string) {
	RecordsDeletedTotal.WithLabelValues(reason).Inc()
}

// RecordUpdate increments the records-updated counter.
func RecordUpdate() {
	RecordsUpdatedTotal.Inc()
}

// RecordConflict increments the conflicts counter.
func RecordConflict(kind string) {
	ConflictsTotal.WithLabelValues(kind).Inc()
}
