package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchkeeper_transitions_total",
			Help: "Draft lifecycle transitions by action and result",
		},
		[]string{"action", "result"},
	)

	draftsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchkeeper_drafts_generated_total",
			Help: "Draft generation requests by outcome (created, existing, busy, aborted)",
		},
		[]string{"outcome"},
	)

	assemblyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchkeeper_assembly_duration_seconds",
			Help:    "Duration of draft assembly",
			Buckets: prometheus.DefBuckets,
		},
	)

	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchkeeper_exports_total",
			Help: "Export records created by format",
		},
		[]string{"format"},
	)

	deliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchkeeper_delivery_attempts_total",
			Help: "Email delivery handoffs by status",
		},
		[]string{"status"},
	)

	integrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchkeeper_integrity_failures_total",
			Help: "Snapshot hash mismatches detected at export",
		},
	)

	classifierCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchkeeper_classifier_calls_total",
			Help: "Classifier capability calls by operation and result",
		},
		[]string{"operation", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		transitionsTotal,
		draftsGeneratedTotal,
		assemblyDuration,
		exportsTotal,
		deliveryAttemptsTotal,
		integrityFailuresTotal,
		classifierCallsTotal,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordTransition(action string, err error) {
	transitionsTotal.WithLabelValues(action, result(err)).Inc()
}

func RecordGeneration(outcome string) {
	draftsGeneratedTotal.WithLabelValues(outcome).Inc()
}

func ObserveAssembly(d time.Duration) {
	assemblyDuration.Observe(d.Seconds())
}

func RecordExport(format string) {
	exportsTotal.WithLabelValues(format).Inc()
}

func RecordDelivery(status string) {
	deliveryAttemptsTotal.WithLabelValues(status).Inc()
}

func RecordIntegrityFailure() {
	integrityFailuresTotal.Inc()
}

func RecordClassifierCall(operation string, err error) {
	classifierCallsTotal.WithLabelValues(operation, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
