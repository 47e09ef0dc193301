package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the backend clients, caches and HTTP surface
var (
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_backend_requests_total",
			Help: "Total number of calls to the ticketing backend by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	BackendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_backend_attempts_total",
			Help: "Total number of HTTP attempts including retries",
		},
		[]string{"endpoint"},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bus_backend_request_duration_seconds",
			Help:    "Duration of backend calls including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ClassifiedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_classified_errors_total",
			Help: "Total number of failures by canonical error code",
		},
		[]string{"endpoint", "code"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_rate_limited_total",
			Help: "Total number of calls rejected by the local rate limiter",
		},
		[]string{"endpoint"},
	)

	ValidationCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_validation_cache_total",
			Help: "Validation cache lookups by result (hit or miss)",
		},
		[]string{"result"},
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_reservations_total",
			Help: "Finished reservations by final status",
		},
		[]string{"status"},
	)

	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_audit_events_total",
			Help: "Audit events logged by severity",
		},
		[]string{"severity"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_http_requests_total",
			Help: "HTTP API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(BackendRequestsTotal)
		prometheus.MustRegister(BackendAttemptsTotal)
		prometheus.MustRegister(BackendRequestDuration)
		prometheus.MustRegister(ClassifiedErrorsTotal)
		prometheus.MustRegister(RateLimitedTotal)
		prometheus.MustRegister(ValidationCacheTotal)
		prometheus.MustRegister(ReservationsTotal)
		prometheus.MustRegister(AuditEventsTotal)
		prometheus.MustRegister(HTTPRequestsTotal)
	})
}
