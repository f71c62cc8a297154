package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	statementDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "featureserver_statement_duration_seconds",
			Help:    "Latency of SQL statements by query mode and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"mode", "outcome"},
	)

	metadataLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featureserver_metadata_lookups_total",
			Help: "Field metadata lookups by outcome.",
		},
		[]string{"outcome"},
	)

	metadataInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featureserver_metadata_invalidations_total",
			Help: "Metadata cache invalidations by source.",
		},
		[]string{"source"},
	)

	rateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "featureserver_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		},
	)

	rateLimitClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "featureserver_rate_limit_clients",
			Help: "Clients tracked by the rate limiter after the last sweep.",
		},
	)

	whereSuspicious = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "featureserver_where_suspicious_total",
			Help: "Accepted WHERE clauses flagged by libinjection.",
		},
	)

	cacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Latency of shared cache operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	queryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featureserver_query_events_total",
			Help: "Query audit events by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init also registers the collectors on reg, for a dedicated metrics
// listener. They stay registered on the default registry.
func Init(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, statementDurationSeconds,
		metadataLookups, metadataInvalidations, rateLimited, rateLimitClients,
		whereSuspicious, cacheOpDuration, queryEvents,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveStatement records one statement; outcome is ok, error or timeout.
func ObserveStatement(mode, outcome string, durationSeconds float64) {
	statementDurationSeconds.WithLabelValues(mode, outcome).Observe(durationSeconds)
}

// IncMetadata counts a lookup: hit, shared_hit, miss or error.
func IncMetadata(outcome string) {
	metadataLookups.WithLabelValues(outcome).Inc()
}

func IncInvalidation(source string) {
	metadataInvalidations.WithLabelValues(source).Inc()
}

func IncRateLimited() { rateLimited.Inc() }

func SetRateLimitClients(n int) { rateLimitClients.Set(float64(n)) }

func IncWhereSuspicious() { whereSuspicious.Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpDuration.WithLabelValues(op, res).Observe(durationSeconds)
}

func IncQueryEvent(outcome string) {
	queryEvents.WithLabelValues(outcome).Inc()
}
