package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for Lookups.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	// Lookups counts FuzzySearch lookups by kind (hashes, image, file_hash) and outcome.
	Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzysearch_gateway_lookups_total",
		Help: "Total number of lookups handled by the gateway",
	}, []string{"kind", "outcome"})

	// LookupDuration includes cache access, the API call and persistence.
	LookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fuzzysearch_gateway_lookup_duration_seconds",
		Help:    "Time taken to serve a lookup",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuzzysearch_gateway_cache_hits_total",
		Help: "Hash lookups answered from the cache",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuzzysearch_gateway_cache_misses_total",
		Help: "Hash lookups that had to query the API",
	})

	GRPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuzzysearch_gateway_grpc_requests_total",
		Help: "gRPC requests served, by method and status code",
	}, []string{"method", "code"})
)
