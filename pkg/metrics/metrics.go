// Copyright 2025 Relayforge
//
// Package metrics exposes the event-graph core's Prometheus
// instrumentation: transaction outcomes and latency, and cache hit/miss
// counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the registered collectors the rest of the core reports
// through.
type Recorder struct {
	txTotal    *prometheus.CounterVec
	txDuration *prometheus.HistogramVec
	cacheTotal *prometheus.CounterVec
}

// NewRecorder constructs a Recorder and registers its collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventgraph",
			Subsystem: "database",
			Name:      "transactions_total",
			Help:      "Database interactions by name and outcome.",
		}, []string{"name", "outcome"}),
		txDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventgraph",
			Subsystem: "database",
			Name:      "transaction_duration_seconds",
			Help:      "Database interaction duration by name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventgraph",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
	}
	reg.MustRegister(r.txTotal, r.txDuration, r.cacheTotal)
	return r
}

// ObserveTransaction records the outcome and duration of a completed
// database interaction.
func (r *Recorder) ObserveTransaction(name string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.txTotal.WithLabelValues(name, outcome).Inc()
	r.txDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveCacheHit records a cache lookup that found a cached value.
func (r *Recorder) ObserveCacheHit(cache string) {
	r.cacheTotal.WithLabelValues(cache, "hit").Inc()
}

// ObserveCacheMiss records a cache lookup that fell through to the store.
func (r *Recorder) ObserveCacheMiss(cache string) {
	r.cacheTotal.WithLabelValues(cache, "miss").Inc()
}
