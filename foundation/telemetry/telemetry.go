// Package telemetry exposes prometheus counters for the feed pipeline.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters shared by the intake and poller processes.
type Metrics struct {
	// FeedUpdates counts processed feed payloads per contributor and outcome
	// ("OK" or "KO").
	FeedUpdates *prometheus.CounterVec

	// NavitiaCalls counts schedule lookups per HTTP status class.
	NavitiaCalls *prometheus.CounterVec

	// PublishFailures counts feed messages that could not be handed to the
	// message bus.
	PublishFailures prometheus.Counter

	// MergeDuration observes end-to-end handling time per contributor.
	MergeDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics builds the counters on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		FeedUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripfeed",
			Name:      "feed_updates_total",
			Help:      "Feed payloads processed, by contributor and outcome.",
		}, []string{"contributor", "status"}),
		NavitiaCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripfeed",
			Name:      "navitia_calls_total",
			Help:      "Schedule lookups, by HTTP status class.",
		}, []string{"code"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tripfeed",
			Name:      "publish_failures_total",
			Help:      "Feed messages that could not be published to the bus.",
		}),
		MergeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripfeed",
			Name:      "merge_duration_seconds",
			Help:      "End-to-end feed handling time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"contributor"}),
		registry: registry,
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
