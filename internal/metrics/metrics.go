// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ResolutionsTotal counts DNS resolution attempts by outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "egret",
		Name:      "resolutions_total",
		Help:      "Domain resolution attempts by outcome.",
	}, []string{"outcome"})

	// AllowSetSize tracks the number of elements per address family.
	AllowSetSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "egret",
		Name:      "allowset_size",
		Help:      "Elements in the compiled allow set per family.",
	}, []string{"family"})

	// DeniedPackets counts denials reported over NFLOG.
	DeniedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "egret",
		Name:      "denied_packets_total",
		Help:      "Denied packets by direction and family.",
	}, []string{"direction", "family"})

	// AppliesTotal counts ruleset applies by result.
	AppliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "egret",
		Name:      "applies_total",
		Help:      "Ruleset apply attempts by result.",
	}, []string{"result"})

	// ApplyDuration observes end-to-end reconcile latency.
	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "egret",
		Name:      "apply_duration_seconds",
		Help:      "Time from resolve start to applied ruleset.",
		Buckets:   prometheus.DefBuckets,
	})

	// ProviderFetchDuration observes bulk range fetch latency per provider.
	ProviderFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "egret",
		Name:      "provider_fetch_duration_seconds",
		Help:      "Range provider fetch latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})
)

// Handler returns the exposition endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
