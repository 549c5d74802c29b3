package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderd_fetch_total",
		Help: "Fetch attempts by outcome kind (\"success\" for successful attempts).",
	}, []string{"kind"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "renderd_fetch_duration_seconds",
		Help:    "Duration of single fetch attempts.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderd_retries_total",
		Help: "Retries by the failure kind that triggered them.",
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renderd_retry_exhausted_total",
		Help: "Requests that failed after using every attempt.",
	}, []string{"kind"})

	activeUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renderd_active_units",
		Help: "Render units currently admitted by the engine gate.",
	})
)

func outcomeLabel(kind string) string {
	if kind == "" {
		return "success"
	}
	return kind
}
