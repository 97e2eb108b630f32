package presence

import "github.com/prometheus/client_golang/prometheus"

var (
	observationsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fremen_observations_ingested_total",
		Help: "Observations folded into device models.",
	})
	observationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fremen_observations_dropped_total",
		Help: "Observations skipped because they were not newer than the model's last sample.",
	})
	modelsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fremen_models_tracked",
		Help: "Device models held in memory.",
	})
	ingestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fremen_ingest_duration_seconds",
		Help:    "Time spent folding one batch into a device model.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(observationsIngested, observationsDropped, modelsTracked, ingestDuration)
}
