package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeTransient   = "transient"
	OutcomeMalformed   = "malformed"
)

var (
	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skysentry",
			Name:      "fetches_total",
			Help:      "Total number of provider fetch attempts, partitioned by region and outcome.",
		},
		[]string{"region", "outcome"},
	)

	fetchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skysentry",
			Name:      "fetch_duration_seconds",
			Help:      "Provider fetch latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"region"},
	)

	findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skysentry",
			Name:      "findings_total",
			Help:      "Newly stored anomaly findings by rule and severity.",
		},
		[]string{"rule", "severity"},
	)

	snapshotAircraft = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skysentry",
			Name:      "snapshot_aircraft",
			Help:      "Aircraft in the latest stored snapshot per region.",
		},
		[]string{"region"},
	)

	historyAircraft = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skysentry",
			Name:      "history_aircraft",
			Help:      "Aircraft tracked by the flight history index.",
		},
	)

	pipelineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skysentry",
			Name:      "pipeline_state",
			Help:      "Current poll loop state per region (0 idle, 1 fetching, 2 processing, 3 backoff, 4 stopped).",
		},
		[]string{"region"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skysentry",
			Name:      "http_requests_total",
			Help:      "Query API requests by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)
)

// Register attaches skysentry collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		fetchesTotal,
		fetchDurationSeconds,
		findingsTotal,
		snapshotAircraft,
		historyAircraft,
		pipelineState,
		httpRequestsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveFetch records one fetch attempt for region.
func ObserveFetch(region string, duration time.Duration, outcome string) {
	fetchesTotal.WithLabelValues(region, outcome).Inc()
	if outcome == OutcomeRateLimited {
		return
	}
	if duration < 0 {
		duration = 0
	}
	fetchDurationSeconds.WithLabelValues(region).Observe(duration.Seconds())
}

// ObserveFinding counts one newly stored finding.
func ObserveFinding(rule, severity string) {
	findingsTotal.WithLabelValues(rule, severity).Inc()
}

// SetSnapshotAircraft records the size of the latest snapshot for region.
func SetSnapshotAircraft(region string, n int) {
	snapshotAircraft.WithLabelValues(region).Set(float64(n))
}

// SetHistoryAircraft records how many aircraft the history index tracks.
func SetHistoryAircraft(n int) {
	historyAircraft.Set(float64(n))
}

// SetPipelineState records the numeric poll loop state for region.
func SetPipelineState(region string, state int) {
	pipelineState.WithLabelValues(region).Set(float64(state))
}

// ObserveRequest counts one query API request.
func ObserveRequest(route, method, status string) {
	httpRequestsTotal.WithLabelValues(route, method, status).Inc()
}
