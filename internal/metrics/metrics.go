package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mudmaps_batches_processed_total",
			Help: "Batches finished by terminal status.",
		},
		[]string{"status"},
	)

	MatcherRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mudmaps_matcher_requests_total",
			Help: "Map-matching attempts by outcome.",
		},
		[]string{"outcome"},
	)

	MatcherDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mudmaps_matcher_duration_seconds",
			Help:    "Map-matching call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mudmaps_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mudmaps_db_rows_affected_total",
			Help: "DB rows written by table and operation.",
		},
		[]string{"table", "op"},
	)

	SegmentActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mudmaps_segment_activations_total",
			Help: "Segment direction updates; applied=false means the monotone check rejected a stale timestamp.",
		},
		[]string{"direction", "applied"},
	)

	PointsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mudmaps_points_processed_total",
			Help: "Raw GPS points marked processed.",
		},
	)

	DevicesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mudmaps_devices_processed_total",
			Help: "Device processing runs by result.",
		},
		[]string{"result"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mudmaps_queue_depth",
			Help: "Device IDs waiting in the job queue.",
		},
	)

	UnprocessedPoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mudmaps_unprocessed_points",
			Help: "Raw GPS rows not yet consumed by a batch.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BatchesProcessedTotal,
			MatcherRequestsTotal,
			MatcherDuration,
			DBWriteDuration,
			DBRowsAffectedTotal,
			SegmentActivationsTotal,
			PointsProcessedTotal,
			DevicesProcessedTotal,
			QueueDepth,
			UnprocessedPoints,
		)
	})
}
