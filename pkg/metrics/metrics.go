package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Segment table metrics
	SegmentsAllocated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dart_segments_allocated_total",
			Help: "Total number of segments allocated by kind (positive/negative)",
		},
		[]string{"kind"},
	)

	SegmentsFreed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dart_segments_freed_total",
			Help: "Total number of segments freed by kind (positive/negative)",
		},
		[]string{"kind"},
	)

	SegmentsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dart_segments_live",
			Help: "Live segment count per team",
		},
		[]string{"team"},
	)

	// Team metrics
	TeamsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dart_teams_total",
			Help: "Total number of live teams",
		},
	)

	// RMA metrics
	RMAOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dart_rma_ops_total",
			Help: "Total number of RMA operations by kind (get/put/accumulate/fetchop/cas)",
		},
		[]string{"op"},
	)

	RMAOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dart_rma_op_duration_seconds",
			Help:    "RMA operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Active-message queue metrics
	AMSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dart_amsgq_sends_total",
			Help: "Total number of active-message sends by backend",
		},
		[]string{"backend"},
	)

	AMRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dart_amsgq_retries_total",
			Help: "Total number of ERR_AGAIN retries on active-message send",
		},
		[]string{"backend"},
	)

	AMProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dart_amsgq_processed_total",
			Help: "Total number of active messages processed on receive",
		},
		[]string{"backend"},
	)

	AMDrainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dart_amsgq_drain_duration_seconds",
			Help:    "Time taken to drain and process a queue in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// Task scheduler metrics
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dart_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"state"},
	)

	TasksStolenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dart_tasks_stolen_total",
			Help: "Total number of tasks picked up via work stealing",
		},
	)

	TaskQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dart_task_queue_depth",
			Help: "Current ready-queue depth per worker and priority class",
		},
		[]string{"worker", "priority"},
	)

	TaskRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dart_task_run_duration_seconds",
			Help:    "Task body execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dependency hash table metrics
	DepTablePromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dart_deptable_promotions_total",
			Help: "Total number of bucket-to-sub-table promotions",
		},
	)

	DepEntriesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dart_dep_entries_live",
			Help: "Live dependency entries across all tables",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SegmentsAllocated,
		SegmentsFreed,
		SegmentsLive,
		TeamsTotal,
		RMAOpsTotal,
		RMAOpDuration,
		AMSendsTotal,
		AMRetriesTotal,
		AMProcessedTotal,
		AMDrainDuration,
		TasksCompletedTotal,
		TasksStolenTotal,
		TaskQueueDepth,
		TaskRunDuration,
		DepTablePromotionsTotal,
		DepEntriesLive,
	)
}

// Handler returns the Prometheus HTTP handler for a diagnostic /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
