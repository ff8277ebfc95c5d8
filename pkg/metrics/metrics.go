package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Project/task inventory
	ProjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskdriver_projects_total",
			Help: "Total number of projects by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskdriver_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"project_id", "status"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskdriver_sessions_active",
			Help: "Number of non-expired sessions currently held",
		},
	)

	// Queue engine operation metrics
	FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskdriver_fetch_duration_seconds",
			Help:    "Time taken by FetchNext to select and lease a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdriver_fetches_total",
			Help: "Total number of FetchNext calls by outcome",
		},
		[]string{"outcome"}, // "leased", "resumed", "empty"
	)

	TaskCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdriver_task_completions_total",
			Help: "Total number of terminal task outcomes",
		},
		[]string{"outcome"}, // "completed", "failed", "requeued"
	)

	DuplicateTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdriver_duplicate_tasks_total",
			Help: "Total number of create_task calls that hit the duplicate index",
		},
		[]string{"policy"}, // "ignore", "fail"
	)

	// Reaper metrics
	ReaperSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskdriver_reaper_sweep_duration_seconds",
			Help:    "Time taken by a single reaper sweep across all active projects",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskdriver_reaper_reclaimed_total",
			Help: "Total number of tasks reclaimed by the reaper due to lease expiry",
		},
	)

	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskdriver_reaper_cycles_total",
			Help: "Total number of reaper sweeps completed",
		},
	)

	// Storage backend metrics
	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskdriver_storage_op_duration_seconds",
			Help:    "Time taken by a storage backend operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	StorageLockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskdriver_storage_lock_timeouts_total",
			Help: "Total number of per-project lock acquisitions that timed out",
		},
	)

	// Session metrics
	SessionCleanupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskdriver_session_cleanups_total",
			Help: "Total number of expired sessions removed by cleanup passes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProjectsTotal,
		TasksTotal,
		SessionsActive,
		FetchDuration,
		FetchesTotal,
		TaskCompletionsTotal,
		DuplicateTasksTotal,
		ReaperSweepDuration,
		ReaperReclaimedTotal,
		ReaperCyclesTotal,
		StorageOpDuration,
		StorageLockTimeoutsTotal,
		SessionCleanupsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
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
