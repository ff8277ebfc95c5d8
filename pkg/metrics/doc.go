/*
Package metrics provides Prometheus metrics collection and exposition for
taskdriver.

The metrics package defines and registers all taskdriver metrics using the
Prometheus client library, providing observability into queue depth, lease
churn, reaper activity, and storage backend latency. Metrics are exposed via
an HTTP endpoint for scraping by Prometheus servers.

# Metrics Catalog

Project/task inventory:

taskdriver_projects_total{status}:
  - Gauge. Total projects by lifecycle status (active/closed).

taskdriver_tasks_total{project_id, status}:
  - Gauge. Total tasks by project and status (queued/running/completed/failed).

taskdriver_sessions_active:
  - Gauge. Number of non-expired agent sessions currently held.

Queue engine operations:

taskdriver_fetch_duration_seconds:
  - Histogram. Time taken by FetchNext to select and lease a task.

taskdriver_fetches_total{outcome}:
  - Counter. FetchNext calls by outcome: "leased", "resumed", "empty".

taskdriver_task_completions_total{outcome}:
  - Counter. Terminal task outcomes: "completed", "failed", "requeued".

taskdriver_duplicate_tasks_total{policy}:
  - Counter. create_task calls that hit the duplicate index, by policy.

Reaper:

taskdriver_reaper_sweep_duration_seconds:
  - Histogram. Time taken by a single reaper sweep across all projects.

taskdriver_reaper_reclaimed_total:
  - Counter. Tasks reclaimed due to lease expiry.

taskdriver_reaper_cycles_total:
  - Counter. Reaper sweeps completed.

Storage backend:

taskdriver_storage_op_duration_seconds{backend, op}:
  - Histogram. Duration of a storage backend operation.

taskdriver_storage_lock_timeouts_total:
  - Counter. Per-project lock acquisitions that timed out.

Sessions:

taskdriver_session_cleanups_total:
  - Counter. Expired sessions removed by cleanup passes.

# Usage

	import "github.com/cuemby/taskdriver/pkg/metrics"

	timer := metrics.NewTimer()
	task, agentName, err := engine.FetchNext(projectID, agentName, leaseDuration)
	timer.ObserveDuration(metrics.FetchDuration)
	if err == nil && task != nil {
		metrics.FetchesTotal.WithLabelValues("leased").Inc()
	}

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

All metrics are registered in init() via MustRegister, mirroring the
package-level global + Timer-helper pattern used throughout this codebase's
ambient stack. Label cardinality is kept low and bounded (status enums,
outcome strings, backend names) — project_id is the one unbounded label and
is only ever attached to a Gauge that is reset on each collection pass
rather than accumulated indefinitely.
*/
package metrics
