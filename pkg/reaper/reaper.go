// Package reaper implements the broker's periodic lease-expiry sweep: a
// ticker-driven loop that finds running tasks whose lease has passed and
// reclaims them through the same atomic primitive a losing fetch_next
// race would use, so the reaper and fetch paths never double-process a
// task.
package reaper

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/log"
	"github.com/cuemby/taskdriver/pkg/metrics"
	"github.com/cuemby/taskdriver/pkg/queue"
	"github.com/cuemby/taskdriver/pkg/storage"
	"github.com/cuemby/taskdriver/pkg/types"
)

// Result reports the outcome of one sweep (of one project, or summed
// across every active project).
type Result struct {
	ReclaimedTasks int
	CleanedAgents  int
}

// Reaper sweeps every active project for tasks with an expired lease and
// reclaims them via the queue engine's retry-or-fail transition.
type Reaper struct {
	store    storage.Store
	engine   *queue.Engine
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New creates a Reaper that sweeps on the given interval once Start is
// called.
func New(store storage.Store, engine *queue.Engine, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		engine:   engine,
		interval: interval,
		logger:   log.WithComponent("reaper"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start() {
	go r.run()
}

// Stop halts the sweep loop. Safe to call once.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepAll(); err != nil {
				r.logger.Error().Err(err).Msg("sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// SweepAll reaps every active project once, summing each project's
// result. A single project's failure is logged and does not abort the
// rest of the sweep.
func (r *Reaper) SweepAll() (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperSweepDuration)
	defer metrics.ReaperCyclesTotal.Inc()

	projects, err := r.store.ListProjects(false)
	if err != nil {
		return Result{}, err
	}

	var total Result
	for _, project := range projects {
		result, err := r.Reap(project.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("project_id", string(project.ID)).Msg("project sweep failed")
			continue
		}
		total.ReclaimedTasks += result.ReclaimedTasks
		total.CleanedAgents += result.CleanedAgents
	}
	metrics.ReaperReclaimedTotal.Add(float64(total.ReclaimedTasks))
	return total, nil
}

// Reap performs one sweep of projectID: every running task whose lease
// has expired is failed with canRetry=true, requeueing it or failing it
// terminally depending on retry budget. Reports the number of tasks
// reclaimed and the number of distinct agents for whom the reclaimed
// task was their only running task.
func (r *Reaper) Reap(projectID ids.ProjectID) (Result, error) {
	running := types.TaskStatusRunning
	tasks, err := r.store.ListTasks(projectID, types.TaskFilter{Status: &running})
	if err != nil {
		return Result{}, err
	}

	runningCountByAgent := make(map[string]int, len(tasks))
	for _, t := range tasks {
		runningCountByAgent[t.AssignedTo]++
	}

	now := time.Now().UTC()
	var result Result
	cleanedAgents := make(map[string]struct{})

	for _, t := range tasks {
		if t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(now) {
			continue
		}
		agent := t.AssignedTo
		if _, err := r.engine.Fail(t.ID, agent, map[string]any{"error": "lease expired"}, true); err != nil {
			// Another reclaim (a racing fetch_next, or a concurrent sweep)
			// may have already moved this task out of running; that's
			// not a sweep failure.
			r.logger.Debug().Err(err).Str("task_id", string(t.ID)).Msg("reclaim skipped")
			continue
		}
		result.ReclaimedTasks++
		if runningCountByAgent[agent] == 1 {
			cleanedAgents[agent] = struct{}{}
		}
	}
	result.CleanedAgents = len(cleanedAgents)

	if result.ReclaimedTasks > 0 {
		r.logger.Info().
			Str("project_id", string(projectID)).
			Int("reclaimed", result.ReclaimedTasks).
			Int("cleaned_agents", result.CleanedAgents).
			Msg("lease sweep reclaimed tasks")
	}
	return result, nil
}
