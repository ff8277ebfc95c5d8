// Package queue implements the broker's Queue Engine: task creation with
// duplicate reconciliation and template validation, lease-based fetch
// with session-scoped resumption, and the complete/fail/extend-lease
// state transitions layered on a storage.Store's atomic primitives.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/log"
	"github.com/cuemby/taskdriver/pkg/metrics"
	"github.com/cuemby/taskdriver/pkg/session"
	"github.com/cuemby/taskdriver/pkg/storage"
	"github.com/cuemby/taskdriver/pkg/template"
	"github.com/cuemby/taskdriver/pkg/types"
)

// Engine is the queue state machine: CreateTask, FetchNext, Complete,
// Fail, and ExtendLease, each a thin policy layer over one of
// storage.Store's atomic primitives.
type Engine struct {
	store    storage.Store
	sessions *session.Store // optional; nil disables ActiveSessionCount
	logger   zerolog.Logger
}

// NewEngine creates a queue Engine over store. sessions may be nil if the
// broker isn't wiring in the session layer.
func NewEngine(store storage.Store, sessions *session.Store) *Engine {
	return &Engine{
		store:    store,
		sessions: sessions,
		logger:   log.WithComponent("queue"),
	}
}

// CreateTaskOptions carries the caller-supplied fields for CreateTask
// beyond the type and variable binding.
type CreateTaskOptions struct {
	Description string
	Priority    int
}

// CreateTask instantiates a task from typeID with the given variable
// binding, after validating the binding against the type's template and
// reconciling against the type's duplicate policy.
func (e *Engine) CreateTask(projectID ids.ProjectID, typeID ids.TaskTypeID, variables map[string]string, opts CreateTaskOptions) (*types.Task, error) {
	taskType, err := e.store.GetTaskType(typeID)
	if err != nil {
		return nil, err
	}
	if taskType.ProjectID != projectID {
		return nil, &brokererr.NotFound{Entity: "taskType", Key: string(typeID)}
	}

	if _, err := template.Bind(taskType.Template, variables); err != nil {
		return nil, err
	}

	if taskType.DuplicatePolicy != types.DuplicatePolicyAllow {
		existing, err := e.store.AtomicFindDuplicate(projectID, typeID, variables)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			switch taskType.DuplicatePolicy {
			case types.DuplicatePolicyIgnore:
				metrics.DuplicateTasksTotal.WithLabelValues("ignore").Inc()
				return existing, nil
			case types.DuplicatePolicyFail:
				metrics.DuplicateTasksTotal.WithLabelValues("fail").Inc()
				return nil, &brokererr.DuplicateTask{TypeID: string(typeID), Variables: variables}
			}
		}
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:          ids.NewTaskID(),
		ProjectID:   projectID,
		TypeID:      typeID,
		Variables:   variables,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      types.TaskStatusQueued,
		MaxRetries:  taskType.MaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateTask(task); err != nil {
		return nil, err
	}
	e.logger.Debug().Str("task_id", string(task.ID)).Str("project_id", string(projectID)).Msg("task created")
	return task, nil
}

// Instructions computes a task's effective instructions by binding its
// variable map into its type's template.
func (e *Engine) Instructions(task *types.Task) (string, error) {
	taskType, err := e.store.GetTaskType(task.TypeID)
	if err != nil {
		return "", err
	}
	return template.Bind(taskType.Template, task.Variables)
}

// FetchNext returns the next task for agentName in projectID, generating
// an agent name if the caller didn't supply one. If agentName already
// holds a non-expired lease on some task in the project, that task is
// returned (resumption) rather than a new assignment being made.
func (e *Engine) FetchNext(projectID ids.ProjectID, agentName string, leaseDuration time.Duration) (*types.Task, string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FetchDuration)

	if agentName == "" {
		generated, err := generateAgentName()
		if err != nil {
			return nil, "", fmt.Errorf("generate agent name: %w", err)
		}
		agentName = generated
	}

	if resumed, err := e.findResumableTask(projectID, agentName); err != nil {
		return nil, agentName, err
	} else if resumed != nil {
		metrics.FetchesTotal.WithLabelValues("resumed").Inc()
		e.logger.Debug().Str("agent", agentName).Str("task_id", string(resumed.ID)).Msg("task resumed")
		return resumed, agentName, nil
	}

	task, err := e.store.AtomicFetchAndLease(projectID, agentName, time.Now().UTC(), leaseDuration)
	if err != nil {
		return nil, agentName, err
	}
	if task == nil {
		metrics.FetchesTotal.WithLabelValues("empty").Inc()
		return nil, agentName, nil
	}
	metrics.FetchesTotal.WithLabelValues("leased").Inc()
	return task, agentName, nil
}

func (e *Engine) findResumableTask(projectID ids.ProjectID, agentName string) (*types.Task, error) {
	running := types.TaskStatusRunning
	tasks, err := e.store.ListTasks(projectID, types.TaskFilter{Status: &running, AssignedTo: &agentName})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now) {
			return t, nil
		}
	}
	return nil, nil
}

// Complete marks taskID completed by agentName.
func (e *Engine) Complete(taskID ids.TaskID, agentName string, result map[string]any) (*types.Task, error) {
	task, err := e.store.AtomicComplete(taskID, agentName, result, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.TaskCompletionsTotal.WithLabelValues("completed").Inc()
	e.logger.Debug().Str("task_id", string(taskID)).Str("agent", agentName).Msg("task completed")
	return task, nil
}

// Fail reports a failed attempt for taskID by agentName, requeueing it if
// canRetry and the retry bound hasn't been exhausted, otherwise failing
// it terminally.
func (e *Engine) Fail(taskID ids.TaskID, agentName string, result map[string]any, canRetry bool) (*types.Task, error) {
	task, err := e.store.AtomicFail(taskID, agentName, result, canRetry, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if task.Status == types.TaskStatusQueued {
		metrics.TaskCompletionsTotal.WithLabelValues("requeued").Inc()
	} else {
		metrics.TaskCompletionsTotal.WithLabelValues("failed").Inc()
	}
	e.logger.Debug().Str("task_id", string(taskID)).Str("agent", agentName).
		Str("status", string(task.Status)).Msg("task failed")
	return task, nil
}

// ExtendLease pushes taskID's lease forward by additional.
func (e *Engine) ExtendLease(taskID ids.TaskID, agentName string, additional time.Duration) (*types.Task, error) {
	return e.store.AtomicExtendLease(taskID, agentName, additional, time.Now().UTC())
}

// Stats computes a project's task-status breakdown directly from
// ListTasks; there is no independent counter storage to keep in sync.
func (e *Engine) Stats(projectID ids.ProjectID) (*types.ProjectStats, error) {
	tasks, err := e.store.ListTasks(projectID, types.TaskFilter{})
	if err != nil {
		return nil, err
	}
	stats := &types.ProjectStats{}
	for _, t := range tasks {
		stats.Total++
		switch t.Status {
		case types.TaskStatusQueued:
			stats.Queued++
		case types.TaskStatusRunning:
			stats.Running++
		case types.TaskStatusCompleted:
			stats.Completed++
		case types.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// CollectStats implements metrics.ProjectStatsSource, giving pkg/metrics
// the per-project task-status breakdown for every project without it
// needing to depend on pkg/queue's types directly.
func (e *Engine) CollectStats() ([]metrics.ProjectStatsSnapshot, error) {
	projects, err := e.store.ListProjects(true)
	if err != nil {
		return nil, err
	}
	snapshots := make([]metrics.ProjectStatsSnapshot, 0, len(projects))
	for _, p := range projects {
		stats, err := e.Stats(p.ID)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, metrics.ProjectStatsSnapshot{
			ProjectID:     string(p.ID),
			ProjectStatus: string(p.Status),
			TaskCounts: map[string]int{
				"queued":    stats.Queued,
				"running":   stats.Running,
				"completed": stats.Completed,
				"failed":    stats.Failed,
			},
		})
	}
	return snapshots, nil
}

// ActiveSessionCount implements metrics.ProjectStatsSource. It reports 0
// without error when no session layer was wired in.
func (e *Engine) ActiveSessionCount() (int, error) {
	if e.sessions == nil {
		return 0, nil
	}
	projects, err := e.store.ListProjects(true)
	if err != nil {
		return 0, err
	}
	projectIDs := make([]ids.ProjectID, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
	}
	return e.sessions.ActiveCount(projectIDs)
}

func generateAgentName() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("agent-%d-%s", time.Now().UTC().UnixNano(), hex.EncodeToString(buf)), nil
}
