// Package storage defines the pluggable storage contract every backend
// (file, replicated document store, replicated in-memory store) must
// satisfy identically, plus three implementations of it.
package storage

import (
	"time"

	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/types"
)

// Store is the boundary every higher component (pkg/queue, pkg/reaper,
// pkg/session) depends on. Every mutating atomic primitive is
// linearizable with respect to concurrent calls on the same ProjectID;
// cross-project linearizability is not required.
type Store interface {
	// Projects
	CreateProject(project *types.Project) error
	GetProject(id ids.ProjectID) (*types.Project, error)
	GetProjectByName(name string) (*types.Project, error)
	ListProjects(includeClosed bool) ([]*types.Project, error)
	UpdateProject(project *types.Project) error
	DeleteProject(id ids.ProjectID) error // cascades to task types, tasks, sessions

	// Task types
	CreateTaskType(tt *types.TaskType) error
	GetTaskType(id ids.TaskTypeID) (*types.TaskType, error)
	GetTaskTypeByName(projectID ids.ProjectID, name string) (*types.TaskType, error)
	ListTaskTypes(projectID ids.ProjectID) ([]*types.TaskType, error)
	UpdateTaskType(tt *types.TaskType) error
	DeleteTaskType(id ids.TaskTypeID) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id ids.TaskID) (*types.Task, error)
	ListTasks(projectID ids.ProjectID, filter types.TaskFilter) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id ids.TaskID) error

	// Sessions
	CreateSession(session *types.Session) error
	GetSession(token ids.SessionToken) (*types.Session, error)
	UpdateSession(session *types.Session) error
	DeleteSession(token ids.SessionToken) error
	ListSessionsByAgent(projectID ids.ProjectID, agentName string) ([]*types.Session, error)
	ListSessionsByProject(projectID ids.ProjectID) ([]*types.Session, error)
	ListExpiredSessions(now time.Time) ([]*types.Session, error)

	// Atomic task primitives. See pkg/queue for the state-machine policy
	// layered on top of these.

	// AtomicFetchAndLease selects the highest-priority, then oldest,
	// eligible-or-reclaimable task in the project (queued with retryCount<=maxRetries, or running with
	// an expired lease), leases it to agentName, appends a new attempt,
	// and returns it. Returns nil, nil if no task qualified.
	AtomicFetchAndLease(projectID ids.ProjectID, agentName string, now time.Time, leaseDuration time.Duration) (*types.Task, error)
	// AtomicComplete requires the task be running and assigned to
	// agentName; it closes the lease and the last attempt as completed.
	AtomicComplete(taskID ids.TaskID, agentName string, result map[string]any, now time.Time) (*types.Task, error)
	// AtomicFail requires the task be running and assigned to agentName.
	// If canRetry and the incremented retry count is still within bounds,
	// the task is requeued; otherwise it terminally fails.
	AtomicFail(taskID ids.TaskID, agentName string, result map[string]any, canRetry bool, now time.Time) (*types.Task, error)
	// AtomicExtendLease requires the task be running and assigned to
	// agentName; it pushes leaseExpiresAt forward by additional.
	AtomicExtendLease(taskID ids.TaskID, agentName string, additional time.Duration, now time.Time) (*types.Task, error)
	// AtomicFindDuplicate returns any non-failed task in the project with
	// matching typeID and an equal (by VariablesEqual) variable map.
	AtomicFindDuplicate(projectID ids.ProjectID, typeID ids.TaskTypeID, variables map[string]string) (*types.Task, error)

	// Close releases backend resources. Idempotent.
	Close() error
}
