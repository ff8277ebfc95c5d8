package types

import (
	"time"

	"github.com/cuemby/taskdriver/pkg/ids"
)

// Project is the top-level isolation unit. All task types and tasks live
// under exactly one project; deleting a project cascades to both.
type Project struct {
	ID           ids.ProjectID
	Name         string // globally unique
	Description  string
	Instructions string
	Status       ProjectStatus
	DefaultConfig ProjectDefaults
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectStatusActive ProjectStatus = "active"
	ProjectStatusClosed ProjectStatus = "closed"
)

// ProjectDefaults carries per-project fallbacks applied to task types that
// don't override them explicitly.
type ProjectDefaults struct {
	MaxRetries           int
	LeaseDurationMinutes float64
}

// TaskType is a reusable template-plus-policy defining how tasks of a kind
// are named, bounded, and deduplicated. Its identity (ID, ProjectID, Name)
// is immutable after creation; Template/Variables/policy fields are
// editable.
type TaskType struct {
	ID                   ids.TaskTypeID
	ProjectID            ids.ProjectID
	Name                 string // unique within the project
	Description          string
	Template             string
	Variables            []string // declared, ordered
	MaxRetries           int
	LeaseDurationMinutes float64
	DuplicatePolicy      DuplicatePolicy
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DuplicatePolicy controls what create_task does when an equivalent task
// (same type + variable binding) already exists and is not failed.
type DuplicatePolicy string

const (
	DuplicatePolicyAllow  DuplicatePolicy = "allow"
	DuplicatePolicyIgnore DuplicatePolicy = "ignore"
	DuplicatePolicyFail   DuplicatePolicy = "fail"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a unit of work instantiated from a TaskType with a variable
// binding. TypeID and ProjectID never change after creation (I7).
//
// I1/I2: assignedTo/assignedAt/leaseExpiresAt are all present iff
// Status == running, and all absent otherwise. Callers must not set one
// without the others.
type Task struct {
	ID          ids.TaskID
	ProjectID   ids.ProjectID
	TypeID      ids.TaskTypeID
	Variables   map[string]string
	Description string
	Priority    int // higher scheduled first within the FIFO tie-break

	Status TaskStatus

	RetryCount int
	MaxRetries int // snapshotted from the type at create time

	AssignedTo      string // agent name, only set while running
	AssignedAt      *time.Time
	LeaseExpiresAt  *time.Time

	Attempts []TaskAttempt // append-only

	Result map[string]any

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// IsLeased reports whether the task currently carries a lease, per I1/I2.
func (t *Task) IsLeased() bool {
	return t.Status == TaskStatusRunning && t.AssignedTo != "" && t.AssignedAt != nil && t.LeaseExpiresAt != nil
}

// AttemptStatus is the lifecycle state of a single TaskAttempt.
type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusCompleted AttemptStatus = "completed"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusExpired   AttemptStatus = "expired" // lease expired and the task was reclaimed by a fetch
)

// TaskAttempt is a single lease-bounded execution of a task by one agent,
// appended on each assignment and closed on terminal outcome or reaper
// reclaim.
type TaskAttempt struct {
	AttemptID   string
	AgentName   string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      AttemptStatus
	Result      map[string]any
}

// Session ties an opaque bearer token to an agent identity scoped to a
// project, so the identity survives across requests and can resume its
// in-flight task.
type Session struct {
	Token          ids.SessionToken
	AgentName      string
	ProjectID      ids.ProjectID
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	Data           map[string]string
}

// Expired reports whether the session is past its TTL as of now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ProjectStats is a pure derivation of a project's task set, refreshed on
// read and never independently persisted.
type ProjectStats struct {
	Total     int
	Queued    int
	Running   int
	Completed int
	Failed    int
}

// TaskFilter narrows list_tasks results. Zero-valued fields are unset.
type TaskFilter struct {
	Status     *TaskStatus
	TypeID     *ids.TaskTypeID
	AssignedTo *string
	Limit      int
	Offset     int
}
