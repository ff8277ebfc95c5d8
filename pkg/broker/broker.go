// Package broker composes the queue engine, the reaper, and the session
// layer over one storage.Store into the library surface a transport
// (HTTP, gRPC, MCP, CLI) wraps. Broker methods map 1:1 onto spec.md
// §6's core operation set; the semantics live in pkg/queue, pkg/reaper,
// and pkg/session, not here.
package broker

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/log"
	"github.com/cuemby/taskdriver/pkg/queue"
	"github.com/cuemby/taskdriver/pkg/reaper"
	"github.com/cuemby/taskdriver/pkg/session"
	"github.com/cuemby/taskdriver/pkg/storage"
	"github.com/cuemby/taskdriver/pkg/template"
	"github.com/cuemby/taskdriver/pkg/types"
)

// Broker is the top-level facade over a storage.Store.
type Broker struct {
	store    storage.Store
	engine   *queue.Engine
	reaper   *reaper.Reaper
	sessions *session.Store
	config   Config
	logger   zerolog.Logger
}

// New wires a Broker over store using cfg. It does not start the reaper
// loop; call Start for that.
func New(store storage.Store, cfg Config) *Broker {
	sessions := session.NewStore(store, cfg.SessionDefaultTTL())
	engine := queue.NewEngine(store, sessions)
	r := reaper.New(store, engine, cfg.ReaperInterval())

	return &Broker{
		store:    store,
		engine:   engine,
		reaper:   r,
		sessions: sessions,
		config:   cfg,
		logger:   log.WithComponent("broker"),
	}
}

// Start begins the background reaper loop.
func (b *Broker) Start() { b.reaper.Start() }

// Stop halts the background reaper loop and closes the storage backend.
func (b *Broker) Stop() error {
	b.reaper.Stop()
	return b.store.Close()
}

// Engine exposes the underlying queue engine, e.g. for metrics wiring.
func (b *Broker) Engine() *queue.Engine { return b.engine }

// --- Projects ---

// ProjectInput carries the caller-supplied fields for CreateProject.
type ProjectInput struct {
	Name         string
	Description  string
	Instructions string
	Defaults     types.ProjectDefaults
}

// CreateProject creates a new project. Defaults unset in input fall back
// to the broker's configured defaults.
func (b *Broker) CreateProject(input ProjectInput) (*types.Project, error) {
	if input.Name == "" {
		return nil, &brokererr.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if input.Defaults.MaxRetries == 0 {
		input.Defaults.MaxRetries = b.config.DefaultMaxRetries
	}
	if input.Defaults.LeaseDurationMinutes == 0 {
		input.Defaults.LeaseDurationMinutes = b.config.DefaultLeaseDurationMinutes
	}

	now := time.Now().UTC()
	project := &types.Project{
		ID:            ids.NewProjectID(),
		Name:          input.Name,
		Description:   input.Description,
		Instructions:  input.Instructions,
		Status:        types.ProjectStatusActive,
		DefaultConfig: input.Defaults,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.store.CreateProject(project); err != nil {
		return nil, err
	}
	return project, nil
}

// GetProject resolves a project by id, falling back to name lookup.
func (b *Broker) GetProject(nameOrID string) (*types.Project, error) {
	if project, err := b.store.GetProject(ids.ProjectID(nameOrID)); err == nil {
		return project, nil
	}
	return b.store.GetProjectByName(nameOrID)
}

// ProjectPatch carries the optional fields update_project may change.
type ProjectPatch struct {
	Description  *string
	Instructions *string
	Status       *types.ProjectStatus
	Defaults     *types.ProjectDefaults
}

// UpdateProject applies patch to the named project.
func (b *Broker) UpdateProject(id ids.ProjectID, patch ProjectPatch) (*types.Project, error) {
	project, err := b.store.GetProject(id)
	if err != nil {
		return nil, err
	}
	if patch.Description != nil {
		project.Description = *patch.Description
	}
	if patch.Instructions != nil {
		project.Instructions = *patch.Instructions
	}
	if patch.Status != nil {
		project.Status = *patch.Status
	}
	if patch.Defaults != nil {
		project.DefaultConfig = *patch.Defaults
	}
	project.UpdatedAt = time.Now().UTC()
	if err := b.store.UpdateProject(project); err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects lists every project, optionally including closed ones.
func (b *Broker) ListProjects(includeClosed bool) ([]*types.Project, error) {
	return b.store.ListProjects(includeClosed)
}

// DeleteProject removes a project and cascades to its task types, tasks,
// and sessions.
func (b *Broker) DeleteProject(id ids.ProjectID) error {
	return b.store.DeleteProject(id)
}

// --- Task types ---

// TaskTypeInput carries the caller-supplied fields for CreateTaskType.
type TaskTypeInput struct {
	Name                 string
	Description          string
	Template             string
	Variables            []string
	DuplicatePolicy      types.DuplicatePolicy
	MaxRetries           *int
	LeaseDurationMinutes *float64
}

// CreateTaskType defines a new task type within projectID, defaulting
// MaxRetries/LeaseDurationMinutes from the project's configured defaults
// and DuplicatePolicy to allow.
func (b *Broker) CreateTaskType(projectID ids.ProjectID, input TaskTypeInput) (*types.TaskType, error) {
	project, err := b.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if input.Name == "" {
		return nil, &brokererr.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	maxRetries := project.DefaultConfig.MaxRetries
	if input.MaxRetries != nil {
		maxRetries = *input.MaxRetries
	}
	leaseMinutes := project.DefaultConfig.LeaseDurationMinutes
	if input.LeaseDurationMinutes != nil {
		leaseMinutes = *input.LeaseDurationMinutes
	}
	policy := input.DuplicatePolicy
	if policy == "" {
		policy = types.DuplicatePolicyAllow
	}
	if err := template.ValidateDeclared(input.Template, input.Variables); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tt := &types.TaskType{
		ID:                   ids.NewTaskTypeID(),
		ProjectID:            projectID,
		Name:                 input.Name,
		Description:          input.Description,
		Template:             input.Template,
		Variables:            input.Variables,
		MaxRetries:           maxRetries,
		LeaseDurationMinutes: leaseMinutes,
		DuplicatePolicy:      policy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := b.store.CreateTaskType(tt); err != nil {
		return nil, err
	}
	return tt, nil
}

// GetTaskType looks up a task type by id.
func (b *Broker) GetTaskType(id ids.TaskTypeID) (*types.TaskType, error) {
	return b.store.GetTaskType(id)
}

// GetTaskTypeByName looks up a task type by name within a project.
func (b *Broker) GetTaskTypeByName(projectID ids.ProjectID, name string) (*types.TaskType, error) {
	return b.store.GetTaskTypeByName(projectID, name)
}

// ListTaskTypes lists every task type defined within a project.
func (b *Broker) ListTaskTypes(projectID ids.ProjectID) ([]*types.TaskType, error) {
	return b.store.ListTaskTypes(projectID)
}

// TaskTypePatch carries the optional fields update_task_type may change.
type TaskTypePatch struct {
	Description          *string
	Template             *string
	Variables            []string
	DuplicatePolicy      *types.DuplicatePolicy
	MaxRetries           *int
	LeaseDurationMinutes *float64
}

// UpdateTaskType applies patch to an existing task type.
func (b *Broker) UpdateTaskType(id ids.TaskTypeID, patch TaskTypePatch) (*types.TaskType, error) {
	tt, err := b.store.GetTaskType(id)
	if err != nil {
		return nil, err
	}
	if patch.Description != nil {
		tt.Description = *patch.Description
	}
	if patch.Template != nil {
		tt.Template = *patch.Template
	}
	if patch.Variables != nil {
		tt.Variables = patch.Variables
	}
	if patch.DuplicatePolicy != nil {
		tt.DuplicatePolicy = *patch.DuplicatePolicy
	}
	if patch.MaxRetries != nil {
		tt.MaxRetries = *patch.MaxRetries
	}
	if patch.LeaseDurationMinutes != nil {
		tt.LeaseDurationMinutes = *patch.LeaseDurationMinutes
	}
	if err := template.ValidateDeclared(tt.Template, tt.Variables); err != nil {
		return nil, err
	}
	tt.UpdatedAt = time.Now().UTC()
	if err := b.store.UpdateTaskType(tt); err != nil {
		return nil, err
	}
	return tt, nil
}

// DeleteTaskType removes a task type.
func (b *Broker) DeleteTaskType(id ids.TaskTypeID) error {
	return b.store.DeleteTaskType(id)
}

// --- Tasks ---

// CreateTask instantiates a task from typeID with the given variable
// binding.
func (b *Broker) CreateTask(projectID ids.ProjectID, typeID ids.TaskTypeID, variables map[string]string, opts queue.CreateTaskOptions) (*types.Task, error) {
	return b.engine.CreateTask(projectID, typeID, variables, opts)
}

// BulkCreateItem is one entry in a bulk_create_tasks request.
type BulkCreateItem struct {
	TypeID      ids.TaskTypeID
	Variables   map[string]string
	Description string
	Priority    int
}

// BulkCreateResult reports how many items from a bulk_create_tasks call
// succeeded, and the error text for each that didn't.
type BulkCreateResult struct {
	Created int
	Errors  []string
}

// BulkCreateTasks creates each item in order, continuing past individual
// failures and reporting them in the result rather than aborting the
// batch.
func (b *Broker) BulkCreateTasks(projectID ids.ProjectID, items []BulkCreateItem) (BulkCreateResult, error) {
	result := BulkCreateResult{}
	for _, item := range items {
		_, err := b.engine.CreateTask(projectID, item.TypeID, item.Variables, queue.CreateTaskOptions{
			Description: item.Description,
			Priority:    item.Priority,
		})
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Created++
	}
	return result, nil
}

// GetTask looks up a task by id.
func (b *Broker) GetTask(id ids.TaskID) (*types.Task, error) {
	return b.store.GetTask(id)
}

// ListTasks lists tasks in a project matching filter.
func (b *Broker) ListTasks(projectID ids.ProjectID, filter types.TaskFilter) ([]*types.Task, error) {
	return b.store.ListTasks(projectID, filter)
}

// TaskPatch carries the optional fields update_task may change. It
// cannot touch lease-owned fields (status/assignedTo/leaseExpiresAt);
// those only change through FetchNext/Complete/Fail/ExtendLease/Reap.
type TaskPatch struct {
	Description *string
	Priority    *int
}

// UpdateTask applies patch to a task's caller-editable fields.
func (b *Broker) UpdateTask(id ids.TaskID, patch TaskPatch) (*types.Task, error) {
	task, err := b.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	task.UpdatedAt = time.Now().UTC()
	if err := b.store.UpdateTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes a task outright.
func (b *Broker) DeleteTask(id ids.TaskID) error {
	return b.store.DeleteTask(id)
}

// --- Queue operations ---

// FetchNext leases the next eligible task in projectID to agentName
// (auto-generated if empty), resuming an in-flight lease if one exists.
func (b *Broker) FetchNext(projectID ids.ProjectID, agentName string, leaseDuration time.Duration) (*types.Task, string, error) {
	if leaseDuration <= 0 {
		leaseDuration = b.config.DefaultLeaseDuration()
	}
	return b.engine.FetchNext(projectID, agentName, leaseDuration)
}

// Complete marks taskID completed by agentName.
func (b *Broker) Complete(taskID ids.TaskID, agentName string, result map[string]any) (*types.Task, error) {
	return b.engine.Complete(taskID, agentName, result)
}

// Fail reports a failed attempt for taskID by agentName.
func (b *Broker) Fail(taskID ids.TaskID, agentName string, result map[string]any, canRetry bool) (*types.Task, error) {
	return b.engine.Fail(taskID, agentName, result, canRetry)
}

// ExtendLease pushes taskID's lease forward by additional.
func (b *Broker) ExtendLease(taskID ids.TaskID, agentName string, additional time.Duration) (*types.Task, error) {
	return b.engine.ExtendLease(taskID, agentName, additional)
}

// AgentStatus summarizes one agent's current standing in a project.
type AgentStatus struct {
	AgentName  string
	ActiveTask *types.Task
}

// ListActiveAgents lists every agent currently holding a running task in
// projectID.
func (b *Broker) ListActiveAgents(projectID ids.ProjectID) ([]AgentStatus, error) {
	running := types.TaskStatusRunning
	tasks, err := b.store.ListTasks(projectID, types.TaskFilter{Status: &running})
	if err != nil {
		return nil, err
	}
	statuses := make([]AgentStatus, 0, len(tasks))
	for _, t := range tasks {
		statuses = append(statuses, AgentStatus{AgentName: t.AssignedTo, ActiveTask: t})
	}
	return statuses, nil
}

// GetAgentStatus reports agentName's current task in projectID, if any.
func (b *Broker) GetAgentStatus(agentName string, projectID ids.ProjectID) (*AgentStatus, error) {
	running := types.TaskStatusRunning
	tasks, err := b.store.ListTasks(projectID, types.TaskFilter{Status: &running, AssignedTo: &agentName})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return &AgentStatus{AgentName: agentName}, nil
	}
	return &AgentStatus{AgentName: agentName, ActiveTask: tasks[0]}, nil
}

// Reap runs one lease-expiry sweep of projectID immediately, outside the
// reaper's regular ticker cadence.
func (b *Broker) Reap(projectID ids.ProjectID) (reaper.Result, error) {
	return b.reaper.Reap(projectID)
}

// --- Sessions ---

// CreateSession issues (or, with opts.ResumeExisting, resumes) a session
// token for agentName scoped to projectID.
func (b *Broker) CreateSession(projectID ids.ProjectID, agentName string, opts session.CreateOptions) (*types.Session, error) {
	return b.sessions.Create(projectID, agentName, opts)
}

// GetSession validates and returns the session for token, refreshing its
// last-accessed timestamp.
func (b *Broker) GetSession(token ids.SessionToken) (*types.Session, error) {
	return b.sessions.Validate(token)
}

// UpdateSessionData merges patch into the session's free-form data map.
func (b *Broker) UpdateSessionData(token ids.SessionToken, patch map[string]string) (*types.Session, error) {
	sess, err := b.store.GetSession(token)
	if err != nil {
		return nil, err
	}
	if sess.Data == nil {
		sess.Data = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		sess.Data[k] = v
	}
	if err := b.store.UpdateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSession removes a session outright.
func (b *Broker) DeleteSession(token ids.SessionToken) error {
	return b.sessions.Delete(token)
}

// FindSessionsByAgent lists every session belonging to agentName within
// projectID.
func (b *Broker) FindSessionsByAgent(projectID ids.ProjectID, agentName string) ([]*types.Session, error) {
	return b.store.ListSessionsByAgent(projectID, agentName)
}

// CleanupExpiredSessions deletes every session past its expiry.
func (b *Broker) CleanupExpiredSessions() (int, error) {
	return b.sessions.CleanupExpired()
}

// Stats computes projectID's task-status breakdown.
func (b *Broker) Stats(projectID ids.ProjectID) (*types.ProjectStats, error) {
	return b.engine.Stats(projectID)
}
