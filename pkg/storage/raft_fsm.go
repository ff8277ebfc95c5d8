package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/template"
	"github.com/cuemby/taskdriver/pkg/types"
)

// brokerFSM is the Raft finite state machine backing RaftStore. Every
// mutating Store call becomes one Command, replicated via raft.Apply and
// applied here in committed-log order; reads go straight against the
// in-memory maps, guarded by the same mutex.
type brokerFSM struct {
	mu sync.RWMutex

	projects     map[ids.ProjectID]*types.Project
	projectNames map[string]ids.ProjectID // name -> id

	taskTypes     map[ids.TaskTypeID]*types.TaskType
	taskTypeNames map[string]ids.TaskTypeID // projectID\x00name -> id

	tasks    map[ids.TaskID]*types.Task
	sessions map[ids.SessionToken]*types.Session
}

func newBrokerFSM() *brokerFSM {
	return &brokerFSM{
		projects:      make(map[ids.ProjectID]*types.Project),
		projectNames:  make(map[string]ids.ProjectID),
		taskTypes:     make(map[ids.TaskTypeID]*types.TaskType),
		taskTypeNames: make(map[string]ids.TaskTypeID),
		tasks:         make(map[ids.TaskID]*types.Task),
		sessions:      make(map[ids.SessionToken]*types.Session),
	}
}

// Command is one Raft log entry: an operation name plus its JSON-encoded
// arguments. Every field referenced by Apply (including "now") must travel
// inside Data so that replay on any node is deterministic.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateProject = "create_project"
	opUpdateProject = "update_project"
	opDeleteProject = "delete_project"

	opCreateTaskType = "create_task_type"
	opUpdateTaskType = "update_task_type"
	opDeleteTaskType = "delete_task_type"

	opCreateTask = "create_task"
	opUpdateTask = "update_task"
	opDeleteTask = "delete_task"

	opCreateSession = "create_session"
	opUpdateSession = "update_session"
	opDeleteSession = "delete_session"

	opAtomicFetchAndLease = "atomic_fetch_and_lease"
	opAtomicComplete      = "atomic_complete"
	opAtomicFail          = "atomic_fail"
	opAtomicExtendLease   = "atomic_extend_lease"
)

// fsmResult is what every Apply call returns (via future.Response()):
// the method's usual (value, error) pair, boxed so Apply can satisfy
// raft.FSM's `interface{}` return type uniformly.
type fsmResult struct {
	task *types.Task
	err  error
}

type atomicFetchAndLeaseArgs struct {
	ProjectID     ids.ProjectID `json:"projectId"`
	AgentName     string        `json:"agentName"`
	Now           time.Time     `json:"now"`
	LeaseDuration time.Duration `json:"leaseDuration"`
}

type atomicCompleteArgs struct {
	TaskID    ids.TaskID     `json:"taskId"`
	AgentName string         `json:"agentName"`
	Result    map[string]any `json:"result"`
	Now       time.Time      `json:"now"`
}

type atomicFailArgs struct {
	TaskID    ids.TaskID     `json:"taskId"`
	AgentName string         `json:"agentName"`
	Result    map[string]any `json:"result"`
	CanRetry  bool           `json:"canRetry"`
	Now       time.Time      `json:"now"`
}

type atomicExtendLeaseArgs struct {
	TaskID     ids.TaskID    `json:"taskId"`
	AgentName  string        `json:"agentName"`
	Additional time.Duration `json:"additional"`
	Now        time.Time     `json:"now"`
}

type deleteArgs struct {
	ID string `json:"id"`
}

// Apply dispatches one committed Command to the matching in-memory
// mutation. Called by raft with f.mu unheld; every branch takes the
// write lock itself.
func (f *brokerFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fsmResult{err: fmt.Errorf("unmarshal command: %w", err)}
	}

	switch cmd.Op {
	case opCreateProject:
		var p types.Project
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyCreateProject(&p)}

	case opUpdateProject:
		var p types.Project
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyUpdateProject(&p)}

	case opDeleteProject:
		var a deleteArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyDeleteProject(ids.ProjectID(a.ID))}

	case opCreateTaskType:
		var tt types.TaskType
		if err := json.Unmarshal(cmd.Data, &tt); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyCreateTaskType(&tt)}

	case opUpdateTaskType:
		var tt types.TaskType
		if err := json.Unmarshal(cmd.Data, &tt); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyUpdateTaskType(&tt)}

	case opDeleteTaskType:
		var a deleteArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyDeleteTaskType(ids.TaskTypeID(a.ID))}

	case opCreateTask:
		var t types.Task
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyCreateTask(&t)}

	case opUpdateTask:
		var t types.Task
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyUpdateTask(&t)}

	case opDeleteTask:
		var a deleteArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyDeleteTask(ids.TaskID(a.ID))}

	case opCreateSession:
		var s types.Session
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyCreateSession(&s)}

	case opUpdateSession:
		var s types.Session
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyUpdateSession(&s)}

	case opDeleteSession:
		var a deleteArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		return fsmResult{err: f.applyDeleteSession(ids.SessionToken(a.ID))}

	case opAtomicFetchAndLease:
		var a atomicFetchAndLeaseArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		t, err := f.applyAtomicFetchAndLease(a)
		return fsmResult{task: t, err: err}

	case opAtomicComplete:
		var a atomicCompleteArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		t, err := f.applyAtomicComplete(a)
		return fsmResult{task: t, err: err}

	case opAtomicFail:
		var a atomicFailArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		t, err := f.applyAtomicFail(a)
		return fsmResult{task: t, err: err}

	case opAtomicExtendLease:
		var a atomicExtendLeaseArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fsmResult{err: err}
		}
		t, err := f.applyAtomicExtendLease(a)
		return fsmResult{task: t, err: err}

	default:
		return fsmResult{err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

func (f *brokerFSM) applyCreateProject(p *types.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[p.ID]; ok {
		return &brokererr.AlreadyExists{Entity: "project", Key: string(p.ID)}
	}
	if _, ok := f.projectNames[p.Name]; ok {
		return &brokererr.AlreadyExists{Entity: "project", Key: p.Name}
	}
	cp := *p
	f.projects[p.ID] = &cp
	f.projectNames[p.Name] = p.ID
	return nil
}

func (f *brokerFSM) applyUpdateProject(p *types.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.projects[p.ID]
	if !ok {
		return &brokererr.NotFound{Entity: "project", Key: string(p.ID)}
	}
	if existing.Name != p.Name {
		if _, taken := f.projectNames[p.Name]; taken {
			return &brokererr.AlreadyExists{Entity: "project", Key: p.Name}
		}
		delete(f.projectNames, existing.Name)
		f.projectNames[p.Name] = p.ID
	}
	cp := *p
	f.projects[p.ID] = &cp
	return nil
}

func (f *brokerFSM) applyDeleteProject(id ids.ProjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return &brokererr.NotFound{Entity: "project", Key: string(id)}
	}
	delete(f.projects, id)
	delete(f.projectNames, p.Name)

	for ttID, tt := range f.taskTypes {
		if tt.ProjectID == id {
			delete(f.taskTypes, ttID)
			delete(f.taskTypeNames, taskTypeNameKey(id, tt.Name))
		}
	}
	for taskID, t := range f.tasks {
		if t.ProjectID == id {
			delete(f.tasks, taskID)
		}
	}
	for token, s := range f.sessions {
		if s.ProjectID == id {
			delete(f.sessions, token)
		}
	}
	return nil
}

func (f *brokerFSM) applyCreateTaskType(tt *types.TaskType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.taskTypes[tt.ID]; ok {
		return &brokererr.AlreadyExists{Entity: "taskType", Key: string(tt.ID)}
	}
	key := taskTypeNameKey(tt.ProjectID, tt.Name)
	if _, ok := f.taskTypeNames[key]; ok {
		return &brokererr.AlreadyExists{Entity: "taskType", Key: tt.Name}
	}
	cp := *tt
	f.taskTypes[tt.ID] = &cp
	f.taskTypeNames[key] = tt.ID
	return nil
}

func (f *brokerFSM) applyUpdateTaskType(tt *types.TaskType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.taskTypes[tt.ID]
	if !ok {
		return &brokererr.NotFound{Entity: "taskType", Key: string(tt.ID)}
	}
	oldKey := taskTypeNameKey(existing.ProjectID, existing.Name)
	newKey := taskTypeNameKey(tt.ProjectID, tt.Name)
	if oldKey != newKey {
		if _, taken := f.taskTypeNames[newKey]; taken {
			return &brokererr.AlreadyExists{Entity: "taskType", Key: tt.Name}
		}
		delete(f.taskTypeNames, oldKey)
		f.taskTypeNames[newKey] = tt.ID
	}
	cp := *tt
	f.taskTypes[tt.ID] = &cp
	return nil
}

func (f *brokerFSM) applyDeleteTaskType(id ids.TaskTypeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tt, ok := f.taskTypes[id]
	if !ok {
		return &brokererr.NotFound{Entity: "taskType", Key: string(id)}
	}
	delete(f.taskTypes, id)
	delete(f.taskTypeNames, taskTypeNameKey(tt.ProjectID, tt.Name))
	return nil
}

func (f *brokerFSM) applyCreateTask(t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; ok {
		return &brokererr.AlreadyExists{Entity: "task", Key: string(t.ID)}
	}
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *brokerFSM) applyUpdateTask(t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; !ok {
		return &brokererr.NotFound{Entity: "task", Key: string(t.ID)}
	}
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *brokerFSM) applyDeleteTask(id ids.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return &brokererr.NotFound{Entity: "task", Key: string(id)}
	}
	delete(f.tasks, id)
	return nil
}

func (f *brokerFSM) applyCreateSession(s *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.Token]; ok {
		return &brokererr.AlreadyExists{Entity: "session", Key: string(s.Token)}
	}
	cp := *s
	f.sessions[s.Token] = &cp
	return nil
}

func (f *brokerFSM) applyUpdateSession(s *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.Token]; !ok {
		return &brokererr.NotFound{Entity: "session", Key: string(s.Token)}
	}
	cp := *s
	f.sessions[s.Token] = &cp
	return nil
}

func (f *brokerFSM) applyDeleteSession(token ids.SessionToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[token]; !ok {
		return &brokererr.NotFound{Entity: "session", Key: string(token)}
	}
	delete(f.sessions, token)
	return nil
}

func (f *brokerFSM) applyAtomicFetchAndLease(a atomicFetchAndLeaseArgs) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []*types.Task
	for _, t := range f.tasks {
		if t.ProjectID != a.ProjectID {
			continue
		}
		switch {
		case t.Status == types.TaskStatusQueued && t.RetryCount <= t.MaxRetries:
			candidates = append(candidates, t)
		case t.Status == types.TaskStatusRunning && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(a.Now):
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	chosen := candidates[0]

	if chosen.Status == types.TaskStatusRunning {
		closeLastAttempt(chosen, types.AttemptStatusExpired, nil, a.Now)
	}
	chosen.Status = types.TaskStatusRunning
	chosen.AssignedTo = a.AgentName
	assignedAt := a.Now
	chosen.AssignedAt = &assignedAt
	leaseExpires := a.Now.Add(a.LeaseDuration)
	chosen.LeaseExpiresAt = &leaseExpires
	chosen.Attempts = append(chosen.Attempts, types.TaskAttempt{
		AttemptID: uuid.NewString(),
		AgentName: a.AgentName,
		StartedAt: a.Now,
		Status:    types.AttemptStatusRunning,
	})
	chosen.UpdatedAt = a.Now

	out := *chosen
	f.tasks[chosen.ID] = chosen
	return &out, nil
}

func (f *brokerFSM) lockedOwnedRunningTask(id ids.TaskID, agentName string) (*types.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, &brokererr.NotFound{Entity: "task", Key: string(id)}
	}
	if t.Status != types.TaskStatusRunning {
		return nil, &brokererr.InvalidState{TaskID: string(id), Expected: string(types.TaskStatusRunning), Actual: string(t.Status)}
	}
	if t.AssignedTo != agentName {
		return nil, &brokererr.NotAssignedToAgent{TaskID: string(id), Agent: agentName}
	}
	return t, nil
}

func (f *brokerFSM) applyAtomicComplete(a atomicCompleteArgs) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, err := f.lockedOwnedRunningTask(a.TaskID, a.AgentName)
	if err != nil {
		return nil, err
	}
	closeLastAttempt(t, types.AttemptStatusCompleted, a.Result, a.Now)
	t.Status = types.TaskStatusCompleted
	t.Result = a.Result
	t.AssignedTo = ""
	t.AssignedAt = nil
	t.LeaseExpiresAt = nil
	completedAt := a.Now
	t.CompletedAt = &completedAt
	t.UpdatedAt = a.Now

	out := *t
	return &out, nil
}

func (f *brokerFSM) applyAtomicFail(a atomicFailArgs) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, err := f.lockedOwnedRunningTask(a.TaskID, a.AgentName)
	if err != nil {
		return nil, err
	}
	closeLastAttempt(t, types.AttemptStatusFailed, a.Result, a.Now)
	t.RetryCount++
	t.Result = a.Result
	t.AssignedTo = ""
	t.AssignedAt = nil
	t.LeaseExpiresAt = nil
	t.UpdatedAt = a.Now

	if a.CanRetry && t.RetryCount <= t.MaxRetries {
		t.Status = types.TaskStatusQueued
	} else {
		t.Status = types.TaskStatusFailed
		failedAt := a.Now
		t.FailedAt = &failedAt
	}

	out := *t
	return &out, nil
}

func (f *brokerFSM) applyAtomicExtendLease(a atomicExtendLeaseArgs) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, err := f.lockedOwnedRunningTask(a.TaskID, a.AgentName)
	if err != nil {
		return nil, err
	}
	base := a.Now
	if t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(base) {
		base = *t.LeaseExpiresAt
	}
	newExpiry := base.Add(a.Additional)
	t.LeaseExpiresAt = &newExpiry
	t.UpdatedAt = a.Now

	out := *t
	return &out, nil
}

func (f *brokerFSM) findDuplicate(projectID ids.ProjectID, typeID ids.TaskTypeID, variables map[string]string) (*types.Task, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, t := range f.tasks {
		if t.ProjectID != projectID || t.TypeID != typeID || t.Status == types.TaskStatusFailed {
			continue
		}
		if template.VariablesEqual(t.Variables, variables) {
			out := *t
			return &out, nil
		}
	}
	return nil, nil
}

func taskTypeNameKey(projectID ids.ProjectID, name string) string {
	return string(projectID) + "\x00" + name
}

// brokerSnapshot is the JSON-serializable point-in-time copy of the FSM's
// state, written by Persist and replayed by Restore.
type brokerSnapshot struct {
	Projects  []*types.Project  `json:"projects"`
	TaskTypes []*types.TaskType `json:"taskTypes"`
	Tasks     []*types.Task     `json:"tasks"`
	Sessions  []*types.Session  `json:"sessions"`
}

func (f *brokerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &brokerSnapshot{}
	for _, p := range f.projects {
		cp := *p
		snap.Projects = append(snap.Projects, &cp)
	}
	for _, tt := range f.taskTypes {
		cp := *tt
		snap.TaskTypes = append(snap.TaskTypes, &cp)
	}
	for _, t := range f.tasks {
		cp := *t
		snap.Tasks = append(snap.Tasks, &cp)
	}
	for _, s := range f.sessions {
		cp := *s
		snap.Sessions = append(snap.Sessions, &cp)
	}
	return snap, nil
}

func (f *brokerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap brokerSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.projects = make(map[ids.ProjectID]*types.Project, len(snap.Projects))
	f.projectNames = make(map[string]ids.ProjectID, len(snap.Projects))
	for _, p := range snap.Projects {
		f.projects[p.ID] = p
		f.projectNames[p.Name] = p.ID
	}

	f.taskTypes = make(map[ids.TaskTypeID]*types.TaskType, len(snap.TaskTypes))
	f.taskTypeNames = make(map[string]ids.TaskTypeID, len(snap.TaskTypes))
	for _, tt := range snap.TaskTypes {
		f.taskTypes[tt.ID] = tt
		f.taskTypeNames[taskTypeNameKey(tt.ProjectID, tt.Name)] = tt.ID
	}

	f.tasks = make(map[ids.TaskID]*types.Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		f.tasks[t.ID] = t
	}

	f.sessions = make(map[ids.SessionToken]*types.Session, len(snap.Sessions))
	for _, s := range snap.Sessions {
		f.sessions[s.Token] = s
	}
	return nil
}

// Persist writes the snapshot as JSON to sink, matching raft.FSMSnapshot.
func (s *brokerSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *brokerSnapshot) Release() {}
