package storage

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/types"
)

// RaftStore is the replicated in-memory backend: every mutating Store
// call is applied as one Raft log entry against an in-memory FSM, giving
// linearizable writes without a separate per-project in-process lock —
// raft.Apply itself serializes the whole log.
type RaftStore struct {
	raft *raft.Raft
	fsm  *brokerFSM

	nodeID   string
	bindAddr string
	dataDir  string

	applyTimeout time.Duration
}

// RaftConfig configures a single-node bootstrap of RaftStore. Joining an
// existing cluster is not supported; RaftStore always bootstraps itself
// as the sole voter.
type RaftConfig struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	ApplyTimeout time.Duration
}

// NewRaftStore bootstraps a single-node Raft cluster backed by an
// in-memory FSM, with the Raft log and stable store persisted to
// raft-boltdb files under cfg.DataDir and snapshots under the same
// directory.
func NewRaftStore(cfg RaftConfig) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	applyTimeout := cfg.ApplyTimeout
	if applyTimeout <= 0 {
		applyTimeout = 5 * time.Second
	}

	fsm := newBrokerFSM()

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	bootstrapConfig := raft.Configuration{
		Servers: []raft.Server{
			{ID: raftConfig.LocalID, Address: transport.LocalAddr()},
		},
	}
	if err := r.BootstrapCluster(bootstrapConfig).Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("bootstrap cluster: %w", err)
	}

	return &RaftStore{
		raft:         r,
		fsm:          fsm,
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		applyTimeout: applyTimeout,
	}, nil
}

func (s *RaftStore) Close() error {
	return s.raft.Shutdown().Error()
}

// Barrier blocks until every command applied before this call has been
// applied to this node's FSM, giving linearizable reads for callers that
// need them (ordinary Get/List calls read the FSM directly and do not
// wait for this).
func (s *RaftStore) Barrier(timeout time.Duration) error {
	return s.raft.Barrier(timeout).Error()
}

// IsLeader reports whether this node currently holds the Raft leadership;
// only the leader may Apply.
func (s *RaftStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

func (s *RaftStore) apply(op string, data any) (*types.Task, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	cmd := Command{Op: op, Data: payload}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	future := s.raft.Apply(encoded, s.applyTimeout)
	if err := future.Error(); err != nil {
		return nil, &brokererr.StorageUnavailable{Backend: "raft", Cause: err}
	}
	res, ok := future.Response().(fsmResult)
	if !ok {
		return nil, fmt.Errorf("unexpected FSM response type %T", future.Response())
	}
	return res.task, res.err
}

// --- Projects ---

func (s *RaftStore) CreateProject(project *types.Project) error {
	_, err := s.apply(opCreateProject, project)
	return err
}

func (s *RaftStore) GetProject(id ids.ProjectID) (*types.Project, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	p, ok := s.fsm.projects[id]
	if !ok {
		return nil, &brokererr.NotFound{Entity: "project", Key: string(id)}
	}
	out := *p
	return &out, nil
}

func (s *RaftStore) GetProjectByName(name string) (*types.Project, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	id, ok := s.fsm.projectNames[name]
	if !ok {
		return nil, &brokererr.NotFound{Entity: "project", Key: name}
	}
	out := *s.fsm.projects[id]
	return &out, nil
}

func (s *RaftStore) ListProjects(includeClosed bool) ([]*types.Project, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	var out []*types.Project
	for _, p := range s.fsm.projects {
		if !includeClosed && p.Status == types.ProjectStatusClosed {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RaftStore) UpdateProject(project *types.Project) error {
	_, err := s.apply(opUpdateProject, project)
	return err
}

func (s *RaftStore) DeleteProject(id ids.ProjectID) error {
	_, err := s.apply(opDeleteProject, deleteArgs{ID: string(id)})
	return err
}

// --- Task types ---

func (s *RaftStore) CreateTaskType(tt *types.TaskType) error {
	_, err := s.apply(opCreateTaskType, tt)
	return err
}

func (s *RaftStore) GetTaskType(id ids.TaskTypeID) (*types.TaskType, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	tt, ok := s.fsm.taskTypes[id]
	if !ok {
		return nil, &brokererr.NotFound{Entity: "taskType", Key: string(id)}
	}
	out := *tt
	return &out, nil
}

func (s *RaftStore) GetTaskTypeByName(projectID ids.ProjectID, name string) (*types.TaskType, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	id, ok := s.fsm.taskTypeNames[taskTypeNameKey(projectID, name)]
	if !ok {
		return nil, &brokererr.NotFound{Entity: "taskType", Key: name}
	}
	out := *s.fsm.taskTypes[id]
	return &out, nil
}

func (s *RaftStore) ListTaskTypes(projectID ids.ProjectID) ([]*types.TaskType, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	var out []*types.TaskType
	for _, tt := range s.fsm.taskTypes {
		if tt.ProjectID == projectID {
			cp := *tt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RaftStore) UpdateTaskType(tt *types.TaskType) error {
	_, err := s.apply(opUpdateTaskType, tt)
	return err
}

func (s *RaftStore) DeleteTaskType(id ids.TaskTypeID) error {
	_, err := s.apply(opDeleteTaskType, deleteArgs{ID: string(id)})
	return err
}

// --- Tasks ---

func (s *RaftStore) CreateTask(task *types.Task) error {
	_, err := s.apply(opCreateTask, task)
	return err
}

func (s *RaftStore) GetTask(id ids.TaskID) (*types.Task, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	t, ok := s.fsm.tasks[id]
	if !ok {
		return nil, &brokererr.NotFound{Entity: "task", Key: string(id)}
	}
	out := *t
	return &out, nil
}

func (s *RaftStore) ListTasks(projectID ids.ProjectID, filter types.TaskFilter) ([]*types.Task, error) {
	s.fsm.mu.RLock()
	var matched []*types.Task
	for _, t := range s.fsm.tasks {
		if t.ProjectID == projectID && taskMatchesFilter(t, filter) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	s.fsm.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *RaftStore) UpdateTask(task *types.Task) error {
	_, err := s.apply(opUpdateTask, task)
	return err
}

func (s *RaftStore) DeleteTask(id ids.TaskID) error {
	_, err := s.apply(opDeleteTask, deleteArgs{ID: string(id)})
	return err
}

// --- Sessions ---

func (s *RaftStore) CreateSession(session *types.Session) error {
	_, err := s.apply(opCreateSession, session)
	return err
}

func (s *RaftStore) GetSession(token ids.SessionToken) (*types.Session, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	sess, ok := s.fsm.sessions[token]
	if !ok {
		return nil, &brokererr.NotFound{Entity: "session", Key: string(token)}
	}
	out := *sess
	return &out, nil
}

func (s *RaftStore) UpdateSession(session *types.Session) error {
	_, err := s.apply(opUpdateSession, session)
	return err
}

func (s *RaftStore) DeleteSession(token ids.SessionToken) error {
	_, err := s.apply(opDeleteSession, deleteArgs{ID: string(token)})
	return err
}

func (s *RaftStore) ListSessionsByAgent(projectID ids.ProjectID, agentName string) ([]*types.Session, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	var out []*types.Session
	for _, sess := range s.fsm.sessions {
		if sess.ProjectID == projectID && sess.AgentName == agentName {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *RaftStore) ListSessionsByProject(projectID ids.ProjectID) ([]*types.Session, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	var out []*types.Session
	for _, sess := range s.fsm.sessions {
		if sess.ProjectID == projectID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *RaftStore) ListExpiredSessions(now time.Time) ([]*types.Session, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	var out []*types.Session
	for _, sess := range s.fsm.sessions {
		if !sess.ExpiresAt.After(now) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Atomic primitives ---

func (s *RaftStore) AtomicFetchAndLease(projectID ids.ProjectID, agentName string, now time.Time, leaseDuration time.Duration) (*types.Task, error) {
	return s.apply(opAtomicFetchAndLease, atomicFetchAndLeaseArgs{
		ProjectID: projectID, AgentName: agentName, Now: now, LeaseDuration: leaseDuration,
	})
}

func (s *RaftStore) AtomicComplete(taskID ids.TaskID, agentName string, result map[string]any, now time.Time) (*types.Task, error) {
	return s.apply(opAtomicComplete, atomicCompleteArgs{
		TaskID: taskID, AgentName: agentName, Result: result, Now: now,
	})
}

func (s *RaftStore) AtomicFail(taskID ids.TaskID, agentName string, result map[string]any, canRetry bool, now time.Time) (*types.Task, error) {
	return s.apply(opAtomicFail, atomicFailArgs{
		TaskID: taskID, AgentName: agentName, Result: result, CanRetry: canRetry, Now: now,
	})
}

func (s *RaftStore) AtomicExtendLease(taskID ids.TaskID, agentName string, additional time.Duration, now time.Time) (*types.Task, error) {
	return s.apply(opAtomicExtendLease, atomicExtendLeaseArgs{
		TaskID: taskID, AgentName: agentName, Additional: additional, Now: now,
	})
}

func (s *RaftStore) AtomicFindDuplicate(projectID ids.ProjectID, typeID ids.TaskTypeID, variables map[string]string) (*types.Task, error) {
	return s.fsm.findDuplicate(projectID, typeID, variables)
}
