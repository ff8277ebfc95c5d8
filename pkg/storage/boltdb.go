package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/metrics"
	"github.com/cuemby/taskdriver/pkg/template"
	"github.com/cuemby/taskdriver/pkg/types"
)

var (
	bucketProjects     = []byte("projects")
	bucketProjectNames = []byte("project_names") // name -> projectID
	bucketTaskTypes    = []byte("task_types")
	bucketTaskTypeNames = []byte("task_type_names") // projectID\x00name -> taskTypeID
	bucketTasks        = []byte("tasks")
	bucketSessions     = []byte("sessions")
)

// semaphore is a 1-capacity channel used as a mutex that supports a
// bounded-wait Lock, so a caller gives up after a configured timeout
// instead of blocking forever. lock reports false on timeout; a holder
// that never unlocks is not taken over, and later callers keep timing out.
type semaphore chan struct{}

func newSemaphore() semaphore {
	s := make(semaphore, 1)
	s <- struct{}{}
	return s
}

func (s semaphore) lock(timeout time.Duration) bool {
	select {
	case <-s:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s semaphore) unlock() {
	s <- struct{}{}
}

// BoltStore implements Store against a single bbolt database file. bbolt's
// own single-writer Update transaction is the durability and serialization
// boundary; an additional in-process semaphore keyed by ProjectID bounds
// how long a caller waits for another goroutine's read-modify-write
// sequence before surfacing LockTimeout, independent of bbolt's own
// blocking behavior.
type BoltStore struct {
	db *bolt.DB

	locksMu     sync.Mutex
	locks       map[ids.ProjectID]semaphore
	lockTimeout time.Duration
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string, lockTimeout time.Duration) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "taskdriver.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketProjectNames,
			bucketTaskTypes,
			bucketTaskTypeNames,
			bucketTasks,
			bucketSessions,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}

	return &BoltStore{
		db:          db,
		locks:       make(map[ids.ProjectID]semaphore),
		lockTimeout: lockTimeout,
	}, nil
}

// Close closes the database. Idempotent.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) projectSemaphore(projectID ids.ProjectID) semaphore {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	sem, ok := s.locks[projectID]
	if !ok {
		sem = newSemaphore()
		s.locks[projectID] = sem
	}
	return sem
}

// withProjectLock bounds how long fn waits to run exclusively for
// projectID before returning LockTimeout.
func (s *BoltStore) withProjectLock(projectID ids.ProjectID, fn func() error) error {
	sem := s.projectSemaphore(projectID)
	if !sem.lock(s.lockTimeout) {
		metrics.StorageLockTimeoutsTotal.Inc()
		return &brokererr.LockTimeout{ProjectID: string(projectID)}
	}
	defer sem.unlock()
	return fn()
}

// --- Projects ---

func (s *BoltStore) CreateProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketProjectNames)
		if existing := names.Get([]byte(project.Name)); existing != nil {
			return &brokererr.AlreadyExists{Entity: "project", Key: project.Name}
		}
		b := tx.Bucket(bucketProjects)
		data, err := json.Marshal(project)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(project.ID), data); err != nil {
			return err
		}
		return names.Put([]byte(project.Name), []byte(project.ID))
	})
}

func (s *BoltStore) GetProject(id ids.ProjectID) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get([]byte(id))
		if data == nil {
			return &brokererr.NotFound{Entity: "project", Key: string(id)}
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) GetProjectByName(name string) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		projectID := tx.Bucket(bucketProjectNames).Get([]byte(name))
		if projectID == nil {
			return &brokererr.NotFound{Entity: "project", Key: name}
		}
		data := tx.Bucket(bucketProjects).Get(projectID)
		if data == nil {
			return &brokererr.NotFound{Entity: "project", Key: name}
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) ListProjects(includeClosed bool) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if includeClosed || project.Status != types.ProjectStatusClosed {
				projects = append(projects, &project)
			}
			return nil
		})
	})
	sort.Slice(projects, func(i, j int) bool { return projects[i].CreatedAt.Before(projects[j].CreatedAt) })
	return projects, err
}

func (s *BoltStore) UpdateProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if b.Get([]byte(project.ID)) == nil {
			return &brokererr.NotFound{Entity: "project", Key: string(project.ID)}
		}
		data, err := json.Marshal(project)
		if err != nil {
			return err
		}
		return b.Put([]byte(project.ID), data)
	})
}

func (s *BoltStore) DeleteProject(id ids.ProjectID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		projects := tx.Bucket(bucketProjects)
		data := projects.Get([]byte(id))
		if data == nil {
			return &brokererr.NotFound{Entity: "project", Key: string(id)}
		}
		var project types.Project
		if err := json.Unmarshal(data, &project); err != nil {
			return err
		}
		if err := tx.Bucket(bucketProjectNames).Delete([]byte(project.Name)); err != nil {
			return err
		}
		if err := projects.Delete([]byte(id)); err != nil {
			return err
		}

		// Cascade: task types
		taskTypes := tx.Bucket(bucketTaskTypes)
		taskTypeNames := tx.Bucket(bucketTaskTypeNames)
		var deadTaskTypes [][]byte
		var deadTaskTypeNameKeys [][]byte
		if err := taskTypes.ForEach(func(k, v []byte) error {
			var tt types.TaskType
			if err := json.Unmarshal(v, &tt); err != nil {
				return err
			}
			if tt.ProjectID == id {
				deadTaskTypes = append(deadTaskTypes, append([]byte(nil), k...))
				deadTaskTypeNameKeys = append(deadTaskTypeNameKeys, boltTaskTypeNameKey(id, tt.Name))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range deadTaskTypes {
			if err := taskTypes.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range deadTaskTypeNameKeys {
			if err := taskTypeNames.Delete(k); err != nil {
				return err
			}
		}

		// Cascade: tasks
		tasks := tx.Bucket(bucketTasks)
		var deadTasks [][]byte
		if err := tasks.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ProjectID == id {
				deadTasks = append(deadTasks, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range deadTasks {
			if err := tasks.Delete(k); err != nil {
				return err
			}
		}

		// Cascade: sessions
		sessions := tx.Bucket(bucketSessions)
		var deadSessions [][]byte
		if err := sessions.ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.ProjectID == id {
				deadSessions = append(deadSessions, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range deadSessions {
			if err := sessions.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- Task types ---

func boltTaskTypeNameKey(projectID ids.ProjectID, name string) []byte {
	return []byte(string(projectID) + "\x00" + name)
}

func (s *BoltStore) CreateTaskType(tt *types.TaskType) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketTaskTypeNames)
		key := boltTaskTypeNameKey(tt.ProjectID, tt.Name)
		if existing := names.Get(key); existing != nil {
			return &brokererr.AlreadyExists{Entity: "task_type", Key: tt.Name}
		}
		b := tx.Bucket(bucketTaskTypes)
		data, err := json.Marshal(tt)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(tt.ID), data); err != nil {
			return err
		}
		return names.Put(key, []byte(tt.ID))
	})
}

func (s *BoltStore) GetTaskType(id ids.TaskTypeID) (*types.TaskType, error) {
	var tt types.TaskType
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTaskTypes).Get([]byte(id))
		if data == nil {
			return &brokererr.NotFound{Entity: "task_type", Key: string(id)}
		}
		return json.Unmarshal(data, &tt)
	})
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

func (s *BoltStore) GetTaskTypeByName(projectID ids.ProjectID, name string) (*types.TaskType, error) {
	var tt types.TaskType
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTaskTypeNames).Get(boltTaskTypeNameKey(projectID, name))
		if id == nil {
			return &brokererr.NotFound{Entity: "task_type", Key: name}
		}
		data := tx.Bucket(bucketTaskTypes).Get(id)
		if data == nil {
			return &brokererr.NotFound{Entity: "task_type", Key: name}
		}
		return json.Unmarshal(data, &tt)
	})
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

func (s *BoltStore) ListTaskTypes(projectID ids.ProjectID) ([]*types.TaskType, error) {
	var taskTypes []*types.TaskType
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskTypes).ForEach(func(k, v []byte) error {
			var tt types.TaskType
			if err := json.Unmarshal(v, &tt); err != nil {
				return err
			}
			if tt.ProjectID == projectID {
				taskTypes = append(taskTypes, &tt)
			}
			return nil
		})
	})
	sort.Slice(taskTypes, func(i, j int) bool { return taskTypes[i].CreatedAt.Before(taskTypes[j].CreatedAt) })
	return taskTypes, err
}

func (s *BoltStore) UpdateTaskType(tt *types.TaskType) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskTypes)
		if b.Get([]byte(tt.ID)) == nil {
			return &brokererr.NotFound{Entity: "task_type", Key: string(tt.ID)}
		}
		data, err := json.Marshal(tt)
		if err != nil {
			return err
		}
		return b.Put([]byte(tt.ID), data)
	})
}

func (s *BoltStore) DeleteTaskType(id ids.TaskTypeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskTypes)
		data := b.Get([]byte(id))
		if data == nil {
			return &brokererr.NotFound{Entity: "task_type", Key: string(id)}
		}
		var tt types.TaskType
		if err := json.Unmarshal(data, &tt); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTaskTypeNames).Delete(boltTaskTypeNameKey(tt.ProjectID, tt.Name)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// --- Tasks ---

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) != nil {
			return &brokererr.AlreadyExists{Entity: "task", Key: string(task.ID)}
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id ids.TaskID) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return &brokererr.NotFound{Entity: "task", Key: string(id)}
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func taskMatchesFilter(t *types.Task, filter types.TaskFilter) bool {
	if filter.Status != nil && t.Status != *filter.Status {
		return false
	}
	if filter.TypeID != nil && t.TypeID != *filter.TypeID {
		return false
	}
	if filter.AssignedTo != nil && t.AssignedTo != *filter.AssignedTo {
		return false
	}
	return true
}

func (s *BoltStore) ListTasks(projectID ids.ProjectID, filter types.TaskFilter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ProjectID == projectID && taskMatchesFilter(&t, filter) {
				tasks = append(tasks, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(tasks) {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) == nil {
			return &brokererr.NotFound{Entity: "task", Key: string(task.ID)}
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) DeleteTask(id ids.TaskID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// --- Sessions ---

func (s *BoltStore) CreateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.Token)) != nil {
			return &brokererr.AlreadyExists{Entity: "session", Key: string(session.Token)}
		}
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(session.Token), data)
	})
}

func (s *BoltStore) GetSession(token ids.SessionToken) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(token))
		if data == nil {
			return &brokererr.NotFound{Entity: "session", Key: string(token)}
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) UpdateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.Token)) == nil {
			return &brokererr.NotFound{Entity: "session", Key: string(session.Token)}
		}
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(session.Token), data)
	})
}

func (s *BoltStore) DeleteSession(token ids.SessionToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(token))
	})
}

func (s *BoltStore) ListSessionsByAgent(projectID ids.ProjectID, agentName string) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.ProjectID == projectID && sess.AgentName == agentName {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListSessionsByProject(projectID ids.ProjectID) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.ProjectID == projectID {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListExpiredSessions(now time.Time) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.Expired(now) {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	return sessions, err
}

// --- Atomic task primitives ---

func (s *BoltStore) AtomicFetchAndLease(projectID ids.ProjectID, agentName string, now time.Time, leaseDuration time.Duration) (*types.Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "bolt", "fetch_and_lease")

	var result *types.Task
	err := s.withProjectLock(projectID, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketTasks)

			var candidate *types.Task
			if err := b.ForEach(func(k, v []byte) error {
				var t types.Task
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				if t.ProjectID != projectID {
					return nil
				}
				eligible := t.Status == types.TaskStatusQueued && t.RetryCount <= t.MaxRetries
				reclaimable := t.Status == types.TaskStatusRunning && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
				if !eligible && !reclaimable {
					return nil
				}
				if candidate == nil {
					candidate = &t
					return nil
				}
				if t.Priority != candidate.Priority {
					if t.Priority > candidate.Priority {
						candidate = &t
					}
					return nil
				}
				if t.CreatedAt.Before(candidate.CreatedAt) {
					candidate = &t
				}
				return nil
			}); err != nil {
				return err
			}

			if candidate == nil {
				return nil
			}

			if candidate.Status == types.TaskStatusRunning {
				// Reclaim: close the stale attempt as expired, audit the old agent.
				if n := len(candidate.Attempts); n > 0 && candidate.Attempts[n-1].Status == types.AttemptStatusRunning {
					expiredAt := now
					candidate.Attempts[n-1].Status = types.AttemptStatusExpired
					candidate.Attempts[n-1].CompletedAt = &expiredAt
				}
			}

			leaseExpires := now.Add(leaseDuration)
			candidate.Status = types.TaskStatusRunning
			candidate.AssignedTo = agentName
			candidate.AssignedAt = &now
			candidate.LeaseExpiresAt = &leaseExpires
			candidate.UpdatedAt = now
			candidate.Attempts = append(candidate.Attempts, types.TaskAttempt{
				AttemptID: uuid.NewString(),
				AgentName: agentName,
				StartedAt: now,
				Status:    types.AttemptStatusRunning,
			})

			data, err := json.Marshal(candidate)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(candidate.ID), data); err != nil {
				return err
			}
			result = candidate
			return nil
		})
	})
	return result, err
}

// loadRunningOwnedTask fetches a task and validates the complete/fail/
// extend-lease precondition shared by all three terminal operations.
func loadRunningOwnedTask(tx *bolt.Tx, taskID ids.TaskID, agentName string) (*types.Task, error) {
	b := tx.Bucket(bucketTasks)
	data := b.Get([]byte(taskID))
	if data == nil {
		return nil, &brokererr.NotFound{Entity: "task", Key: string(taskID)}
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Status != types.TaskStatusRunning {
		return nil, &brokererr.InvalidState{TaskID: string(taskID), Expected: string(types.TaskStatusRunning), Actual: string(t.Status)}
	}
	if t.AssignedTo != agentName {
		return nil, &brokererr.NotAssignedToAgent{TaskID: string(taskID), Agent: agentName}
	}
	return &t, nil
}

func closeLastAttempt(t *types.Task, status types.AttemptStatus, result map[string]any, now time.Time) {
	if n := len(t.Attempts); n > 0 {
		t.Attempts[n-1].Status = status
		t.Attempts[n-1].CompletedAt = &now
		t.Attempts[n-1].Result = result
	}
}

func (s *BoltStore) AtomicComplete(taskID ids.TaskID, agentName string, result map[string]any, now time.Time) (*types.Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "bolt", "complete")

	projectID, err := s.taskProjectID(taskID)
	if err != nil {
		return nil, err
	}
	var out *types.Task
	err = s.withProjectLock(projectID, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			t, err := loadRunningOwnedTask(tx, taskID, agentName)
			if err != nil {
				return err
			}
			t.Status = types.TaskStatusCompleted
			t.CompletedAt = &now
			t.Result = result
			t.AssignedTo = ""
			t.AssignedAt = nil
			t.LeaseExpiresAt = nil
			t.UpdatedAt = now
			closeLastAttempt(t, types.AttemptStatusCompleted, result, now)

			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
				return err
			}
			out = t
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AtomicFail(taskID ids.TaskID, agentName string, result map[string]any, canRetry bool, now time.Time) (*types.Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "bolt", "fail")

	projectID, err := s.taskProjectID(taskID)
	if err != nil {
		return nil, err
	}
	var out *types.Task
	err = s.withProjectLock(projectID, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			t, err := loadRunningOwnedTask(tx, taskID, agentName)
			if err != nil {
				return err
			}
			newCount := t.RetryCount + 1
			t.RetryCount = newCount
			t.AssignedTo = ""
			t.AssignedAt = nil
			t.LeaseExpiresAt = nil
			t.UpdatedAt = now

			if canRetry && newCount <= t.MaxRetries {
				t.Status = types.TaskStatusQueued
				closeLastAttempt(t, types.AttemptStatusFailed, result, now)
			} else {
				t.Status = types.TaskStatusFailed
				t.FailedAt = &now
				closeLastAttempt(t, types.AttemptStatusFailed, result, now)
			}

			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
				return err
			}
			out = t
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AtomicExtendLease(taskID ids.TaskID, agentName string, additional time.Duration, now time.Time) (*types.Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StorageOpDuration, "bolt", "extend_lease")

	projectID, err := s.taskProjectID(taskID)
	if err != nil {
		return nil, err
	}
	var out *types.Task
	err = s.withProjectLock(projectID, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			t, err := loadRunningOwnedTask(tx, taskID, agentName)
			if err != nil {
				return err
			}
			base := now
			if t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(base) {
				base = *t.LeaseExpiresAt
			}
			newExpiry := base.Add(additional)
			t.LeaseExpiresAt = &newExpiry
			t.UpdatedAt = now

			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
				return err
			}
			out = t
			return nil
		})
	})
	return out, err
}

// taskProjectID looks up a task's ProjectID via a plain read, used only to
// pick which project semaphore to acquire before the mutating transaction.
// The mutating transaction re-validates every precondition itself, so a
// stale read here cannot produce an inconsistent result.
func (s *BoltStore) taskProjectID(taskID ids.TaskID) (ids.ProjectID, error) {
	t, err := s.GetTask(taskID)
	if err != nil {
		return "", err
	}
	return t.ProjectID, nil
}

func (s *BoltStore) AtomicFindDuplicate(projectID ids.ProjectID, typeID ids.TaskTypeID, variables map[string]string) (*types.Task, error) {
	var found *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ProjectID != projectID || t.TypeID != typeID || t.Status == types.TaskStatusFailed {
				return nil
			}
			if template.VariablesEqual(t.Variables, variables) {
				found = &t
			}
			return nil
		})
	})
	return found, err
}
