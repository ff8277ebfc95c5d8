package storage_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/storage"
	"github.com/cuemby/taskdriver/pkg/types"
)

// storeFactory builds a fresh, empty Store plus a cleanup func. Every
// backend gets the same suite run against it.
type storeFactory func(t *testing.T) (storage.Store, func())

func boltFactory(t *testing.T) (storage.Store, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "taskdriver-bolt-*")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(dir, 2*time.Second)
	require.NoError(t, err)
	return store, func() {
		store.Close()
		os.RemoveAll(dir)
	}
}

func TestStorageContract_Bolt(t *testing.T) {
	runContractSuite(t, boltFactory)
}

// runContractSuite exercises the property-based and scenario tests that
// every Store implementation must satisfy identically, regardless of
// which backend produced it.
func runContractSuite(t *testing.T, factory storeFactory) {
	t.Run("P1_NoDoubleAssignment", func(t *testing.T) { testNoDoubleAssignment(t, factory) })
	t.Run("P2_EventualDrainability", func(t *testing.T) { testEventualDrainability(t, factory) })
	t.Run("P4_LeaseMonotonicity", func(t *testing.T) { testLeaseMonotonicity(t, factory) })
	t.Run("P7_ProjectIsolation", func(t *testing.T) { testProjectIsolation(t, factory) })
	t.Run("Scenario_CreateFetchCompleteTask", func(t *testing.T) { testCreateFetchCompleteScenario(t, factory) })
	t.Run("Scenario_FailAndRetryUntilExhausted", func(t *testing.T) { testFailAndRetryScenario(t, factory) })
	t.Run("Scenario_DuplicateTaskIsIgnored", func(t *testing.T) { testDuplicateIgnoredScenario(t, factory) })
}

func mustProject(t *testing.T, s storage.Store, name string) *types.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &types.Project{
		ID:            ids.NewProjectID(),
		Name:          name,
		Status:        types.ProjectStatusActive,
		DefaultConfig: types.ProjectDefaults{MaxRetries: 3, LeaseDurationMinutes: 5},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateProject(p))
	return p
}

func mustTaskType(t *testing.T, s storage.Store, projectID ids.ProjectID, name string, policy types.DuplicatePolicy) *types.TaskType {
	t.Helper()
	now := time.Now().UTC()
	tt := &types.TaskType{
		ID:                   ids.NewTaskTypeID(),
		ProjectID:            projectID,
		Name:                 name,
		Template:             "do the thing for {{target}}",
		Variables:            []string{"target"},
		MaxRetries:           2,
		LeaseDurationMinutes: 5,
		DuplicatePolicy:      policy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, s.CreateTaskType(tt))
	return tt
}

func mustTask(t *testing.T, s storage.Store, projectID ids.ProjectID, typeID ids.TaskTypeID, vars map[string]string, maxRetries int) *types.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &types.Task{
		ID:         ids.NewTaskID(),
		ProjectID:  projectID,
		TypeID:     typeID,
		Variables:  vars,
		Status:     types.TaskStatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateTask(task))
	return task
}

// P1: eight concurrent fetch-and-lease calls against one queued task
// never both succeed — exactly one caller gets it, the others get nil.
func testNoDoubleAssignment(t *testing.T, factory storeFactory) {
	s, cleanup := factory(t)
	defer cleanup()

	project := mustProject(t, s, "p1-project")
	tt := mustTaskType(t, s, project.ID, "p1-type", types.DuplicatePolicyAllow)
	mustTask(t, s, project.ID, tt.ID, map[string]string{"target": "x"}, 3)

	const agents = 8
	var wg sync.WaitGroup
	results := make([]*types.Task, agents)
	errs := make([]error, agents)
	wg.Add(agents)
	for i := 0; i < agents; i++ {
		go func(i int) {
			defer wg.Done()
			task, err := s.AtomicFetchAndLease(project.ID, agentName(i), time.Now().UTC(), 5*time.Minute)
			results[i] = task
			errs[i] = err
		}(i)
	}
	wg.Wait()

	var won int
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] != nil {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one caller should have leased the task")
}

func agentName(i int) string {
	return "agent-" + string(rune('a'+i))
}

// P2: repeatedly calling fetch-and-lease and completing what comes back
// eventually drains a fixed queue to empty.
func testEventualDrainability(t *testing.T, factory storeFactory) {
	s, cleanup := factory(t)
	defer cleanup()

	project := mustProject(t, s, "p2-project")
	tt := mustTaskType(t, s, project.ID, "p2-type", types.DuplicatePolicyAllow)
	const n = 20
	for i := 0; i < n; i++ {
		mustTask(t, s, project.ID, tt.ID, map[string]string{"target": string(rune('a' + i))}, 3)
	}

	drained := 0
	for i := 0; i < n*2; i++ {
		task, err := s.AtomicFetchAndLease(project.ID, "drainer", time.Now().UTC(), time.Minute)
		require.NoError(t, err)
		if task == nil {
			break
		}
		_, err = s.AtomicComplete(task.ID, "drainer", nil, time.Now().UTC())
		require.NoError(t, err)
		drained++
	}
	assert.Equal(t, n, drained)

	task, err := s.AtomicFetchAndLease(project.ID, "drainer", time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task, "queue should be empty once drained")
}

// P4: extending a lease only ever pushes leaseExpiresAt forward, never
// backward, relative to its previous value.
func testLeaseMonotonicity(t *testing.T, factory storeFactory) {
	s, cleanup := factory(t)
	defer cleanup()

	project := mustProject(t, s, "p4-project")
	tt := mustTaskType(t, s, project.ID, "p4-type", types.DuplicatePolicyAllow)
	mustTask(t, s, project.ID, tt.ID, map[string]string{"target": "x"}, 3)

	now := time.Now().UTC()
	task, err := s.AtomicFetchAndLease(project.ID, "agent-1", now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	firstExpiry := *task.LeaseExpiresAt

	extended, err := s.AtomicExtendLease(task.ID, "agent-1", 30*time.Second, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, extended.LeaseExpiresAt.After(firstExpiry), "extend should move lease forward")

	extendedAgain, err := s.AtomicExtendLease(task.ID, "agent-1", time.Second, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, extendedAgain.LeaseExpiresAt.After(*extended.LeaseExpiresAt) || extendedAgain.LeaseExpiresAt.Equal(*extended.LeaseExpiresAt))
}

// P7: fetch-and-lease in project A never returns a task that belongs to
// project B, even when B has eligible work and A does not.
func testProjectIsolation(t *testing.T, factory storeFactory) {
	s, cleanup := factory(t)
	defer cleanup()

	projectA := mustProject(t, s, "p7-project-a")
	projectB := mustProject(t, s, "p7-project-b")
	ttB := mustTaskType(t, s, projectB.ID, "p7-type-b", types.DuplicatePolicyAllow)
	mustTask(t, s, projectB.ID, ttB.ID, map[string]string{"target": "x"}, 3)

	task, err := s.AtomicFetchAndLease(projectA.ID, "agent-1", time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task, "project A has no eligible work and must not see project B's task")
}

func testCreateFetchCompleteScenario(t *testing.T, factory storeFactory) {
	s, cleanup := factory(t)
	defer cleanup()

	project := mustProject(t, s, "scenario-1-project")
	tt := mustTaskType(t, s, project.ID, "scenario-1-type", types.DuplicatePolicyAllow)
	created := mustTask(t, s, project.ID, tt.ID, map[string]string{"target": "y"}, 3)

	leased, err := s.AtomicFetchAndLease(project.ID, "agent-1", time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, created.ID, leased.ID)
	assert.Equal(t, types.TaskStatusRunning, leased.Status)
	assert.Equal(t, "agent-1", leased.AssignedTo)
	require.Len(t, leased.Attempts, 1)

	completed, err := s.AtomicComplete(leased.ID, "agent-1", map[string]any{"ok": true}, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, completed.Status)
	assert.Nil(t, completed.LeaseExpiresAt)
	assert.Equal(t, types.AttemptStatusCompleted, completed.Attempts[0].Status)
}

func testFailAndRetryScenario(t *testing.T, factory storeFactory) {
	s, cleanup := factory(t)
	defer cleanup()

	project := mustProject(t, s, "scenario-2-project")
	tt := mustTaskType(t, s, project.ID, "scenario-2-type", types.DuplicatePolicyAllow)
	task := mustTask(t, s, project.ID, tt.ID, map[string]string{"target": "z"}, 1)

	for i := 0; i < 2; i++ {
		leased, err := s.AtomicFetchAndLease(project.ID, "agent-1", time.Now().UTC(), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, leased, "iteration %d", i)
		failed, err := s.AtomicFail(leased.ID, "agent-1", map[string]any{"error": "boom"}, true, time.Now().UTC())
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, types.TaskStatusQueued, failed.Status, "first failure should requeue within retry bound")
		} else {
			assert.Equal(t, types.TaskStatusFailed, failed.Status, "failure beyond maxRetries should terminally fail")
			assert.NotNil(t, failed.FailedAt)
		}
	}

	final, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, final.Status)
}

func testDuplicateIgnoredScenario(t *testing.T, factory storeFactory) {
	s, cleanup := factory(t)
	defer cleanup()

	project := mustProject(t, s, "scenario-3-project")
	tt := mustTaskType(t, s, project.ID, "scenario-3-type", types.DuplicatePolicyIgnore)
	vars := map[string]string{"target": "shared"}
	first := mustTask(t, s, project.ID, tt.ID, vars, 3)

	dup, err := s.AtomicFindDuplicate(project.ID, tt.ID, vars)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, first.ID, dup.ID)

	noMatch, err := s.AtomicFindDuplicate(project.ID, tt.ID, map[string]string{"target": "different"})
	require.NoError(t, err)
	assert.Nil(t, noMatch)
}
