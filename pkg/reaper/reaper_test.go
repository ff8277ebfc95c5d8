package reaper

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/queue"
	"github.com/cuemby/taskdriver/pkg/storage"
	"github.com/cuemby/taskdriver/pkg/types"
)

func newTestSetup(t *testing.T) (storage.Store, *queue.Engine, *types.Project, *types.TaskType) {
	t.Helper()
	dir, err := os.MkdirTemp("", "taskdriver-reaper-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewBoltStore(dir, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	project := &types.Project{
		ID:        ids.NewProjectID(),
		Name:      "test-project",
		Status:    types.ProjectStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateProject(project))

	tt := &types.TaskType{
		ID:              ids.NewTaskTypeID(),
		ProjectID:       project.ID,
		Name:            "greet",
		Template:        "say hello to {{name}}",
		Variables:       []string{"name"},
		MaxRetries:      2,
		DuplicatePolicy: types.DuplicatePolicyAllow,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.CreateTaskType(tt))

	return store, queue.NewEngine(store, nil), project, tt
}

func forceLeaseExpired(t *testing.T, store storage.Store, taskID ids.TaskID) {
	t.Helper()
	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	task.LeaseExpiresAt = &past
	require.NoError(t, store.UpdateTask(task))
}

func TestReap_RequeuesExpiredLease(t *testing.T) {
	store, engine, project, tt := newTestSetup(t)

	task, err := engine.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, queue.CreateTaskOptions{})
	require.NoError(t, err)

	leased, _, err := engine.FetchNext(project.ID, "agent-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, task.ID, leased.ID)

	forceLeaseExpired(t, store, task.ID)

	r := New(store, engine, time.Hour)
	result, err := r.Reap(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ReclaimedTasks)
	assert.Equal(t, 1, result.CleanedAgents)

	reclaimed, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, reclaimed.Status)
	assert.Equal(t, 1, reclaimed.RetryCount)
	assert.Empty(t, reclaimed.AssignedTo)
}

func TestReap_TerminallyFailsWhenRetriesExhausted(t *testing.T) {
	store, engine, project, tt := newTestSetup(t)
	tt.MaxRetries = 0
	require.NoError(t, store.UpdateTaskType(tt))

	task, err := engine.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, queue.CreateTaskOptions{})
	require.NoError(t, err)

	_, _, err = engine.FetchNext(project.ID, "agent-1", time.Minute)
	require.NoError(t, err)

	forceLeaseExpired(t, store, task.ID)

	r := New(store, engine, time.Hour)
	result, err := r.Reap(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ReclaimedTasks)

	failed, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
}

func TestReap_IgnoresNonExpiredLeases(t *testing.T) {
	store, engine, project, tt := newTestSetup(t)

	_, err := engine.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, queue.CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = engine.FetchNext(project.ID, "agent-1", time.Hour)
	require.NoError(t, err)

	r := New(store, engine, time.Hour)
	result, err := r.Reap(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ReclaimedTasks)
	assert.Equal(t, 0, result.CleanedAgents)
}

func TestSweepAll_AggregatesAcrossProjects(t *testing.T) {
	store, engine, project, tt := newTestSetup(t)

	task, err := engine.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, queue.CreateTaskOptions{})
	require.NoError(t, err)
	_, _, err = engine.FetchNext(project.ID, "agent-1", time.Minute)
	require.NoError(t, err)
	forceLeaseExpired(t, store, task.ID)

	r := New(store, engine, time.Hour)
	result, err := r.SweepAll()
	require.NoError(t, err)
	assert.Equal(t, 1, result.ReclaimedTasks)
}
