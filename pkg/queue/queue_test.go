package queue

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/storage"
	"github.com/cuemby/taskdriver/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *types.Project) {
	t.Helper()
	dir, err := os.MkdirTemp("", "taskdriver-queue-*")
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

	return NewEngine(store, nil), project
}

func newTestTaskType(t *testing.T, e *Engine, projectID ids.ProjectID, policy types.DuplicatePolicy) *types.TaskType {
	t.Helper()
	now := time.Now().UTC()
	tt := &types.TaskType{
		ID:              ids.NewTaskTypeID(),
		ProjectID:       projectID,
		Name:            "greet",
		Template:        "say hello to {{name}}",
		Variables:       []string{"name"},
		MaxRetries:      2,
		DuplicatePolicy: policy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, e.store.CreateTaskType(tt))
	return tt
}

func TestCreateTask_BindsAndPersists(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyAllow)

	task, err := e.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, CreateTaskOptions{Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Equal(t, 5, task.Priority)
	assert.Equal(t, tt.MaxRetries, task.MaxRetries)

	instructions, err := e.Instructions(task)
	require.NoError(t, err)
	assert.Equal(t, "say hello to ada", instructions)
}

func TestCreateTask_MissingVariableIsRejected(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyAllow)

	_, err := e.CreateTask(project.ID, tt.ID, map[string]string{}, CreateTaskOptions{})
	require.Error(t, err)
	var missing *brokererr.MissingTemplateVariables
	assert.ErrorAs(t, err, &missing)
}

func TestCreateTask_DuplicatePolicyIgnoreReturnsExisting(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyIgnore)
	vars := map[string]string{"name": "ada"}

	first, err := e.CreateTask(project.ID, tt.ID, vars, CreateTaskOptions{})
	require.NoError(t, err)

	second, err := e.CreateTask(project.ID, tt.ID, vars, CreateTaskOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateTask_DuplicatePolicyFailReturnsError(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyFail)
	vars := map[string]string{"name": "ada"}

	_, err := e.CreateTask(project.ID, tt.ID, vars, CreateTaskOptions{})
	require.NoError(t, err)

	_, err = e.CreateTask(project.ID, tt.ID, vars, CreateTaskOptions{})
	require.Error(t, err)
	var dup *brokererr.DuplicateTask
	assert.ErrorAs(t, err, &dup)
}

func TestFetchNext_AssignsAndGeneratesAgentName(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyAllow)
	_, err := e.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, CreateTaskOptions{})
	require.NoError(t, err)

	task, agent, err := e.FetchNext(project.ID, "", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.NotEmpty(t, agent)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
	assert.Equal(t, agent, task.AssignedTo)
}

func TestFetchNext_ResumesInFlightLease(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyAllow)
	_, err := e.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, CreateTaskOptions{})
	require.NoError(t, err)

	first, agent, err := e.FetchNext(project.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, sameAgent, err := e.FetchNext(project.ID, agent, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID, "should resume the in-flight lease rather than assign a new task")
	assert.Equal(t, agent, sameAgent)
}

func TestCompleteAndFail(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyAllow)

	completable, err := e.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, CreateTaskOptions{})
	require.NoError(t, err)
	leased, agent, err := e.FetchNext(project.ID, "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, completable.ID, leased.ID)

	completed, err := e.Complete(leased.ID, agent, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, completed.Status)

	failable, err := e.CreateTask(project.ID, tt.ID, map[string]string{"name": "grace"}, CreateTaskOptions{})
	require.NoError(t, err)
	leased2, agent2, err := e.FetchNext(project.ID, "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, failable.ID, leased2.ID)

	failed, err := e.Fail(leased2.ID, agent2, map[string]any{"error": "boom"}, true)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, failed.Status, "retryable failure should requeue")
}

func TestExtendLease(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyAllow)
	_, err := e.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, CreateTaskOptions{})
	require.NoError(t, err)

	leased, agent, err := e.FetchNext(project.ID, "", time.Minute)
	require.NoError(t, err)
	originalExpiry := *leased.LeaseExpiresAt

	extended, err := e.ExtendLease(leased.ID, agent, time.Hour)
	require.NoError(t, err)
	assert.True(t, extended.LeaseExpiresAt.After(originalExpiry))
}

func TestStatsAndCollectStats(t *testing.T) {
	e, project := newTestEngine(t)
	tt := newTestTaskType(t, e, project.ID, types.DuplicatePolicyAllow)
	_, err := e.CreateTask(project.ID, tt.ID, map[string]string{"name": "ada"}, CreateTaskOptions{})
	require.NoError(t, err)
	_, err = e.CreateTask(project.ID, tt.ID, map[string]string{"name": "grace"}, CreateTaskOptions{})
	require.NoError(t, err)

	stats, err := e.Stats(project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Queued)

	snapshots, err := e.CollectStats()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, string(project.ID), snapshots[0].ProjectID)
	assert.Equal(t, 2, snapshots[0].TaskCounts["queued"])
}

func TestActiveSessionCount_NoSessionStoreIsZero(t *testing.T) {
	e, _ := newTestEngine(t)
	count, err := e.ActiveSessionCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
