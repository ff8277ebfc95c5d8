package session

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "taskdriver-session-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := storage.NewBoltStore(dir, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreate_NewSession(t *testing.T) {
	s := NewStore(newTestStore(t), time.Minute)
	projectID := ids.NewProjectID()

	session, err := s.Create(projectID, "agent-1", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", session.AgentName)
	assert.Equal(t, projectID, session.ProjectID)
	assert.True(t, session.ExpiresAt.After(session.CreatedAt))
}

func TestCreate_ResumeExisting(t *testing.T) {
	s := NewStore(newTestStore(t), time.Minute)
	projectID := ids.NewProjectID()

	first, err := s.Create(projectID, "agent-1", CreateOptions{ResumeExisting: true})
	require.NoError(t, err)

	second, err := s.Create(projectID, "agent-1", CreateOptions{ResumeExisting: true})
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token, "resumeExisting should return the same session")
}

func TestCreate_NoResumeMintsNewToken(t *testing.T) {
	s := NewStore(newTestStore(t), time.Minute)
	projectID := ids.NewProjectID()

	first, err := s.Create(projectID, "agent-1", CreateOptions{})
	require.NoError(t, err)
	second, err := s.Create(projectID, "agent-1", CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
}

func TestValidate_ExpiredSessionIsDeleted(t *testing.T) {
	s := NewStore(newTestStore(t), time.Millisecond)
	projectID := ids.NewProjectID()

	session, err := s.Create(projectID, "agent-1", CreateOptions{TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = s.Validate(session.Token)
	require.Error(t, err)

	_, err = s.Validate(session.Token)
	require.Error(t, err, "second lookup should still report not found, not panic on a missing row")
}

func TestValidate_RefreshesLastAccessedAt(t *testing.T) {
	s := NewStore(newTestStore(t), time.Minute)
	projectID := ids.NewProjectID()

	session, err := s.Create(projectID, "agent-1", CreateOptions{})
	require.NoError(t, err)
	firstAccess := session.LastAccessedAt

	time.Sleep(2 * time.Millisecond)
	refreshed, err := s.Validate(session.Token)
	require.NoError(t, err)
	assert.True(t, refreshed.LastAccessedAt.After(firstAccess))
}

func TestCleanupExpired(t *testing.T) {
	s := NewStore(newTestStore(t), time.Minute)
	projectID := ids.NewProjectID()

	_, err := s.Create(projectID, "agent-short", CreateOptions{TTL: time.Millisecond})
	require.NoError(t, err)
	_, err = s.Create(projectID, "agent-long", CreateOptions{TTL: time.Hour})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	count, err := s.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDelete(t *testing.T) {
	s := NewStore(newTestStore(t), time.Minute)
	projectID := ids.NewProjectID()

	session, err := s.Create(projectID, "agent-1", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(session.Token))
	_, err = s.Validate(session.Token)
	assert.Error(t, err)
}
