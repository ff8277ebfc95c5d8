// Package session issues and validates the opaque bearer tokens that let
// an agent identity survive across requests and resume its in-flight
// task after a restart.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/log"
	"github.com/cuemby/taskdriver/pkg/metrics"
	"github.com/cuemby/taskdriver/pkg/storage"
	"github.com/cuemby/taskdriver/pkg/types"
)

// Store issues, validates, and expires sessions, persisting them through
// a storage.Store so sessions survive process restart (unlike the
// teacher's purely in-memory TokenManager).
type Store struct {
	store      storage.Store
	defaultTTL time.Duration
	logger     zerolog.Logger
}

// NewStore creates a session Store backed by store, with defaultTTL
// applied to sessions that don't specify their own.
func NewStore(store storage.Store, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &Store{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     log.WithComponent("session"),
	}
}

// CreateOptions controls session creation.
type CreateOptions struct {
	// ResumeExisting, if true, returns the agent's current non-expired
	// session for this project instead of minting a new one.
	ResumeExisting bool
	TTL            time.Duration
}

// Create issues a new session token for agentName scoped to projectID,
// or returns an existing one if opts.ResumeExisting is set and one is
// found.
func (s *Store) Create(projectID ids.ProjectID, agentName string, opts CreateOptions) (*types.Session, error) {
	if opts.ResumeExisting {
		existing, err := s.findActive(projectID, agentName)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now().UTC()
	session := &types.Session{
		Token:          token,
		AgentName:      agentName,
		ProjectID:      projectID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		Data:           make(map[string]string),
	}
	if err := s.store.CreateSession(session); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("agent", agentName).Str("project_id", string(projectID)).Msg("session created")
	return session, nil
}

// findActive returns the agent's live session for projectID, if any.
func (s *Store) findActive(projectID ids.ProjectID, agentName string) (*types.Session, error) {
	sessions, err := s.store.ListSessionsByAgent(projectID, agentName)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, sess := range sessions {
		if !sess.Expired(now) {
			return sess, nil
		}
	}
	return nil, nil
}

// Validate looks up token, deleting and reporting not-found if it has
// expired, otherwise refreshing lastAccessedAt and returning it.
func (s *Store) Validate(token ids.SessionToken) (*types.Session, error) {
	session, err := s.store.GetSession(token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if session.Expired(now) {
		_ = s.store.DeleteSession(token)
		return nil, &brokererr.NotFound{Entity: "session", Key: string(token)}
	}

	session.LastAccessedAt = now
	if err := s.store.UpdateSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes a session (logout, or explicit cleanup).
func (s *Store) Delete(token ids.SessionToken) error {
	return s.store.DeleteSession(token)
}

// CleanupExpired deletes every session past its expiry, returning the
// count removed. Intended to be called periodically alongside the
// reaper's lease sweep.
func (s *Store) CleanupExpired() (int, error) {
	expired, err := s.store.ListExpiredSessions(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, sess := range expired {
		if err := s.store.DeleteSession(sess.Token); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		metrics.SessionCleanupsTotal.Add(float64(len(expired)))
		s.logger.Debug().Int("count", len(expired)).Msg("expired sessions cleaned up")
	}
	return len(expired), nil
}

// ActiveCount reports how many non-expired sessions currently exist
// across all projects. Used by pkg/metrics.Collector.
func (s *Store) ActiveCount(projectIDs []ids.ProjectID) (int, error) {
	now := time.Now().UTC()
	count := 0
	for _, projectID := range projectIDs {
		sessions, err := s.store.ListSessionsByProject(projectID)
		if err != nil {
			return 0, err
		}
		for _, sess := range sessions {
			if !sess.Expired(now) {
				count++
			}
		}
	}
	return count, nil
}

func newToken() (ids.SessionToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return ids.SessionToken(hex.EncodeToString(buf)), nil
}
