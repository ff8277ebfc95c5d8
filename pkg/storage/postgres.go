package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cuemby/taskdriver/pkg/brokererr"
	"github.com/cuemby/taskdriver/pkg/ids"
	"github.com/cuemby/taskdriver/pkg/template"
	"github.com/cuemby/taskdriver/pkg/types"
)

// PostgresStore is the replicated document-store backend: every entity is
// one row in its table with a `data JSONB` column holding the full
// marshaled struct, plus a handful of indexed columns used for lookups
// and the atomic primitives' WHERE clauses.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	data       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS task_types (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	data        JSONB NOT NULL,
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL,
	type_id           TEXT NOT NULL,
	status            TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 0,
	lease_expires_at  TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	data              JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_project_status_idx ON tasks (project_id, status);

CREATE TABLE IF NOT EXISTS sessions (
	token       TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	agent_name  TEXT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	data        JSONB NOT NULL
);
`

// NewPostgresStore opens (and migrates) a PostgresStore against dsn, a
// standard lib/pq connection string.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &brokererr.StorageUnavailable{Backend: "postgres", Cause: err}
	}
	if err := db.Ping(); err != nil {
		return nil, &brokererr.StorageUnavailable{Backend: "postgres", Cause: err}
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, &brokererr.StorageUnavailable{Backend: "postgres", Cause: err}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *PostgresStore) CreateProject(project *types.Project) error {
	data, err := json.Marshal(project)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO projects (id, name, status, data) VALUES ($1, $2, $3, $4)`,
		project.ID.String(), project.Name, string(project.Status), data,
	)
	if isUniqueViolation(err) {
		return &brokererr.AlreadyExists{Entity: "project", Key: string(project.ID)}
	}
	return err
}

func (s *PostgresStore) GetProject(id ids.ProjectID) (*types.Project, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM projects WHERE id = $1`, id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &brokererr.NotFound{Entity: "project", Key: string(id)}
	}
	if err != nil {
		return nil, err
	}
	var project types.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *PostgresStore) GetProjectByName(name string) (*types.Project, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM projects WHERE name = $1`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &brokererr.NotFound{Entity: "project", Key: name}
	}
	if err != nil {
		return nil, err
	}
	var project types.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *PostgresStore) ListProjects(includeClosed bool) ([]*types.Project, error) {
	query := `SELECT data FROM projects`
	if !includeClosed {
		query += ` WHERE status != 'closed'`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var project types.Project
		if err := json.Unmarshal(data, &project); err != nil {
			return nil, err
		}
		out = append(out, &project)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProject(project *types.Project) error {
	data, err := json.Marshal(project)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE projects SET name = $2, status = $3, data = $4 WHERE id = $1`,
		project.ID.String(), project.Name, string(project.Status), data,
	)
	if isUniqueViolation(err) {
		return &brokererr.AlreadyExists{Entity: "project", Key: project.Name}
	}
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "project", string(project.ID))
}

func (s *PostgresStore) DeleteProject(id ids.ProjectID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE project_id = $1`, id.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE project_id = $1`, id.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM task_types WHERE project_id = $1`, id.String()); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM projects WHERE id = $1`, id.String())
	if err != nil {
		return err
	}
	if err := requireRowsAffected(res, "project", string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Task types ---

func (s *PostgresStore) CreateTaskType(tt *types.TaskType) error {
	data, err := json.Marshal(tt)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO task_types (id, project_id, name, data) VALUES ($1, $2, $3, $4)`,
		tt.ID.String(), tt.ProjectID.String(), tt.Name, data,
	)
	if isUniqueViolation(err) {
		return &brokererr.AlreadyExists{Entity: "taskType", Key: string(tt.ID)}
	}
	return err
}

func (s *PostgresStore) GetTaskType(id ids.TaskTypeID) (*types.TaskType, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM task_types WHERE id = $1`, id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &brokererr.NotFound{Entity: "taskType", Key: string(id)}
	}
	if err != nil {
		return nil, err
	}
	var tt types.TaskType
	if err := json.Unmarshal(data, &tt); err != nil {
		return nil, err
	}
	return &tt, nil
}

func (s *PostgresStore) GetTaskTypeByName(projectID ids.ProjectID, name string) (*types.TaskType, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM task_types WHERE project_id = $1 AND name = $2`,
		projectID.String(), name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &brokererr.NotFound{Entity: "taskType", Key: name}
	}
	if err != nil {
		return nil, err
	}
	var tt types.TaskType
	if err := json.Unmarshal(data, &tt); err != nil {
		return nil, err
	}
	return &tt, nil
}

func (s *PostgresStore) ListTaskTypes(projectID ids.ProjectID) ([]*types.TaskType, error) {
	rows, err := s.db.Query(`SELECT data FROM task_types WHERE project_id = $1`, projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TaskType
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var tt types.TaskType
		if err := json.Unmarshal(data, &tt); err != nil {
			return nil, err
		}
		out = append(out, &tt)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTaskType(tt *types.TaskType) error {
	data, err := json.Marshal(tt)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE task_types SET name = $2, data = $3 WHERE id = $1`,
		tt.ID.String(), tt.Name, data,
	)
	if isUniqueViolation(err) {
		return &brokererr.AlreadyExists{Entity: "taskType", Key: tt.Name}
	}
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "taskType", string(tt.ID))
}

func (s *PostgresStore) DeleteTaskType(id ids.TaskTypeID) error {
	res, err := s.db.Exec(`DELETE FROM task_types WHERE id = $1`, id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "taskType", string(id))
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO tasks (id, project_id, type_id, status, priority, lease_expires_at, created_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID.String(), task.ProjectID.String(), task.TypeID.String(), string(task.Status),
		task.Priority, task.LeaseExpiresAt, task.CreatedAt, data,
	)
	if isUniqueViolation(err) {
		return &brokererr.AlreadyExists{Entity: "task", Key: string(task.ID)}
	}
	return err
}

func (s *PostgresStore) GetTask(id ids.TaskID) (*types.Task, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM tasks WHERE id = $1`, id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &brokererr.NotFound{Entity: "task", Key: string(id)}
	}
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *PostgresStore) ListTasks(projectID ids.ProjectID, filter types.TaskFilter) ([]*types.Task, error) {
	rows, err := s.db.Query(
		`SELECT data FROM tasks WHERE project_id = $1 ORDER BY created_at ASC`,
		projectID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []*types.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, err
		}
		all = append(all, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, t := range all {
		if taskMatchesFilter(t, filter) {
			filtered = append(filtered, t)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(filtered) {
			return nil, nil
		}
		filtered = filtered[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(filtered) {
		filtered = filtered[:filter.Limit]
	}
	return filtered, nil
}

func (s *PostgresStore) UpdateTask(task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET status = $2, priority = $3, lease_expires_at = $4, data = $5 WHERE id = $1`,
		task.ID.String(), string(task.Status), task.Priority, task.LeaseExpiresAt, data,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "task", string(task.ID))
}

func (s *PostgresStore) DeleteTask(id ids.TaskID) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = $1`, id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "task", string(id))
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (token, project_id, agent_name, expires_at, data) VALUES ($1, $2, $3, $4, $5)`,
		session.Token.String(), session.ProjectID.String(), session.AgentName, session.ExpiresAt, data,
	)
	if isUniqueViolation(err) {
		return &brokererr.AlreadyExists{Entity: "session", Key: string(session.Token)}
	}
	return err
}

func (s *PostgresStore) GetSession(token ids.SessionToken) (*types.Session, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE token = $1`, token.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &brokererr.NotFound{Entity: "session", Key: string(token)}
	}
	if err != nil {
		return nil, err
	}
	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *PostgresStore) UpdateSession(session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET expires_at = $2, data = $3 WHERE token = $1`,
		session.Token.String(), session.ExpiresAt, data,
	)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "session", string(session.Token))
}

func (s *PostgresStore) DeleteSession(token ids.SessionToken) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE token = $1`, token.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "session", string(token))
}

func (s *PostgresStore) ListSessionsByAgent(projectID ids.ProjectID, agentName string) ([]*types.Session, error) {
	rows, err := s.db.Query(
		`SELECT data FROM sessions WHERE project_id = $1 AND agent_name = $2`,
		projectID.String(), agentName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSessionsByProject(projectID ids.ProjectID) ([]*types.Session, error) {
	rows, err := s.db.Query(`SELECT data FROM sessions WHERE project_id = $1`, projectID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListExpiredSessions(now time.Time) ([]*types.Session, error) {
	rows, err := s.db.Query(`SELECT data FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

// --- Atomic primitives ---
//
// Fetch, complete, fail and extend-lease each open one sql.Tx and lock
// their row(s) with SELECT ... FOR UPDATE (the fetch scan adds SKIP LOCKED
// so it does not block on rows other callers already hold; the others
// wait), compute the next state in Go, and write it back with a plain
// UPDATE in the same transaction. AtomicFindDuplicate is a single query.

func (s *PostgresStore) AtomicFetchAndLease(projectID ids.ProjectID, agentName string, now time.Time, leaseDuration time.Duration) (*types.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT data FROM tasks
		 WHERE project_id = $1 AND (status = 'queued' OR (status = 'running' AND lease_expires_at <= $2))
		 ORDER BY priority DESC, created_at ASC
		 FOR UPDATE SKIP LOCKED`,
		projectID.String(), now,
	)
	if err != nil {
		return nil, err
	}
	var candidate *types.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, err
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			rows.Close()
			return nil, err
		}
		if t.Status == types.TaskStatusQueued && t.RetryCount > t.MaxRetries {
			continue
		}
		candidate = &t
		break
	}
	rows.Close()
	if candidate == nil {
		return nil, nil
	}

	if candidate.Status == types.TaskStatusRunning {
		closeLastAttempt(candidate, types.AttemptStatusExpired, nil, now)
	}
	candidate.Status = types.TaskStatusRunning
	candidate.AssignedTo = agentName
	assignedAt := now
	candidate.AssignedAt = &assignedAt
	leaseExpires := now.Add(leaseDuration)
	candidate.LeaseExpiresAt = &leaseExpires
	candidate.Attempts = append(candidate.Attempts, types.TaskAttempt{
		AttemptID: uuid.NewString(),
		AgentName: agentName,
		StartedAt: now,
		Status:    types.AttemptStatusRunning,
	})
	candidate.UpdatedAt = now

	if err := updateTaskTx(tx, candidate); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return candidate, nil
}

func (s *PostgresStore) AtomicComplete(taskID ids.TaskID, agentName string, result map[string]any, now time.Time) (*types.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := lockTaskTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusRunning {
		return nil, &brokererr.InvalidState{TaskID: string(taskID), Expected: string(types.TaskStatusRunning), Actual: string(task.Status)}
	}
	if task.AssignedTo != agentName {
		return nil, &brokererr.NotAssignedToAgent{TaskID: string(taskID), Agent: agentName}
	}

	closeLastAttempt(task, types.AttemptStatusCompleted, result, now)
	task.Status = types.TaskStatusCompleted
	task.Result = result
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.LeaseExpiresAt = nil
	completedAt := now
	task.CompletedAt = &completedAt
	task.UpdatedAt = now

	if err := updateTaskTx(tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) AtomicFail(taskID ids.TaskID, agentName string, result map[string]any, canRetry bool, now time.Time) (*types.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := lockTaskTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusRunning {
		return nil, &brokererr.InvalidState{TaskID: string(taskID), Expected: string(types.TaskStatusRunning), Actual: string(task.Status)}
	}
	if task.AssignedTo != agentName {
		return nil, &brokererr.NotAssignedToAgent{TaskID: string(taskID), Agent: agentName}
	}

	closeLastAttempt(task, types.AttemptStatusFailed, result, now)
	task.RetryCount++
	task.Result = result
	task.AssignedTo = ""
	task.AssignedAt = nil
	task.LeaseExpiresAt = nil
	task.UpdatedAt = now

	if canRetry && task.RetryCount <= task.MaxRetries {
		task.Status = types.TaskStatusQueued
	} else {
		task.Status = types.TaskStatusFailed
		failedAt := now
		task.FailedAt = &failedAt
	}

	if err := updateTaskTx(tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) AtomicExtendLease(taskID ids.TaskID, agentName string, additional time.Duration, now time.Time) (*types.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := lockTaskTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusRunning {
		return nil, &brokererr.InvalidState{TaskID: string(taskID), Expected: string(types.TaskStatusRunning), Actual: string(task.Status)}
	}
	if task.AssignedTo != agentName {
		return nil, &brokererr.NotAssignedToAgent{TaskID: string(taskID), Agent: agentName}
	}

	base := now
	if task.LeaseExpiresAt != nil && task.LeaseExpiresAt.After(base) {
		base = *task.LeaseExpiresAt
	}
	newExpiry := base.Add(additional)
	task.LeaseExpiresAt = &newExpiry
	task.UpdatedAt = now

	if err := updateTaskTx(tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) AtomicFindDuplicate(projectID ids.ProjectID, typeID ids.TaskTypeID, variables map[string]string) (*types.Task, error) {
	rows, err := s.db.Query(
		`SELECT data FROM tasks WHERE project_id = $1 AND type_id = $2 AND status != 'failed'`,
		projectID.String(), typeID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		if template.VariablesEqual(t.Variables, variables) {
			return &t, nil
		}
	}
	return nil, rows.Err()
}

// lockTaskTx selects a single task FOR UPDATE within tx, blocking (unlike
// the fetch-and-lease scan) since the caller already knows which row it
// wants and must wait its turn rather than skip to another candidate.
func lockTaskTx(tx *sql.Tx, id ids.TaskID) (*types.Task, error) {
	var data []byte
	err := tx.QueryRow(`SELECT data FROM tasks WHERE id = $1 FOR UPDATE`, id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &brokererr.NotFound{Entity: "task", Key: string(id)}
	}
	if err != nil {
		return nil, err
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func updateTaskTx(tx *sql.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE tasks SET status = $2, priority = $3, lease_expires_at = $4, data = $5 WHERE id = $1`,
		task.ID.String(), string(task.Status), task.Priority, task.LeaseExpiresAt, data,
	)
	return err
}

func requireRowsAffected(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &brokererr.NotFound{Entity: entity, Key: key}
	}
	return nil
}

// uniqueViolationCode is the Postgres SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolationCode
}
