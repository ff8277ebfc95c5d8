// Package brokererr defines the named error kinds propagated by the queue
// engine, storage backends, and session layer. Each kind is a concrete
// type carrying enough context to satisfy errors.As, plus a package-level
// sentinel for errors.Is checks against the kind alone.
package brokererr

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Every typed error below also matches its
// corresponding sentinel via Is, so callers that don't need the
// structured fields can check errors.Is(err, brokererr.ErrNotFound).
var (
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyExists            = errors.New("already exists")
	ErrInvalidState             = errors.New("invalid state")
	ErrNotAssignedToAgent       = errors.New("not assigned to agent")
	ErrDuplicateTask            = errors.New("duplicate task")
	ErrMissingTemplateVariables = errors.New("missing template variables")
	ErrValidationError          = errors.New("validation error")
	ErrLockTimeout              = errors.New("lock acquisition timed out")
	ErrStorageUnavailable       = errors.New("storage backend unavailable")
)

// NotFound reports that a requested entity is absent.
type NotFound struct {
	Entity string
	Key    string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Entity, e.Key, ErrNotFound)
}

func (e *NotFound) Is(target error) bool { return target == ErrNotFound }

// AlreadyExists reports a name/id uniqueness violation.
type AlreadyExists struct {
	Entity string
	Key    string
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Entity, e.Key, ErrAlreadyExists)
}

func (e *AlreadyExists) Is(target error) bool { return target == ErrAlreadyExists }

// InvalidState reports an operation attempted against a task that is not
// in the state it requires (e.g. completing a non-running task).
type InvalidState struct {
	TaskID   string
	Expected string
	Actual   string
}

func (e *InvalidState) Error() string {
	return fmt.Sprintf("task %s: expected state %q, got %q: %v", e.TaskID, e.Expected, e.Actual, ErrInvalidState)
}

func (e *InvalidState) Is(target error) bool { return target == ErrInvalidState }

// NotAssignedToAgent reports a terminal operation (complete/fail/extend)
// attempted by an agent that does not currently hold the task's lease.
type NotAssignedToAgent struct {
	TaskID string
	Agent  string
}

func (e *NotAssignedToAgent) Error() string {
	return fmt.Sprintf("task %s is not assigned to agent %q: %v", e.TaskID, e.Agent, ErrNotAssignedToAgent)
}

func (e *NotAssignedToAgent) Is(target error) bool { return target == ErrNotAssignedToAgent }

// DuplicateTask reports a create_task call rejected under duplicatePolicy=fail.
type DuplicateTask struct {
	TypeID    string
	Variables map[string]string
}

func (e *DuplicateTask) Error() string {
	return fmt.Sprintf("task type %s: duplicate variables %v: %v", e.TypeID, e.Variables, ErrDuplicateTask)
}

func (e *DuplicateTask) Is(target error) bool { return target == ErrDuplicateTask }

// MissingTemplateVariables reports create-time validation failure: the
// template references names absent from the bound variable map.
type MissingTemplateVariables struct {
	Names []string
}

func (e *MissingTemplateVariables) Error() string {
	return fmt.Sprintf("missing template variables %v: %v", e.Names, ErrMissingTemplateVariables)
}

func (e *MissingTemplateVariables) Is(target error) bool { return target == ErrMissingTemplateVariables }

// ValidationError reports a shape or format violation on a single field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s: %v", e.Field, e.Reason, ErrValidationError)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationError }

// LockTimeout reports that a per-project region could not be acquired
// within the configured bound.
type LockTimeout struct {
	ProjectID string
}

func (e *LockTimeout) Error() string {
	return fmt.Sprintf("project %s: %v", e.ProjectID, ErrLockTimeout)
}

func (e *LockTimeout) Is(target error) bool { return target == ErrLockTimeout }

// StorageUnavailable reports a transient backend failure (connection
// refused, timeout, etc.) surfaced after the backend's own retry budget
// is exhausted.
type StorageUnavailable struct {
	Backend string
	Cause   error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v: %v", e.Backend, e.Cause, ErrStorageUnavailable)
}

func (e *StorageUnavailable) Unwrap() error { return e.Cause }

func (e *StorageUnavailable) Is(target error) bool { return target == ErrStorageUnavailable }
