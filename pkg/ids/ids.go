// Package ids defines the opaque identifier types used across taskdriver.
//
// Every entity ID is a distinct string-backed type rather than a bare
// string, so a ProjectID cannot be passed where a TaskID is expected
// without an explicit conversion. Values are generated with
// github.com/google/uuid and are otherwise treated as opaque by every
// caller — nothing in this codebase parses structure out of an ID.
package ids

import "github.com/google/uuid"

// ProjectID identifies a project.
type ProjectID string

// String implements fmt.Stringer.
func (id ProjectID) String() string { return string(id) }

// TaskTypeID identifies a task type (template) within a project.
type TaskTypeID string

// String implements fmt.Stringer.
func (id TaskTypeID) String() string { return string(id) }

// TaskID identifies a single task instance.
type TaskID string

// String implements fmt.Stringer.
func (id TaskID) String() string { return string(id) }

// SessionToken identifies an agent session. It is also the bearer
// credential an agent presents on every subsequent call, so unlike the
// other ID types (random UUIDs generated here) it is generated in
// pkg/session from 32 crypto/rand bytes, hex-encoded.
type SessionToken string

// String implements fmt.Stringer.
func (t SessionToken) String() string { return string(t) }

// NewProjectID generates a new random ProjectID.
func NewProjectID() ProjectID { return ProjectID(uuid.NewString()) }

// NewTaskTypeID generates a new random TaskTypeID.
func NewTaskTypeID() TaskTypeID { return TaskTypeID(uuid.NewString()) }

// NewTaskID generates a new random TaskID.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }
