/*
Package types defines the core data structures used throughout taskdriver.

This package contains the domain model shared by every other package:
Project, TaskType, Task, TaskAttempt, and Session, plus their enums and
derived ProjectStats snapshot. All entity identifiers are the opaque types
from pkg/ids rather than bare strings.

# Core Types

Project is the top-level isolation unit; all task types and tasks live
under exactly one project. TaskType is a reusable template-plus-policy:
its Template string and declared Variables feed pkg/template, and its
DuplicatePolicy governs create-time deduplication. Task is a unit of work
bound from a TaskType's template; its lease fields (AssignedTo/AssignedAt/
LeaseExpiresAt) are all present or all absent together (see Task.IsLeased).
TaskAttempt is the append-only audit log of who held a task's lease, in
what window, and how that attempt ended. Session ties a bearer token to an
agent identity scoped to a project.

# Design Patterns

Enums use typed string constants, matching the rest of this codebase:

	type TaskStatus string
	const (
		TaskStatusQueued  TaskStatus = "queued"
		TaskStatusRunning TaskStatus = "running"
	)

Optional/lease-only fields use pointers (*time.Time) so their absence is
distinguishable from the zero time, which matters for invariants I1/I2.

# Integration Points

This package is imported by pkg/storage (persistence), pkg/template
(binding), pkg/queue (the state machine), pkg/reaper (lease sweep),
pkg/session (session lifecycle), and pkg/broker (the facade).
*/
package types
