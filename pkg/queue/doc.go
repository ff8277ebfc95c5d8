/*
Package queue implements the broker's Queue Engine: task creation,
lease-based fetch, and the complete/fail/extend-lease transitions.

The Engine holds no state of its own beyond a storage.Store handle; every
operation either delegates directly to one of the store's atomic
primitives or composes a read (ListTasks, GetTaskType) with a policy
decision before doing so. CreateTask validates the caller's variable
binding against the task type's template before persisting, and
reconciles against the type's duplicate policy by asking the store for
an existing non-failed task (completed ones included) with the same
binding.

FetchNext layers session-scoped resumption on top of
AtomicFetchAndLease: if the calling agent already holds a non-expired
lease in the project, that task is returned again rather than a new one
being assigned, so a worker that retries a dropped response doesn't
race itself for a second task.

Engine implements metrics.ProjectStatsSource so the collector can sample
per-project task counts without importing this package's types.
*/
package queue
