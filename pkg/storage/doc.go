/*
Package storage defines the pluggable storage contract for taskdriver and
provides three implementations of it: a single-node bbolt file backend, a
replicated Postgres document-store backend, and a replicated in-memory
backend driven by Raft consensus.

# Architecture

	┌──────────────────── STORAGE CONTRACT ─────────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────────┐        │
	│  │                 Store interface                │        │
	│  │  CRUD: Project / TaskType / Task / Session     │        │
	│  │  Atomic: FetchAndLease / Complete / Fail /     │        │
	│  │          ExtendLease / FindDuplicate           │        │
	│  └──────────────────┬──────────────────────────────┘       │
	│                     │                                       │
	│     ┌───────────────┼────────────────┐                     │
	│     ▼                ▼                 ▼                     │
	│  BoltStore       PostgresStore      RaftStore               │
	│  (file, single   (replicated        (replicated in-memory,  │
	│   node)           document store)    Raft-backed)           │
	│                                                             │
	└─────────────────────────────────────────────────────────────┘

Every backend must give callers identical observable behavior for the
atomic primitives (see pkg/storage/contract_test.go, whose suite takes a
store factory; it is run against BoltStore). The one thing backends are free
to differ on is *how* they achieve the atomicity:

  - BoltStore relies on bbolt's own single-writer transaction as the
    atomicity boundary, plus an in-process semaphore keyed by ProjectID
    to bound how long a caller waits behind another in-process caller
    before surfacing LockTimeout.
  - PostgresStore relies on row locks taken with `SELECT ... FOR UPDATE`
    (`SKIP LOCKED` in the fetch scan) plus an `UPDATE` inside one sql.Tx.
  - RaftStore relies on raft.Apply: every mutating primitive is one log
    entry, applied to an in-memory FSM guarded by its own mutex.

# Usage

	store, err := storage.NewBoltStore("/var/lib/taskdriver", 5*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	task, err := store.AtomicFetchAndLease(projectID, "agent-1", time.Now(), 5*time.Minute)

# Design Patterns

Upsert-free CRUD: Create rejects an existing key (AlreadyExists); Update
requires the key already exist (NotFound). This is a deliberate departure
from the single-method create-or-replace pattern, since this domain's
invariants (I4: unique names, I7: immutable projectId/typeId) depend on
callers being told which case they hit.

Idempotent Close. Cascading delete on DeleteProject (task types, tasks,
sessions).

# See Also

  - pkg/queue for the state-machine policy layered on the atomic primitives
  - pkg/reaper for the periodic caller of AtomicFail via lease expiry
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
