/*
Package brokererr defines the named error kinds the queue engine, storage
backends, and session layer surface to callers.

Each kind is a concrete type (NotFound, AlreadyExists, InvalidState,
NotAssignedToAgent, DuplicateTask, MissingTemplateVariables,
ValidationError, LockTimeout, StorageUnavailable) carrying the fields a
caller needs to react programmatically, plus an Is method so
errors.Is(err, brokererr.ErrNotFound) works without a type assertion.
Callers that need the structured fields use errors.As:

	var nf *brokererr.NotFound
	if errors.As(err, &nf) {
		log.Printf("missing %s %s", nf.Entity, nf.Key)
	}

LockTimeout and StorageUnavailable are the two kinds storage backends may
retry internally (bounded, with backoff) before surfacing; every other
kind propagates to the caller unchanged.
*/
package brokererr
