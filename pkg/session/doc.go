/*
Package session implements the broker's Session Layer: an opaque bearer
token tying an agent identity to a project across requests, so a worker
that restarts mid-task can resume its lease instead of racing a second
assignment.

Create optionally resumes an agent's existing non-expired session for a
project (ResumeExisting) rather than minting a new token. Validate
enforces the expiry invariant: reads past expiresAt delete the session
and report not-found rather than returning stale data. CleanupExpired
is meant to run on the same cadence as the reaper's lease sweep.

Sessions are persisted through the same storage.Store the rest of the
broker uses, rather than kept only in an in-memory map — a session
survives a broker process restart, where the teacher's in-memory
TokenManager did not need to (cluster join tokens are short-lived by
design; agent sessions are not).
*/
package session
