/*
Package reaper implements the background lease-expiry sweep described in
spec.md §4.3. It shares the teacher scheduler's run-loop shape (a
time.Ticker guarding a stopCh, one component logger, a per-cycle
error-log-and-continue policy) but sweeps task leases instead of
scheduling containers onto nodes.

Reap reclaims a project's expired-lease tasks through the same
atomic_fail(canRetry=true) primitive a racing fetch_next would use for a
reclaim, so a task can't be double-processed by both paths: whichever
side's transaction lands first wins, and the loser's call simply
observes the task is no longer running.
*/
package reaper
