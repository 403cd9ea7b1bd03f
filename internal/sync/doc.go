// Package sync implements the orchestrator that drains the offline
// mutation queue against the remote audit API.
//
// # Overview
//
// While an auditor works offline, the domain façade appends durable
// mutations (create audit, answer item, add photo, finalize audit) to
// the queue in internal/store. When connectivity returns, the
// Orchestrator replays them in dependency order:
//
//  1. In-flight items left over from an interrupted run are reset to
//     pending (at-least-once replay, never at-most-once).
//  2. Pending items are drained in group/rank/creation order, so an
//     audit is created on the server before anything attaches to it.
//  3. Client-minted identifiers are reconciled against server-assigned
//     ones through an ephemeral per-run map, rebuilt from the server's
//     canonical audit representation whenever needed.
//
// # Failure isolation
//
// An individual item failure never aborts the run and never touches
// unrelated audits. It does poison later items of the same group: their
// dependency (the resolved server id) can no longer materialize, so they
// fail fast with a "dependency not yet created" error instead of
// retrying uselessly. The single exception is an authentication
// failure, which aborts the whole drain; the caller must re-authenticate
// before syncing again.
//
// Failed items stay failed. A later run only resets in-flight items;
// re-queueing failures is an explicit user action (store.RetryFailed).
//
// # Concurrency
//
// Run is re-entrant safe: a concurrent call while a drain is running is
// a no-op. Items are processed strictly sequentially because later
// items depend on identifiers produced by earlier ones.
package sync
