// Package db manages the lifecycle of embedded-database instances that
// share one storage file across goroutines in a process.
//
// It sits between application code and the transactional storage
// backend (internal/storage) and owns three jobs:
//
//   - the per-path, per-goroutine instance cache (Registry) with
//     weak-reference entries and configuration-compatibility checking
//   - the transaction state machine on each Instance: begin, commit,
//     cancel, refresh, invalidate, compact, with auto-refresh
//   - schema-update orchestration: forward-only migrations that bring
//     the stored schema up to an application-requested version inside
//     one atomic write transaction
//
// Change notifications fan out per instance: subscribers registered on
// an instance run synchronously on its owning goroutine, and an
// optional external-notifier hook fired after each commit lets sibling
// instances on other goroutines learn that new committed state exists.
//
// # Concurrency model
//
// Each goroutine owns at most one Instance per storage path, and all
// operations on an Instance must come from its creating goroutine
// (IncorrectThread otherwise). The Registry is the only shared-memory
// contention point and is guarded by a single mutex. Cross-goroutine
// "someone else committed" coordination is advisory: the external
// notifier wakes the sibling, but the sibling still refreshes on its
// own goroutine to observe the new state.
package db
