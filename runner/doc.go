// Package runner implements the batch run coordinator: it executes one
// orchestration engine per seed under a concurrency ceiling, collects one
// Result per seed, and keeps failures isolated: a single session's
// unrecoverable error never aborts its siblings. The only batch-aborting
// condition is the conversation store becoming unreachable, surfaced as a
// core.CoordinatorFatalError alongside the results completed so far.
//
// Cancellation is cooperative at both levels: Runner.Cancel stops issuing
// new sessions and soft-cancels running engines, which finish their in-flight
// capability call and persist what succeeded before ending CANCELLED.
package runner
