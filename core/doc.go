// Package core provides the foundational domain types, interfaces and
// policies used by ProbeMesh. It defines the core abstractions for:
//
//   - ConversationEntry / ScoreRecord (immutable audit records of a probe)
//   - AttackSession (state owned by one orchestration run)
//   - Capability contracts (Transformer, Target, Scorer, AttackerStrategy)
//   - ConversationStore (append-only durable ledger with branching)
//   - Cross-cutting policies (RetryPolicy, TerminationPolicy)
//   - The error taxonomy shared by every layer
//
// The package intentionally keeps implementation concerns (persistence,
// engine orchestration, concrete providers) out of scope, exposing small
// interfaces to enable custom backends and extensions.
package core
