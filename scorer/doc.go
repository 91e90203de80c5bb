// Package scorer provides Scorer capability implementations. ModelScorer
// grades target responses with a judge model that answers in a fixed JSON
// shape (value, rationale, category); Func adapts plain functions for tests
// and heuristic scorers.
package scorer
