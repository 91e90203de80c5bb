package core

// TerminationPolicy decides whether an attack session should stop after the
// current turn. The engine evaluates it with the latest score (nil when
// scoring was unavailable for the turn) and the completed turn count.
//
// When scoring is unavailable the engine continues unless RequiresScore
// reports true, in which case the session ends failed with reason
// ReasonScoringUnavailable.
type TerminationPolicy interface {
	// ShouldStop returns true when the attack objective is met.
	ShouldStop(latest *ScoreRecord, turnCount int) bool
	// RequiresScore reports whether the policy cannot be evaluated without
	// a score for the latest turn.
	RequiresScore() bool
}

// ScoreThreshold stops once the latest score value reaches Threshold.
// Works for float_scale scores and for true_false scores (threshold 1.0).
type ScoreThreshold struct {
	Threshold float64
	// RequireScore makes an unscored turn fatal instead of a continue.
	RequireScore bool
}

// ShouldStop implements TerminationPolicy.
func (p ScoreThreshold) ShouldStop(latest *ScoreRecord, _ int) bool {
	return latest != nil && latest.Value >= p.Threshold
}

// RequiresScore implements TerminationPolicy.
func (p ScoreThreshold) RequiresScore() bool { return p.RequireScore }

// CategoryMatch stops once the latest score carries the given category.
type CategoryMatch struct {
	Category     string
	RequireScore bool
}

// ShouldStop implements TerminationPolicy.
func (p CategoryMatch) ShouldStop(latest *ScoreRecord, _ int) bool {
	return latest != nil && latest.Category == p.Category
}

// RequiresScore implements TerminationPolicy.
func (p CategoryMatch) RequiresScore() bool { return p.RequireScore }

// NeverConverge never stops early; the session runs until the turn budget is
// exhausted. Useful for sweep-style probing where every mutation should be
// sent regardless of intermediate scores.
type NeverConverge struct{}

// ShouldStop implements TerminationPolicy.
func (NeverConverge) ShouldStop(*ScoreRecord, int) bool { return false }

// RequiresScore implements TerminationPolicy.
func (NeverConverge) RequiresScore() bool { return false }

// PolicyFunc adapts a plain predicate into a TerminationPolicy.
type PolicyFunc struct {
	Fn        func(latest *ScoreRecord, turnCount int) bool
	NeedScore bool
}

// ShouldStop implements TerminationPolicy.
func (p PolicyFunc) ShouldStop(latest *ScoreRecord, turnCount int) bool {
	if p.Fn == nil {
		return false
	}
	return p.Fn(latest, turnCount)
}

// RequiresScore implements TerminationPolicy.
func (p PolicyFunc) RequiresScore() bool { return p.NeedScore }
