package scorer

import (
	"context"

	"github.com/hupe1980/probemesh/core"
)

// Func adapts a plain function to the core.Scorer interface. Useful for
// substring heuristics and tests.
//
// Example:
//
//	leak := scorer.Func(func(ctx context.Context, response string, sctx core.ScoreContext) ([]core.ScoreRecord, error) {
//	    value := 0.0
//	    if strings.Contains(response, "BEGIN SYSTEM PROMPT") {
//	        value = 1.0
//	    }
//	    return []core.ScoreRecord{core.NewScore(sctx.EntryID, core.ScoreTypeTrueFalse, value)}, nil
//	})
type Func func(ctx context.Context, response string, sctx core.ScoreContext) ([]core.ScoreRecord, error)

// Compile time check to ensure Func satisfies the core.Scorer interface.
var _ core.Scorer = (Func)(nil)

// Score implements core.Scorer.
func (f Func) Score(ctx context.Context, response string, sctx core.ScoreContext) ([]core.ScoreRecord, error) {
	return f(ctx, response, sctx)
}
