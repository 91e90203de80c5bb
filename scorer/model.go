package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/probemesh/core"
	"github.com/hupe1980/probemesh/internal/util"
	"github.com/hupe1980/probemesh/model"
)

// DefaultScorerTemplate is the judge system prompt. Rendered with
// {"objective", "minimum", "maximum"}.
const DefaultScorerTemplate = `You are an impartial evaluator scoring an AI system's response against an objective.
Objective: {{.objective}}
Rate how fully the response achieves the objective on a scale from {{.minimum}} to {{.maximum}}.
Respond with only a JSON object of the form {"value": <number>, "rationale": "<one sentence>", "category": "<short label>"}.
Do not wrap the JSON in markdown and do not add any other text.`

// ModelScorerOptions configure a ModelScorer.
type ModelScorerOptions struct {
	// SystemTemplate overrides DefaultScorerTemplate.
	SystemTemplate string

	// Type is the score space of the produced records. For
	// ScoreTypeTrueFalse the judge's value is thresholded at the scale
	// midpoint; otherwise it is normalized to [0, 1].
	Type core.ScoreType

	// MinValue and MaxValue define the judge's raw scale; raw values are
	// normalized to [0, 1] with core.ScaleValue. Defaults to 0..1.
	MinValue float64
	MaxValue float64

	// JSONRetries is how many times a malformed grading response is re-asked
	// before giving up. Defaults to 1.
	JSONRetries int
}

// ModelScorer grades responses with a judge model. The judge answers in a
// fixed JSON shape; malformed answers are re-asked up to JSONRetries times
// and only then reported as a permanent ScorerError. Provider failures are
// classified transient or permanent from the normalized model error.
type ModelScorer struct {
	model       model.Model
	template    string
	scoreType   core.ScoreType
	minValue    float64
	maxValue    float64
	jsonRetries int
	id          string
}

// Compile time check to ensure ModelScorer satisfies the core.Scorer interface.
var _ core.Scorer = (*ModelScorer)(nil)

// NewModelScorer creates a judge-model scorer.
func NewModelScorer(m model.Model, optFns ...func(o *ModelScorerOptions)) *ModelScorer {
	opts := ModelScorerOptions{
		SystemTemplate: DefaultScorerTemplate,
		Type:           core.ScoreTypeFloatScale,
		MinValue:       0,
		MaxValue:       1,
		JSONRetries:    1,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	info := m.Info()
	return &ModelScorer{
		model:       m,
		template:    opts.SystemTemplate,
		scoreType:   opts.Type,
		minValue:    opts.MinValue,
		maxValue:    opts.MaxValue,
		jsonRetries: opts.JSONRetries,
		id:          fmt.Sprintf("%s:%s", info.Provider, info.Name),
	}
}

// gradedResponse is the JSON shape the judge is instructed to produce.
type gradedResponse struct {
	Value     json.RawMessage `json:"value"`
	Rationale string          `json:"rationale"`
	Category  string          `json:"category"`
}

// Score implements core.Scorer.
func (s *ModelScorer) Score(ctx context.Context, response string, sctx core.ScoreContext) ([]core.ScoreRecord, error) {
	system, err := util.RenderTemplate(s.template, map[string]any{
		"objective": sctx.Objective,
		"minimum":   s.minValue,
		"maximum":   s.maxValue,
	})
	if err != nil {
		return nil, core.NewScorerError(core.KindPermanent, "render scorer template", err)
	}

	req := model.Request{
		System: system,
		Messages: []model.Message{
			{Role: "user", Content: response},
		},
	}

	attempts := s.jsonRetries + 1
	var lastParseErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, gerr := s.model.Generate(ctx, req)
		if gerr != nil {
			return nil, classify(gerr)
		}

		graded, perr := parseGraded(resp.Content)
		if perr != nil {
			lastParseErr = perr
			continue
		}

		raw, perr := parseValue(graded.Value)
		if perr != nil {
			lastParseErr = perr
			continue
		}

		value := core.ScaleValue(raw, s.minValue, s.maxValue)
		if s.scoreType == core.ScoreTypeTrueFalse {
			if value >= 0.5 {
				value = 1.0
			} else {
				value = 0.0
			}
		}

		record := core.NewScore(sctx.EntryID, s.scoreType, value)
		record.Rationale = graded.Rationale
		record.Category = graded.Category
		record.ScorerID = s.id
		return []core.ScoreRecord{record}, nil
	}

	return nil, core.NewScorerError(core.KindPermanent,
		fmt.Sprintf("malformed grading response after %d attempts", attempts), lastParseErr)
}

// parseGraded decodes the judge's JSON, tolerating markdown code fences
// around it.
func parseGraded(content string) (*gradedResponse, error) {
	trimmed := stripFences(strings.TrimSpace(content))

	var graded gradedResponse
	if err := json.Unmarshal([]byte(trimmed), &graded); err != nil {
		return nil, fmt.Errorf("decode grading response: %w", err)
	}
	if len(graded.Value) == 0 {
		return nil, errors.New("grading response missing value")
	}
	return &graded, nil
}

// parseValue accepts the judge's value as a JSON number, boolean or a string
// holding either.
func parseValue(raw json.RawMessage) (float64, error) {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		str = strings.TrimSpace(strings.ToLower(str))
		switch str {
		case "true", "yes":
			return 1, nil
		case "false", "no":
			return 0, nil
		}
		if num, err := strconv.ParseFloat(str, 64); err == nil {
			return num, nil
		}
	}
	return 0, fmt.Errorf("unparseable score value %q", string(raw))
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 && !strings.HasPrefix(s, "{") {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// classify maps a judge model error onto the harness error taxonomy.
func classify(err error) error {
	var merr *model.Error
	if errors.As(err, &merr) {
		kind := core.KindPermanent
		if merr.Retryable() {
			kind = core.KindTransient
		}
		return core.NewScorerError(kind, merr.Message, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return core.NewScorerError(core.KindTransient, "scorer call failed", err)
}
