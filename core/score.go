package core

import "time"

// ScoreType categorizes the value space of a ScoreRecord.
type ScoreType string

const (
	// ScoreTypeTrueFalse is a boolean verdict encoded as 0.0 / 1.0.
	ScoreTypeTrueFalse ScoreType = "true_false"
	// ScoreTypeFloatScale is a scalar normalized to [0, 1].
	ScoreTypeFloatScale ScoreType = "float_scale"
	// ScoreTypeCategory is a categorical verdict; Value carries an optional
	// confidence and Category the label.
	ScoreTypeCategory ScoreType = "category"
)

// ScoreRecord is the immutable result of scoring one ConversationEntry.
// An entry may accumulate multiple scores from different scorer
// configurations; ScorerID disambiguates them.
type ScoreRecord struct {
	ID        string    `json:"id"`
	EntryID   string    `json:"entry_id"`
	Type      ScoreType `json:"score_type"`
	Value     float64   `json:"score_value"`
	Category  string    `json:"score_category,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	ScorerID  string    `json:"scorer_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewScore creates a score for the given entry with a fresh id and a UTC
// timestamp.
func NewScore(entryID string, scoreType ScoreType, value float64) ScoreRecord {
	return ScoreRecord{
		ID:        NewID(),
		EntryID:   entryID,
		Type:      scoreType,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

// IsTrue interprets a true_false score as a boolean verdict.
func (s ScoreRecord) IsTrue() bool {
	return s.Type == ScoreTypeTrueFalse && s.Value >= 0.5
}

// ScaleValue normalizes a raw scorer value from [min, max] to [0, 1],
// e.g. 3 stars out of 5 becomes 0.5. Returns 0 for a degenerate range.
func ScaleValue(value, min, max float64) float64 {
	if max == min {
		return 0.0
	}
	return (value - min) / (max - min)
}
