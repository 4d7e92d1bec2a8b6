// Package mapping aligns an inferred source schema with a target schema and
// renders transformation scripts from the alignment.
package mapping

import "fmt"

// MatchKind says how a field pair was matched.
type MatchKind string

const (
	// MatchDirect is an exact path match (case rules per Options).
	MatchDirect MatchKind = "direct"
	// MatchFuzzy is a name-similarity match.
	MatchFuzzy MatchKind = "fuzzy"
)

// FieldMapping pairs one source field with one target field.
type FieldMapping struct {
	SourcePath string    `json:"sourcePath"`
	TargetPath string    `json:"targetPath"`
	Kind       MatchKind `json:"kind"`
	// Confidence is 1.0 for a direct match and the similarity score for a
	// fuzzy match, minus TypeMismatchPenalty when the types only match
	// through coercion.
	Confidence float64 `json:"confidence"`
	// Coerced is true when the pair's types differ but are coercible.
	Coerced bool `json:"coerced,omitempty"`
}

// Gap is a target field with no source.
type Gap struct {
	Path     string   `json:"path"`
	Types    []string `json:"types"`
	Required bool     `json:"required"`
	// Suggestions lists unmatched source fields whose names came close.
	Suggestions []string `json:"suggestions,omitempty"`
}

// Stats summarizes a mapping result.
type Stats struct {
	SourceFields  int `json:"sourceFields"`
	TargetFields  int `json:"targetFields"`
	DirectMatched int `json:"directMatched"`
	FuzzyMatched  int `json:"fuzzyMatched"`
	Gaps          int `json:"gaps"`
	RequiredGaps  int `json:"requiredGaps"`
	Extras        int `json:"extras"`
}

// Result is the outcome of matching source against target.
type Result struct {
	Mappings []FieldMapping `json:"mappings"`
	Gaps     []Gap          `json:"gaps"`
	// Extras are source fields with no target.
	Extras []string `json:"extras,omitempty"`
	// Score is the sum of matched target confidences divided by the target
	// field count. Unmatched targets contribute zero.
	Score float64 `json:"score"`
	Stats Stats   `json:"stats"`
}

// Complete reports whether every required target field found a source.
func (r *Result) Complete() bool {
	for _, g := range r.Gaps {
		if g.Required {
			return false
		}
	}
	return true
}

// ValidationError rejects a mapping request before any matching happens.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "mapping: " + e.Msg }

func validationErrorf(format string, v ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, v...)}
}
