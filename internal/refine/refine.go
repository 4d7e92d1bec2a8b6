// Package refine enriches an inferred schema through an external language
// model.
//
// Refinement is additive only: the adapter may add descriptions and narrow
// string formats, but field paths and types are owned by inference. The
// overlay step enforces this structurally, so a misbehaving model can only
// ever produce warnings, never a mutated schema.
package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sketch/internal/schema"
)

// ErrUnavailable classifies an endpoint that could not be reached at all.
// Callers map it to a distinct exit code.
var ErrUnavailable = errors.New("refinement endpoint unavailable")

// NetworkError wraps a failure talking to the refinement endpoint.
// Transient failures are retried within the bounded budget; the rest are
// surfaced immediately.
type NetworkError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *NetworkError) Error() string { return fmt.Sprintf("refine: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Result carries the refined schema and what happened along the way.
type Result struct {
	Schema schema.Schema
	// Refined is false when the adapter was disabled or the overlay made
	// no change.
	Refined bool
	// Model names the model that produced the refinement.
	Model string
	// Retries counts transient failures that were retried.
	Retries int
	// Warnings lists model output that was rejected by the overlay.
	Warnings []string
	Duration time.Duration
}

// Refiner is the refinement contract. Implementations block until the model
// answers, the context is cancelled, or the timeout fires.
type Refiner interface {
	Refine(ctx context.Context, s schema.Schema, docContext string, temperature float64) (Result, error)
}

// buildPrompt renders the refinement instruction block. docContext is
// optional prose (reference documentation for the dataset) that grounds the
// model's descriptions.
func buildPrompt(schemaJSON, docContext string) string {
	var b strings.Builder
	b.WriteString(`You are a data modeling expert refining an automatically inferred JSON schema.

Rules:
1. Never rename or remove fields; preserve every path exactly.
2. Only make additive changes: add a "description" per field, and a
   "format" hint where the examples justify one.
3. Return only the refined schema as valid JSON, no explanation and no
   markdown fences.

Inferred schema:
`)
	b.WriteString(schemaJSON)
	if docContext != "" {
		b.WriteString("\n\nReference documentation:\n")
		b.WriteString(docContext)
	}
	return b.String()
}

// stripFences removes a markdown code fence if the model added one anyway.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// overlay folds the model's output onto the original schema, keeping only
// additive changes. Returns the merged schema, whether anything was
// applied, and warnings for everything rejected.
func overlay(original, refined schema.Schema) (schema.Schema, bool, []string) {
	var warnings []string
	merged := original
	merged.Fields = append([]schema.Field(nil), original.Fields...)

	refinedByPath := make(map[string]schema.Field, len(refined.Fields))
	for _, f := range refined.Fields {
		refinedByPath[f.Path] = f
	}

	changed := false
	for i, f := range merged.Fields {
		rf, ok := refinedByPath[f.Path]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("model dropped field %q; kept original", f.Path))
			continue
		}
		delete(refinedByPath, f.Path)

		if rf.Description != "" && rf.Description != f.Description {
			merged.Fields[i].Description = rf.Description
			changed = true
		}
		if rf.Format != "" && f.Format == "" && f.HasType("string") {
			merged.Fields[i].Format = rf.Format
			changed = true
		} else if rf.Format != "" && rf.Format != f.Format && f.Format != "" {
			warnings = append(warnings, fmt.Sprintf("model changed format of %q from %q to %q; kept original", f.Path, f.Format, rf.Format))
		}
	}
	for path := range refinedByPath {
		warnings = append(warnings, fmt.Sprintf("model invented field %q; discarded", path))
	}
	if refined.Description != "" && refined.Description != original.Description {
		merged.Description = refined.Description
		changed = true
	}
	return merged, changed, warnings
}

// Disabled is a Refiner that performs no refinement. Used when the stage is
// configured off but a Refiner value is still required.
type Disabled struct{}

func (Disabled) Refine(_ context.Context, s schema.Schema, _ string, _ float64) (Result, error) {
	return Result{Schema: s}, nil
}
