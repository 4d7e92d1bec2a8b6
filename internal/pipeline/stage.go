package pipeline

import (
	"fmt"
	"strings"
)

// Stage is one step of the pipeline state machine.
type Stage string

const (
	StageIngest Stage = "ingest"
	StageInfer  Stage = "infer"
	StageRefine Stage = "refine"
	StageMap    Stage = "map"
	StageExport Stage = "export"
)

// AllStages returns every stage in execution order.
func AllStages() []Stage {
	return []Stage{StageIngest, StageInfer, StageRefine, StageMap, StageExport}
}

// Optional reports whether a failure or missing input of this stage is
// survivable: the run continues with the stage skipped or downgraded to a
// warning instead of failing.
func (s Stage) Optional() bool {
	return s == StageRefine || s == StageMap
}

// Running returns the in-flight state name shown for this stage, e.g.
// "inferring" while StageInfer executes.
func (s Stage) Running() string {
	switch s {
	case StageIngest:
		return "ingesting"
	case StageInfer:
		return "inferring"
	case StageRefine:
		return "refining"
	case StageMap:
		return "mapping"
	case StageExport:
		return "exporting"
	default:
		return string(s)
	}
}

// Description is the one-line summary used by dry-run plans and help text.
func (s Stage) Description() string {
	switch s {
	case StageIngest:
		return "discover and stage source files"
	case StageInfer:
		return "infer a schema from staged records"
	case StageRefine:
		return "refine the schema with a language model"
	case StageMap:
		return "map the schema against the target schema"
	case StageExport:
		return "render schema artifacts and transform script"
	default:
		return string(s)
	}
}

// ParseStage converts a user-supplied stage name.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageIngest:
		return StageIngest, nil
	case StageInfer:
		return StageInfer, nil
	case StageRefine:
		return StageRefine, nil
	case StageMap:
		return StageMap, nil
	case StageExport:
		return StageExport, nil
	default:
		return "", fmt.Errorf("pipeline: unknown stage %q (known: ingest, infer, refine, map, export)", s)
	}
}

// ParseStages converts a comma-separated stage list. Empty input selects
// every stage. The result is always in canonical execution order, regardless
// of the order given.
func ParseStages(s string) ([]Stage, error) {
	if strings.TrimSpace(s) == "" {
		return AllStages(), nil
	}
	requested := make(map[Stage]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := ParseStage(part)
		if err != nil {
			return nil, err
		}
		requested[st] = true
	}
	var out []Stage
	for _, st := range AllStages() {
		if requested[st] {
			out = append(out, st)
		}
	}
	return out, nil
}
