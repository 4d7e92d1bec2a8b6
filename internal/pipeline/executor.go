// Package pipeline sequences the ingest, infer, refine, map and export
// stages, persisting a checkpoint after every stage boundary so an
// interrupted run can resume where it left off.
//
// The executor is the only component with cross-stage state: it owns the
// staging store handle, carries the schema between stages, and is the sole
// writer of the checkpoint. Stage engines stay independent of each other.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"sketch/internal/config"
	"sketch/internal/infer"
	"sketch/internal/ingest"
	"sketch/internal/mapping"
	"sketch/internal/metrics"
	"sketch/internal/refine"
	"sketch/internal/schema"
	"sketch/internal/staging"
)

// Logger is the logging seam. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// ConfigDriftError refuses a resume whose configuration differs from the
// one the checkpoint was created with.
type ConfigDriftError struct {
	Current    string
	Checkpoint string
}

func (e *ConfigDriftError) Error() string {
	return fmt.Sprintf(
		"pipeline: configuration changed since the checkpoint was written (fingerprint %.12s, checkpoint %.12s); "+
			"pass the drift override to discard the checkpoint, or run without resume to start fresh",
		e.Current, e.Checkpoint)
}

// InvalidConfigError aborts a run before any I/O.
type InvalidConfigError struct {
	Issues []config.Issue
}

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		msgs[i] = iss.String()
	}
	return "pipeline: invalid configuration:\n  " + strings.Join(msgs, "\n  ")
}

// ErrMissingDependency marks a requested stage whose input a skipped or
// never-run stage should have produced. Always fatal, even for optional
// stages.
var ErrMissingDependency = errors.New("missing stage dependency")

// RunOptions selects what a Run executes.
type RunOptions struct {
	// Stages restricts the run. nil means all stages, in which case the
	// refine stage is treated as optional: its failure downgrades to a
	// warning. A non-nil list is an explicit request, and every listed
	// stage failure is fatal.
	Stages []Stage
	// Resume continues from an existing checkpoint.
	Resume bool
	// OverrideDrift discards a checkpoint whose fingerprint mismatches.
	OverrideDrift bool
	// DryRun validates and reports the plan with zero side effects.
	DryRun bool
}

// PlannedStage is one entry of a dry-run plan.
type PlannedStage struct {
	Stage       Stage  `json:"stage"`
	Description string `json:"description"`
	// SkipReason is set when the stage would be skipped.
	SkipReason string `json:"skipReason,omitempty"`
}

// Report summarizes a finished (or dry) run.
type Report struct {
	RunID    string                 `json:"runId"`
	Status   Status                 `json:"status"`
	DryRun   bool                   `json:"dryRun,omitempty"`
	Plan     []PlannedStage         `json:"plan,omitempty"`
	Stages   []Stage                `json:"stages"`
	Outputs  map[string]StageOutput `json:"outputs,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Duration time.Duration          `json:"durationNs"`
}

// Summary renders the per-stage outcome lines shown by the CLI.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s (%s)\n", r.RunID, r.Status, r.Duration.Round(time.Millisecond))
	if r.DryRun {
		for _, p := range r.Plan {
			if p.SkipReason != "" {
				fmt.Fprintf(&b, "  - %s: would skip (%s)\n", p.Stage, p.SkipReason)
			} else {
				fmt.Fprintf(&b, "  - %s: %s\n", p.Stage, p.Description)
			}
		}
		return b.String()
	}
	for _, st := range r.Stages {
		out, ok := r.Outputs[string(st)]
		if !ok {
			continue
		}
		switch {
		case out.Skipped:
			fmt.Fprintf(&b, "  - %s: skipped (%s)\n", st, out.SkipReason)
		case out.Success:
			fmt.Fprintf(&b, "  - %s: ok (%s)\n", st, out.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(&b, "  - %s: failed\n", st)
		}
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}

// Executor drives the pipeline state machine.
type Executor struct {
	cfg config.Config
	log Logger

	// openStore is a seam; production uses staging.Open.
	openStore func(ctx context.Context) (staging.Store, error)
	// refiner is a seam; nil builds an HTTP client from the config.
	refiner refine.Refiner

	store      staging.Store
	schema     *schema.Schema
	mapResult  *mapping.Result
	targetName string

	checkpoint     *Checkpoint
	checkpointPath string
	warnings       []string
}

// New returns an Executor for the given configuration.
func New(cfg config.Config, log Logger) *Executor {
	if log == nil {
		log = nopLogger{}
	}
	e := &Executor{cfg: cfg, log: log}
	e.openStore = func(ctx context.Context) (staging.Store, error) {
		return staging.Open(ctx, cfg.Staging)
	}
	return e
}

// Checkpoint exposes the current checkpoint, nil before the first Run.
func (e *Executor) Checkpoint() *Checkpoint { return e.checkpoint }

// Run executes the requested stages. The returned Report is non-nil
// whenever a run got far enough to have a checkpoint, including failed runs.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	start := time.Now()

	issues := e.cfg.Validate()
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			e.log.Printf("stage=plan config warning: %s", iss)
		}
	}
	if config.HasErrors(issues) {
		return nil, &InvalidConfigError{Issues: issues}
	}

	explicit := opts.Stages != nil
	stages := opts.Stages
	if stages == nil {
		stages = AllStages()
	}

	if opts.DryRun {
		return e.dryRun(stages, start)
	}

	fingerprint := e.cfg.Fingerprint()
	e.checkpointPath = CheckpointPath(e.cfg.Staging.Kind, e.cfg.Staging.DSN, e.cfg.OutputDir)

	if err := e.prepareCheckpoint(fingerprint, opts); err != nil {
		return nil, err
	}
	defer e.closeStore()

	for _, st := range stages {
		if e.checkpoint.IsStageCompleted(st) {
			e.log.Printf("stage=%s already completed, skipping", st)
			continue
		}
		if reason := e.skipReason(st); reason != "" {
			e.log.Printf("stage=%s skipped: %s", st, reason)
			e.checkpoint.SkipStage(st, reason)
			if err := e.saveCheckpoint(); err != nil {
				return e.report(stages, start), err
			}
			continue
		}
		// Cancellation is honored at stage boundaries only.
		if err := ctx.Err(); err != nil {
			e.checkpoint.Cancel()
			_ = e.saveCheckpoint()
			return e.report(stages, start), err
		}

		e.checkpoint.StartStage(st)
		if err := e.saveCheckpoint(); err != nil {
			return e.report(stages, start), err
		}

		e.log.Printf("stage=%s starting", st)
		stageStart := time.Now()
		out, err := e.runStage(ctx, st)
		elapsed := time.Since(stageStart)
		out.Duration = elapsed
		out.At = time.Now().UTC()

		if err != nil {
			if st == StageRefine && !explicit && !errors.Is(err, ErrMissingDependency) {
				// Optional stage: carry the un-refined schema forward.
				w := fmt.Sprintf("refinement failed, continuing with inferred schema: %v", err)
				e.log.Printf("stage=refine warn %s", w)
				e.warnings = append(e.warnings, w)
				e.emitStage(st, "warn", elapsed)
				e.checkpoint.SkipStage(st, w)
				if err := e.saveCheckpoint(); err != nil {
					return e.report(stages, start), err
				}
				continue
			}
			e.emitStage(st, "error", elapsed)
			e.checkpoint.Fail(err.Error())
			_ = e.saveCheckpoint()
			return e.report(stages, start), fmt.Errorf("pipeline: stage %s: %w", st, err)
		}

		out.Success = true
		e.emitStage(st, "ok", elapsed)
		e.log.Printf("stage=%s ok duration=%s", st, elapsed.Round(time.Millisecond))
		e.checkpoint.CompleteStage(st, out)
		if err := e.saveCheckpoint(); err != nil {
			return e.report(stages, start), err
		}
	}

	e.checkpoint.Complete()
	if err := e.saveCheckpoint(); err != nil {
		return e.report(stages, start), err
	}
	if err := metrics.Flush(); err != nil {
		e.log.Printf("stage=done metrics flush failed: %v", err)
	}
	return e.report(stages, start), nil
}

func (e *Executor) report(stages []Stage, start time.Time) *Report {
	r := &Report{
		Stages:   stages,
		Warnings: e.warnings,
		Duration: time.Since(start),
	}
	if e.checkpoint != nil {
		r.RunID = e.checkpoint.RunID
		r.Status = e.checkpoint.Status
		r.Outputs = e.checkpoint.StageOutputs
	}
	return r
}

// prepareCheckpoint loads or creates the checkpoint. Drift detection runs
// here, before any staging-store access.
func (e *Executor) prepareCheckpoint(fingerprint string, opts RunOptions) error {
	if opts.Resume {
		existing, err := LoadCheckpoint(e.checkpointPath)
		switch {
		case err == nil:
			if existing.ConfigFingerprint != fingerprint {
				if !opts.OverrideDrift {
					return &ConfigDriftError{Current: fingerprint, Checkpoint: existing.ConfigFingerprint}
				}
				e.log.Printf("stage=plan checkpoint fingerprint mismatch, override supplied: starting over")
			} else if existing.Status == StatusCompleted {
				return fmt.Errorf("pipeline: previous run %s already completed; run without resume to start fresh", existing.RunID)
			} else {
				e.log.Printf("stage=plan resuming run %s (%d stages completed)",
					existing.RunID, len(existing.CompletedStages))
				e.checkpoint = existing
				return nil
			}
		case errors.Is(err, os.ErrNotExist):
			// Nothing to resume; fall through to a fresh run.
		default:
			return err
		}
	}
	e.checkpoint = NewCheckpoint(uuid.NewString(), fingerprint)
	e.checkpoint.Name = e.cfg.Name
	return nil
}

// skipReason returns a non-empty reason when a stage cannot meaningfully run
// with the current configuration. Distinct from a missing dependency, which
// is an error.
func (e *Executor) skipReason(st Stage) string {
	switch st {
	case StageRefine:
		if !e.cfg.LLM.Enabled {
			return "llm not configured"
		}
	case StageMap:
		if e.cfg.Mapping.TargetSchema == "" {
			return "no target schema configured"
		}
	}
	return ""
}

func (e *Executor) runStage(ctx context.Context, st Stage) (StageOutput, error) {
	switch st {
	case StageIngest:
		return e.runIngest(ctx)
	case StageInfer:
		return e.runInfer(ctx)
	case StageRefine:
		return e.runRefine(ctx)
	case StageMap:
		return e.runMap(ctx)
	case StageExport:
		return e.runExport(ctx)
	default:
		return StageOutput{}, fmt.Errorf("unknown stage %q", st)
	}
}

func (e *Executor) runIngest(ctx context.Context) (StageOutput, error) {
	if e.cfg.Source == "" {
		return StageOutput{}, errors.New("source directory is required for the ingest stage")
	}
	store, err := e.staging(ctx)
	if err != nil {
		return StageOutput{}, err
	}

	stats, err := ingest.New(store, e.log).Run(ctx, ingest.Options{
		Source:    e.cfg.Source,
		Pattern:   e.cfg.Pattern,
		Partition: e.cfg.Partition,
		BatchSize: e.cfg.BatchSize,
		Dedup:     ingest.Strategy(e.cfg.Dedup),
		Workers:   e.cfg.Workers,
	})
	if err != nil {
		return StageOutput{}, err
	}

	metrics.IncCounter(metrics.RecordsTotal, float64(stats.RecordsIngested), metrics.Labels{"kind": "ingested"})
	metrics.IncCounter(metrics.BatchesTotal, float64(stats.BatchesCommitted), nil)
	return StageOutput{Metadata: map[string]any{
		"filesProcessed":   stats.FilesProcessed,
		"filesSkipped":     stats.FilesSkipped,
		"recordsIngested":  stats.RecordsIngested,
		"batchesCommitted": stats.BatchesCommitted,
		"bytesProcessed":   stats.BytesProcessed,
		"errors":           stats.ErrorCount,
	}}, nil
}

func (e *Executor) runInfer(ctx context.Context) (StageOutput, error) {
	store, err := e.staging(ctx)
	if err != nil {
		return StageOutput{}, err
	}

	eng := infer.New(infer.Options{
		SampleSize:      e.cfg.Infer.SampleSize,
		MinFrequency:    e.cfg.Infer.MinFrequency,
		MaxDepth:        e.cfg.Infer.MaxDepth,
		DetectFormats:   e.cfg.Infer.DetectFormats,
		CollectExamples: e.cfg.Infer.CollectExamples,
		MaxExamples:     e.cfg.Infer.MaxExamples,
		Workers:         e.cfg.Workers,
	}, e.log)

	s, stats, err := eng.Infer(ctx, infer.StoreSource(store, e.cfg.Partition))
	if err != nil {
		return StageOutput{}, err
	}
	s.Name = e.sourceName()
	s.Partition = e.cfg.Partition

	path, err := e.writeArtifact("inferred_schema.json", func() ([]byte, error) { return s.EncodeJSON() })
	if err != nil {
		return StageOutput{}, err
	}
	e.schema = &s

	metrics.IncCounter(metrics.RecordsTotal, float64(stats.RecordsSampled), metrics.Labels{"kind": "sampled"})
	return StageOutput{
		Files: []string{path},
		Metadata: map[string]any{
			"fields":         stats.FieldsDiscovered,
			"recordsSampled": stats.RecordsSampled,
			"recordsSkipped": stats.RecordsSkipped,
		},
	}, nil
}

func (e *Executor) runRefine(ctx context.Context) (StageOutput, error) {
	s, err := e.needSchema()
	if err != nil {
		return StageOutput{}, err
	}

	var docContext string
	if e.cfg.LLM.DocPath != "" {
		data, err := os.ReadFile(e.cfg.LLM.DocPath)
		if err != nil {
			return StageOutput{}, fmt.Errorf("read doc context: %w", err)
		}
		docContext = string(data)
	}

	refiner := e.refiner
	if refiner == nil {
		refiner = refine.NewClient(refine.ClientOptions{
			BaseURL:    e.cfg.LLM.BaseURL,
			Model:      e.cfg.LLM.Model,
			Timeout:    time.Duration(e.cfg.LLM.TimeoutSeconds) * time.Second,
			MaxRetries: e.cfg.LLM.MaxRetries,
		}, e.log)
	}

	res, err := refiner.Refine(ctx, *s, docContext, e.cfg.LLM.Temperature)
	if err != nil {
		return StageOutput{}, err
	}
	for _, w := range res.Warnings {
		e.log.Printf("stage=refine model output rejected: %s", w)
	}

	path, err := e.writeArtifact("refined_schema.json", func() ([]byte, error) { return res.Schema.EncodeJSON() })
	if err != nil {
		return StageOutput{}, err
	}
	e.schema = &res.Schema

	return StageOutput{
		Files: []string{path},
		Metadata: map[string]any{
			"model":    res.Model,
			"refined":  res.Refined,
			"retries":  res.Retries,
			"warnings": len(res.Warnings),
		},
	}, nil
}

func (e *Executor) runMap(ctx context.Context) (StageOutput, error) {
	s, err := e.needSchema()
	if err != nil {
		return StageOutput{}, err
	}
	target, err := loadSchemaFile(e.cfg.Mapping.TargetSchema)
	if err != nil {
		return StageOutput{}, err
	}
	e.targetName = target.Name

	result, err := mapping.Match(*s, target, mapping.Options{
		Fuzzy:           e.cfg.Mapping.Fuzzy,
		MinSimilarity:   e.cfg.Mapping.MinSimilarity,
		CaseInsensitive: e.cfg.Mapping.CaseInsensitive,
	})
	if err != nil {
		return StageOutput{}, err
	}
	e.mapResult = &result

	path, err := e.writeArtifact("mapping.json", func() ([]byte, error) {
		return json.MarshalIndent(result, "", "  ")
	})
	if err != nil {
		return StageOutput{}, err
	}

	metrics.IncCounter(metrics.RecordsTotal, float64(len(result.Mappings)), metrics.Labels{"kind": "mapped"})
	return StageOutput{
		Files: []string{path},
		Metadata: map[string]any{
			"score":    result.Score,
			"mappings": len(result.Mappings),
			"gaps":     len(result.Gaps),
			"extras":   len(result.Extras),
			"complete": result.Complete(),
		},
	}, nil
}

func (e *Executor) runExport(_ context.Context) (StageOutput, error) {
	s, err := e.needSchema()
	if err != nil {
		return StageOutput{}, err
	}

	var files []string
	for _, format := range e.cfg.ExportFormats {
		var (
			name   string
			render func() ([]byte, error)
		)
		switch format {
		case "json":
			name, render = "schema.json", s.EncodeJSON
		case "yaml":
			name, render = "schema.yaml", s.EncodeYAML
		case "json-schema":
			codec, err := schema.CodecByName("json-schema")
			if err != nil {
				return StageOutput{}, err
			}
			name, render = "schema.jsonschema.json", func() ([]byte, error) { return codec.Render(*s) }
		default:
			return StageOutput{}, fmt.Errorf("unknown export format %q", format)
		}
		path, err := e.writeArtifact(name, render)
		if err != nil {
			return StageOutput{}, err
		}
		files = append(files, path)
	}

	// The transform script rides along when a mapping result is available.
	if result, ok := e.loadMapping(); ok {
		kind := mapping.ScriptKind(e.cfg.Mapping.Script)
		script, err := mapping.Generate(result, kind, e.sourceName(), e.targetOrDefault())
		if err != nil {
			return StageOutput{}, err
		}
		name := "transform." + scriptExt(kind)
		path, err := e.writeArtifact(name, func() ([]byte, error) { return script, nil })
		if err != nil {
			return StageOutput{}, err
		}
		files = append(files, path)
	}

	return StageOutput{
		Files:    files,
		Metadata: map[string]any{"formats": strings.Join(e.cfg.ExportFormats, ",")},
	}, nil
}

// needSchema returns the schema carried from an earlier stage, reloading it
// from artifacts on resume. No schema anywhere is a missing dependency.
func (e *Executor) needSchema() (*schema.Schema, error) {
	if e.schema != nil {
		return e.schema, nil
	}
	for _, name := range []string{"refined_schema.json", "inferred_schema.json"} {
		data, err := os.ReadFile(filepath.Join(e.cfg.OutputDir, name))
		if err != nil {
			continue
		}
		s, err := schema.DecodeJSON(data)
		if err != nil {
			return nil, fmt.Errorf("reload %s: %w", name, err)
		}
		e.schema = &s
		return e.schema, nil
	}
	return nil, fmt.Errorf("%w: no schema available; run the infer stage first", ErrMissingDependency)
}

// loadMapping returns the in-memory mapping result, or reloads mapping.json
// on resume. ok=false when the map stage never ran.
func (e *Executor) loadMapping() (mapping.Result, bool) {
	if e.mapResult != nil {
		return *e.mapResult, true
	}
	data, err := os.ReadFile(filepath.Join(e.cfg.OutputDir, "mapping.json"))
	if err != nil {
		return mapping.Result{}, false
	}
	var result mapping.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return mapping.Result{}, false
	}
	e.mapResult = &result
	return result, true
}

func (e *Executor) staging(ctx context.Context) (staging.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	store, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}
	e.store = store
	return store, nil
}

func (e *Executor) closeStore() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Printf("stage=done closing staging store: %v", err)
		}
		e.store = nil
	}
}

func (e *Executor) saveCheckpoint() error {
	if dir := filepath.Dir(e.checkpointPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pipeline: create checkpoint dir: %w", err)
		}
	}
	return e.checkpoint.Save(e.checkpointPath)
}

func (e *Executor) writeArtifact(name string, render func() ([]byte, error)) (string, error) {
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	data, err := render()
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	path := filepath.Join(e.cfg.OutputDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

func (e *Executor) emitStage(st Stage, status string, elapsed time.Duration) {
	labels := metrics.Labels{"stage": string(st), "status": status}
	metrics.IncCounter(metrics.StageTotal, 1, labels)
	metrics.ObserveHistogram(metrics.StageDurationSeconds, elapsed.Seconds(), labels)
}

func (e *Executor) sourceName() string {
	if e.cfg.Partition != "" {
		return e.cfg.Partition
	}
	if e.cfg.Name != "" {
		return e.cfg.Name
	}
	return "source"
}

func (e *Executor) targetOrDefault() string {
	if e.targetName != "" {
		return e.targetName
	}
	return "target"
}

// dryRun validates each planned stage with zero side effects: no staging
// store access, no writes, no network.
func (e *Executor) dryRun(stages []Stage, start time.Time) (*Report, error) {
	var issues []config.Issue
	plan := make([]PlannedStage, 0, len(stages))

	for _, st := range stages {
		p := PlannedStage{Stage: st, Description: st.Description()}
		if reason := e.skipReason(st); reason != "" {
			p.SkipReason = reason
			plan = append(plan, p)
			continue
		}
		switch st {
		case StageIngest:
			if e.cfg.Source == "" {
				issues = append(issues, config.Issue{Severity: config.SeverityError, Path: "source", Message: "required for the ingest stage"})
			} else if _, err := os.Stat(e.cfg.Source); err != nil {
				issues = append(issues, config.Issue{Severity: config.SeverityError, Path: "source", Message: err.Error()})
			}
		case StageMap:
			if _, err := os.Stat(e.cfg.Mapping.TargetSchema); err != nil {
				issues = append(issues, config.Issue{Severity: config.SeverityError, Path: "mapping.targetSchema", Message: err.Error()})
			}
		}
		plan = append(plan, p)
	}

	if len(issues) > 0 {
		return nil, &InvalidConfigError{Issues: issues}
	}
	return &Report{
		Status:   StatusCompleted,
		DryRun:   true,
		Plan:     plan,
		Stages:   stages,
		Duration: time.Since(start),
	}, nil
}

func scriptExt(kind mapping.ScriptKind) string {
	switch kind {
	case mapping.ScriptPython:
		return "py"
	default:
		return string(kind)
	}
}

func loadSchemaFile(path string) (schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Schema{}, fmt.Errorf("read target schema: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return schema.DecodeYAML(data)
	default:
		return schema.DecodeJSON(data)
	}
}
