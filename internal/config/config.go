// Package config holds the pipeline configuration: one JSON document that
// fully determines a run. Validation happens before any I/O; the fingerprint
// over artifact-affecting fields backs checkpoint drift detection.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"sketch/internal/ingest"
	"sketch/internal/mapping"
	"sketch/internal/staging"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is severity error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ExportFormats the export stage can render.
var exportFormats = map[string]bool{
	"json":        true,
	"yaml":        true,
	"json-schema": true,
}

// Config is the full pipeline configuration.
type Config struct {
	// Name labels the run in logs and the checkpoint.
	Name string `json:"name,omitempty"`

	// Source is the directory ingestion discovers files under.
	Source string `json:"source"`
	// Pattern is the glob expanded under Source.
	Pattern string `json:"pattern"`
	// Partition labels staged records, e.g. a dataset name or version.
	Partition string `json:"partition,omitempty"`
	// BatchSize is the number of files committed per staging batch.
	BatchSize int `json:"batchSize"`
	// Dedup is the skip policy: none, path, content, both.
	Dedup string `json:"dedup"`
	// Workers bounds ingest parsing and inference sharding. Zero means
	// GOMAXPROCS.
	Workers int `json:"workers,omitempty"`

	Infer   InferConfig   `json:"infer"`
	Mapping MappingConfig `json:"mapping"`
	LLM     LLMConfig     `json:"llm"`

	// Staging selects the record store backend.
	Staging staging.Config `json:"staging"`

	// OutputDir receives schema artifacts and transform scripts.
	OutputDir string `json:"outputDir"`
	// ExportFormats are the schema renderings to produce: json, yaml,
	// json-schema.
	ExportFormats []string `json:"exportFormats"`

	Metrics MetricsConfig `json:"metrics"`
}

// InferConfig controls the schema inference stage.
type InferConfig struct {
	// SampleSize caps records profiled. Zero means all staged records.
	SampleSize int `json:"sampleSize"`
	// MinFrequency is the inclusive required-field threshold in [0,1].
	MinFrequency float64 `json:"minFrequency"`
	// MaxDepth truncates deeper structure to an opaque leaf. Zero means the
	// engine default.
	MaxDepth int `json:"maxDepth,omitempty"`
	// DetectFormats enables string format detection.
	DetectFormats bool `json:"detectFormats"`
	// CollectExamples enables bounded example capture.
	CollectExamples bool `json:"collectExamples"`
	// MaxExamples caps examples per field. Zero means the engine default.
	MaxExamples int `json:"maxExamples,omitempty"`
}

// MappingConfig controls the mapping stage and transform codegen.
type MappingConfig struct {
	// TargetSchema is the path of the target schema document (canonical
	// JSON or YAML). Empty disables the mapping stage.
	TargetSchema string `json:"targetSchema,omitempty"`
	// Fuzzy enables the fuzzy matching phase.
	Fuzzy bool `json:"fuzzy"`
	// MinSimilarity is the fuzzy threshold in [0,1].
	MinSimilarity float64 `json:"minSimilarity"`
	// CaseInsensitive folds names before exact matching.
	CaseInsensitive bool `json:"caseInsensitive"`
	// Script is the transform script kind: sql, jq, python.
	Script string `json:"script"`
}

// LLMConfig controls the optional refinement stage.
type LLMConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"baseUrl"`
	Model   string `json:"model"`
	// TimeoutSeconds bounds one model call. Zero means the adapter default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	// MaxRetries bounds transient-failure retries. Zero means the adapter
	// default.
	MaxRetries int `json:"maxRetries,omitempty"`
	// Temperature passed through to the model.
	Temperature float64 `json:"temperature"`
	// DocPath optionally points at reference documentation text included in
	// the refinement prompt.
	DocPath string `json:"docPath,omitempty"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend is "none" or "datadog".
	Backend string `json:"backend"`
	// Job overrides the job tag.
	Job string `json:"job,omitempty"`
	// Tags are extra backend tags as CSV, e.g. "env:prod,team:data".
	Tags string `json:"tags,omitempty"`
}

// Default returns the configuration used when a field is absent from the
// config file.
func Default() Config {
	return Config{
		Pattern:   "*.json",
		BatchSize: 50,
		Dedup:     string(ingest.DedupNone),
		Infer: InferConfig{
			MinFrequency:    1.0,
			DetectFormats:   true,
			CollectExamples: true,
		},
		Mapping: MappingConfig{
			Fuzzy:           true,
			MinSimilarity:   mapping.DefaultMinSimilarity,
			CaseInsensitive: true,
			Script:          string(mapping.ScriptSQL),
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "llama3.2",
			Temperature: 0.3,
		},
		Staging: staging.Config{
			Kind: "sqlite",
			DSN:  "staging.db",
		},
		OutputDir:     "output",
		ExportFormats: []string{"json"},
		Metrics:       MetricsConfig{Backend: "none"},
	}
}

// Load reads a JSON config file over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration without touching the filesystem or the
// network. Callers abort on any SeverityError issue.
func (c Config) Validate() []Issue {
	var issues []Issue
	errf := func(path, format string, v ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, v...)})
	}
	warnf := func(path, format string, v ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, v...)})
	}

	if c.BatchSize <= 0 {
		errf("batchSize", "must be positive, got %d", c.BatchSize)
	}
	if _, err := ingest.ParseStrategy(c.Dedup); err != nil {
		errf("dedup", "%v", err)
	}
	if c.Workers < 0 {
		errf("workers", "must not be negative, got %d", c.Workers)
	}

	if c.Infer.MinFrequency < 0 || c.Infer.MinFrequency > 1 {
		errf("infer.minFrequency", "must be in [0,1], got %g", c.Infer.MinFrequency)
	}
	if c.Infer.SampleSize < 0 {
		errf("infer.sampleSize", "must not be negative, got %d", c.Infer.SampleSize)
	}
	if c.Infer.MaxDepth < 0 {
		errf("infer.maxDepth", "must not be negative, got %d", c.Infer.MaxDepth)
	}

	if c.Mapping.MinSimilarity < 0 || c.Mapping.MinSimilarity > 1 {
		errf("mapping.minSimilarity", "must be in [0,1], got %g", c.Mapping.MinSimilarity)
	}
	if _, err := mapping.ParseScriptKind(c.Mapping.Script); err != nil {
		errf("mapping.script", "%v", err)
	}

	if c.LLM.Enabled {
		if strings.TrimSpace(c.LLM.BaseURL) == "" {
			errf("llm.baseUrl", "required when llm is enabled")
		}
		if strings.TrimSpace(c.LLM.Model) == "" {
			errf("llm.model", "required when llm is enabled")
		}
		if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
			warnf("llm.temperature", "unusual value %g; typical range is [0,1]", c.LLM.Temperature)
		}
	}

	if strings.TrimSpace(c.Staging.Kind) == "" {
		errf("staging.kind", "required")
	}
	if strings.TrimSpace(c.Staging.DSN) == "" {
		errf("staging.dsn", "required")
	}

	if strings.TrimSpace(c.OutputDir) == "" {
		errf("outputDir", "required")
	}
	if len(c.ExportFormats) == 0 {
		warnf("exportFormats", "empty; the export stage will produce no schema artifacts")
	}
	for _, f := range c.ExportFormats {
		if !exportFormats[f] {
			errf("exportFormats", "unknown format %q (known: json, yaml, json-schema)", f)
		}
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog":
	default:
		errf("metrics.backend", "unknown backend %q (known: none, datadog)", c.Metrics.Backend)
	}

	return issues
}

// Fingerprint hashes every field that affects produced artifacts. Fields
// that only change where work happens or how fast (output dir, workers,
// metrics, run name) are deliberately excluded, so tuning them does not
// invalidate a checkpoint.
func (c Config) Fingerprint() string {
	h := sha256.New()
	w := func(key string, value any) {
		fmt.Fprintf(h, "%s=%v\n", key, value)
	}

	w("source", c.Source)
	w("pattern", c.Pattern)
	w("partition", c.Partition)
	w("batchSize", c.BatchSize)
	w("dedup", c.Dedup)

	w("infer.sampleSize", c.Infer.SampleSize)
	w("infer.minFrequency", c.Infer.MinFrequency)
	w("infer.maxDepth", c.Infer.MaxDepth)
	w("infer.detectFormats", c.Infer.DetectFormats)
	w("infer.collectExamples", c.Infer.CollectExamples)
	w("infer.maxExamples", c.Infer.MaxExamples)

	w("mapping.targetSchema", c.Mapping.TargetSchema)
	w("mapping.fuzzy", c.Mapping.Fuzzy)
	w("mapping.minSimilarity", c.Mapping.MinSimilarity)
	w("mapping.caseInsensitive", c.Mapping.CaseInsensitive)
	w("mapping.script", c.Mapping.Script)

	w("llm.enabled", c.LLM.Enabled)
	w("llm.model", c.LLM.Model)
	w("llm.temperature", c.LLM.Temperature)
	w("llm.docPath", c.LLM.DocPath)

	w("staging.kind", c.Staging.Kind)
	w("staging.dsn", c.Staging.DSN)

	w("exportFormats", strings.Join(c.ExportFormats, ","))

	return fmt.Sprintf("%x", h.Sum(nil))
}
