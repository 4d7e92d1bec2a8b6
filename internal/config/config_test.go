package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "*.json", cfg.Pattern)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "none", cfg.Dedup)
	assert.Equal(t, 1.0, cfg.Infer.MinFrequency)
	assert.True(t, cfg.Infer.DetectFormats)
	assert.True(t, cfg.Mapping.Fuzzy)
	assert.Equal(t, 0.6, cfg.Mapping.MinSimilarity)
	assert.Equal(t, "sqlite", cfg.Staging.Kind)
	assert.False(t, cfg.LLM.Enabled)
	assert.Empty(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	body := `{
		"source": "/data/in",
		"pattern": "*.jsonl",
		"dedup": "content",
		"infer": {"minFrequency": 0.5, "detectFormats": false},
		"llm": {"enabled": true, "model": "mistral"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/in", cfg.Source)
	assert.Equal(t, "*.jsonl", cfg.Pattern)
	assert.Equal(t, "content", cfg.Dedup)
	assert.Equal(t, 0.5, cfg.Infer.MinFrequency)
	assert.False(t, cfg.Infer.DetectFormats)
	// Untouched fields keep their defaults.
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "mistral", cfg.LLM.Model)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidateCatchesBadValues(t *testing.T) {
	cfg := Default()
	cfg.BatchSize = 0
	cfg.Dedup = "maybe"
	cfg.Infer.MinFrequency = 1.5
	cfg.Mapping.MinSimilarity = -0.1
	cfg.Mapping.Script = "ruby"
	cfg.ExportFormats = []string{"json", "xml"}
	cfg.Metrics.Backend = "statsd"

	issues := cfg.Validate()
	require.NotEmpty(t, issues)
	assert.True(t, HasErrors(issues))

	paths := make(map[string]bool)
	for _, iss := range issues {
		paths[iss.Path] = true
	}
	for _, want := range []string{
		"batchSize", "dedup", "infer.minFrequency",
		"mapping.minSimilarity", "mapping.script",
		"exportFormats", "metrics.backend",
	} {
		assert.True(t, paths[want], "missing issue for %s", want)
	}
}

func TestValidateLLMRequirements(t *testing.T) {
	cfg := Default()
	cfg.LLM.Enabled = true
	cfg.LLM.BaseURL = "  "
	cfg.LLM.Model = ""

	issues := cfg.Validate()
	assert.True(t, HasErrors(issues))

	// Disabled LLM does not require endpoint details.
	cfg = Default()
	cfg.LLM.BaseURL = ""
	cfg.LLM.Model = ""
	assert.False(t, HasErrors(cfg.Validate()))
}

func TestValidateWarningsAreNotErrors(t *testing.T) {
	cfg := Default()
	cfg.ExportFormats = nil

	issues := cfg.Validate()
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityWarning, issues[0].Severity)
	assert.False(t, HasErrors(issues))
}

func TestFingerprintCoversArtifactFields(t *testing.T) {
	base := Default()
	base.Source = "/data/in"

	same := base
	assert.Equal(t, base.Fingerprint(), same.Fingerprint())

	drifted := base
	drifted.Infer.MinFrequency = 0.5
	assert.NotEqual(t, base.Fingerprint(), drifted.Fingerprint())

	drifted = base
	drifted.Dedup = "content"
	assert.NotEqual(t, base.Fingerprint(), drifted.Fingerprint())

	drifted = base
	drifted.Mapping.TargetSchema = "target.json"
	assert.NotEqual(t, base.Fingerprint(), drifted.Fingerprint())
}

func TestFingerprintIgnoresTuningFields(t *testing.T) {
	base := Default()
	base.Source = "/data/in"

	tuned := base
	tuned.Workers = 16
	tuned.Name = "nightly"
	tuned.OutputDir = "/somewhere/else"
	tuned.Metrics.Backend = "datadog"

	assert.Equal(t, base.Fingerprint(), tuned.Fingerprint())
}

func TestIssueString(t *testing.T) {
	iss := Issue{SeverityError, "infer.minFrequency", "must be in [0,1], got 2"}
	assert.Equal(t, "error: infer.minFrequency: must be in [0,1], got 2", iss.String())
}
