package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStages(t *testing.T) {
	all, err := ParseStages("")
	require.NoError(t, err)
	assert.Equal(t, AllStages(), all)

	// Canonical order regardless of input order.
	got, err := ParseStages("map,ingest")
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageIngest, StageMap}, got)

	_, err = ParseStages("ingest,transmogrify")
	require.Error(t, err)
}

func TestStageProperties(t *testing.T) {
	assert.True(t, StageRefine.Optional())
	assert.True(t, StageMap.Optional())
	assert.False(t, StageIngest.Optional())
	assert.Equal(t, "inferring", StageInfer.Running())
}

func TestCheckpointLifecycle(t *testing.T) {
	c := NewCheckpoint("run-1", "fp-1")
	assert.Equal(t, StatusRunning, c.Status)
	assert.Equal(t, "not_started", c.State())

	c.StartStage(StageIngest)
	assert.Equal(t, "ingesting", c.State())

	c.CompleteStage(StageIngest, StageOutput{Success: true, Metadata: map[string]any{"records": 10}})
	assert.True(t, c.IsStageCompleted(StageIngest))
	assert.False(t, c.IsStageCompleted(StageInfer))
	assert.Empty(t, c.CurrentStage)

	c.SkipStage(StageRefine, "llm not configured")
	out, ok := c.Output(StageRefine)
	require.True(t, ok)
	assert.True(t, out.Skipped)
	assert.Equal(t, "llm not configured", out.SkipReason)

	c.Complete()
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "completed", c.State())
}

func TestCheckpointFail(t *testing.T) {
	c := NewCheckpoint("run-1", "fp-1")
	c.StartStage(StageInfer)
	c.Fail("staging store unreachable")
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, "failed", c.State())
	assert.Equal(t, "staging store unreachable", c.Error)
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.checkpoint.json")

	c := NewCheckpoint("run-7", "fp-7")
	c.Name = "nightly"
	c.CompleteStage(StageIngest, StageOutput{
		Success:  true,
		Files:    []string{"/out/a.json"},
		Metadata: map[string]any{"records": float64(42)},
		Duration: 3 * time.Second,
	})
	require.NoError(t, c.Save(path))

	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "run-7", loaded.RunID)
	assert.Equal(t, "nightly", loaded.Name)
	assert.Equal(t, "fp-7", loaded.ConfigFingerprint)
	assert.True(t, loaded.IsStageCompleted(StageIngest))

	out, ok := loaded.Output(StageIngest)
	require.True(t, ok)
	assert.Equal(t, []string{"/out/a.json"}, out.Files)
	assert.Equal(t, float64(42), out.Metadata["records"])
	assert.Equal(t, 3*time.Second, out.Duration)
}

func TestLoadCheckpointMissing(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestCheckpointPath(t *testing.T) {
	assert.Equal(t, "/data/staging.checkpoint.json",
		CheckpointPath("sqlite", "/data/staging.db", "/out"))
	assert.Equal(t, filepath.Join("/out", "pipeline.checkpoint.json"),
		CheckpointPath("postgres", "postgres://host/db", "/out"))
}
