package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StageOutput records what one stage produced.
type StageOutput struct {
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skipReason,omitempty"`
	// Files are artifact paths written by the stage.
	Files    []string       `json:"files,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"durationNs"`
	At       time.Time      `json:"at"`
}

// Checkpoint is the persisted progress of a run: which stages completed,
// what they produced, and the configuration fingerprint the run started
// with. It lives as a sidecar JSON file next to the staging database.
type Checkpoint struct {
	RunID     string    `json:"runId"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Status          Status                 `json:"status"`
	CompletedStages []Stage                `json:"completedStages"`
	CurrentStage    Stage                  `json:"currentStage,omitempty"`
	StageOutputs    map[string]StageOutput `json:"stageOutputs,omitempty"`
	Error           string                 `json:"error,omitempty"`

	// ConfigFingerprint detects drift: resuming with a config whose
	// fingerprint differs is refused without an explicit override.
	ConfigFingerprint string `json:"configFingerprint"`

	// now is a test seam; nil means time.Now.
	now func() time.Time
}

// NewCheckpoint starts a fresh checkpoint for a run.
func NewCheckpoint(runID, configFingerprint string) *Checkpoint {
	c := &Checkpoint{
		RunID:             runID,
		Status:            StatusRunning,
		StageOutputs:      make(map[string]StageOutput),
		ConfigFingerprint: configFingerprint,
	}
	now := c.clock()
	c.StartedAt = now
	c.UpdatedAt = now
	return c
}

func (c *Checkpoint) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now().UTC()
}

// StartStage marks a stage as in flight.
func (c *Checkpoint) StartStage(s Stage) {
	c.CurrentStage = s
	c.UpdatedAt = c.clock()
}

// CompleteStage records a finished stage and its output.
func (c *Checkpoint) CompleteStage(s Stage, out StageOutput) {
	c.CompletedStages = append(c.CompletedStages, s)
	if c.StageOutputs == nil {
		c.StageOutputs = make(map[string]StageOutput)
	}
	c.StageOutputs[string(s)] = out
	c.CurrentStage = ""
	c.UpdatedAt = c.clock()
}

// SkipStage records a stage that was not executed and why.
func (c *Checkpoint) SkipStage(s Stage, reason string) {
	if c.StageOutputs == nil {
		c.StageOutputs = make(map[string]StageOutput)
	}
	c.StageOutputs[string(s)] = StageOutput{
		Success:    true,
		Skipped:    true,
		SkipReason: reason,
		At:         c.clock(),
	}
	c.CurrentStage = ""
	c.UpdatedAt = c.clock()
}

// Complete marks the run finished.
func (c *Checkpoint) Complete() {
	c.Status = StatusCompleted
	c.CurrentStage = ""
	c.UpdatedAt = c.clock()
}

// Fail marks the run failed with the given cause.
func (c *Checkpoint) Fail(cause string) {
	c.Status = StatusFailed
	c.Error = cause
	c.UpdatedAt = c.clock()
}

// Cancel marks the run cancelled at a stage boundary.
func (c *Checkpoint) Cancel() {
	c.Status = StatusCancelled
	c.CurrentStage = ""
	c.UpdatedAt = c.clock()
}

// IsStageCompleted reports whether a stage already finished in this run.
func (c *Checkpoint) IsStageCompleted(s Stage) bool {
	for _, done := range c.CompletedStages {
		if done == s {
			return true
		}
	}
	return false
}

// Output returns the recorded output of a stage.
func (c *Checkpoint) Output(s Stage) (StageOutput, bool) {
	out, ok := c.StageOutputs[string(s)]
	return out, ok
}

// State names the run's position in the state machine: "not_started",
// an in-flight name like "inferring", or a terminal status.
func (c *Checkpoint) State() string {
	switch c.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return string(c.Status)
	}
	if c.CurrentStage != "" {
		return c.CurrentStage.Running()
	}
	if len(c.CompletedStages) == 0 {
		return "not_started"
	}
	return string(StatusRunning)
}

// Save writes the checkpoint atomically: temp file in the same directory,
// then rename.
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode checkpoint: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("pipeline: write checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("pipeline: write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pipeline: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("pipeline: write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint file. A missing file returns
// os.ErrNotExist.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("pipeline: parse checkpoint %s: %w", path, err)
	}
	return &c, nil
}

// CheckpointPath derives the sidecar path for a staging location. File-backed
// stores get "<db>.checkpoint.json" next to the database; everything else
// (network DSNs) falls back to the output directory.
func CheckpointPath(stagingKind, dsn, outputDir string) string {
	if stagingKind == "sqlite" {
		base := strings.TrimSuffix(dsn, filepath.Ext(dsn))
		return base + ".checkpoint.json"
	}
	return filepath.Join(outputDir, "pipeline.checkpoint.json")
}
