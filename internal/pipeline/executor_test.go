package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketch/internal/config"
	"sketch/internal/metrics"
	"sketch/internal/refine"
	"sketch/internal/schema"
	"sketch/internal/staging"
	_ "sketch/internal/staging/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Source = filepath.Join(dir, "in")
	cfg.Staging.DSN = filepath.Join(dir, "staging.db")
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Partition = "users"
	cfg.Infer.MinFrequency = 0.5
	require.NoError(t, os.MkdirAll(cfg.Source, 0o755))
	return cfg
}

func writeSource(t *testing.T, cfg config.Config, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Source, name), []byte(body), 0o644))
}

func countRecords(t *testing.T, cfg config.Config) int {
	t.Helper()
	store, err := staging.Open(context.Background(), cfg.Staging)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.CountRecords(context.Background(), cfg.Partition)
	require.NoError(t, err)
	return n
}

func TestRunFullPipeline(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1,"name":"Alice"}`)
	writeSource(t, cfg, "b.json", `{"id":2,"name":"Bob","email":"bob@x.com"}`)

	report, err := New(cfg, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.NotEmpty(t, report.RunID)

	// refine and map were skipped, not failed.
	out, ok := report.Outputs[string(StageRefine)]
	require.True(t, ok)
	assert.True(t, out.Skipped)
	out, ok = report.Outputs[string(StageMap)]
	require.True(t, ok)
	assert.True(t, out.Skipped)

	// Inference artifact and export artifact exist and agree.
	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "inferred_schema.json"))
	require.NoError(t, err)
	s, err := schema.DecodeJSON(data)
	require.NoError(t, err)

	email, ok := s.Lookup("email")
	require.True(t, ok, "schema should contain email, has %v", s.Paths())
	assert.True(t, email.Required, "frequency 0.5 meets the inclusive threshold")

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "schema.json"))
	assert.NoError(t, err)

	// Checkpoint sidecar sits next to the staging database.
	cp, err := LoadCheckpoint(CheckpointPath(cfg.Staging.Kind, cfg.Staging.DSN, cfg.OutputDir))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, cp.Status)
	assert.True(t, cp.IsStageCompleted(StageIngest))
	assert.True(t, cp.IsStageCompleted(StageExport))
}

func TestRunWithMappingStage(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1,"name":"Alice","email":"a@x.com"}`)

	target := schema.Schema{Name: "users_clean", Fields: []schema.Field{
		{Path: "user_id", Types: []string{"integer"}, Required: true},
		{Path: "full_name", Types: []string{"string"}},
		{Path: "email_address", Types: []string{"string"}},
	}}
	targetPath := filepath.Join(filepath.Dir(cfg.OutputDir), "target.json")
	data, err := target.EncodeJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(targetPath, data, 0o644))
	cfg.Mapping.TargetSchema = targetPath

	report, err := New(cfg, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)

	out, ok := report.Outputs[string(StageMap)]
	require.True(t, ok)
	assert.False(t, out.Skipped)
	assert.Contains(t, out.Metadata, "score")

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "mapping.json"))
	assert.NoError(t, err)
	script, err := os.ReadFile(filepath.Join(cfg.OutputDir, "transform.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "INSERT INTO users_clean")
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)
	writeSource(t, cfg, "b.json", `{"id":2}`)

	// First run: ingest only.
	_, err := New(cfg, nil).Run(context.Background(), RunOptions{Stages: []Stage{StageIngest}})
	require.NoError(t, err)
	require.Equal(t, 2, countRecords(t, cfg))

	// Simulate a crash after ingest committed: flip the checkpoint back to
	// running so the run is resumable.
	cpPath := CheckpointPath(cfg.Staging.Kind, cfg.Staging.DSN, cfg.OutputDir)
	cp, err := LoadCheckpoint(cpPath)
	require.NoError(t, err)
	cp.Status = StatusRunning
	require.NoError(t, cp.Save(cpPath))

	// Resume with all stages. Ingest must not re-run: with dedup=none a
	// second ingest would double the record count.
	report, err := New(cfg, nil).Run(context.Background(), RunOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 2, countRecords(t, cfg))

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "inferred_schema.json"))
	assert.NoError(t, err)
}

// Changing an artifact-affecting option invalidates the checkpoint before
// any staging-store access happens.
func TestResumeDetectsConfigDrift(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)

	_, err := New(cfg, nil).Run(context.Background(), RunOptions{Stages: []Stage{StageIngest}})
	require.NoError(t, err)

	drifted := cfg
	drifted.Infer.MinFrequency = 0.9

	e := New(drifted, nil)
	e.openStore = func(context.Context) (staging.Store, error) {
		t.Fatal("staging store opened before drift check")
		return nil, nil
	}

	_, err = e.Run(context.Background(), RunOptions{Resume: true})
	require.Error(t, err)
	var drift *ConfigDriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, drifted.Fingerprint(), drift.Current)
}

func TestResumeDriftOverrideStartsOver(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)

	_, err := New(cfg, nil).Run(context.Background(), RunOptions{Stages: []Stage{StageIngest}})
	require.NoError(t, err)

	drifted := cfg
	drifted.Infer.MinFrequency = 0.9
	drifted.Dedup = "content"

	report, err := New(drifted, nil).Run(context.Background(),
		RunOptions{Resume: true, OverrideDrift: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)

	// The discarded checkpoint was replaced by one with the new fingerprint.
	cp, err := LoadCheckpoint(CheckpointPath(cfg.Staging.Kind, cfg.Staging.DSN, cfg.OutputDir))
	require.NoError(t, err)
	assert.Equal(t, drifted.Fingerprint(), cp.ConfigFingerprint)
}

func TestResumeCompletedRunRefused(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)

	_, err := New(cfg, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	_, err = New(cfg, nil).Run(context.Background(), RunOptions{Resume: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestMissingDependencyFailsFast(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(cfg, nil).Run(context.Background(), RunOptions{Stages: []Stage{StageExport}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

type failingRefiner struct{ err error }

func (f failingRefiner) Refine(context.Context, schema.Schema, string, float64) (refine.Result, error) {
	return refine.Result{}, f.err
}

func TestRefineFailureDowngradesToWarning(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)
	cfg.LLM.Enabled = true

	e := New(cfg, nil)
	e.refiner = failingRefiner{err: &refine.NetworkError{Op: "call", Err: refine.ErrUnavailable, Transient: true}}

	report, err := e.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	require.NotEmpty(t, report.Warnings)

	out, ok := report.Outputs[string(StageRefine)]
	require.True(t, ok)
	assert.True(t, out.Skipped)

	// The un-refined schema still made it to export.
	_, err = os.Stat(filepath.Join(cfg.OutputDir, "schema.json"))
	assert.NoError(t, err)
}

func TestExplicitRefineFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)
	cfg.LLM.Enabled = true

	// Produce a schema first so refine has its input.
	_, err := New(cfg, nil).Run(context.Background(), RunOptions{Stages: []Stage{StageIngest, StageInfer}})
	require.NoError(t, err)

	e := New(cfg, nil)
	e.refiner = failingRefiner{err: &refine.NetworkError{Op: "call", Err: refine.ErrUnavailable, Transient: true}}

	_, err = e.Run(context.Background(), RunOptions{Stages: []Stage{StageRefine}})
	require.Error(t, err)
	assert.ErrorIs(t, err, refine.ErrUnavailable)
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)

	e := New(cfg, nil)
	e.openStore = func(context.Context) (staging.Store, error) {
		t.Fatal("dry run must not open the staging store")
		return nil, nil
	}

	report, err := e.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Len(t, report.Plan, len(AllStages()))

	// Skipped stages are reported in the plan with their reason.
	var refinePlan PlannedStage
	for _, p := range report.Plan {
		if p.Stage == StageRefine {
			refinePlan = p
		}
	}
	assert.Equal(t, "llm not configured", refinePlan.SkipReason)

	// No checkpoint, no output dir, no staging database.
	_, err = os.Stat(CheckpointPath(cfg.Staging.Kind, cfg.Staging.DSN, cfg.OutputDir))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(cfg.OutputDir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(cfg.Staging.DSN)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDryRunReportsMissingSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source = filepath.Join(cfg.Source, "does-not-exist")

	_, err := New(cfg, nil).Run(context.Background(), RunOptions{DryRun: true})
	require.Error(t, err)
	var invalid *InvalidConfigError
	require.ErrorAs(t, err, &invalid)
}

func TestInvalidConfigRejectedBeforeIO(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mapping.MinSimilarity = 3.0

	e := New(cfg, nil)
	e.openStore = func(context.Context) (staging.Store, error) {
		t.Fatal("store opened despite invalid config")
		return nil, nil
	}

	_, err := e.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	var invalid *InvalidConfigError
	require.ErrorAs(t, err, &invalid)
}

func TestCancellationAtStageBoundary(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(cfg, nil).Run(ctx, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, report.Status)
}

func TestReportSummary(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)

	report, err := New(cfg, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	s := report.Summary()
	assert.Contains(t, s, report.RunID)
	assert.Contains(t, s, "ingest: ok")
	assert.Contains(t, s, "refine: skipped")
}

// recordingBackend captures counter updates keyed by name and labels.
type recordingBackend struct {
	counters map[string]float64
	flushed  bool
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels metrics.Labels) {
	key := name
	if kind := labels["kind"]; kind != "" {
		key += "|" + kind
	}
	if stage := labels["stage"]; stage != "" {
		key += "|" + stage + "|" + labels["status"]
	}
	r.counters[key] += delta
}

func (r *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (r *recordingBackend) Flush() error { r.flushed = true; return nil }
func (r *recordingBackend) Close() error { return nil }

func TestRunEmitsBatchAndRecordCounters(t *testing.T) {
	cfg := testConfig(t)
	writeSource(t, cfg, "a.json", `{"id":1}`)
	writeSource(t, cfg, "b.json", `{"id":2}`)

	rec := &recordingBackend{counters: make(map[string]float64)}
	metrics.SetBackend(rec)
	defer metrics.SetBackend(metrics.Nop{})

	_, err := New(cfg, nil).Run(context.Background(), RunOptions{Stages: []Stage{StageIngest}})
	require.NoError(t, err)

	assert.Equal(t, 1.0, rec.counters[metrics.BatchesTotal])
	assert.Equal(t, 2.0, rec.counters[metrics.RecordsTotal+"|ingested"])
	assert.Equal(t, 1.0, rec.counters[metrics.StageTotal+"|ingest|ok"])
	assert.True(t, rec.flushed)
}
