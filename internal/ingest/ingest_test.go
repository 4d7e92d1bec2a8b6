package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketch/internal/staging"
	_ "sketch/internal/staging/sqlite"
)

func openStore(t *testing.T) staging.Store {
	t.Helper()
	s, err := staging.Open(context.Background(), staging.Config{
		Kind: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "staging.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunStagesJSONAndJSONL(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "single.json", `{"id": 1, "name": "Alice"}`)
	writeFile(t, dir, "rows.jsonl", "{\"id\": 2}\n\n{\"id\": 3}\n")

	stats, err := New(store, nil).Run(ctx, Options{
		Source:    dir,
		Pattern:   "*",
		Partition: "p1",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FilesProcessed)
	assert.Equal(t, 3, stats.RecordsIngested)
	assert.Equal(t, 0, stats.ErrorCount)

	n, err := store.CountRecords(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunMalformedLineIsRecordLevel(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "mixed.jsonl", "{\"ok\": 1}\nnot json\n{\"ok\": 2}\n")

	stats, err := New(store, nil).Run(ctx, Options{Source: dir, Pattern: "*.jsonl", Partition: "p1"})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.RecordsIngested)
	assert.Equal(t, 1, stats.ErrorCount)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "mixed.jsonl")
}

func TestRunAbortsWhenEveryFileFails(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "bad1.json", `{"truncated":`)
	writeFile(t, dir, "bad2.json", `]]`)

	_, err := New(store, nil).Run(ctx, Options{Source: dir, Pattern: "*.json", Partition: "p1"})
	require.Error(t, err)

	var inputErr *InputError
	assert.ErrorAs(t, err, &inputErr)

	batches, err := store.ListBatches(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, staging.BatchFailed, batches[0].Status)
}

func TestRunContentDedupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "a.json", `{"id": 1}`)
	writeFile(t, dir, "b.json", `{"id": 2}`)

	opts := Options{Source: dir, Pattern: "*.json", Partition: "p1", Dedup: DedupContent}
	ing := New(store, nil)

	first, err := ing.Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, first.RecordsIngested)

	second, err := ing.Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, second.RecordsIngested)
	assert.Equal(t, 2, second.FilesSkipped)

	n, err := store.CountRecords(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// A copied file has a new path but identical bytes: content dedup skips it,
// path dedup does not.
func TestRunContentDedupSkipsRenamedCopy(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "a.json", `{"id": 1}`)

	ing := New(store, nil)
	_, err := ing.Run(ctx, Options{Source: dir, Pattern: "*.json", Partition: "p1", Dedup: DedupContent})
	require.NoError(t, err)

	writeFile(t, dir, "a_copy.json", `{"id": 1}`)
	stats, err := ing.Run(ctx, Options{Source: dir, Pattern: "*.json", Partition: "p1", Dedup: DedupContent})
	require.NoError(t, err)

	assert.Equal(t, 0, stats.RecordsIngested)
	assert.Equal(t, 2, stats.FilesSkipped)
}

// Crash simulation: batch 1 of 2 committed, batch 2 left Pending. A rerun
// with path dedup fails the leftover batch, re-offers its file, and ends
// with zero duplicate records.
func TestRunResumeAfterCrash(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "a.json", `{"id": 1}`)
	writeFile(t, dir, "b.json", `{"id": 2}`)

	ing := New(store, nil)

	// First run ingests only a.json, as the crashed run would have.
	_, err := ing.Run(ctx, Options{Source: dir, Pattern: "a.json", Partition: "p1", Dedup: DedupPath})
	require.NoError(t, err)

	// The crash left b.json's batch Pending with its records staged but its
	// file hash unrecorded.
	crashed := staging.NewBatch("p1")
	require.NoError(t, store.CreateBatch(ctx, crashed))
	require.NoError(t, store.AppendRecords(ctx, crashed.ID, []staging.RawRecord{{
		ID: "orphan", Partition: "p1", SourcePath: filepath.Join(dir, "b.json"),
		Fingerprint: "deadbeef", Body: []byte(`{"id": 2}`),
	}}))

	stats, err := ing.Run(ctx, Options{Source: dir, Pattern: "*.json", Partition: "p1", Dedup: DedupPath})
	require.NoError(t, err)

	// a.json is skipped by path; b.json is re-ingested exactly once.
	assert.Equal(t, 1, stats.FilesSkipped)
	assert.Equal(t, 1, stats.FilesProcessed)
	assert.Equal(t, 1, stats.RecordsIngested)

	batches, err := store.ListBatches(ctx, "p1")
	require.NoError(t, err)
	statuses := map[staging.BatchStatus]int{}
	for _, b := range batches {
		statuses[b.Status]++
	}
	assert.Equal(t, 2, statuses[staging.BatchCommitted])
	assert.Equal(t, 1, statuses[staging.BatchFailed])

	// The orphaned record sits in a Failed batch and stays invisible.
	n, err := store.CountRecords(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunBatchesByFileCount(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	dir := t.TempDir()

	for _, name := range []string{"a.json", "b.json", "c.json", "d.json", "e.json"} {
		writeFile(t, dir, name, `{"v": true}`)
	}

	stats, err := New(store, nil).Run(ctx, Options{
		Source: dir, Pattern: "*.json", Partition: "p1", BatchSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.BatchesCommitted)

	batches, err := store.ListBatches(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, batches, 3)

	var counts []int
	for _, b := range batches {
		assert.Equal(t, staging.BatchCommitted, b.Status)
		counts = append(counts, b.FileCount)
	}
	assert.Equal(t, []int{2, 2, 1}, counts)
}

func TestParseStrategy(t *testing.T) {
	for _, ok := range []string{"none", "path", "content", "both"} {
		_, err := ParseStrategy(ok)
		assert.NoError(t, err)
	}
	_, err := ParseStrategy("fuzzy")
	assert.Error(t, err)
}

func TestStatsErrorCap(t *testing.T) {
	var s Stats
	for i := 0; i < maxStatsErrors+20; i++ {
		s.addError(&InputError{Path: "x", Err: os.ErrInvalid})
	}
	assert.Equal(t, maxStatsErrors+20, s.ErrorCount)
	assert.Len(t, s.Errors, maxStatsErrors)
}

func TestStatsThroughput(t *testing.T) {
	s := Stats{RecordsIngested: 500, Duration: 2 * time.Second}
	assert.InDelta(t, 250.0, s.Throughput(), 1e-9)

	// No duration recorded yet: no division by zero.
	empty := Stats{RecordsIngested: 10}
	assert.Zero(t, empty.Throughput())
}
