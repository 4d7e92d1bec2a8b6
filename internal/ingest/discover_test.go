package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverSortsAndFiltersFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.json", "a.json", "b.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	files, err := Discover(dir, "*.json")
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f.Path))
	}
	assert.Equal(t, []string{"a.json", "b.json", "c.json"}, names)
}

func TestDiscoverNoMatches(t *testing.T) {
	files, err := Discover(t.TempDir(), "*.jsonl")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFingerprintIsStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1}`), 0o644))

	f := File{Path: path}
	h1, err := f.Fingerprint()
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	g := File{Path: path}
	h2, err := g.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestParseFileSniffsFormat(t *testing.T) {
	dir := t.TempDir()

	// No extension, starts with '{': single document.
	doc := filepath.Join(dir, "payload")
	require.NoError(t, os.WriteFile(doc, []byte(`{"a": 1}`), 0o644))
	records, errs := parseFile(doc)
	assert.Empty(t, errs)
	require.Len(t, records, 1)

	// No extension, lines: JSONL.
	lines := filepath.Join(dir, "stream")
	require.NoError(t, os.WriteFile(lines, []byte("1\n2\n3\n"), 0o644))
	records, errs = parseFile(lines)
	assert.Empty(t, errs)
	assert.Len(t, records, 3)
}

func TestParseFileRecordIndexes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n\n{\"a\":2}\n"), 0o644))

	records, errs := parseFile(path)
	assert.Empty(t, errs)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].index)
	assert.Equal(t, 2, records[1].index)
}
