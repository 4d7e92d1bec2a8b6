package ingest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sketch/internal/jsonval"
)

// File is a discovered ingestion candidate.
type File struct {
	Path string
	Size int64

	// hash is the lazily computed content fingerprint.
	hash string
}

// Fingerprint returns the sha256 hex digest of the file's bytes, computing
// and caching it on first use.
func (f *File) Fingerprint() (string, error) {
	if f.hash != "" {
		return f.hash, nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", &InputError{Path: f.Path, Err: err}
	}
	sum := sha256.Sum256(data)
	f.hash = hex.EncodeToString(sum[:])
	return f.hash, nil
}

// Discover expands pattern under source and returns matching regular files
// sorted by path. The sort makes discovery restartable: a rerun walks the
// same sequence in the same order.
//
// An absolute or explicitly relative pattern is used as-is; otherwise it is
// joined to source.
func Discover(source, pattern string) ([]File, error) {
	full := pattern
	if !filepath.IsAbs(pattern) && !strings.HasPrefix(pattern, "./") && !strings.HasPrefix(pattern, "../") {
		full = filepath.Join(source, pattern)
	}

	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, &InputError{Path: full, Err: fmt.Errorf("invalid pattern: %w", err)}
	}

	var out []File
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, File{Path: m, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// parsed is one JSON document extracted from a source file.
type parsed struct {
	body  []byte
	index int
}

// parseFile reads one file and splits it into JSON records.
//
// .json files hold a single document; .jsonl/.ndjson files hold one document
// per line. Other extensions are sniffed: content starting with '{' or '['
// is treated as a single document, anything else as JSONL. A malformed line
// is reported as a record-level error without aborting the rest of the file.
func parseFile(path string) ([]parsed, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{&InputError{Path: path, Err: err}}
	}

	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "jsonl", "ndjson":
		return parseLines(path, data)
	case "json":
		return parseSingle(path, data)
	default:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return parseSingle(path, data)
		}
		return parseLines(path, data)
	}
}

func parseSingle(path string, data []byte) ([]parsed, []error) {
	body := bytes.TrimSpace(data)
	if _, err := jsonval.Parse(body); err != nil {
		return nil, []error{&InputError{Path: path, Err: err}}
	}
	return []parsed{{body: body, index: 0}}, nil
}

func parseLines(path string, data []byte) ([]parsed, []error) {
	var (
		records []parsed
		errs    []error
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	index := -1
	for sc.Scan() {
		index++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if _, err := jsonval.Parse(line); err != nil {
			errs = append(errs, &InputError{Path: path, Record: index, Err: err})
			continue
		}
		body := make([]byte, len(line))
		copy(body, line)
		records = append(records, parsed{body: body, index: index})
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, &InputError{Path: path, Err: err})
	}
	return records, errs
}
