package mapping

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"sketch/internal/schema"
)

// ScriptKind selects a transform target language.
type ScriptKind string

const (
	// ScriptSQL renders an INSERT ... SELECT projection.
	ScriptSQL ScriptKind = "sql"
	// ScriptJQ renders a jq object construction filter.
	ScriptJQ ScriptKind = "jq"
	// ScriptPython renders a transform_record function.
	ScriptPython ScriptKind = "python"
)

// ParseScriptKind validates a script kind name.
func ParseScriptKind(s string) (ScriptKind, error) {
	switch ScriptKind(s) {
	case ScriptSQL, ScriptJQ, ScriptPython:
		return ScriptKind(s), nil
	}
	return "", validationErrorf("unknown script kind %q (want sql, jq or python)", s)
}

//go:embed templates/*.tmpl
var templateFS embed.FS

var scriptTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

type scriptRow struct {
	Target  string
	Source  string
	Comment string
	// Sep is "," for every row but the last; precomputed so the templates
	// stay free of arithmetic.
	Sep string
}

type scriptGap struct {
	Target      string
	Types       string
	Required    bool
	Suggestions string
}

type scriptData struct {
	SourceName string
	TargetName string
	Coverage   string
	Rows       []scriptRow
	Gaps       []scriptGap
	Extras     []string
}

// Generate renders a transformation script for the given mapping result.
//
// Rendering is a pure function of its arguments: the same result and kind
// always produce byte-identical output.
func Generate(result Result, kind ScriptKind, sourceName, targetName string) ([]byte, error) {
	if _, err := ParseScriptKind(string(kind)); err != nil {
		return nil, err
	}
	if sourceName == "" {
		sourceName = "source"
	}
	if targetName == "" {
		targetName = "target"
	}

	data := scriptData{
		SourceName: sourceName,
		TargetName: targetName,
		Coverage:   fmt.Sprintf("%.1f", result.Score*100),
		Extras:     result.Extras,
	}
	for _, m := range result.Mappings {
		comment := fmt.Sprintf("%s match, confidence %.0f%%", m.Kind, m.Confidence*100)
		if m.Coerced {
			comment += ", type coerced"
		}
		data.Rows = append(data.Rows, scriptRow{
			Target:  m.TargetPath,
			Source:  sourceExpr(kind, m.SourcePath),
			Comment: comment,
			Sep:     ",",
		})
	}
	if n := len(data.Rows); n > 0 {
		data.Rows[n-1].Sep = ""
	}
	for _, g := range result.Gaps {
		data.Gaps = append(data.Gaps, scriptGap{
			Target:      g.Path,
			Types:       strings.Join(g.Types, "|"),
			Required:    g.Required,
			Suggestions: strings.Join(g.Suggestions, ", "),
		})
	}

	var buf bytes.Buffer
	if err := scriptTemplates.ExecuteTemplate(&buf, string(kind)+".tmpl", data); err != nil {
		return nil, fmt.Errorf("render %s transform: %w", kind, err)
	}
	return buf.Bytes(), nil
}

// sourceExpr renders a structural path as a source access expression in the
// target language.
func sourceExpr(kind ScriptKind, path string) string {
	switch kind {
	case ScriptSQL:
		return `"` + path + `"`
	case ScriptJQ:
		return "." + path
	case ScriptPython:
		return fmt.Sprintf("_get(source, %q)", strings.ReplaceAll(path, schema.ArrayMarker, ""))
	}
	return path
}
