// Package schema defines the canonical schema model produced by inference
// and consumed by mapping and export.
//
// A Schema is an ordered list of fields addressed by structural path
// (e.g. "user.address.city", "items[].sku"). Field order is declaration
// order: inference emits paths in sorted order so its output does not
// depend on record order; a parsed document keeps the order its fields
// appear in. Serialization to JSON and YAML preserves that order, so
// rendered artifacts are diffable run-to-run.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ArrayMarker is the path suffix addressing the element type of an array,
// as in "items[].sku".
const ArrayMarker = "[]"

// Field describes one structural path of a schema.
type Field struct {
	// Path is the structural address of the field.
	Path string `json:"path" yaml:"path"`

	// Types is the union of observed primitive kinds, sorted for stable
	// output. A single-element slice is the common case.
	Types []string `json:"types" yaml:"types"`

	// Format is the detected string format ("email", "uuid", ...), empty
	// when none was detected or the field is not a string.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Nullable is true when null was among the observed kinds.
	Nullable bool `json:"nullable" yaml:"nullable"`

	// Required is true when the observed frequency met the configured
	// minimum at inference time.
	Required bool `json:"required" yaml:"required"`

	// Frequency is occurrences / sampled record count, in [0,1]. Zero for
	// schemas that were parsed rather than inferred.
	Frequency float64 `json:"frequency,omitempty" yaml:"frequency,omitempty"`

	// Description is optional prose, typically filled in by refinement.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Examples holds a bounded sample of observed values.
	Examples []any `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// HasType reports whether t is among the field's observed kinds.
func (f Field) HasType(t string) bool {
	for _, have := range f.Types {
		if have == t {
			return true
		}
	}
	return false
}

// PrimaryType returns the single most useful type name for rendering:
// the only non-null type when there is one, otherwise "mixed".
func (f Field) PrimaryType() string {
	var nonNull []string
	for _, t := range f.Types {
		if t != "null" {
			nonNull = append(nonNull, t)
		}
	}
	switch len(nonNull) {
	case 0:
		return "null"
	case 1:
		return nonNull[0]
	default:
		return "mixed"
	}
}

// Schema is an ordered collection of fields.
type Schema struct {
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	RecordCount int     `json:"recordCount,omitempty" yaml:"recordCount,omitempty"`
	Partition   string  `json:"partition,omitempty" yaml:"partition,omitempty"`
	Fields      []Field `json:"fields" yaml:"fields"`
}

// Lookup returns the field with the given path, or ok=false.
func (s *Schema) Lookup(path string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return Field{}, false
}

// Paths returns all field paths in declaration order.
func (s *Schema) Paths() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Path
	}
	return out
}

// TopLevel returns only the fields whose path has no structural separator.
// Mapping operates on these plus nested paths uniformly, but renderers for
// flat targets want the distinction.
func (s *Schema) TopLevel() []Field {
	var out []Field
	for _, f := range s.Fields {
		if !strings.ContainsAny(f.Path, ".") && !strings.Contains(f.Path, ArrayMarker) {
			out = append(out, f)
		}
	}
	return out
}

// Validate reports structural problems: duplicate paths, empty paths, or
// fields with no type.
func (s *Schema) Validate() []error {
	var errs []error
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Path == "" {
			errs = append(errs, fmt.Errorf("field %d: empty path", i))
			continue
		}
		if seen[f.Path] {
			errs = append(errs, fmt.Errorf("field %q: duplicate path", f.Path))
		}
		seen[f.Path] = true
		if len(f.Types) == 0 {
			errs = append(errs, fmt.Errorf("field %q: no types", f.Path))
		}
	}
	return errs
}

// MarshalJSON renders the schema with indentation-free stable output.
func (s Schema) EncodeJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// EncodeYAML renders the schema as YAML with field order preserved.
func (s Schema) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// DecodeJSON parses a schema previously produced by EncodeJSON.
func DecodeJSON(data []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("schema: decode json: %w", err)
	}
	return s, nil
}

// DecodeYAML parses a schema previously produced by EncodeYAML.
func DecodeYAML(data []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("schema: decode yaml: %w", err)
	}
	return s, nil
}

// Equivalent compares two schemas ignoring field order and frequencies.
// Used by codec round-trip tests: parse(render(s)) must be Equivalent to s
// even when the renderer sorts or nests fields differently.
func Equivalent(a, b Schema) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	index := make(map[string]Field, len(b.Fields))
	for _, f := range b.Fields {
		index[f.Path] = f
	}
	for _, fa := range a.Fields {
		fb, ok := index[fa.Path]
		if !ok {
			return false
		}
		if fa.Nullable != fb.Nullable || fa.Required != fb.Required || fa.Format != fb.Format {
			return false
		}
		ta := append([]string(nil), fa.Types...)
		tb := append([]string(nil), fb.Types...)
		sort.Strings(ta)
		sort.Strings(tb)
		if strings.Join(ta, ",") != strings.Join(tb, ",") {
			return false
		}
	}
	return true
}

// Codec is the narrow contract export collaborators implement. The JSON
// Schema codec in this package is the built-in one; SQL, AVRO, Protobuf,
// OpenAPI and ODCS codecs plug in externally through the same interface.
type Codec interface {
	// Name returns the codec identifier (e.g. "json-schema").
	Name() string

	// Parse reads an external schema document. Item-level problems are
	// returned alongside a best-effort schema; a nil schema means the text
	// was unusable.
	Parse(text []byte) (Schema, []error)

	// Render produces the external representation. Rendering the same
	// schema twice yields byte-identical output.
	Render(s Schema) ([]byte, error)
}

var codecs = make(map[string]Codec)

// RegisterCodec adds a codec to the registry. Called from init functions,
// mirroring the staging backend registry.
func RegisterCodec(c Codec) {
	codecs[c.Name()] = c
}

// CodecByName retrieves a registered codec.
func CodecByName(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("schema: unknown codec %q", name)
	}
	return c, nil
}
