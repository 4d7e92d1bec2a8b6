package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Schema {
	return Schema{
		Name: "person",
		Fields: []Field{
			{Path: "id", Types: []string{"integer"}, Required: true},
			{Path: "email", Types: []string{"string"}, Format: "email", Required: true},
			{Path: "nickname", Types: []string{"null", "string"}, Nullable: true},
			{Path: "address", Types: []string{"object"}, Required: true},
			{Path: "address.city", Types: []string{"string"}, Required: true},
			{Path: "address.zip", Types: []string{"string"}},
			{Path: "tags", Types: []string{"array"}},
			{Path: "tags[]", Types: []string{"string"}},
		},
	}
}

func TestRenderNestsPaths(t *testing.T) {
	codec, err := CodecByName("json-schema")
	require.NoError(t, err)

	out, err := codec.Render(sample())
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, `"title": "person"`)
	assert.Contains(t, text, `"format": "email"`)
	// address.city must render nested, never as a dotted key.
	assert.Contains(t, text, `"city"`)
	assert.NotContains(t, text, `"address.city"`)
	// tags[] becomes array items.
	assert.Contains(t, text, `"items"`)
}

func TestRenderDeterministic(t *testing.T) {
	codec := JSONSchemaCodec{}

	a, err := codec.Render(sample())
	require.NoError(t, err)
	b, err := codec.Render(sample())
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
}

// Round-trip property: parse(render(s)) is equivalent to s.
func TestRoundTrip(t *testing.T) {
	codec := JSONSchemaCodec{}
	s := sample()

	out, err := codec.Render(s)
	require.NoError(t, err)

	back, errs := codec.Parse(out)
	require.Empty(t, errs)
	assert.True(t, Equivalent(s, back), "round-trip changed the schema:\n%s", out)
}

func TestParseRequiredAndNullable(t *testing.T) {
	doc := []byte(`{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"id": {"type": "integer"},
			"note": {"type": ["null", "string"]}
		},
		"required": ["id"]
	}`)

	codec := JSONSchemaCodec{}
	s, errs := codec.Parse(doc)
	require.Empty(t, errs)

	id, ok := s.Lookup("id")
	require.True(t, ok)
	assert.True(t, id.Required)

	note, ok := s.Lookup("note")
	require.True(t, ok)
	assert.True(t, note.Nullable)
	assert.False(t, note.Required)
}

func TestParseCollectsItemErrors(t *testing.T) {
	doc := []byte(`{
		"type": "object",
		"properties": {
			"good": {"type": "string"},
			"bad": {"$ref": "#/defs/x"},
			"empty": {}
		}
	}`)

	codec := JSONSchemaCodec{}
	s, errs := codec.Parse(doc)

	// Best-effort: the valid property still parses.
	_, ok := s.Lookup("good")
	assert.True(t, ok)
	assert.Len(t, errs, 2)
}

func TestParseRejectsNonObjectRoot(t *testing.T) {
	codec := JSONSchemaCodec{}
	_, errs := codec.Parse([]byte(`[1,2,3]`))
	require.NotEmpty(t, errs)
}
