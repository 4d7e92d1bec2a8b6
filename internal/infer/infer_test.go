package infer

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketch/internal/schema"
)

func sliceSource(bodies []string) RecordSource {
	return func(ctx context.Context, limit int, fn func([]byte) error) error {
		for i, b := range bodies {
			if limit > 0 && i >= limit {
				return nil
			}
			if err := fn([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}
}

func inferAll(t *testing.T, opts Options, bodies ...string) (schema.Schema, Stats) {
	t.Helper()
	opts.Workers = 1
	s, stats, err := New(opts, nil).Infer(context.Background(), sliceSource(bodies))
	require.NoError(t, err)
	return s, stats
}

func field(t *testing.T, s schema.Schema, path string) schema.Field {
	t.Helper()
	f, ok := s.Lookup(path)
	require.True(t, ok, "field %q not inferred; have %v", path, s.Paths())
	return f
}

// Two records, minFrequency 0.5: id and name appear in both, email in one.
// The threshold comparison is inclusive, so email (frequency exactly 0.5)
// is required too.
func TestInferRequiredThresholdIsInclusive(t *testing.T) {
	s, _ := inferAll(t, Options{MinFrequency: 0.5},
		`{"id":1,"name":"Alice"}`,
		`{"id":2,"name":"Bob","email":"bob@x.com"}`,
	)

	assert.True(t, field(t, s, "id").Required)
	assert.True(t, field(t, s, "name").Required)

	email := field(t, s, "email")
	assert.True(t, email.Required)
	assert.InDelta(t, 0.5, email.Frequency, 1e-9)
}

func TestInferRequiredBelowThreshold(t *testing.T) {
	s, _ := inferAll(t, Options{MinFrequency: 0.75},
		`{"id":1}`,
		`{"id":2,"email":"a@b.co"}`,
	)
	assert.True(t, field(t, s, "id").Required)
	assert.False(t, field(t, s, "email").Required)
}

func TestInferTypeUnionAndPromotion(t *testing.T) {
	s, _ := inferAll(t, Options{MinFrequency: 1},
		`{"count":1,"score":1,"tag":"a"}`,
		`{"count":2,"score":2.5,"tag":7}`,
	)

	// Pure integers stay integer.
	assert.Equal(t, []string{"integer"}, field(t, s, "count").Types)

	// Integer + float collapses to number.
	assert.Equal(t, []string{"number"}, field(t, s, "score").Types)

	// Incompatible kinds form a union.
	assert.Equal(t, []string{"string", "integer"}, field(t, s, "tag").Types)
	assert.Equal(t, "mixed", field(t, s, "tag").PrimaryType())
}

func TestInferNullable(t *testing.T) {
	s, _ := inferAll(t, Options{MinFrequency: 1},
		`{"note":"x","gone":null}`,
		`{"note":null,"gone":null}`,
	)

	note := field(t, s, "note")
	assert.True(t, note.Nullable)
	assert.Equal(t, []string{"string"}, note.Types)

	gone := field(t, s, "gone")
	assert.True(t, gone.Nullable)
	assert.Equal(t, []string{"null"}, gone.Types)
}

func TestInferNestedAndArrayPaths(t *testing.T) {
	s, _ := inferAll(t, Options{MinFrequency: 1},
		`{"user":{"address":{"city":"Oslo"}},"items":[{"sku":"a"},{"sku":"b"}]}`,
	)

	assert.Equal(t, []string{"object"}, field(t, s, "user").Types)
	assert.Equal(t, []string{"string"}, field(t, s, "user.address.city").Types)
	assert.Equal(t, []string{"array"}, field(t, s, "items").Types)

	sku := field(t, s, "items[].sku")
	assert.Equal(t, []string{"string"}, sku.Types)
	// Two elements in one record: frequency is per record, not per value.
	assert.InDelta(t, 2.0, sku.Frequency, 1e-9)
}

func TestInferFormatDetection(t *testing.T) {
	on, _ := inferAll(t, Options{MinFrequency: 1, DetectFormats: true},
		`{"id":"550e8400-e29b-41d4-a716-446655440000","mixed":"bob@x.com"}`,
		`{"id":"67e55044-10b1-426f-9247-bb680e5fe0c8","mixed":"plain"}`,
	)
	// Unanimous detection survives; disagreement drops the format.
	assert.Equal(t, "uuid", field(t, on, "id").Format)
	assert.Equal(t, "", field(t, on, "mixed").Format)

	off, _ := inferAll(t, Options{MinFrequency: 1},
		`{"id":"550e8400-e29b-41d4-a716-446655440000"}`,
	)
	assert.Equal(t, "", field(t, off, "id").Format)
}

func TestInferMaxDepthTruncates(t *testing.T) {
	s, _ := inferAll(t, Options{MinFrequency: 1, MaxDepth: 2},
		`{"a":{"b":{"c":1}}}`,
	)

	assert.Equal(t, []string{"object"}, field(t, s, "a").Types)
	assert.Equal(t, []string{"opaque"}, field(t, s, "a.b").Types)
	_, ok := s.Lookup("a.b.c")
	assert.False(t, ok)
}

func TestInferSampleSizeCap(t *testing.T) {
	opts := Options{MinFrequency: 1, SampleSize: 2, Workers: 1}
	s, stats, err := New(opts, nil).Infer(context.Background(), sliceSource([]string{
		`{"a":1}`, `{"a":2}`, `{"b":3}`,
	}))
	require.NoError(t, err)

	assert.Equal(t, 2, stats.RecordsSampled)
	_, ok := s.Lookup("b")
	assert.False(t, ok)
}

func TestInferSkipsNonObjectRoots(t *testing.T) {
	_, stats := inferAll(t, Options{MinFrequency: 1},
		`{"a":1}`, `[1,2]`, `"scalar"`, `{"a":2}`,
	)
	assert.Equal(t, 2, stats.RecordsSampled)
	assert.Equal(t, 2, stats.RecordsSkipped)
}

func TestInferEmptySource(t *testing.T) {
	_, _, err := New(Options{Workers: 1}, nil).Infer(context.Background(), sliceSource(nil))
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestInferNumericStats(t *testing.T) {
	_, stats := inferAll(t, Options{MinFrequency: 1},
		`{"v":10}`, `{"v":-2}`, `{"v":4.5}`,
	)

	n, ok := stats.Numeric["v"]
	require.True(t, ok)
	assert.Equal(t, -2.0, n.Min)
	assert.Equal(t, 10.0, n.Max)
	assert.InDelta(t, 12.5/3, n.Avg(), 1e-9)
}

func TestInferExamplesBounded(t *testing.T) {
	bodies := []string{
		`{"v":"a"}`, `{"v":"b"}`, `{"v":"c"}`, `{"v":"a"}`,
	}
	s, _ := inferAll(t, Options{MinFrequency: 1, CollectExamples: true, MaxExamples: 2}, bodies...)

	v := field(t, s, "v")
	assert.Len(t, v.Examples, 2)
}

// The schema must not depend on the order records were sampled in. This is
// what permits sharded profiling with a final reduction.
func TestInferOrderInvariance(t *testing.T) {
	bodies := []string{
		`{"id":1,"name":"Alice","tags":["x","y"]}`,
		`{"id":2,"email":"b@x.co","score":3.5}`,
		`{"id":null,"name":"Cleo","nested":{"deep":true}}`,
		`{"id":4,"score":7}`,
	}

	// Example capture on, with more distinct id values than the cap, so the
	// eviction policy is exercised too.
	opts := Options{MinFrequency: 0.5, DetectFormats: true, CollectExamples: true, MaxExamples: 2}
	base, _ := inferAll(t, opts, bodies...)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := append([]string(nil), bodies...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, _ := inferAll(t, opts, shuffled...)
		assert.Equal(t, base, got, "permutation %d changed the schema", i)
	}
}

// With more distinct values than the cap, the kept examples must be the
// same for any sampling order: the smallest by encoded form.
func TestInferExamplesOrderInvariant(t *testing.T) {
	bodies := []string{
		`{"v":"zulu"}`, `{"v":"yankee"}`, `{"v":"xray"}`,
		`{"v":"bravo"}`, `{"v":"charlie"}`, `{"v":"alpha"}`,
	}
	opts := Options{MinFrequency: 1, CollectExamples: true, MaxExamples: 2}

	forward, _ := inferAll(t, opts, bodies...)

	reversed := append([]string(nil), bodies...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	backward, _ := inferAll(t, opts, reversed...)

	assert.Equal(t, []any{"alpha", "bravo"}, field(t, forward, "v").Examples)
	assert.Equal(t, forward, backward)
}

// The per-value cap and the merge cap must agree, or shard assignment would
// leak into the schema.
func TestExamplesCapAgreesAcrossMerge(t *testing.T) {
	opts := Options{MinFrequency: 1, CollectExamples: true, MaxExamples: 2}

	seq := NewAccumulator(opts)
	for _, b := range []string{`{"v":"yankee"}`, `{"v":"zulu"}`, `{"v":"alpha"}`, `{"v":"bravo"}`} {
		require.NoError(t, seq.Add([]byte(b)))
	}
	want, _, err := seq.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []any{"alpha", "bravo"}, field(t, want, "v").Examples)

	left, right := NewAccumulator(opts), NewAccumulator(opts)
	require.NoError(t, left.Add([]byte(`{"v":"yankee"}`)))
	require.NoError(t, left.Add([]byte(`{"v":"zulu"}`)))
	require.NoError(t, right.Add([]byte(`{"v":"alpha"}`)))
	require.NoError(t, right.Add([]byte(`{"v":"bravo"}`)))
	left.MergeFrom(right)
	got, _, err := left.Finalize()
	require.NoError(t, err)

	assert.Equal(t, want, got)
}

// Merging shard accumulators must equal profiling everything sequentially.
func TestAccumulatorMergeMatchesSequential(t *testing.T) {
	bodies := []string{
		`{"id":1,"v":"2024-01-15"}`,
		`{"id":2,"v":"2024-02-20","extra":true}`,
		`{"id":3,"v":null}`,
		`{"id":4.5,"w":[1,2,3]}`,
	}
	opts := Options{MinFrequency: 0.5, DetectFormats: true, CollectExamples: true}

	seq := NewAccumulator(opts)
	for _, b := range bodies {
		require.NoError(t, seq.Add([]byte(b)))
	}
	want, wantStats, err := seq.Finalize()
	require.NoError(t, err)

	left, right := NewAccumulator(opts), NewAccumulator(opts)
	require.NoError(t, left.Add([]byte(bodies[0])))
	require.NoError(t, right.Add([]byte(bodies[1])))
	require.NoError(t, right.Add([]byte(bodies[2])))
	require.NoError(t, left.Add([]byte(bodies[3])))
	left.MergeFrom(right)
	got, gotStats, err := left.Finalize()
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, wantStats.Numeric, gotStats.Numeric)
}
