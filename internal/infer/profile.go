package infer

import (
	"sort"

	"sketch/internal/jsonval"
	"sketch/internal/schema"
)

// Primitive kind names as they appear in finalized schemas.
const (
	kindNull    = "null"
	kindBool    = "boolean"
	kindInt     = "integer"
	kindNumber  = "number"
	kindString  = "string"
	kindArray   = "array"
	kindObject  = "object"
	kindOpaque  = "opaque"
	kindUnknown = "unknown"
)

// kindOrder fixes the rendering order of a type union.
var kindOrder = map[string]int{
	kindObject:  0,
	kindArray:   1,
	kindString:  2,
	kindInt:     3,
	kindNumber:  4,
	kindBool:    5,
	kindOpaque:  6,
	kindUnknown: 7,
}

// NumericStats accumulates min/max/avg over observed numeric values.
type NumericStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"-"`
	Count int     `json:"count"`
}

// Add folds one observation in.
func (n *NumericStats) Add(v float64) {
	if n.Count == 0 || v < n.Min {
		n.Min = v
	}
	if n.Count == 0 || v > n.Max {
		n.Max = v
	}
	n.Sum += v
	n.Count++
}

// Avg returns the mean, or 0 when nothing was observed.
func (n *NumericStats) Avg() float64 {
	if n.Count == 0 {
		return 0
	}
	return n.Sum / float64(n.Count)
}

// merge folds another accumulator in. Commutative and associative.
func (n *NumericStats) merge(o NumericStats) {
	if o.Count == 0 {
		return
	}
	if n.Count == 0 {
		*n = o
		return
	}
	if o.Min < n.Min {
		n.Min = o.Min
	}
	if o.Max > n.Max {
		n.Max = o.Max
	}
	n.Sum += o.Sum
	n.Count += o.Count
}

// FieldProfile accumulates everything observed at one structural path.
//
// Merge is associative and commutative: every member is a count, a
// count-map, a min/max fold, or a set. That is what makes sharded sampling
// with a final reduction produce the same schema as a sequential pass.
type FieldProfile struct {
	Path string
	// Count is how many values were observed at this path.
	Count int
	// Nulls is how many of them were null.
	Nulls int
	// Kinds counts observations per primitive kind, null included.
	Kinds map[string]int
	// Formats counts detected string formats by name.
	Formats map[string]int
	// Examples is a bounded set of observed scalar values keyed by their
	// encoded form.
	Examples map[string]any
	// Numeric folds integer and float observations.
	Numeric NumericStats
}

func newProfile(path string) *FieldProfile {
	return &FieldProfile{
		Path:     path,
		Kinds:    make(map[string]int),
		Formats:  make(map[string]int),
		Examples: make(map[string]any),
	}
}

func (p *FieldProfile) observeKind(kind string) {
	p.Count++
	p.Kinds[kind]++
	if kind == kindNull {
		p.Nulls++
	}
}

// observeExample admits v into the bounded example set. The cap policy is
// the same as Merge's: keep the lexicographically smallest max encoded keys,
// evicting the current largest when a smaller value arrives. Both paths
// agreeing on the policy is what keeps the finalized schema independent of
// sampling and shard order.
func (p *FieldProfile) observeExample(v jsonval.Value, max int) {
	if max <= 0 {
		return
	}
	var val any
	switch v.Kind {
	case jsonval.Bool:
		val = v.BoolVal
	case jsonval.Int:
		val = v.IntVal
	case jsonval.Float:
		val = v.FloatVal
	case jsonval.String:
		val = v.StrVal
	default:
		return
	}
	key := string(jsonval.Encode(v))
	if _, ok := p.Examples[key]; ok {
		return
	}
	if len(p.Examples) >= max {
		largest := ""
		for k := range p.Examples {
			if k > largest {
				largest = k
			}
		}
		if key >= largest {
			return
		}
		delete(p.Examples, largest)
	}
	p.Examples[key] = val
}

// Merge folds o into p. Both profiles must describe the same path.
func (p *FieldProfile) Merge(o *FieldProfile, maxExamples int) {
	p.Count += o.Count
	p.Nulls += o.Nulls
	for k, n := range o.Kinds {
		p.Kinds[k] += n
	}
	for f, n := range o.Formats {
		p.Formats[f] += n
	}
	p.Numeric.merge(o.Numeric)

	// Example union is capped deterministically: collect, sort by encoded
	// key, keep the first maxExamples.
	for k, v := range o.Examples {
		p.Examples[k] = v
	}
	if len(p.Examples) > maxExamples {
		keys := make([]string, 0, len(p.Examples))
		for k := range p.Examples {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[maxExamples:] {
			delete(p.Examples, k)
		}
	}
}

// finalize collapses the profile into a schema field.
//
// Integer and Number collapse to "number" when both were seen. Null never
// appears in the type union; it sets Nullable instead. The format survives
// only when every string observation detected the same one.
func (p *FieldProfile) finalize(sampled int, minFrequency float64) schema.Field {
	types := make([]string, 0, len(p.Kinds))
	for k := range p.Kinds {
		if k == kindNull {
			continue
		}
		types = append(types, k)
	}
	if p.Kinds[kindInt] > 0 && p.Kinds[kindNumber] > 0 {
		filtered := types[:0]
		for _, t := range types {
			if t != kindInt {
				filtered = append(filtered, t)
			}
		}
		types = filtered
	}
	sort.Slice(types, func(i, j int) bool { return kindOrder[types[i]] < kindOrder[types[j]] })
	if len(types) == 0 {
		types = []string{kindNull}
	}

	format := ""
	if len(p.Formats) == 1 {
		for f, n := range p.Formats {
			if n == p.Kinds[kindString] {
				format = f
			}
		}
	}

	frequency := 0.0
	if sampled > 0 {
		frequency = float64(p.Count) / float64(sampled)
	}

	var examples []any
	if len(p.Examples) > 0 {
		keys := make([]string, 0, len(p.Examples))
		for k := range p.Examples {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			examples = append(examples, p.Examples[k])
		}
	}

	return schema.Field{
		Path:      p.Path,
		Types:     types,
		Format:    format,
		Nullable:  p.Nulls > 0,
		Required:  frequency >= minFrequency,
		Frequency: frequency,
		Examples:  examples,
	}
}
