package mapping

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"sketch/internal/schema"
)

// TypeMismatchPenalty is subtracted from a match's confidence when the two
// fields' types differ but are coercible (integer vs number).
const TypeMismatchPenalty = 0.15

// MinSubstringLen is the shortest name that can earn the containment bonus.
// Tokens like "id" are contained in far too many names to be a signal.
const MinSubstringLen = 3

// DefaultMinSimilarity is the fuzzy threshold used when the caller passes
// zero.
const DefaultMinSimilarity = 0.6

// MatchAll disables the fuzzy threshold: every compatible pair is eligible,
// however dissimilar the names. An effective threshold of 0 needs this
// sentinel because the zero value of MinSimilarity selects
// DefaultMinSimilarity.
const MatchAll = -1

// Options controls matching behavior.
type Options struct {
	// Fuzzy enables similarity matching for pairs the exact phase left
	// unmatched.
	Fuzzy bool
	// MinSimilarity is the inclusive fuzzy threshold in [0,1]. Zero means
	// DefaultMinSimilarity; MatchAll means no threshold at all.
	MinSimilarity float64
	// CaseInsensitive folds case before exact comparison.
	CaseInsensitive bool
}

var caseFolder = cases.Fold()

// Match aligns source fields with target fields.
//
// Exact path matches come first; with Fuzzy enabled, remaining pairs are
// matched greedily by descending similarity, ties broken by source
// declaration order. Incompatible types never match. The result is
// deterministic for identical inputs.
func Match(source, target schema.Schema, opts Options) (Result, error) {
	switch opts.MinSimilarity {
	case MatchAll:
		opts.MinSimilarity = 0
	case 0:
		opts.MinSimilarity = DefaultMinSimilarity
	}
	if opts.MinSimilarity < 0 || opts.MinSimilarity > 1 {
		return Result{}, validationErrorf("minSimilarity %v outside [0,1]", opts.MinSimilarity)
	}
	if len(source.Fields) == 0 {
		return Result{}, validationErrorf("source schema has no fields")
	}
	if len(target.Fields) == 0 {
		return Result{}, validationErrorf("target schema has no fields")
	}

	var (
		result        Result
		sourceMatched = make([]bool, len(source.Fields))
		targetMatched = make([]bool, len(target.Fields))
	)

	canon := func(path string) string {
		if opts.CaseInsensitive {
			return caseFolder.String(path)
		}
		return path
	}

	// Exact phase, in target declaration order.
	for ti, tf := range target.Fields {
		for si, sf := range source.Fields {
			if sourceMatched[si] || canon(sf.Path) != canon(tf.Path) {
				continue
			}
			compatible, coerced := typeCompatibility(sf, tf)
			if !compatible {
				continue
			}
			confidence := 1.0
			if coerced {
				confidence -= TypeMismatchPenalty
			}
			result.Mappings = append(result.Mappings, FieldMapping{
				SourcePath: sf.Path,
				TargetPath: tf.Path,
				Kind:       MatchDirect,
				Confidence: confidence,
				Coerced:    coerced,
			})
			sourceMatched[si] = true
			targetMatched[ti] = true
			break
		}
	}

	if opts.Fuzzy {
		matchFuzzy(source, target, sourceMatched, targetMatched, opts, &result)
	}

	// Order the output by target declaration so rendering is stable.
	targetIndex := make(map[string]int, len(target.Fields))
	for i, tf := range target.Fields {
		targetIndex[tf.Path] = i
	}
	sort.SliceStable(result.Mappings, func(i, j int) bool {
		return targetIndex[result.Mappings[i].TargetPath] < targetIndex[result.Mappings[j].TargetPath]
	})

	for ti, tf := range target.Fields {
		if targetMatched[ti] {
			continue
		}
		gap := Gap{Path: tf.Path, Types: tf.Types, Required: tf.Required}
		for si, sf := range source.Fields {
			if !sourceMatched[si] && similarity(canonName(sf.Path), canonName(tf.Path)) >= opts.MinSimilarity/2 {
				gap.Suggestions = append(gap.Suggestions, sf.Path)
			}
		}
		result.Gaps = append(result.Gaps, gap)
	}
	for si, sf := range source.Fields {
		if !sourceMatched[si] {
			result.Extras = append(result.Extras, sf.Path)
		}
	}

	var sum float64
	for _, m := range result.Mappings {
		sum += m.Confidence
		if m.Kind == MatchDirect {
			result.Stats.DirectMatched++
		} else {
			result.Stats.FuzzyMatched++
		}
	}
	result.Score = sum / float64(len(target.Fields))
	result.Stats.SourceFields = len(source.Fields)
	result.Stats.TargetFields = len(target.Fields)
	result.Stats.Gaps = len(result.Gaps)
	result.Stats.Extras = len(result.Extras)
	for _, g := range result.Gaps {
		if g.Required {
			result.Stats.RequiredGaps++
		}
	}
	return result, nil
}

// matchFuzzy greedily pairs the highest-similarity unmatched fields until no
// pair clears the threshold. The pair scan walks sources in declaration
// order so equal scores resolve to the earliest source field.
func matchFuzzy(source, target schema.Schema, sourceMatched, targetMatched []bool, opts Options, result *Result) {
	for {
		bestScore := -1.0
		bestSI, bestTI := -1, -1
		bestCoerced := false

		for si, sf := range source.Fields {
			if sourceMatched[si] {
				continue
			}
			for ti, tf := range target.Fields {
				if targetMatched[ti] {
					continue
				}
				compatible, coerced := typeCompatibility(sf, tf)
				if !compatible {
					continue
				}
				score := similarity(canonName(sf.Path), canonName(tf.Path))
				if score < opts.MinSimilarity || score <= bestScore {
					continue
				}
				bestScore, bestSI, bestTI, bestCoerced = score, si, ti, coerced
			}
		}
		if bestSI < 0 {
			return
		}

		confidence := bestScore
		if bestCoerced {
			confidence -= TypeMismatchPenalty
		}
		if confidence < 0 {
			confidence = 0
		}
		result.Mappings = append(result.Mappings, FieldMapping{
			SourcePath: source.Fields[bestSI].Path,
			TargetPath: target.Fields[bestTI].Path,
			Kind:       MatchFuzzy,
			Confidence: confidence,
			Coerced:    bestCoerced,
		})
		sourceMatched[bestSI] = true
		targetMatched[bestTI] = true
	}
}

// typeCompatibility classifies a field pair: directly compatible, coercible
// (integer vs number), or incompatible.
func typeCompatibility(a, b schema.Field) (compatible, coerced bool) {
	ta, tb := a.PrimaryType(), b.PrimaryType()
	if ta == tb || ta == "mixed" || tb == "mixed" || ta == "null" || tb == "null" {
		return true, false
	}
	if (ta == "integer" && tb == "number") || (ta == "number" && tb == "integer") {
		return true, true
	}
	return false, false
}

// canonName folds case and drops array markers, leaving only name signal.
func canonName(path string) string {
	return caseFolder.String(strings.ReplaceAll(path, schema.ArrayMarker, ""))
}

// similarity scores two canonical names in [0,1]. The base score is
// normalized Levenshtein; when one name contains the other and the
// contained name is at least MinSubstringLen long, a containment score of
// 0.6 + 0.4*len(short)/len(long) applies instead if higher. Containment is
// what lets "email" find "email_address" while "id" stays clear of
// "user_id".
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	score := 1 - float64(levenshtein(a, b))/float64(maxLen)

	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) >= MinSubstringLen && strings.Contains(long, short) {
		if contained := 0.6 + 0.4*float64(len(short))/float64(len(long)); contained > score {
			score = contained
		}
	}
	return score
}

// levenshtein is the classic two-row edit distance.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
