// Package infer builds a canonical schema from staged JSON records.
//
// Each structural path accumulates into a FieldProfile; profiles merge
// associatively, so records can be profiled on several workers and reduced
// at the end without changing the result. The finalized schema is therefore
// identical for any sampling order.
package infer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"sketch/internal/jsonval"
	"sketch/internal/schema"
	"sketch/internal/staging"
)

// DefaultMaxDepth bounds the structural walk when the caller does not.
const DefaultMaxDepth = 32

// DefaultMaxExamples bounds per-field example capture.
const DefaultMaxExamples = 5

// ErrNoRecords means the source yielded nothing to infer from.
var ErrNoRecords = errors.New("infer: no records sampled")

// Logger is the logging seam. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Options tunes one inference run.
type Options struct {
	// SampleSize caps how many records are profiled. Zero means all.
	SampleSize int
	// MinFrequency is the inclusive required-field threshold in [0,1].
	// A path is required iff occurrences/sampled >= MinFrequency.
	MinFrequency float64
	// MaxDepth truncates deeper structure to an opaque leaf. Zero means
	// DefaultMaxDepth.
	MaxDepth int
	// DetectFormats enables string format detection.
	DetectFormats bool
	// CollectExamples enables bounded example capture.
	CollectExamples bool
	// MaxExamples caps examples per field. Zero means DefaultMaxExamples.
	MaxExamples int
	// Workers is the profiling parallelism. Zero means GOMAXPROCS.
	Workers int
}

func (o *Options) defaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxExamples <= 0 {
		o.MaxExamples = DefaultMaxExamples
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
}

// Stats summarizes one inference run.
type Stats struct {
	RecordsSampled   int                     `json:"recordsSampled"`
	RecordsSkipped   int                     `json:"recordsSkipped"`
	FieldsDiscovered int                     `json:"fieldsDiscovered"`
	MaxDepthSeen     int                     `json:"maxDepthSeen"`
	Duration         time.Duration           `json:"-"`
	Numeric          map[string]NumericStats `json:"numeric,omitempty"`
}

// Accumulator profiles records sequentially. Not safe for concurrent use;
// the engine runs one per worker and reduces them with MergeFrom.
type Accumulator struct {
	opts         Options
	profiles     map[string]*FieldProfile
	sampled      int
	skipped      int
	maxDepthSeen int
}

// NewAccumulator returns an empty accumulator. Options defaults are applied.
func NewAccumulator(opts Options) *Accumulator {
	opts.defaults()
	return &Accumulator{opts: opts, profiles: make(map[string]*FieldProfile)}
}

// Add profiles one raw JSON record. Records whose root is not an object are
// counted as skipped, not failed.
func (a *Accumulator) Add(body []byte) error {
	v, err := jsonval.Parse(body)
	if err != nil {
		a.skipped++
		return nil
	}
	a.AddValue(v)
	return nil
}

// AddValue profiles one parsed record.
func (a *Accumulator) AddValue(v jsonval.Value) {
	if v.Kind != jsonval.Object {
		a.skipped++
		return
	}
	a.sampled++
	for _, m := range v.Members {
		a.walk(m.Value, m.Key, 1)
	}
}

func (a *Accumulator) profile(path string) *FieldProfile {
	p, ok := a.profiles[path]
	if !ok {
		p = newProfile(path)
		a.profiles[path] = p
	}
	return p
}

func (a *Accumulator) walk(v jsonval.Value, path string, depth int) {
	if depth > a.maxDepthSeen {
		a.maxDepthSeen = depth
	}
	p := a.profile(path)

	switch v.Kind {
	case jsonval.Null:
		p.observeKind(kindNull)

	case jsonval.Bool:
		p.observeKind(kindBool)
		a.example(p, v)

	case jsonval.Int:
		p.observeKind(kindInt)
		p.Numeric.Add(float64(v.IntVal))
		a.example(p, v)

	case jsonval.Float:
		p.observeKind(kindNumber)
		p.Numeric.Add(v.FloatVal)
		a.example(p, v)

	case jsonval.String:
		p.observeKind(kindString)
		if a.opts.DetectFormats {
			if f := DetectFormat(v.StrVal); f != "" {
				p.Formats[f]++
			}
		}
		a.example(p, v)

	case jsonval.Array:
		// Structure past the depth limit collapses to an opaque leaf.
		// A depth policy, not an error.
		if depth >= a.opts.MaxDepth {
			p.observeKind(kindOpaque)
			return
		}
		p.observeKind(kindArray)
		for _, item := range v.Items {
			a.walk(item, path+schema.ArrayMarker, depth+1)
		}

	case jsonval.Object:
		if depth >= a.opts.MaxDepth {
			p.observeKind(kindOpaque)
			return
		}
		p.observeKind(kindObject)
		for _, m := range v.Members {
			a.walk(m.Value, path+"."+m.Key, depth+1)
		}
	}
}

func (a *Accumulator) example(p *FieldProfile, v jsonval.Value) {
	if a.opts.CollectExamples {
		p.observeExample(v, a.opts.MaxExamples)
	}
}

// MergeFrom folds another accumulator in. Both must share Options.
func (a *Accumulator) MergeFrom(o *Accumulator) {
	a.sampled += o.sampled
	a.skipped += o.skipped
	if o.maxDepthSeen > a.maxDepthSeen {
		a.maxDepthSeen = o.maxDepthSeen
	}
	for path, op := range o.profiles {
		if p, ok := a.profiles[path]; ok {
			p.Merge(op, a.opts.MaxExamples)
		} else {
			a.profiles[path] = op
		}
	}
}

// Finalize collapses the profiles into a schema. Fields come out in sorted
// path order so the result does not depend on observation order.
func (a *Accumulator) Finalize() (schema.Schema, Stats, error) {
	stats := Stats{
		RecordsSampled:   a.sampled,
		RecordsSkipped:   a.skipped,
		FieldsDiscovered: len(a.profiles),
		MaxDepthSeen:     a.maxDepthSeen,
	}
	if a.sampled == 0 {
		return schema.Schema{}, stats, ErrNoRecords
	}

	paths := make([]string, 0, len(a.profiles))
	for path := range a.profiles {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	s := schema.Schema{RecordCount: a.sampled}
	stats.Numeric = make(map[string]NumericStats)
	for _, path := range paths {
		p := a.profiles[path]
		s.Fields = append(s.Fields, p.finalize(a.sampled, a.opts.MinFrequency))
		if p.Numeric.Count > 0 {
			stats.Numeric[path] = p.Numeric
		}
	}
	return s, stats, nil
}

// RecordSource streams raw record bodies. limit 0 means no limit; fn
// returning an error stops the stream.
type RecordSource func(ctx context.Context, limit int, fn func(body []byte) error) error

// StoreSource adapts a staging store partition into a RecordSource.
func StoreSource(store staging.Store, partition string) RecordSource {
	return func(ctx context.Context, limit int, fn func([]byte) error) error {
		return store.ReadRecords(ctx, partition, limit, func(r staging.RawRecord) error {
			return fn(r.Body)
		})
	}
}

// Engine runs sharded inference over a record source.
type Engine struct {
	opts Options
	log  Logger
}

// New returns an Engine. A nil logger disables logging.
func New(opts Options, log Logger) *Engine {
	opts.defaults()
	if log == nil {
		log = nopLogger{}
	}
	return &Engine{opts: opts, log: log}
}

// Infer samples up to Options.SampleSize records from source, profiles them
// across Options.Workers accumulators, and reduces to one schema.
//
// Receiving fewer records than requested is informational, not an error;
// an empty source fails with ErrNoRecords.
func (e *Engine) Infer(ctx context.Context, source RecordSource) (schema.Schema, Stats, error) {
	start := time.Now()

	shards := make([]*Accumulator, e.opts.Workers)
	for i := range shards {
		shards[i] = NewAccumulator(e.opts)
	}

	bodies := make(chan []byte, e.opts.Workers*4)
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		acc := shards[i]
		g.Go(func() error {
			for body := range bodies {
				if err := acc.Add(body); err != nil {
					return err
				}
			}
			return nil
		})
	}

	readErr := source(ctx, e.opts.SampleSize, func(body []byte) error {
		select {
		case bodies <- body:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	close(bodies)
	if err := g.Wait(); err != nil {
		return schema.Schema{}, Stats{}, err
	}
	if readErr != nil {
		return schema.Schema{}, Stats{}, fmt.Errorf("infer: read records: %w", readErr)
	}

	root := shards[0]
	for _, acc := range shards[1:] {
		root.MergeFrom(acc)
	}

	s, stats, err := root.Finalize()
	stats.Duration = time.Since(start)
	if err != nil {
		return s, stats, err
	}
	if e.opts.SampleSize > 0 && stats.RecordsSampled < e.opts.SampleSize {
		e.log.Printf("stage=infer sampled %d of %d requested records", stats.RecordsSampled, e.opts.SampleSize)
	}
	e.log.Printf("stage=infer ok records=%d fields=%d duration=%s",
		stats.RecordsSampled, stats.FieldsDiscovered, stats.Duration.Round(time.Millisecond))
	return s, stats, nil
}
