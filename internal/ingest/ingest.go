// Package ingest discovers JSON/JSONL source files, deduplicates them,
// parses them in bounded parallel, and stages the records in batches.
//
// Batches are the unit of atomicity: a chunk of files either commits as one
// batch or fails as one batch. Batch commits are serialized in discovery
// order so a crash leaves at most one Pending batch behind; a rerun marks
// that leftover Failed and re-offers its files to discovery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sketch/internal/staging"
)

// Strategy controls which previously seen files are skipped.
type Strategy string

const (
	// DedupNone ingests every discovered file.
	DedupNone Strategy = "none"
	// DedupPath skips files whose path was ingested before.
	DedupPath Strategy = "path"
	// DedupContent skips files whose content fingerprint was seen before.
	DedupContent Strategy = "content"
	// DedupBoth skips on either a path or a fingerprint match.
	DedupBoth Strategy = "both"
)

// ParseStrategy validates a dedup strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case DedupNone, DedupPath, DedupContent, DedupBoth:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown dedup strategy %q (want none, path, content or both)", s)
}

// InputError is a per-file or per-record ingestion failure. It aborts the
// batch only when every file in the batch fails.
type InputError struct {
	Path   string
	Record int
	Err    error
}

func (e *InputError) Error() string {
	if e.Record > 0 {
		return fmt.Sprintf("%s: record %d: %v", e.Path, e.Record, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// maxStatsErrors caps the error list carried in Stats. The count keeps
// growing past the cap.
const maxStatsErrors = 100

// Stats summarizes one ingestion run.
type Stats struct {
	FilesProcessed   int           `json:"filesProcessed"`
	FilesSkipped     int           `json:"filesSkipped"`
	RecordsIngested  int           `json:"recordsIngested"`
	BatchesCommitted int           `json:"batchesCommitted"`
	BytesProcessed   int64         `json:"bytesProcessed"`
	ErrorCount       int           `json:"errorsCount"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"-"`
}

func (s *Stats) addError(err error) {
	s.ErrorCount++
	if len(s.Errors) < maxStatsErrors {
		s.Errors = append(s.Errors, err.Error())
	}
}

// Throughput reports ingested records per second.
func (s *Stats) Throughput() float64 {
	secs := s.Duration.Seconds()
	if secs == 0 {
		return 0
	}
	return float64(s.RecordsIngested) / secs
}

// Logger is the logging seam. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Options configures one ingestion run.
type Options struct {
	// Source is the base directory for discovery.
	Source string
	// Pattern is a glob expanded under Source, e.g. "*.jsonl".
	Pattern string
	// Partition labels the staged records.
	Partition string
	// BatchSize is the number of files per batch. Zero means 50.
	BatchSize int
	// Dedup selects the skip policy. Empty means DedupNone.
	Dedup Strategy
	// Workers bounds concurrent file parsing. Zero means GOMAXPROCS.
	Workers int
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Dedup == "" {
		o.Dedup = DedupNone
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
}

// Ingestor stages source files into the staging store.
type Ingestor struct {
	store staging.Store
	log   Logger
}

// New returns an Ingestor writing to store. A nil logger disables logging.
func New(store staging.Store, log Logger) *Ingestor {
	if log == nil {
		log = nopLogger{}
	}
	return &Ingestor{store: store, log: log}
}

// Run executes one ingestion pass: fail leftover Pending batches, discover,
// dedup, then stage the remaining files in batches.
//
// The returned Stats is valid even when err is non-nil. Staging-store
// failures are fatal and surface as *staging.ResourceError; a batch whose
// files all failed to parse aborts the run with the collected input errors.
func (ing *Ingestor) Run(ctx context.Context, opts Options) (Stats, error) {
	opts.defaults()
	start := time.Now()
	var stats Stats
	defer func() { stats.Duration = time.Since(start) }()

	if err := ing.failPendingBatches(ctx, opts.Partition); err != nil {
		return stats, err
	}

	files, err := Discover(opts.Source, opts.Pattern)
	if err != nil {
		return stats, err
	}
	ing.log.Printf("stage=ingest discovered=%d pattern=%s", len(files), opts.Pattern)

	fresh, err := ing.dedup(ctx, files, opts.Dedup, &stats)
	if err != nil {
		return stats, err
	}

	for len(fresh) > 0 {
		n := min(opts.BatchSize, len(fresh))
		chunk := fresh[:n]
		fresh = fresh[n:]

		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := ing.ingestChunk(ctx, chunk, opts, &stats); err != nil {
			return stats, err
		}
	}

	stats.Duration = time.Since(start)
	ing.log.Printf("stage=ingest ok files=%d skipped=%d records=%d errors=%d duration=%s",
		stats.FilesProcessed, stats.FilesSkipped, stats.RecordsIngested, stats.ErrorCount, stats.Duration.Round(time.Millisecond))
	return stats, nil
}

// failPendingBatches marks batches left Pending by an interrupted run as
// Failed. Their files were never recorded in the file-hash table, so
// discovery re-offers them.
func (ing *Ingestor) failPendingBatches(ctx context.Context, partition string) error {
	batches, err := ing.store.ListBatches(ctx, partition)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.Status != staging.BatchPending {
			continue
		}
		ing.log.Printf("stage=ingest resume: failing interrupted batch %s", b.ID)
		if err := ing.store.UpdateBatchStatus(ctx, b.ID, staging.BatchFailed, b.FileCount, b.RecordCount, "interrupted before commit"); err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingestor) dedup(ctx context.Context, files []File, strategy Strategy, stats *Stats) ([]File, error) {
	if strategy == DedupNone {
		return files, nil
	}

	var fresh []File
	for i := range files {
		f := &files[i]

		if strategy == DedupPath || strategy == DedupBoth {
			seen, err := ing.store.SeenPath(ctx, f.Path)
			if err != nil {
				return nil, err
			}
			if seen {
				stats.FilesSkipped++
				continue
			}
		}
		if strategy == DedupContent || strategy == DedupBoth {
			hash, err := f.Fingerprint()
			if err != nil {
				stats.addError(err)
				continue
			}
			seen, err := ing.store.SeenContent(ctx, hash)
			if err != nil {
				return nil, err
			}
			if seen {
				stats.FilesSkipped++
				continue
			}
		}
		fresh = append(fresh, *f)
	}
	return fresh, nil
}

// fileResult is the outcome of parsing one file.
type fileResult struct {
	file    File
	hash    string
	records []parsed
	errs    []error
}

// ingestChunk parses chunk files in bounded parallel, then commits them as
// one batch. Only the commit path touches the store, so writes stay
// serialized even though parsing is concurrent.
func (ing *Ingestor) ingestChunk(ctx context.Context, chunk []File, opts Options, stats *Stats) error {
	results := make([]fileResult, len(chunk))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range chunk {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := fileResult{file: chunk[i]}
			hash, err := r.file.Fingerprint()
			if err != nil {
				r.errs = []error{err}
			} else {
				r.hash = hash
				r.records, r.errs = parseFile(r.file.Path)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batch := staging.NewBatch(opts.Partition)
	if err := ing.store.CreateBatch(ctx, batch); err != nil {
		return err
	}

	var (
		records  []staging.RawRecord
		okFiles  []fileResult
		allErrs  []error
		ingested = time.Now().UTC()
	)
	for _, r := range results {
		for _, err := range r.errs {
			stats.addError(err)
			allErrs = append(allErrs, err)
		}
		if r.hash == "" {
			continue
		}
		for _, p := range r.records {
			records = append(records, staging.RawRecord{
				ID:          uuid.NewString(),
				Partition:   opts.Partition,
				SourcePath:  r.file.Path,
				Fingerprint: r.hash,
				IngestedAt:  ingested,
				Body:        p.body,
			})
		}
		okFiles = append(okFiles, r)
		stats.BytesProcessed += r.file.Size
	}

	// Abort only when the whole chunk produced nothing but errors.
	if len(records) == 0 && len(allErrs) > 0 {
		msg := fmt.Sprintf("all %d files failed", len(chunk))
		if err := ing.store.UpdateBatchStatus(ctx, batch.ID, staging.BatchFailed, len(chunk), 0, msg); err != nil {
			return err
		}
		return fmt.Errorf("batch %s: %s: %w", batch.ID, msg, errors.Join(allErrs...))
	}

	if err := ing.store.AppendRecords(ctx, batch.ID, records); err != nil {
		return err
	}
	if err := ing.store.UpdateBatchStatus(ctx, batch.ID, staging.BatchCommitted, len(okFiles), len(records), ""); err != nil {
		return err
	}

	// File hashes are recorded after the commit so an interrupted run never
	// marks a file as seen before its records are readable.
	for _, r := range okFiles {
		if err := ing.store.RecordFileHash(ctx, r.file.Path, r.hash); err != nil {
			return err
		}
	}

	stats.FilesProcessed += len(okFiles)
	stats.RecordsIngested += len(records)
	stats.BatchesCommitted++
	ing.log.Printf("stage=ingest batch=%s committed files=%d records=%d", batch.ID, len(okFiles), len(records))
	return nil
}
