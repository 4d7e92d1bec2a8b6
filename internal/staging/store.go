// Package staging defines the append-only record store the pipeline stages
// share, plus the batch and file-hash bookkeeping that makes ingestion
// crash-resumable.
//
// Ownership rules:
//   - Only the ingestor appends records and file hashes.
//   - Only the orchestrator mutates batch status.
//   - Inference and mapping are read-only consumers.
//
// Concrete backends register themselves via Register (blank import of
// internal/staging/all pulls in every built-in backend); callers pick one
// through Config.Kind. This mirrors how real deployments swap the embedded
// store for a shared database without touching pipeline code.
package staging

import (
	"context"
	"fmt"
	"sort"
)

// Config selects and configures a backend.
type Config struct {
	// Kind is a registered backend name: "sqlite", "postgres", "mssql".
	Kind string `json:"kind"`
	// DSN is backend-specific: a file path for sqlite, a connection string
	// otherwise. Environment variables are expanded by the caller.
	DSN string `json:"dsn"`
}

// Store is the staging contract shared by every backend.
//
// All methods honor ctx cancellation. Connectivity failures surface as
// *ResourceError so callers can classify them as fatal.
type Store interface {
	// Init creates bookkeeping tables if they do not exist. Idempotent.
	Init(ctx context.Context) error

	// CreateBatch inserts a new Pending batch row.
	CreateBatch(ctx context.Context, b Batch) error

	// UpdateBatchStatus applies a monotonic status transition and records
	// counts and an optional error message. Illegal transitions fail.
	UpdateBatchStatus(ctx context.Context, id string, to BatchStatus, fileCount, recordCount int, errMsg string) error

	// ListBatches returns batches for a partition ("" = all), oldest first.
	ListBatches(ctx context.Context, partition string) ([]Batch, error)

	// AppendRecords writes staged records under an existing batch.
	AppendRecords(ctx context.Context, batchID string, records []RawRecord) error

	// ReadRecords streams staged records belonging to committed batches.
	// partition "" means all partitions; limit 0 means no limit. fn
	// returning an error stops the scan and propagates that error.
	ReadRecords(ctx context.Context, partition string, limit int, fn func(RawRecord) error) error

	// CountRecords reports how many committed records a partition holds.
	CountRecords(ctx context.Context, partition string) (int, error)

	// RecordFileHash remembers a source path and its content fingerprint.
	// Called only after the owning batch commits.
	RecordFileHash(ctx context.Context, path, hash string) error

	// SeenPath reports whether a source path was ingested before.
	SeenPath(ctx context.Context, path string) (bool, error)

	// SeenContent reports whether a content fingerprint was seen before.
	SeenContent(ctx context.Context, hash string) (bool, error)

	// Query is a read-only passthrough for inspection tooling.
	Query(ctx context.Context, statement string) (columns []string, rows [][]any, err error)

	// Close releases the underlying connection.
	Close() error
}

// Factory constructs a backend from its config.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var backends = make(map[string]Factory)

// Register adds a backend factory. Backends call this from init.
func Register(kind string, f Factory) {
	backends[kind] = f
}

// Open constructs and initializes the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	f, ok := backends[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("staging: unknown backend %q (registered: %v)", cfg.Kind, Registered())
	}
	s, err := f(ctx, cfg)
	if err != nil {
		return nil, &ResourceError{Op: "open " + cfg.Kind, Err: err}
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, &ResourceError{Op: "init " + cfg.Kind, Err: err}
	}
	return s, nil
}

// Registered returns the known backend names, sorted.
func Registered() []string {
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
