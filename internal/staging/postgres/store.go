// Package postgres is the staging backend for shared deployments where
// several operators inspect the same staged data.
//
// Behavior matches the sqlite backend; timestamps use native TIMESTAMPTZ.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sketch/internal/staging"
)

func init() {
	staging.Register("postgres", New)
}

type store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres using cfg.DSN.
func New(ctx context.Context, cfg staging.Config) (staging.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &store{pool: pool}, nil
}

func (s *store) Close() error {
	s.pool.Close()
	return nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS raw_records (
    id            TEXT PRIMARY KEY,
    batch_id      TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    source_path   TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    ingested_at   TIMESTAMPTZ NOT NULL,
    body          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_records_batch ON raw_records(batch_id);
CREATE INDEX IF NOT EXISTS idx_raw_records_partition ON raw_records(partition_key);

CREATE TABLE IF NOT EXISTS batches (
    id            TEXT PRIMARY KEY,
    partition_key TEXT NOT NULL,
    status        TEXT NOT NULL,
    file_count    INTEGER NOT NULL DEFAULT 0,
    record_count  INTEGER NOT NULL DEFAULT 0,
    started_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS file_hashes (
    path         TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_hashes_path ON file_hashes(path);
CREATE INDEX IF NOT EXISTS idx_file_hashes_hash ON file_hashes(content_hash);
`

func (s *store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create staging tables: %w", err)
	}
	return nil
}

func (s *store) CreateBatch(ctx context.Context, b staging.Batch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, partition_key, status, file_count, record_count, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.Partition, string(b.Status), b.FileCount, b.RecordCount, b.StartedAt, b.UpdatedAt,
	)
	if err != nil {
		return &staging.ResourceError{Op: "create batch", Err: err}
	}
	return nil
}

func (s *store) UpdateBatchStatus(ctx context.Context, id string, to staging.BatchStatus, fileCount, recordCount int, errMsg string) error {
	if !staging.CanTransition(staging.BatchPending, to) {
		return fmt.Errorf("batch %s: illegal transition to %s", id, to)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches
		SET status = $1, file_count = $2, record_count = $3, updated_at = $4, completed_at = $4, error_message = NULLIF($5, '')
		WHERE id = $6 AND status = $7`,
		string(to), fileCount, recordCount, now, errMsg, id, string(staging.BatchPending),
	)
	if err != nil {
		return &staging.ResourceError{Op: "update batch", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: not pending, refusing transition to %s", id, to)
	}
	return nil
}

func (s *store) ListBatches(ctx context.Context, partition string) ([]staging.Batch, error) {
	q := `SELECT id, partition_key, status, file_count, record_count, started_at, updated_at,
	             COALESCE(completed_at, 'epoch'::timestamptz), COALESCE(error_message, '')
	      FROM batches`
	args := []any{}
	if partition != "" {
		q += ` WHERE partition_key = $1`
		args = append(args, partition)
	}
	q += ` ORDER BY started_at, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, &staging.ResourceError{Op: "list batches", Err: err}
	}
	defer rows.Close()

	var out []staging.Batch
	for rows.Next() {
		var b staging.Batch
		var status string
		if err := rows.Scan(&b.ID, &b.Partition, &status, &b.FileCount, &b.RecordCount, &b.StartedAt, &b.UpdatedAt, &b.CompletedAt, &b.Error); err != nil {
			return nil, err
		}
		b.Status, err = staging.ParseBatchStatus(status)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *store) AppendRecords(ctx context.Context, batchID string, records []staging.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &staging.ResourceError{Op: "append records", Err: err}
	}
	defer tx.Rollback(ctx)

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{r.ID, batchID, r.Partition, r.SourcePath, r.Fingerprint, r.IngestedAt, string(r.Body)})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"raw_records"},
		[]string{"id", "batch_id", "partition_key", "source_path", "fingerprint", "ingested_at", "body"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return &staging.ResourceError{Op: "append records", Err: err}
	}
	return nil
}

func (s *store) ReadRecords(ctx context.Context, partition string, limit int, fn func(staging.RawRecord) error) error {
	q := `SELECT r.id, r.partition_key, r.source_path, r.fingerprint, r.ingested_at, r.body::text
	      FROM raw_records r
	      JOIN batches b ON b.id = r.batch_id
	      WHERE b.status = $1`
	args := []any{string(staging.BatchCommitted)}
	if partition != "" {
		args = append(args, partition)
		q += fmt.Sprintf(` AND r.partition_key = $%d`, len(args))
	}
	q += ` ORDER BY r.ingested_at, r.id`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return &staging.ResourceError{Op: "read records", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var r staging.RawRecord
		var body string
		if err := rows.Scan(&r.ID, &r.Partition, &r.SourcePath, &r.Fingerprint, &r.IngestedAt, &body); err != nil {
			return err
		}
		r.Body = []byte(body)
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *store) CountRecords(ctx context.Context, partition string) (int, error) {
	q := `SELECT COUNT(*)
	      FROM raw_records r
	      JOIN batches b ON b.id = r.batch_id
	      WHERE b.status = $1`
	args := []any{string(staging.BatchCommitted)}
	if partition != "" {
		args = append(args, partition)
		q += fmt.Sprintf(` AND r.partition_key = $%d`, len(args))
	}
	var n int
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, &staging.ResourceError{Op: "count records", Err: err}
	}
	return n, nil
}

func (s *store) RecordFileHash(ctx context.Context, path, hash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_hashes (path, content_hash, recorded_at) VALUES ($1, $2, $3)`,
		path, hash, time.Now().UTC(),
	)
	if err != nil {
		return &staging.ResourceError{Op: "record file hash", Err: err}
	}
	return nil
}

func (s *store) SeenPath(ctx context.Context, path string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM file_hashes WHERE path = $1 LIMIT 1`, path)
}

func (s *store) SeenContent(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM file_hashes WHERE content_hash = $1 LIMIT 1`, hash)
}

func (s *store) exists(ctx context.Context, q string, arg any) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, q, arg).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &staging.ResourceError{Op: "dedup lookup", Err: err}
	}
	return true, nil
}

func (s *store) Query(ctx context.Context, statement string) ([]string, [][]any, error) {
	rows, err := s.pool.Query(ctx, statement)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	cols := make([]string, len(descs))
	for i, d := range descs {
		cols[i] = d.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}
