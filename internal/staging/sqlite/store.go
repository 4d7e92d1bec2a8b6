// Package sqlite is the default, embedded staging backend.
//
// Key design points vs the server backends:
//   - SQLite has no native timestamp type; all timestamps are stored as
//     RFC3339Nano TEXT for reliable round-trips and easy debugging.
//   - Writes come from a single process, so BEGIN IMMEDIATE semantics are
//     unnecessary; the standard driver defaults are fine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sketch/internal/staging"
)

func init() {
	staging.Register("sqlite", New)
}

type store struct {
	db *sql.DB
}

// New opens (creating if needed) the SQLite staging database at cfg.DSN.
func New(ctx context.Context, cfg staging.Config) (staging.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &store{db: db}, nil
}

func (s *store) Close() error { return s.db.Close() }

const ddl = `
CREATE TABLE IF NOT EXISTS raw_records (
    id            TEXT PRIMARY KEY,
    batch_id      TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    source_path   TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    ingested_at   TEXT NOT NULL,
    body          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_records_batch ON raw_records(batch_id);
CREATE INDEX IF NOT EXISTS idx_raw_records_partition ON raw_records(partition_key);

CREATE TABLE IF NOT EXISTS batches (
    id            TEXT PRIMARY KEY,
    partition_key TEXT NOT NULL,
    status        TEXT NOT NULL,
    file_count    INTEGER NOT NULL DEFAULT 0,
    record_count  INTEGER NOT NULL DEFAULT 0,
    started_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    completed_at  TEXT,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS file_hashes (
    path         TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    recorded_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_hashes_path ON file_hashes(path);
CREATE INDEX IF NOT EXISTS idx_file_hashes_hash ON file_hashes(content_hash);
`

func (s *store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create staging tables: %w", err)
	}
	return nil
}

func (s *store) CreateBatch(ctx context.Context, b staging.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, partition_key, status, file_count, record_count, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Partition, string(b.Status), b.FileCount, b.RecordCount,
		enc(b.StartedAt), enc(b.UpdatedAt),
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

	now := enc(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET status = ?, file_count = ?, record_count = ?, updated_at = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		string(to), fileCount, recordCount, now, now, nullable(errMsg), id, string(staging.BatchPending),
	)
	if err != nil {
		return &staging.ResourceError{Op: "update batch", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// Zero rows means the batch was already terminal (or missing); both
	// violate monotonicity from the caller's point of view.
	if n == 0 {
		return fmt.Errorf("batch %s: not pending, refusing transition to %s", id, to)
	}
	return nil
}

func (s *store) ListBatches(ctx context.Context, partition string) ([]staging.Batch, error) {
	q := `SELECT id, partition_key, status, file_count, record_count, started_at, updated_at,
	             COALESCE(completed_at, ''), COALESCE(error_message, '')
	      FROM batches`
	args := []any{}
	if partition != "" {
		q += ` WHERE partition_key = ?`
		args = append(args, partition)
	}
	q += ` ORDER BY started_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &staging.ResourceError{Op: "list batches", Err: err}
	}
	defer rows.Close()

	var out []staging.Batch
	for rows.Next() {
		var b staging.Batch
		var status, started, updated, completed string
		if err := rows.Scan(&b.ID, &b.Partition, &status, &b.FileCount, &b.RecordCount, &started, &updated, &completed, &b.Error); err != nil {
			return nil, err
		}
		b.Status, err = staging.ParseBatchStatus(status)
		if err != nil {
			return nil, err
		}
		b.StartedAt = dec(started)
		b.UpdatedAt = dec(updated)
		if completed != "" {
			b.CompletedAt = dec(completed)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *store) AppendRecords(ctx context.Context, batchID string, records []staging.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &staging.ResourceError{Op: "append records", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_records (id, batch_id, partition_key, source_path, fingerprint, ingested_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, batchID, r.Partition, r.SourcePath, r.Fingerprint, enc(r.IngestedAt), string(r.Body)); err != nil {
			return fmt.Errorf("append record %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return &staging.ResourceError{Op: "append records", Err: err}
	}
	return nil
}

func (s *store) ReadRecords(ctx context.Context, partition string, limit int, fn func(staging.RawRecord) error) error {
	q := `SELECT r.id, r.partition_key, r.source_path, r.fingerprint, r.ingested_at, r.body
	      FROM raw_records r
	      JOIN batches b ON b.id = r.batch_id
	      WHERE b.status = ?`
	args := []any{string(staging.BatchCommitted)}
	if partition != "" {
		q += ` AND r.partition_key = ?`
		args = append(args, partition)
	}
	q += ` ORDER BY r.ingested_at, r.id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return &staging.ResourceError{Op: "read records", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var r staging.RawRecord
		var ingested, body string
		if err := rows.Scan(&r.ID, &r.Partition, &r.SourcePath, &r.Fingerprint, &ingested, &body); err != nil {
			return err
		}
		r.IngestedAt = dec(ingested)
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
	      WHERE b.status = ?`
	args := []any{string(staging.BatchCommitted)}
	if partition != "" {
		q += ` AND r.partition_key = ?`
		args = append(args, partition)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, &staging.ResourceError{Op: "count records", Err: err}
	}
	return n, nil
}

func (s *store) RecordFileHash(ctx context.Context, path, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_hashes (path, content_hash, recorded_at) VALUES (?, ?, ?)`,
		path, hash, enc(time.Now().UTC()),
	)
	if err != nil {
		return &staging.ResourceError{Op: "record file hash", Err: err}
	}
	return nil
}

func (s *store) SeenPath(ctx context.Context, path string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM file_hashes WHERE path = ? LIMIT 1`, path)
}

func (s *store) SeenContent(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM file_hashes WHERE content_hash = ? LIMIT 1`, hash)
}

func (s *store) exists(ctx context.Context, q string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &staging.ResourceError{Op: "dedup lookup", Err: err}
	}
	return true, nil
}

func (s *store) Query(ctx context.Context, statement string) ([]string, [][]any, error) {
	rows, err := s.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

// enc/dec convert timestamps to the TEXT storage form.
func enc(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func dec(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
