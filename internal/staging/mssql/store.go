// Package mssql is the staging backend for SQL Server deployments.
//
// Behavior matches the sqlite backend. Uses database/sql with the
// "sqlserver" driver and @p1-style placeholders.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"sketch/internal/staging"
)

func init() {
	staging.Register("mssql", New)
}

type store struct {
	db *sql.DB
}

// New connects to SQL Server using cfg.DSN.
func New(ctx context.Context, cfg staging.Config) (staging.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
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

// Conditional creation: SQL Server has no CREATE TABLE IF NOT EXISTS.
var ddl = []string{
	`IF OBJECT_ID('raw_records', 'U') IS NULL
	CREATE TABLE raw_records (
	    id            NVARCHAR(64) PRIMARY KEY,
	    batch_id      NVARCHAR(64) NOT NULL,
	    partition_key NVARCHAR(256) NOT NULL,
	    source_path   NVARCHAR(1024) NOT NULL,
	    fingerprint   NVARCHAR(64) NOT NULL,
	    ingested_at   DATETIMEOFFSET NOT NULL,
	    body          NVARCHAR(MAX) NOT NULL
	)`,
	`IF OBJECT_ID('batches', 'U') IS NULL
	CREATE TABLE batches (
	    id            NVARCHAR(64) PRIMARY KEY,
	    partition_key NVARCHAR(256) NOT NULL,
	    status        NVARCHAR(16) NOT NULL,
	    file_count    INT NOT NULL DEFAULT 0,
	    record_count  INT NOT NULL DEFAULT 0,
	    started_at    DATETIMEOFFSET NOT NULL,
	    updated_at    DATETIMEOFFSET NOT NULL,
	    completed_at  DATETIMEOFFSET NULL,
	    error_message NVARCHAR(MAX) NULL
	)`,
	`IF OBJECT_ID('file_hashes', 'U') IS NULL
	CREATE TABLE file_hashes (
	    path         NVARCHAR(1024) NOT NULL,
	    content_hash NVARCHAR(64) NOT NULL,
	    recorded_at  DATETIMEOFFSET NOT NULL
	)`,
}

func (s *store) Init(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create staging tables: %w", err)
		}
	}
	return nil
}

func (s *store) CreateBatch(ctx context.Context, b staging.Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, partition_key, status, file_count, record_count, started_at, updated_at)
		VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)`,
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET status = @p1, file_count = @p2, record_count = @p3, updated_at = @p4, completed_at = @p4, error_message = NULLIF(@p5, '')
		WHERE id = @p6 AND status = @p7`,
		string(to), fileCount, recordCount, now, errMsg, id, string(staging.BatchPending),
	)
	if err != nil {
		return &staging.ResourceError{Op: "update batch", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("batch %s: not pending, refusing transition to %s", id, to)
	}
	return nil
}

func (s *store) ListBatches(ctx context.Context, partition string) ([]staging.Batch, error) {
	q := `SELECT id, partition_key, status, file_count, record_count, started_at, updated_at,
	             completed_at, COALESCE(error_message, '')
	      FROM batches`
	args := []any{}
	if partition != "" {
		q += ` WHERE partition_key = @p1`
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
		var status string
		var completed sql.NullTime
		if err := rows.Scan(&b.ID, &b.Partition, &status, &b.FileCount, &b.RecordCount, &b.StartedAt, &b.UpdatedAt, &completed, &b.Error); err != nil {
			return nil, err
		}
		b.Status, err = staging.ParseBatchStatus(status)
		if err != nil {
			return nil, err
		}
		if completed.Valid {
			b.CompletedAt = completed.Time
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
		VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, batchID, r.Partition, r.SourcePath, r.Fingerprint, r.IngestedAt, string(r.Body)); err != nil {
			return fmt.Errorf("append record %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return &staging.ResourceError{Op: "append records", Err: err}
	}
	return nil
}

func (s *store) ReadRecords(ctx context.Context, partition string, limit int, fn func(staging.RawRecord) error) error {
	q := `SELECT `
	if limit > 0 {
		q += fmt.Sprintf("TOP %d ", limit)
	}
	q += `r.id, r.partition_key, r.source_path, r.fingerprint, r.ingested_at, r.body
	      FROM raw_records r
	      JOIN batches b ON b.id = r.batch_id
	      WHERE b.status = @p1`
	args := []any{string(staging.BatchCommitted)}
	if partition != "" {
		q += ` AND r.partition_key = @p2`
		args = append(args, partition)
	}
	q += ` ORDER BY r.ingested_at, r.id`

	rows, err := s.db.QueryContext(ctx, q, args...)
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
	      WHERE b.status = @p1`
	args := []any{string(staging.BatchCommitted)}
	if partition != "" {
		q += ` AND r.partition_key = @p2`
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
		`INSERT INTO file_hashes (path, content_hash, recorded_at) VALUES (@p1, @p2, @p3)`,
		path, hash, time.Now().UTC(),
	)
	if err != nil {
		return &staging.ResourceError{Op: "record file hash", Err: err}
	}
	return nil
}

func (s *store) SeenPath(ctx context.Context, path string) (bool, error) {
	return s.exists(ctx, `SELECT TOP 1 1 FROM file_hashes WHERE path = @p1`, path)
}

func (s *store) SeenContent(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, `SELECT TOP 1 1 FROM file_hashes WHERE content_hash = @p1`, hash)
}

func (s *store) exists(ctx context.Context, q string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
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
