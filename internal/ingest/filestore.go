// Package ingest drives the staged ingestion pipeline and its ledger.
//
// Every file moves through a fixed stage order: extracting, chunking,
// storing, embedding, publishing. The ledger row in ingested_files is
// the unit of mutual exclusion: a worker must win an atomic claim before
// running the pipeline, so concurrent ingestions of the same file never
// interleave.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger statuses.
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusIngested   = "ingested"
	StatusFailed     = "failed"
)

// Pipeline stages, in execution order.
const (
	StageExtracting = "extracting"
	StageChunking   = "chunking"
	StageStoring    = "storing"
	StageEmbedding  = "embedding"
	StagePublishing = "publishing"
)

// ErrFileNotTracked indicates the ledger has no row for the file.
var ErrFileNotTracked = errors.New("file not tracked")

// FileRecord is one ledger row.
type FileRecord struct {
	FilePath      string
	FileName      string
	SizeBytes     int64
	ModifiedAt    time.Time
	Status        string
	Stage         string
	FailureReason string
	DocID         uuid.UUID
	FirstSeenAt   time.Time
	UpdatedAt     time.Time
}

// FileStore persists the ingestion ledger.
type FileStore struct {
	pool *pgxpool.Pool
}

// NewFileStore creates a FileStore.
func NewFileStore(pool *pgxpool.Pool) *FileStore {
	return &FileStore{pool: pool}
}

// Track registers a file in the ledger if absent. Existing rows keep
// their status; only the observed size and mtime refresh.
func (fs *FileStore) Track(ctx context.Context, path, name string, size int64, modifiedAt time.Time) error {
	_, err := fs.pool.Exec(ctx, `
		INSERT INTO ingested_files (file_path, file_name, size_bytes, modified_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_path) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			modified_at = EXCLUDED.modified_at,
			updated_at = now()`,
		path, name, size, modifiedAt, StatusNew,
	)
	if err != nil {
		return fmt.Errorf("track file: %w", err)
	}
	return nil
}

// Claim attempts to take exclusive ownership of a file for ingestion.
// The conditional update succeeds for at most one caller: rows already
// in_progress or ingested are not claimable unless force is set, which
// additionally reclaims ingested rows for re-ingestion. A false return
// with nil error means another worker holds the file or it is already
// done.
func (fs *FileStore) Claim(ctx context.Context, path string, force bool) (bool, error) {
	claimable := []string{StatusNew, StatusFailed}
	if force {
		claimable = append(claimable, StatusIngested)
	}

	tag, err := fs.pool.Exec(ctx, `
		UPDATE ingested_files
		SET status = $2, stage = '', failure_reason = '', updated_at = now()
		WHERE file_path = $1 AND status = ANY($3)`,
		path, StatusInProgress, claimable,
	)
	if err != nil {
		return false, fmt.Errorf("claim file: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetStage records the stage a claimed file is currently in.
func (fs *FileStore) SetStage(ctx context.Context, path, stage string) error {
	tag, err := fs.pool.Exec(ctx, `
		UPDATE ingested_files
		SET stage = $2, updated_at = now()
		WHERE file_path = $1 AND status = $3`,
		path, stage, StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrFileNotTracked, path)
	}
	return nil
}

// MarkIngested finishes a claimed file successfully and links it to its
// document.
func (fs *FileStore) MarkIngested(ctx context.Context, path string, docID uuid.UUID) error {
	tag, err := fs.pool.Exec(ctx, `
		UPDATE ingested_files
		SET status = $2, stage = '', failure_reason = '', doc_id = $3, updated_at = now()
		WHERE file_path = $1 AND status = $4`,
		path, StatusIngested, docID, StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrFileNotTracked, path)
	}
	return nil
}

// MarkFailed records a failure with the stage it happened in. The row
// becomes claimable again, so a later attempt retries from the start.
func (fs *FileStore) MarkFailed(ctx context.Context, path, stage, reason string) error {
	_, err := fs.pool.Exec(ctx, `
		UPDATE ingested_files
		SET status = $2, stage = $3, failure_reason = $4, updated_at = now()
		WHERE file_path = $1`,
		path, StatusFailed, stage, reason,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Get returns one ledger row.
func (fs *FileStore) Get(ctx context.Context, path string) (FileRecord, error) {
	var rec FileRecord
	var docID *uuid.UUID
	err := fs.pool.QueryRow(ctx, `
		SELECT file_path, file_name, size_bytes, modified_at,
		       status, stage, failure_reason, doc_id, first_seen_at, updated_at
		FROM ingested_files
		WHERE file_path = $1`,
		path,
	).Scan(&rec.FilePath, &rec.FileName, &rec.SizeBytes, &rec.ModifiedAt,
		&rec.Status, &rec.Stage, &rec.FailureReason, &docID, &rec.FirstSeenAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrFileNotTracked, path)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file record: %w", err)
	}
	if docID != nil {
		rec.DocID = *docID
	}
	return rec, nil
}

// List returns all ledger rows ordered by file name.
func (fs *FileStore) List(ctx context.Context) ([]FileRecord, error) {
	rows, err := fs.pool.Query(ctx, `
		SELECT file_path, file_name, size_bytes, modified_at,
		       status, stage, failure_reason, doc_id, first_seen_at, updated_at
		FROM ingested_files
		ORDER BY file_name ASC, file_path ASC`)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var recs []FileRecord
	for rows.Next() {
		var rec FileRecord
		var docID *uuid.UUID
		err := rows.Scan(&rec.FilePath, &rec.FileName, &rec.SizeBytes, &rec.ModifiedAt,
			&rec.Status, &rec.Stage, &rec.FailureReason, &docID, &rec.FirstSeenAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		if docID != nil {
			rec.DocID = *docID
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file records: %w", err)
	}
	return recs, nil
}

// ResetStale moves in_progress rows older than maxAge back to failed so
// files orphaned by a crashed process become claimable again. Returns
// the number of rows reset.
func (fs *FileStore) ResetStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := fs.pool.Exec(ctx, `
		UPDATE ingested_files
		SET status = $1, failure_reason = 'reset after stale claim', updated_at = now()
		WHERE status = $2 AND updated_at < now() - $3::interval`,
		StatusFailed, StatusInProgress, fmt.Sprintf("%d seconds", int(maxAge.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}
