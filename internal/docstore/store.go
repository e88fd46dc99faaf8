// Package docstore persists documents, extracted text, chunks, embeddings
// and the published search surface in PostgreSQL with pgvector.
//
// Zones are separate tables: documents/document_text hold the raw stage,
// chunks and chunk_embeddings the intermediate stage, search_chunks the
// published surface. A document is searchable iff its surface rows exist,
// and Publish installs those rows atomically.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgvectorpgx "github.com/pgvector/pgvector-go/pgx"

	"github.com/lappie/filesearcher/internal/chunk"
	"github.com/lappie/filesearcher/internal/log"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrNotFullyEmbedded indicates Publish was asked to expose a
	// document that still has chunks without embeddings.
	ErrNotFullyEmbedded = errors.New("document not fully embedded")

	// ErrInvalidTopK indicates a non-positive result count.
	ErrInvalidTopK = errors.New("topK must be positive")
)

// dimensionKey is the corpus_meta row recording the embedding dimension
// fixed by the first ingested document.
const dimensionKey = "embedding_dimension"

// NewPool creates a pgx pool with pgvector types registered on every
// connection.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgvectorpgx.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Document identifies a stored document.
type Document struct {
	ID         uuid.UUID
	SourcePath string
	FileName   string
	MimeType   string
}

// SearchResult is one published chunk scored against a query vector.
type SearchResult struct {
	ChunkID    uuid.UUID
	DocID      uuid.UUID
	FileName   string
	ChunkIndex int
	Content    string
	Distance   float64
	Score      float64
}

// Store runs all document persistence against a shared pool.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// CreateOrGetDocument returns the document identified by (sourcePath,
// fileName), creating it on first sight. Re-ingestion of the same file
// reuses the same document identity.
func (s *Store) CreateOrGetDocument(ctx context.Context, sourcePath, fileName, mimeType string) (Document, error) {
	doc := Document{SourcePath: sourcePath, FileName: fileName, MimeType: mimeType}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO documents (source_path, file_name, mime_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_path, file_name) DO UPDATE SET mime_type = EXCLUDED.mime_type
		RETURNING doc_id`,
		sourcePath, fileName, mimeType,
	).Scan(&doc.ID)
	if err != nil {
		return Document{}, fmt.Errorf("create or get document: %w", err)
	}
	return doc, nil
}

// UpsertText stores raw and normalized text for a document, replacing any
// previous version.
func (s *Store) UpsertText(ctx context.Context, docID uuid.UUID, rawText, normalizedText string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_text (doc_id, raw_text, normalized_text)
		VALUES ($1, $2, $3)
		ON CONFLICT (doc_id) DO UPDATE SET
			raw_text = EXCLUDED.raw_text,
			normalized_text = EXCLUDED.normalized_text`,
		docID, rawText, normalizedText,
	)
	if err != nil {
		return fmt.Errorf("upsert document text: %w", err)
	}
	return nil
}

// ReplaceChunks transactionally replaces a document's chunk set with the
// given chunks and returns the new chunk IDs in chunk order. Replacing
// chunks cascades to their embeddings and published rows, so a document
// mid-re-ingestion is simply absent from the surface.
func (s *Store) ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []chunk.Chunk) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace chunks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE doc_id = $1`, docID); err != nil {
		return nil, fmt.Errorf("delete old chunks: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(chunks))
	for _, c := range chunks {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO chunks (doc_id, chunk_index, content, start_char, end_char)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING chunk_id`,
			docID, c.Index, c.Content, c.StartChar, c.EndChar,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace chunks: %w", err)
	}
	return ids, nil
}

// ReplaceEmbeddings stores one embedding per chunk ID, replacing any
// existing vectors. len(vectors) must equal len(chunkIDs).
func (s *Store) ReplaceEmbeddings(ctx context.Context, chunkIDs []uuid.UUID, vectors [][]float32) error {
	if len(chunkIDs) != len(vectors) {
		return fmt.Errorf("embedding count %d does not match chunk count %d", len(vectors), len(chunkIDs))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace embeddings: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, id := range chunkIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO chunk_embeddings (chunk_id, embedding)
			VALUES ($1, $2)
			ON CONFLICT (chunk_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			id, pgvector.NewVector(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("insert embedding for chunk %s: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace embeddings: %w", err)
	}
	return nil
}

// EnsureDimension records the corpus embedding dimension on first call
// and returns the recorded value thereafter. The insert-then-select pair
// makes concurrent first ingestions converge on one winner.
func (s *Store) EnsureDimension(ctx context.Context, dim int) (int, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO corpus_meta (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`,
		dimensionKey, fmt.Sprintf("%d", dim),
	)
	if err != nil {
		return 0, fmt.Errorf("record embedding dimension: %w", err)
	}

	var stored int
	err = s.pool.QueryRow(ctx,
		`SELECT value::int FROM corpus_meta WHERE key = $1`, dimensionKey,
	).Scan(&stored)
	if err != nil {
		return 0, fmt.Errorf("read embedding dimension: %w", err)
	}
	return stored, nil
}

// Dimension returns the recorded corpus dimension, or (0, nil) when no
// document has been ingested yet.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	var stored int
	err := s.pool.QueryRow(ctx,
		`SELECT value::int FROM corpus_meta WHERE key = $1`, dimensionKey,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read embedding dimension: %w", err)
	}
	return stored, nil
}

// Publish atomically exposes a document on the search surface. It
// verifies inside the transaction that every chunk has an embedding,
// removes any stale surface rows, and installs the current chunk set.
// Readers see either the full previous version or the full new one.
func (s *Store) Publish(ctx context.Context, docID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total, embedded int
	err = tx.QueryRow(ctx, `
		SELECT count(*), count(e.chunk_id)
		FROM chunks c
		LEFT JOIN chunk_embeddings e ON e.chunk_id = c.chunk_id
		WHERE c.doc_id = $1`,
		docID,
	).Scan(&total, &embedded)
	if err != nil {
		return fmt.Errorf("count embedded chunks: %w", err)
	}
	if total == 0 {
		return fmt.Errorf("%w: document %s has no chunks", ErrNotFound, docID)
	}
	if embedded != total {
		return fmt.Errorf("%w: %d of %d chunks embedded", ErrNotFullyEmbedded, embedded, total)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM search_chunks WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("remove stale surface rows: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO search_chunks (chunk_id, doc_id, file_name, chunk_index, content)
		SELECT c.chunk_id, c.doc_id, d.file_name, c.chunk_index, c.content
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE c.doc_id = $1`,
		docID,
	)
	if err != nil {
		return fmt.Errorf("install surface rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	s.logger.Debug("document published", "doc_id", docID, "chunks", total)
	return nil
}

// Unpublish removes a document from the search surface without touching
// its stored chunks or embeddings.
func (s *Store) Unpublish(ctx context.Context, docID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM search_chunks WHERE doc_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("unpublish document: %w", err)
	}
	return nil
}

// Search returns the topK published chunks nearest to the query vector
// by L2 distance. Score is 1 - distance, so higher is better; equal
// distances order by ascending chunk index for determinism.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, ErrInvalidTopK
	}

	rows, err := s.pool.Query(ctx, `
		SELECT sc.chunk_id, sc.doc_id, sc.file_name, sc.chunk_index, sc.content,
		       e.embedding <-> $1 AS distance
		FROM search_chunks sc
		JOIN chunk_embeddings e ON e.chunk_id = sc.chunk_id
		ORDER BY distance ASC, sc.chunk_index ASC
		LIMIT $2`,
		pgvector.NewVector(vector), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocID, &r.FileName, &r.ChunkIndex, &r.Content, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.Score = 1 - r.Distance
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return results, nil
}
