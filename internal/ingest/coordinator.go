package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lappie/filesearcher/internal/chunk"
	"github.com/lappie/filesearcher/internal/docstore"
	"github.com/lappie/filesearcher/internal/extract"
	"github.com/lappie/filesearcher/internal/log"
)

var (
	// ErrDimensionMismatch indicates a document embedded with a
	// dimension different from the one recorded for the corpus.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrOutsideLibrary indicates a path outside the configured
	// library directory.
	ErrOutsideLibrary = errors.New("path outside library directory")

	// ErrEmptyDocument indicates extraction produced no usable text.
	ErrEmptyDocument = errors.New("document has no extractable text")
)

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentStore is the slice of document persistence the pipeline needs.
type DocumentStore interface {
	CreateOrGetDocument(ctx context.Context, sourcePath, fileName, mimeType string) (docstore.Document, error)
	UpsertText(ctx context.Context, docID uuid.UUID, rawText, normalizedText string) error
	ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []chunk.Chunk) ([]uuid.UUID, error)
	ReplaceEmbeddings(ctx context.Context, chunkIDs []uuid.UUID, vectors [][]float32) error
	EnsureDimension(ctx context.Context, dim int) (int, error)
	Publish(ctx context.Context, docID uuid.UUID) error
}

// Config holds pipeline tuning.
type Config struct {
	LibraryDir string
	ChunkCfg   chunk.Config
	Workers    int
}

// Result reports one file's ingestion outcome. Claimed is false when
// another worker held the file or it was already ingested.
type Result struct {
	Path    string
	Claimed bool
	DocID   uuid.UUID
	Chunks  int
	Err     error
}

// Coordinator runs the staged ingestion pipeline.
type Coordinator struct {
	cfg      Config
	files    *FileStore
	docs     DocumentStore
	embedder Embedder
	logger   log.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, files *FileStore, docs DocumentStore, embedder Embedder, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Coordinator{cfg: cfg, files: files, docs: docs, embedder: embedder, logger: logger}
}

// IngestFile runs the full pipeline for one file. With force set, an
// already ingested file is reprocessed from scratch. The returned
// Result carries any pipeline error; the error return is reserved for
// failures before the file could even be tracked.
func (c *Coordinator) IngestFile(ctx context.Context, path string, force bool) (Result, error) {
	abs, err := c.resolveLibraryPath(path)
	if err != nil {
		return Result{Path: path}, err
	}
	res := Result{Path: abs}

	info, err := os.Stat(abs)
	if err != nil {
		return res, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return res, fmt.Errorf("%s is a directory, not a file", abs)
	}
	mimeType, err := mimeForPath(abs)
	if err != nil {
		return res, err
	}

	name := filepath.Base(abs)
	if err := c.files.Track(ctx, abs, name, info.Size(), info.ModTime()); err != nil {
		return res, err
	}

	claimed, err := c.files.Claim(ctx, abs, force)
	if err != nil {
		return res, err
	}
	if !claimed {
		c.logger.Debug("file not claimable, skipping", "path", abs)
		return res, nil
	}
	res.Claimed = true

	docID, nchunks, err := c.runPipeline(ctx, abs, name, mimeType)
	if err != nil {
		stage := StageExtracting
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		if mfErr := c.files.MarkFailed(ctx, abs, stage, err.Error()); mfErr != nil {
			c.logger.Error("failed to record ingestion failure", "path", abs, "error", mfErr)
		}
		res.Err = err
		return res, nil
	}

	if err := c.files.MarkIngested(ctx, abs, docID); err != nil {
		res.Err = err
		return res, nil
	}
	res.DocID = docID
	res.Chunks = nchunks
	c.logger.Info("file ingested", "path", abs, "doc_id", docID, "chunks", nchunks)
	return res, nil
}

// stageError tags a pipeline error with the stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (c *Coordinator) atStage(ctx context.Context, path, stage string, fn func() error) error {
	if err := c.files.SetStage(ctx, path, stage); err != nil {
		return &stageError{stage: stage, err: err}
	}
	if err := fn(); err != nil {
		return &stageError{stage: stage, err: err}
	}
	return nil
}

// runPipeline executes the stages in order for one claimed file. Each
// stage is idempotent, so a failed run leaves nothing a retry cannot
// overwrite.
func (c *Coordinator) runPipeline(ctx context.Context, path, name, mimeType string) (uuid.UUID, int, error) {
	var (
		raw, normalized string
		chunks          []chunk.Chunk
		doc             docstore.Document
		chunkIDs        []uuid.UUID
	)

	err := c.atStage(ctx, path, StageExtracting, func() error {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		defer func() { _ = file.Close() }()

		raw, err = extract.ExtractReader(file, mimeType)
		if err != nil {
			return err
		}
		normalized = extract.Normalize(raw)
		if strings.TrimSpace(normalized) == "" {
			return ErrEmptyDocument
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, 0, err
	}

	err = c.atStage(ctx, path, StageChunking, func() error {
		var err error
		chunks, err = chunk.Split(normalized, c.cfg.ChunkCfg)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return ErrEmptyDocument
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, 0, err
	}

	err = c.atStage(ctx, path, StageStoring, func() error {
		var err error
		doc, err = c.docs.CreateOrGetDocument(ctx, filepath.Dir(path), name, mimeType)
		if err != nil {
			return err
		}
		if err := c.docs.UpsertText(ctx, doc.ID, raw, normalized); err != nil {
			return err
		}
		chunkIDs, err = c.docs.ReplaceChunks(ctx, doc.ID, chunks)
		return err
	})
	if err != nil {
		return uuid.Nil, 0, err
	}

	err = c.atStage(ctx, path, StageEmbedding, func() error {
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Content
		}
		vectors, err := c.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return err
		}

		dim := len(vectors[0])
		stored, err := c.docs.EnsureDimension(ctx, dim)
		if err != nil {
			return err
		}
		if stored != dim {
			return fmt.Errorf("%w: corpus uses %d, model returned %d", ErrDimensionMismatch, stored, dim)
		}
		return c.docs.ReplaceEmbeddings(ctx, chunkIDs, vectors)
	})
	if err != nil {
		return uuid.Nil, 0, err
	}

	err = c.atStage(ctx, path, StagePublishing, func() error {
		return c.docs.Publish(ctx, doc.ID)
	})
	if err != nil {
		return uuid.Nil, 0, err
	}
	return doc.ID, len(chunks), nil
}

// IngestDir ingests every eligible file under dir, bounded by the
// configured worker count. Per-file failures land in each Result; the
// error return covers the directory walk itself.
func (c *Coordinator) IngestDir(ctx context.Context, dir string, force bool) ([]Result, error) {
	paths, err := c.scanDir(dir)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, p := range paths {
		g.Go(func() error {
			res, err := c.IngestFile(gctx, p, force)
			if err != nil {
				res.Err = err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// FileListing merges what is on disk with what the ledger knows.
type FileListing struct {
	FileName   string
	FilePath   string
	OnDisk     bool
	SizeBytes  int64
	ModifiedAt time.Time
	Status     string
	Stage      string
	Reason     string
}

// ListFiles reports every file in the library directory together with
// its ingestion status, plus any ledger rows whose file has since
// disappeared from disk.
func (c *Coordinator) ListFiles(ctx context.Context) ([]FileListing, error) {
	paths, err := c.scanDir(c.cfg.LibraryDir)
	if err != nil {
		return nil, err
	}
	records, err := c.files.List(ctx)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]FileRecord, len(records))
	for _, rec := range records {
		byPath[rec.FilePath] = rec
	}

	var listings []FileListing
	for _, p := range paths {
		l := FileListing{FileName: filepath.Base(p), FilePath: p, OnDisk: true, Status: "untracked"}
		if info, err := os.Stat(p); err == nil {
			l.SizeBytes = info.Size()
			l.ModifiedAt = info.ModTime()
		}
		if rec, ok := byPath[p]; ok {
			l.Status = rec.Status
			l.Stage = rec.Stage
			l.Reason = rec.FailureReason
			delete(byPath, p)
		}
		listings = append(listings, l)
	}
	for _, rec := range byPath {
		listings = append(listings, FileListing{
			FileName:   rec.FileName,
			FilePath:   rec.FilePath,
			SizeBytes:  rec.SizeBytes,
			ModifiedAt: rec.ModifiedAt,
			Status:     rec.Status,
			Stage:      rec.Stage,
			Reason:     rec.FailureReason,
		})
	}

	sort.Slice(listings, func(i, j int) bool {
		if listings[i].FileName != listings[j].FileName {
			return listings[i].FileName < listings[j].FileName
		}
		return listings[i].FilePath < listings[j].FilePath
	})
	return listings, nil
}

// resolveLibraryPath makes path absolute and verifies it sits under the
// library directory. Relative paths resolve against the library dir.
func (c *Coordinator) resolveLibraryPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.cfg.LibraryDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	libAbs, err := filepath.Abs(c.cfg.LibraryDir)
	if err != nil {
		return "", fmt.Errorf("resolve library dir: %w", err)
	}
	rel, err := filepath.Rel(libAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideLibrary, path)
	}
	return abs, nil
}

// scanDir lists supported files under dir, sorted for determinism.
func (c *Coordinator) scanDir(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, err := mimeForPath(path); err != nil {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		paths = append(paths, abs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan library dir: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// mimeForPath maps a file extension to the extractor content type.
func mimeForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extract.MimePDF, nil
	case ".txt", ".md":
		return extract.MimeText, nil
	default:
		return "", fmt.Errorf("%w: %s", extract.ErrUnsupportedType, filepath.Ext(path))
	}
}
