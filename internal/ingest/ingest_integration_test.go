//go:build integration

package ingest_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lappie/filesearcher/internal/chunk"
	"github.com/lappie/filesearcher/internal/docstore"
	"github.com/lappie/filesearcher/internal/ingest"
	"github.com/lappie/filesearcher/internal/log"
	"github.com/lappie/filesearcher/internal/testutil"
)

type fixture struct {
	pool  *pgxpool.Pool
	docs  *docstore.Store
	files *ingest.FileStore
	coord *ingest.Coordinator
	dir   string
}

func newFixture(t *testing.T, embedder ingest.Embedder) *fixture {
	t.Helper()
	connStr := testutil.StartPostgres(t)
	pool := testutil.NewPool(t, connStr)

	dir := t.TempDir()
	docs := docstore.New(pool, log.NewNop())
	files := ingest.NewFileStore(pool)
	coord := ingest.NewCoordinator(ingest.Config{
		LibraryDir: dir,
		ChunkCfg:   chunk.Config{MaxWindow: 50, Overlap: 10},
		Workers:    2,
	}, files, docs, embedder, log.NewNop())

	return &fixture{pool: pool, docs: docs, files: files, coord: coord, dir: dir}
}

func (f *fixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func manyWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(words, " ")
}

func TestIngestFileEndToEnd(t *testing.T) {
	embedder := testutil.NewFakeEmbedder(8)
	f := newFixture(t, embedder)
	ctx := context.Background()

	path := f.writeFile(t, "notes.txt", manyWords(120))
	res, err := f.coord.IngestFile(ctx, path, false)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("pipeline error: %v", res.Err)
	}
	if !res.Claimed {
		t.Fatal("first ingestion must claim the file")
	}
	if res.Chunks != 3 {
		t.Errorf("chunks = %d, want 3 (120 words, window 50, step 40)", res.Chunks)
	}

	rec, err := f.files.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ingest.StatusIngested {
		t.Errorf("status = %s, want ingested", rec.Status)
	}
	if rec.DocID != res.DocID {
		t.Errorf("ledger doc %s != result doc %s", rec.DocID, res.DocID)
	}

	// The document must be searchable once ingested.
	vec, _ := embedder.EmbedText(ctx, "word0")
	results, err := f.docs.Search(ctx, vec, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("ingested document not on the search surface")
	}
}

func TestIngestFileSkipsIngested(t *testing.T) {
	f := newFixture(t, testutil.NewFakeEmbedder(8))
	ctx := context.Background()
	path := f.writeFile(t, "doc.txt", manyWords(60))

	if res, _ := f.coord.IngestFile(ctx, path, false); res.Err != nil {
		t.Fatalf("first ingestion: %v", res.Err)
	}

	res, err := f.coord.IngestFile(ctx, path, false)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Claimed {
		t.Error("already ingested file must not be claimed without force")
	}

	res, err = f.coord.IngestFile(ctx, path, true)
	if err != nil {
		t.Fatalf("IngestFile force: %v", err)
	}
	if !res.Claimed || res.Err != nil {
		t.Errorf("force re-ingestion failed: claimed=%v err=%v", res.Claimed, res.Err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t, testutil.NewFakeEmbedder(8))
	ctx := context.Background()
	path := f.writeFile(t, "doc.txt", manyWords(30))

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := f.files.Track(ctx, path, "doc.txt", info.Size(), info.ModTime()); err != nil {
		t.Fatalf("Track: %v", err)
	}

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := f.files.Claim(ctx, path, false)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d claims won, want exactly 1", wins.Load())
	}
}

func TestConcurrentIngestSameFile(t *testing.T) {
	f := newFixture(t, testutil.NewFakeEmbedder(8))
	ctx := context.Background()
	path := f.writeFile(t, "doc.txt", manyWords(120))

	const workers = 4
	var claimed atomic.Int32
	results := make([]ingest.Result, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.IngestFile(ctx, path, false)
			if err != nil {
				t.Errorf("IngestFile: %v", err)
				return
			}
			results[i] = res
			if res.Claimed {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	if claimed.Load() != 1 {
		t.Fatalf("%d workers claimed the file, want exactly 1", claimed.Load())
	}
	var winner ingest.Result
	for _, res := range results {
		if res.Claimed {
			winner = res
		}
	}
	if winner.Err != nil {
		t.Fatalf("winning ingestion failed: %v", winner.Err)
	}

	rec, err := f.files.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ingest.StatusIngested {
		t.Errorf("status = %s, want ingested", rec.Status)
	}

	// Exactly one chunk set exists for the document.
	var chunks int
	if err := f.pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE doc_id = $1`, winner.DocID).Scan(&chunks); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if chunks != winner.Chunks {
		t.Errorf("%d chunk rows, want %d", chunks, winner.Chunks)
	}
	var embeddings int
	if err := f.pool.QueryRow(ctx, `
		SELECT count(*) FROM chunk_embeddings e
		JOIN chunks c ON c.chunk_id = e.chunk_id
		WHERE c.doc_id = $1`, winner.DocID).Scan(&embeddings); err != nil {
		t.Fatalf("count embeddings: %v", err)
	}
	if embeddings != winner.Chunks {
		t.Errorf("%d embedding rows, want %d", embeddings, winner.Chunks)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("model unreachable")
}

func TestIngestFileRecordsFailureStage(t *testing.T) {
	f := newFixture(t, failingEmbedder{})
	ctx := context.Background()
	path := f.writeFile(t, "doc.txt", manyWords(60))

	res, err := f.coord.IngestFile(ctx, path, false)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected pipeline error from failing embedder")
	}

	rec, err := f.files.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ingest.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Stage != ingest.StageEmbedding {
		t.Errorf("stage = %s, want embedding", rec.Stage)
	}
	if rec.FailureReason == "" {
		t.Error("failure reason not recorded")
	}

	// A failed ingestion must leave nothing on the search surface.
	var surface int
	if err := f.pool.QueryRow(ctx, `SELECT count(*) FROM search_chunks`).Scan(&surface); err != nil {
		t.Fatalf("count surface rows: %v", err)
	}
	if surface != 0 {
		t.Errorf("%d surface rows after failed ingestion, want 0", surface)
	}

	// A failed file is claimable again without force.
	claimed, err := f.files.Claim(ctx, path, false)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed {
		t.Error("failed file must be claimable for retry")
	}
}

func TestIngestFileOutsideLibrary(t *testing.T) {
	f := newFixture(t, testutil.NewFakeEmbedder(8))

	outside := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(outside, []byte("text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.coord.IngestFile(context.Background(), outside, false); err == nil {
		t.Error("expected rejection of a path outside the library")
	}
}

func TestIngestDirAndListFiles(t *testing.T) {
	f := newFixture(t, testutil.NewFakeEmbedder(8))
	ctx := context.Background()

	f.writeFile(t, "a.txt", manyWords(30))
	f.writeFile(t, "b.md", manyWords(30))
	f.writeFile(t, "ignored.png", "binary junk")

	results, err := f.coord.IngestDir(ctx, f.dir, false)
	if err != nil {
		t.Fatalf("IngestDir: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("processed %d files, want 2 (png excluded)", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Errorf("%s: %v", res.Path, res.Err)
		}
	}

	listings, err := f.coord.ListFiles(ctx)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("listed %d files, want 2", len(listings))
	}
	for _, l := range listings {
		if l.Status != ingest.StatusIngested {
			t.Errorf("%s status = %s, want ingested", l.FileName, l.Status)
		}
		if !l.OnDisk {
			t.Errorf("%s not marked on disk", l.FileName)
		}
	}
}

func TestDimensionMismatchFailsSecondFile(t *testing.T) {
	f := newFixture(t, testutil.NewFakeEmbedder(8))
	ctx := context.Background()

	path := f.writeFile(t, "first.txt", manyWords(30))
	if res, _ := f.coord.IngestFile(ctx, path, false); res.Err != nil {
		t.Fatalf("first ingestion: %v", res.Err)
	}

	// Same storage, different embedder dimension.
	other := ingest.NewCoordinator(ingest.Config{
		LibraryDir: f.dir,
		ChunkCfg:   chunk.Config{MaxWindow: 50, Overlap: 10},
		Workers:    1,
	}, f.files, f.docs, testutil.NewFakeEmbedder(4), log.NewNop())

	second := f.writeFile(t, "second.txt", manyWords(30))
	res, err := other.IngestFile(ctx, second, false)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected dimension mismatch error")
	}

	rec, err := f.files.Get(ctx, second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ingest.StatusFailed || rec.Stage != ingest.StageEmbedding {
		t.Errorf("status/stage = %s/%s, want failed/embedding", rec.Status, rec.Stage)
	}
}

func TestResetStale(t *testing.T) {
	f := newFixture(t, testutil.NewFakeEmbedder(8))
	ctx := context.Background()
	path := f.writeFile(t, "doc.txt", manyWords(30))

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := f.files.Track(ctx, path, "doc.txt", info.Size(), info.ModTime()); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if claimed, err := f.files.Claim(ctx, path, false); err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}

	// Backdate the claim to simulate a crashed worker.
	if _, err := f.pool.Exec(ctx,
		`UPDATE ingested_files SET updated_at = now() - interval '2 hours' WHERE file_path = $1`, path); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	reset, err := f.files.ResetStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if reset != 1 {
		t.Errorf("reset %d rows, want 1", reset)
	}

	rec, err := f.files.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ingest.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}
