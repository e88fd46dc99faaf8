// Package app wires configuration, storage and services into one
// runnable application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/lappie/filesearcher/db"
	"github.com/lappie/filesearcher/internal/chat"
	"github.com/lappie/filesearcher/internal/chunk"
	"github.com/lappie/filesearcher/internal/config"
	"github.com/lappie/filesearcher/internal/docstore"
	"github.com/lappie/filesearcher/internal/embed"
	"github.com/lappie/filesearcher/internal/ingest"
	"github.com/lappie/filesearcher/internal/log"
	"github.com/lappie/filesearcher/internal/rerank"
	"github.com/lappie/filesearcher/internal/session"
)

// staleClaimAge is how long an in_progress ledger row may sit before a
// new process assumes its owner crashed.
const staleClaimAge = 30 * time.Minute

// embedRateLimit bounds embedding calls against the local model server.
const embedRateLimit = rate.Limit(20)

// App holds all wired components.
type App struct {
	Config       *config.Config
	Logger       log.Logger
	Pool         *pgxpool.Pool
	Docs         *docstore.Store
	Files        *ingest.FileStore
	Sessions     *session.Store
	Coordinator  *ingest.Coordinator
	Orchestrator *chat.Orchestrator
}

// New migrates the database and wires every component. The caller owns
// the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := docstore.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}

	docs := docstore.New(pool, logger)
	files := ingest.NewFileStore(pool)
	sessions := session.New(pool)

	if reset, err := files.ResetStale(ctx, staleClaimAge); err != nil {
		logger.Warn("failed to reset stale claims", "error", err)
	} else if reset > 0 {
		logger.Info("reset stale ingestion claims", "count", reset)
	}

	embedder := embed.New(
		cfg.OllamaHost,
		cfg.EmbedModel,
		time.Duration(cfg.EmbedTimeoutSeconds)*time.Second,
		logger,
		embed.WithMaxBatch(cfg.EmbedBatchSize),
		embed.WithLimiter(rate.NewLimiter(embedRateLimit, 1)),
	)

	coordinator := ingest.NewCoordinator(ingest.Config{
		LibraryDir: cfg.LibraryDir,
		ChunkCfg: chunk.Config{
			MaxWindow: cfg.ChunkWindow,
			Overlap:   cfg.ChunkOverlap,
		},
		Workers: cfg.IngestWorkers,
	}, files, docs, embedder, logger)

	chatClient := chat.NewClient(
		cfg.OllamaHost,
		cfg.ChatModel,
		time.Duration(cfg.ChatTimeoutSeconds)*time.Second,
		logger,
	)

	var ranker rerank.Ranker = rerank.Identity{}
	if cfg.UseRerank {
		ranker = rerank.NewLLM(chatClient, logger)
	}

	orchestrator := chat.NewOrchestrator(chat.Config{
		TopK:               cfg.TopK,
		UseRerank:          cfg.UseRerank,
		RerankCandidates:   cfg.RerankCandidates,
		ContextBudget:      cfg.ContextBudget,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
	}, embedder, docs, ranker, chatClient, sessions, logger)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Pool:         pool,
		Docs:         docs,
		Files:        files,
		Sessions:     sessions,
		Coordinator:  coordinator,
		Orchestrator: orchestrator,
	}, nil
}

// Close releases the database pool.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}
