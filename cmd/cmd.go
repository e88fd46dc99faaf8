// Package cmd implements the filesearcher command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/lappie/filesearcher/internal/app"
	"github.com/lappie/filesearcher/internal/config"
	"github.com/lappie/filesearcher/internal/log"
)

const version = "0.1.0"

const usage = `filesearcher - ask questions about your local documents

Usage:
  filesearcher ingest <path> [--force]     Ingest one file
  filesearcher ingest-dir [dir] [--force]  Ingest every supported file in a directory
  filesearcher files                       List library files and their status
  filesearcher ask <question> [session]    Ask a question, optionally in a session
  filesearcher sessions                    List recent chat sessions
  filesearcher history <session>           Show a session's messages
  filesearcher version                     Print the version
  filesearcher help                        Show this help

Environment:
  DATABASE_URL       PostgreSQL connection URL (overrides postgres_* settings)
  FILESEARCHER_*     Override any config key, e.g. FILESEARCHER_TOP_K=10
  DEBUG              Enable debug logging
`

// Execute parses arguments and runs the selected command.
func Execute() error {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Print(usage)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command, args := args[0], args[1:]
	switch command {
	case "ingest":
		return runIngest(ctx, args)
	case "ingest-dir":
		return runIngestDir(ctx, args)
	case "files":
		return runFiles(ctx)
	case "ask":
		return runAsk(ctx, args)
	case "sessions":
		return runSessions(ctx)
	case "history":
		return runHistory(ctx, args)
	case "version":
		fmt.Println("filesearcher", version)
		return nil
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newApp loads configuration and wires the application. The library
// directory defaults to the working directory when unset.
func newApp(ctx context.Context) (*app.App, error) {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.LibraryDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.LibraryDir = wd
	}

	return app.New(ctx, cfg, logger)
}

func newLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	logger := log.New(cfg)
	slog.SetDefault(logger)
	return logger
}

// splitForce removes a --force/-f flag from args.
func splitForce(args []string) ([]string, bool) {
	var rest []string
	force := false
	for _, a := range args {
		if a == "--force" || a == "-f" {
			force = true
			continue
		}
		rest = append(rest, a)
	}
	return rest, force
}

func runIngest(ctx context.Context, args []string) error {
	args, force := splitForce(args)
	if len(args) != 1 {
		return fmt.Errorf("usage: filesearcher ingest <path> [--force]")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Coordinator.IngestFile(ctx, args[0], force)
	if err != nil {
		return err
	}
	printResult(res.Path, res.Claimed, res.Chunks, res.Err)
	if res.Err != nil {
		return fmt.Errorf("ingestion failed")
	}
	return nil
}

func runIngestDir(ctx context.Context, args []string) error {
	args, force := splitForce(args)
	if len(args) > 1 {
		return fmt.Errorf("usage: filesearcher ingest-dir [dir] [--force]")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.Config.LibraryDir
	if len(args) == 1 {
		dir = args[0]
	}

	results, err := a.Coordinator.IngestDir(ctx, dir, force)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		printResult(res.Path, res.Claimed, res.Chunks, res.Err)
		if res.Err != nil {
			failed++
		}
	}
	fmt.Printf("\n%d files processed, %d failed\n", len(results), failed)
	if failed > 0 {
		return fmt.Errorf("%d files failed", failed)
	}
	return nil
}

func printResult(path string, claimed bool, chunks int, err error) {
	switch {
	case err != nil:
		fmt.Printf("  FAILED   %s: %v\n", path, err)
	case !claimed:
		fmt.Printf("  SKIPPED  %s (already ingested or in progress)\n", path)
	default:
		fmt.Printf("  INGESTED %s (%d chunks)\n", path, chunks)
	}
}

func runFiles(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	listings, err := a.Coordinator.ListFiles(ctx)
	if err != nil {
		return err
	}

	if dim, err := a.Docs.Dimension(ctx); err != nil {
		a.Logger.Warn("failed to read corpus dimension", "error", err)
	} else if dim > 0 {
		fmt.Printf("Embedding dimension: %d\n\n", dim)
	}

	if len(listings) == 0 {
		fmt.Println("No files in the library.")
		return nil
	}

	for _, l := range listings {
		status := l.Status
		if !l.OnDisk {
			status += " (missing from disk)"
		}
		line := fmt.Sprintf("%-12s %8d  %s", status, l.SizeBytes, l.FileName)
		if l.Status == "failed" && l.Reason != "" {
			line += fmt.Sprintf("  [%s: %s]", l.Stage, l.Reason)
		}
		fmt.Println(line)
	}
	return nil
}

func runAsk(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: filesearcher ask <question> [session-id]")
	}

	sessionID := uuid.Nil
	if len(args) == 2 {
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid session id %q: %w", args[1], err)
		}
		sessionID = id
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ans, err := a.Orchestrator.Ask(ctx, args[0], sessionID)
	if err != nil {
		return err
	}

	fmt.Println(ans.Answer)
	if len(ans.Chunks) > 0 {
		fmt.Println("\nSources:")
		for _, c := range ans.Chunks {
			fmt.Printf("  [%d] %s (chunk %d, score %.4f)\n", c.Rank, c.FileName, c.ChunkIndex, c.Score)
		}
	}
	fmt.Printf("\nSession: %s\n", ans.SessionID)
	return nil
}

func runSessions(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Sessions.List(ctx, 20)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions yet.")
		return nil
	}

	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", s.ID, s.StartedAt.Format("2006-01-02 15:04"), title)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: filesearcher history <session-id>")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", args[0], err)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Sessions.Get(ctx, id); err != nil {
		return err
	}
	msgs, err := a.Sessions.Messages(ctx, id)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		fmt.Printf("[%s] %s:\n%s\n\n", m.CreatedAt.Format("15:04:05"), strings.ToUpper(m.Role), m.Content)
	}
	return nil
}
