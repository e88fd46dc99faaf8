// Package chat answers questions over the published document corpus.
//
// One Ask turn is: persist the user question, retrieve candidate chunks
// by vector similarity, optionally rerank them, assemble a bounded
// context, call the chat model with the session history, and persist the
// assistant reply. The user message is written before anything can fail,
// so a failed turn still shows the question in the history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lappie/filesearcher/internal/docstore"
	"github.com/lappie/filesearcher/internal/log"
	"github.com/lappie/filesearcher/internal/rerank"
	"github.com/lappie/filesearcher/internal/session"
)

// systemPrompt pins answers to retrieved material.
const systemPrompt = "You are a helpful assistant answering questions about the user's documents. " +
	"Use ONLY the information in the CONTEXT below to answer. " +
	"If the context does not contain the answer, say you don't know. " +
	"Cite the file names you used.\n\nCONTEXT:\n"

// noContextAnswer is returned without calling the model when retrieval
// finds nothing.
const noContextAnswer = "I couldn't find any relevant information in the ingested documents to answer that. " +
	"Try ingesting more files or rephrasing the question."

// ErrEmptyQuestion indicates a blank question.
var ErrEmptyQuestion = errors.New("question is empty")

// QueryEmbedder embeds a single query text.
type QueryEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Searcher retrieves published chunks by vector similarity.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]docstore.SearchResult, error)
}

// SessionStore is the slice of session persistence a turn needs.
type SessionStore interface {
	Create(ctx context.Context, title string) (session.Session, error)
	Ensure(ctx context.Context, id uuid.UUID, title string) (session.Session, error)
	AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (session.Message, error)
	Messages(ctx context.Context, sessionID uuid.UUID) ([]session.Message, error)
}

// Model produces chat completions.
type Model interface {
	Chat(ctx context.Context, messages []ModelMessage) (string, error)
}

// Config tunes a turn.
type Config struct {
	TopK               int
	UseRerank          bool
	RerankCandidates   int
	ContextBudget      int
	MaxHistoryMessages int
}

// Answer is the outcome of one turn.
type Answer struct {
	SessionID uuid.UUID
	Answer    string
	Chunks    []RetrievedChunk
}

// Orchestrator runs question answering turns.
type Orchestrator struct {
	cfg      Config
	embedder QueryEmbedder
	searcher Searcher
	ranker   rerank.Ranker
	model    Model
	sessions SessionStore
	logger   log.Logger
}

// NewOrchestrator creates an Orchestrator. ranker may be nil when
// reranking is disabled.
func NewOrchestrator(cfg Config, embedder QueryEmbedder, searcher Searcher, ranker rerank.Ranker,
	model Model, sessions SessionStore, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNop()
	}
	if ranker == nil {
		ranker = rerank.Identity{}
	}
	return &Orchestrator{
		cfg:      cfg,
		embedder: embedder,
		searcher: searcher,
		ranker:   ranker,
		model:    model,
		sessions: sessions,
		logger:   logger,
	}
}

// Ask answers question within the given session. A zero sessionID
// starts a new session titled after the question.
func (o *Orchestrator) Ask(ctx context.Context, question string, sessionID uuid.UUID) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	sess, err := o.ensureSession(ctx, question, sessionID)
	if err != nil {
		return Answer{}, err
	}
	ans := Answer{SessionID: sess.ID}

	if _, err := o.sessions.AppendMessage(ctx, sess.ID, session.RoleUser, question); err != nil {
		return ans, err
	}

	chunks, err := o.retrieve(ctx, question)
	if err != nil {
		return ans, err
	}

	if len(chunks) == 0 {
		if _, err := o.sessions.AppendMessage(ctx, sess.ID, session.RoleAssistant, noContextAnswer); err != nil {
			return ans, err
		}
		ans.Answer = noContextAnswer
		return ans, nil
	}

	messages, err := o.buildMessages(ctx, sess.ID, question, chunks)
	if err != nil {
		return ans, err
	}

	reply, err := o.model.Chat(ctx, messages)
	if err != nil {
		// The user message stays; no assistant message is written
		// for a failed turn.
		return ans, err
	}

	if _, err := o.sessions.AppendMessage(ctx, sess.ID, session.RoleAssistant, reply); err != nil {
		return ans, err
	}
	ans.Answer = reply
	ans.Chunks = chunks
	return ans, nil
}

func (o *Orchestrator) ensureSession(ctx context.Context, question string, sessionID uuid.UUID) (session.Session, error) {
	if sessionID == uuid.Nil {
		return o.sessions.Create(ctx, sessionTitle(question))
	}
	return o.sessions.Ensure(ctx, sessionID, sessionTitle(question))
}

// retrieve embeds the question, searches the published surface, and
// reranks when enabled. Reranker failure degrades to the similarity
// order instead of failing the turn.
func (o *Orchestrator) retrieve(ctx context.Context, question string) ([]RetrievedChunk, error) {
	vec, err := o.embedder.EmbedText(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	fetch := o.cfg.TopK
	if o.cfg.UseRerank && o.cfg.RerankCandidates > fetch {
		fetch = o.cfg.RerankCandidates
	}
	results, err := o.searcher.Search(ctx, vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	candidates := make([]rerank.Candidate, len(results))
	for i, r := range results {
		candidates[i] = rerank.Candidate{
			ID:         i,
			BaseScore:  r.Score,
			FileName:   r.FileName,
			ChunkIndex: r.ChunkIndex,
			Content:    r.Content,
		}
	}

	ranked := candidates
	useRerankScore := false
	if o.cfg.UseRerank {
		reranked, err := o.ranker.Rank(ctx, question, candidates)
		if err != nil {
			o.logger.Warn("reranker failed, keeping similarity order", "error", err)
		} else {
			ranked = reranked
			useRerankScore = true
		}
	}

	if len(ranked) > o.cfg.TopK {
		ranked = ranked[:o.cfg.TopK]
	}

	chunks := make([]RetrievedChunk, len(ranked))
	for i, c := range ranked {
		score := c.BaseScore
		if useRerankScore {
			score = c.RerankScore
		}
		chunks[i] = RetrievedChunk{
			Rank:       i + 1,
			Score:      score,
			FileName:   c.FileName,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
		}
	}
	return chunks, nil
}

// buildMessages assembles the model conversation: grounding system
// prompt, a bounded window of prior history, then the question. The
// just-persisted user message is excluded from the history window.
func (o *Orchestrator) buildMessages(ctx context.Context, sessionID uuid.UUID, question string, chunks []RetrievedChunk) ([]ModelMessage, error) {
	history, err := o.sessions.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if n := len(history); n > 0 && history[n-1].Role == session.RoleUser && history[n-1].Content == question {
		history = history[:n-1]
	}
	if o.cfg.MaxHistoryMessages > 0 && len(history) > o.cfg.MaxHistoryMessages {
		history = history[len(history)-o.cfg.MaxHistoryMessages:]
	}

	messages := make([]ModelMessage, 0, len(history)+2)
	messages = append(messages, ModelMessage{
		Role:    RoleSystem,
		Content: systemPrompt + buildContext(chunks, o.cfg.ContextBudget),
	})
	for _, m := range history {
		messages = append(messages, ModelMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ModelMessage{Role: RoleUser, Content: question})
	return messages, nil
}

// sessionTitle derives a short title from the first question.
func sessionTitle(question string) string {
	const maxTitle = 80
	if len(question) <= maxTitle {
		return question
	}
	return question[:maxTitle]
}
