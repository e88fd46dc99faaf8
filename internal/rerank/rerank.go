// Package rerank reorders retrieved chunks before context assembly.
//
// The LLM ranker asks the chat model to return a JSON array of candidate
// IDs in relevance order. Model output is untrusted: the parser salvages
// what it can, repairs duplicates and unknown IDs, and appends whatever
// the model left out in base order. When nothing salvageable comes back,
// callers fall back to the base ordering.
package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lappie/filesearcher/internal/log"
)

// ErrUnavailable indicates the ranking service produced no usable
// ordering. The base order remains valid.
var ErrUnavailable = errors.New("reranker unavailable")

// Candidate is one chunk under consideration. ID must be the
// candidate's index within the slice passed to Rank.
type Candidate struct {
	ID          int
	BaseScore   float64
	RerankScore float64
	FileName    string
	ChunkIndex  int
	Content     string
}

// Ranker reorders candidates by relevance to a question.
type Ranker interface {
	Rank(ctx context.Context, question string, candidates []Candidate) ([]Candidate, error)
}

// Identity returns candidates unchanged. Used when reranking is
// disabled.
type Identity struct{}

// Rank implements Ranker.
func (Identity) Rank(_ context.Context, _ string, candidates []Candidate) ([]Candidate, error) {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].RerankScore = ordinalScore(i, len(out))
	}
	return out, nil
}

// Completer produces one model completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLM ranks candidates by asking a chat model for an ID ordering.
type LLM struct {
	completer Completer
	logger    log.Logger
}

// NewLLM creates an LLM ranker.
func NewLLM(completer Completer, logger log.Logger) *LLM {
	if logger == nil {
		logger = log.NewNop()
	}
	return &LLM{completer: completer, logger: logger}
}

// Rank implements Ranker. The returned slice always contains every
// input candidate exactly once; only the order and rerank scores vary.
func (r *LLM) Rank(ctx context.Context, question string, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) <= 1 {
		return Identity{}.Rank(ctx, question, candidates)
	}

	reply, err := r.completer.Complete(ctx, buildPrompt(question, candidates))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	order, ok := parseOrder(reply, len(candidates))
	if !ok {
		return nil, fmt.Errorf("%w: unparseable ranking %q", ErrUnavailable, truncate(reply, 120))
	}

	out := make([]Candidate, 0, len(candidates))
	for _, id := range order {
		c := candidates[id]
		c.RerankScore = ordinalScore(len(out), len(candidates))
		out = append(out, c)
	}
	return out, nil
}

// ordinalScore maps a position to (0, 1], highest first.
func ordinalScore(pos, total int) float64 {
	return 1 - float64(pos)/float64(total)
}

func buildPrompt(question string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("You are ranking text passages by relevance to a question.\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nPassages:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", c.ID, truncate(c.Content, 500))
	}
	fmt.Fprintf(&b, "\nReturn ONLY a JSON array of the %d passage ids ordered from most to least relevant, e.g. [2,0,1]. No other text.\n", len(candidates))
	return b.String()
}

// parseOrder extracts an ID permutation from model output. It tolerates
// surrounding prose by scanning for the first JSON array, drops
// duplicates and out-of-range IDs, and appends missing IDs in base
// order. It fails only when no array parses at all.
func parseOrder(reply string, n int) ([]int, bool) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, false
	}

	var ids []int
	if err := json.Unmarshal([]byte(reply[start:end+1]), &ids); err != nil {
		return nil, false
	}

	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	for _, id := range ids {
		if id < 0 || id >= n || seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	for id := 0; id < n; id++ {
		if !seen[id] {
			order = append(order, id)
		}
	}
	return order, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
