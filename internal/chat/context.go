package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// snippetLimit caps how much of a chunk goes into the prompt context.
const snippetLimit = 700

// RetrievedChunk is one chunk selected for answering, in final rank
// order. Score is the ordering score actually used (rerank score when
// reranking ran, similarity otherwise).
type RetrievedChunk struct {
	Rank       int
	Score      float64
	FileName   string
	ChunkIndex int
	Content    string
}

// buildContext renders retrieved chunks into the CONTEXT section of the
// prompt. Blocks are included whole, highest rank first, until the
// character budget is spent; the top block is always included so the
// model never answers from an empty context when retrieval found
// something.
func buildContext(chunks []RetrievedChunk, budget int) string {
	var b strings.Builder
	for i, c := range chunks {
		block := fmt.Sprintf("[%d] (score=%.4f, file=%s, chunk=%d)\n%s\n\n",
			c.Rank, c.Score, c.FileName, c.ChunkIndex, snippet(c.Content))
		if i > 0 && b.Len()+len(block) > budget {
			break
		}
		b.WriteString(block)
	}
	return strings.TrimRight(b.String(), "\n")
}

// snippet truncates to the limit without splitting a rune.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= snippetLimit {
		return s
	}
	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
