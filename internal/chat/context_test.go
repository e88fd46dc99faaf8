package chat

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBuildContextFormat(t *testing.T) {
	chunks := []RetrievedChunk{
		{Rank: 1, Score: 0.9123, FileName: "notes.txt", ChunkIndex: 0, Content: "first chunk"},
		{Rank: 2, Score: 0.8, FileName: "paper.pdf", ChunkIndex: 4, Content: "second chunk"},
	}
	got := buildContext(chunks, 10000)

	if !strings.Contains(got, "[1] (score=0.9123, file=notes.txt, chunk=0)") {
		t.Errorf("missing first header:\n%s", got)
	}
	if !strings.Contains(got, "[2] (score=0.8000, file=paper.pdf, chunk=4)") {
		t.Errorf("missing second header:\n%s", got)
	}
	if !strings.Contains(got, "first chunk") || !strings.Contains(got, "second chunk") {
		t.Errorf("missing chunk content:\n%s", got)
	}
}

func TestBuildContextBudget(t *testing.T) {
	big := strings.Repeat("x", 300)
	chunks := []RetrievedChunk{
		{Rank: 1, Score: 0.9, FileName: "a.txt", Content: big},
		{Rank: 2, Score: 0.8, FileName: "b.txt", Content: big},
		{Rank: 3, Score: 0.7, FileName: "c.txt", Content: big},
	}

	got := buildContext(chunks, 700)
	if !strings.Contains(got, "[1]") || !strings.Contains(got, "[2]") {
		t.Errorf("expected first two blocks within budget:\n%s", got)
	}
	if strings.Contains(got, "[3]") {
		t.Errorf("third block should be dropped by budget:\n%s", got)
	}
}

func TestBuildContextAlwaysIncludesTopBlock(t *testing.T) {
	chunks := []RetrievedChunk{
		{Rank: 1, Score: 0.9, FileName: "a.txt", Content: strings.Repeat("y", 200)},
	}
	got := buildContext(chunks, 10)
	if !strings.Contains(got, "[1]") {
		t.Errorf("top block must survive a tiny budget:\n%s", got)
	}
}

func TestSnippetTruncation(t *testing.T) {
	long := strings.Repeat("z", snippetLimit+100)
	got := snippet(long)
	if len(got) != snippetLimit+3 {
		t.Errorf("len = %d, want %d", len(got), snippetLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis")
	}

	if got := snippet("short"); got != "short" {
		t.Errorf("short text altered: %q", got)
	}
}

func TestSnippetKeepsRunesIntact(t *testing.T) {
	// Three-byte runes put the limit mid-rune (700 % 3 != 0).
	long := strings.Repeat("世", 300)
	got := snippet(long)
	if !utf8.ValidString(got) {
		t.Fatal("snippet produced invalid UTF-8")
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("missing ellipsis")
	}
	if len(got) > snippetLimit+3 {
		t.Errorf("len = %d, want <= %d", len(got), snippetLimit+3)
	}
	for _, r := range strings.TrimSuffix(got, "...") {
		if r != '世' {
			t.Fatalf("unexpected rune %q", r)
		}
	}
}
