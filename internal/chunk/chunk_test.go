package chunk

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func wordsText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestSplitWindows(t *testing.T) {
	chunks, err := Split(wordsText(250), Config{MaxWindow: 100, Overlap: 20})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	wantStarts := []int{0, 80, 160}
	wantEnds := []int{100, 180, 250}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d: index %d", i, c.Index)
		}
		if c.StartWord != wantStarts[i] || c.EndWord != wantEnds[i] {
			t.Errorf("chunk %d: words [%d,%d), want [%d,%d)", i, c.StartWord, c.EndWord, wantStarts[i], wantEnds[i])
		}
		if got := len(strings.Fields(c.Content)); got != wantEnds[i]-wantStarts[i] {
			t.Errorf("chunk %d: %d words in content, want %d", i, got, wantEnds[i]-wantStarts[i])
		}
	}
}

func TestSplitShortText(t *testing.T) {
	chunks, err := Split("just a few words here", Config{MaxWindow: 100, Overlap: 20})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Content != "just a few words here" {
		t.Errorf("content = %q", chunks[0].Content)
	}
	if chunks[0].StartWord != 0 || chunks[0].EndWord != 5 {
		t.Errorf("words [%d,%d), want [0,5)", chunks[0].StartWord, chunks[0].EndWord)
	}
}

func TestSplitEmpty(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t\n"} {
		chunks, err := Split(text, Config{MaxWindow: 10, Overlap: 2})
		if err != nil {
			t.Fatalf("Split(%q): %v", text, err)
		}
		if len(chunks) != 0 {
			t.Errorf("Split(%q) = %d chunks, want 0", text, len(chunks))
		}
	}
}

func TestSplitInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero window", Config{MaxWindow: 0, Overlap: 0}},
		{"negative overlap", Config{MaxWindow: 10, Overlap: -1}},
		{"overlap equals window", Config{MaxWindow: 10, Overlap: 10}},
		{"overlap exceeds window", Config{MaxWindow: 10, Overlap: 15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Split("some text", tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSplitCharOffsets(t *testing.T) {
	text := "alpha  beta\n\ngamma\tdelta epsilon"
	chunks, err := Split(text, Config{MaxWindow: 2, Overlap: 0})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for _, c := range chunks {
		span := text[c.StartChar:c.EndChar]
		if !strings.HasPrefix(c.Content, strings.Fields(span)[0]) {
			t.Errorf("chunk %d: span %q does not start with content %q", c.Index, span, c.Content)
		}
		if got := strings.Join(strings.Fields(span), " "); got != c.Content {
			t.Errorf("chunk %d: span words %q != content %q", c.Index, got, c.Content)
		}
	}
}

// Non-overlapped chunk halves must reconstruct the word sequence.
func TestSplitCoversAllWords(t *testing.T) {
	text := wordsText(137)
	cfg := Config{MaxWindow: 30, Overlap: 7}
	chunks, err := Split(text, cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	var rebuilt []string
	for i, c := range chunks {
		words := strings.Fields(c.Content)
		if i > 0 {
			skip := chunks[i-1].EndWord - c.StartWord
			if skip < 0 {
				t.Fatalf("gap between chunk %d and %d", i-1, i)
			}
			if skip > len(words) {
				skip = len(words)
			}
			words = words[skip:]
		}
		rebuilt = append(rebuilt, words...)
	}
	if got := strings.Join(rebuilt, " "); got != text {
		t.Errorf("reconstruction differs: got %d words, want 137", len(rebuilt))
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := wordsText(500)
	cfg := Config{MaxWindow: 50, Overlap: 10}
	a, err := Split(text, cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	b, err := Split(text, cfg)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}
