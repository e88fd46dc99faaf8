// Package chunk splits normalized text into overlapping word windows with
// stable offsets.
//
// The split is deterministic: the same text and configuration always
// produce the same chunk boundaries. Offsets are recorded both in words
// (window positions) and in characters into the normalized text, so a
// chunk can always be located in its source document.
package chunk

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrInvalidConfig indicates an unusable window/overlap pair.
var ErrInvalidConfig = errors.New("invalid chunk configuration")

// Config controls the sliding window. Units are words.
type Config struct {
	MaxWindow int // words per chunk
	Overlap   int // words shared with the previous chunk
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.MaxWindow < 1 {
		return fmt.Errorf("%w: max window %d must be positive", ErrInvalidConfig, c.MaxWindow)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidConfig, c.Overlap)
	}
	if c.Overlap >= c.MaxWindow {
		return fmt.Errorf("%w: overlap %d must be smaller than window %d", ErrInvalidConfig, c.Overlap, c.MaxWindow)
	}
	return nil
}

// Chunk is one window of the source text.
type Chunk struct {
	Index     int    // zero-based, gapless within a document
	Content   string // words joined by single spaces
	StartWord int    // offset of the first word, in words
	EndWord   int    // one past the last word
	StartChar int    // offset of the first word in the normalized text
	EndChar   int    // one past the last byte of the last word
}

// word is a token with its location in the source text.
type word struct {
	text  string
	start int
	end   int
}

// tokenize splits text on Unicode whitespace, recording byte offsets.
func tokenize(text string) []word {
	var words []word
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, word{text: text[start:i], start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{text: text[start:], start: start, end: len(text)})
	}
	return words
}

// Split produces the ordered chunk sequence for text.
//
// A window of MaxWindow words advances by MaxWindow-Overlap words. The
// final window is truncated to the remaining tail; a zero-length tail
// produces no chunk. Text shorter than one window yields exactly one
// chunk. Empty or all-whitespace text yields none.
func Split(text string, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	words := tokenize(text)
	if len(words) == 0 {
		return nil, nil
	}

	step := cfg.MaxWindow - cfg.Overlap
	chunks := make([]Chunk, 0, len(words)/step+1)
	for start := 0; start < len(words); start += step {
		end := min(start+cfg.MaxWindow, len(words))
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Content:   join(words[start:end]),
			StartWord: start,
			EndWord:   end,
			StartChar: words[start].start,
			EndChar:   words[end-1].end,
		})
		if end == len(words) {
			break
		}
	}
	return chunks, nil
}

// join rebuilds chunk content with single spaces. Chunk content is what
// gets embedded; intra-word text is preserved exactly.
func join(words []word) string {
	n := 0
	for _, w := range words {
		n += len(w.text) + 1
	}
	buf := make([]byte, 0, n)
	for i, w := range words {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, w.text...)
	}
	return string(buf)
}
