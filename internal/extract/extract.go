// Package extract turns raw file bytes into normalized plain text.
//
// Supported inputs are plain text (UTF-8) and PDF. Extraction is a pure
// function of its input: it never touches storage, so the ingestion
// coordinator decides what a failure means for the file's lifecycle.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrUnsupportedType indicates the declared mime type has no extractor.
	ErrUnsupportedType = errors.New("unsupported mime type")

	// ErrCorruptInput indicates the input could not be parsed as its
	// declared type.
	ErrCorruptInput = errors.New("corrupt input")

	// ErrEmptyText indicates extraction produced no usable text.
	ErrEmptyText = errors.New("no text extracted")
)

// Mime types accepted by Extract. Anything with a "text/" prefix is
// treated as plain text.
const (
	MimeText = "text/plain"
	MimePDF  = "application/pdf"
)

// Extract dispatches on mimeType and returns normalized plain text.
func Extract(data []byte, mimeType string) (string, error) {
	switch {
	case strings.HasPrefix(mimeType, "text/"), mimeType == "":
		return extractText(data)
	case mimeType == MimePDF:
		return extractPDF(data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
}

// extractText decodes UTF-8 text, dropping invalid sequences rather than
// failing the whole file.
func extractText(data []byte) (string, error) {
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	text = Normalize(text)
	if text == "" {
		return "", ErrEmptyText
	}
	return text, nil
}

// extractPDF concatenates page texts with page separators.
func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	var sb strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page does not fail the document.
			continue
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\n--- Page %d ---\n%s", i, pageText)
	}

	text := Normalize(strings.TrimSpace(sb.String()))
	if text == "" {
		return "", fmt.Errorf("%w: pdf contains no extractable text", ErrEmptyText)
	}
	return text, nil
}

// Normalize canonicalizes line endings and strips trailing spaces from
// each line. Chunk offsets are computed against this normalized form, so
// it must stay deterministic.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var sb strings.Builder
	sb.Grow(len(text))
	for line := range strings.Lines(text) {
		hasNL := strings.HasSuffix(line, "\n")
		line = strings.TrimRight(line, " \t\n")
		sb.WriteString(line)
		if hasNL {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// readAll is a small helper kept for callers that extract from a stream.
func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

// ExtractReader reads all of r and extracts it as mimeType.
func ExtractReader(r io.Reader, mimeType string) (string, error) {
	data, err := readAll(r)
	if err != nil {
		return "", err
	}
	return Extract(data, mimeType)
}
