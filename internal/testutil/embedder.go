package testutil

import (
	"context"
	"hash/fnv"
)

// FakeEmbedder produces deterministic fixed-dimension vectors derived
// from the text content, so equal texts embed identically and distinct
// texts almost never collide.
type FakeEmbedder struct {
	Dim int
}

// NewFakeEmbedder returns an embedder producing vectors of dim values.
func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{Dim: dim}
}

// EmbedText implements a single-text embed.
func (f *FakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	return f.vector(text), nil
}

// EmbedTexts implements a batch embed.
func (f *FakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = f.vector(t)
	}
	return vecs, nil
}

func (f *FakeEmbedder) vector(text string) []float32 {
	vec := make([]float32, f.Dim)
	h := fnv.New32a()
	for i := range vec {
		h.Reset()
		_, _ = h.Write([]byte(text))
		_, _ = h.Write([]byte{byte(i)})
		vec[i] = float32(h.Sum32()%1000) / 1000
	}
	return vec
}
