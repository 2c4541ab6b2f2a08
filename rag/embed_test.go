package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/docuwise/rag/providers"
)

// lengthEmbedder returns [len(text)] and records every batch it receives.
type lengthEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	short   bool
	err     error
}

func (e *lengthEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float64{float64(len(text))}, nil
}

func (e *lengthEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	e.mu.Lock()
	e.batches = append(e.batches, append([]string(nil), texts...))
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{float64(len(t))}
	}
	if e.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

var _ providers.Embedder = (*lengthEmbedder)(nil)

func TestEmbedTextsBatchesAndKeepsOrder(t *testing.T) {
	emb := &lengthEmbedder{}
	svc := NewEmbeddingService(emb, WithBatchSize(2))

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := svc.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	for i, v := range vectors {
		assert.Equal(t, float64(len(texts[i])), v[0])
	}
	assert.Len(t, emb.batches, 3)
	assert.Equal(t, []string{"eeeee"}, emb.batches[2])
}

func TestEmbedTextsTokenBudget(t *testing.T) {
	emb := &lengthEmbedder{}
	svc := NewEmbeddingService(emb, WithBatchSize(10), WithBatchTokenBudget(4, nil))

	texts := []string{
		"one two three",
		"four",
		"five six",
		strings.Repeat("w ", 9), // larger than the budget on its own
		"end",
	}
	_, err := svc.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, emb.batches, 4)
	assert.Equal(t, []string{"one two three", "four"}, emb.batches[0])
	assert.Equal(t, []string{"five six"}, emb.batches[1])
	assert.Len(t, emb.batches[2], 1)
	assert.Equal(t, []string{"end"}, emb.batches[3])
}

func TestEmbedChunks(t *testing.T) {
	emb := &lengthEmbedder{}
	svc := NewEmbeddingService(emb)
	vectors, err := svc.EmbedChunks(context.Background(), []Chunk{{Text: "abc"}, {Text: "de"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{3}, {2}}, vectors)
	assert.Same(t, emb, svc.Embedder())
}

func TestEmbedTextsErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewEmbeddingService(&lengthEmbedder{err: boom}).EmbedTexts(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, boom)

	_, err = NewEmbeddingService(&lengthEmbedder{short: true}).EmbedTexts(context.Background(), []string{"a", "b"})
	assert.Error(t, err)

	_, err = NewEmbeddingService(&lengthEmbedder{err: boom}).EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, boom)
}

func TestEmbedTextsEmpty(t *testing.T) {
	emb := &lengthEmbedder{}
	vectors, err := NewEmbeddingService(emb).EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, emb.batches)
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	_, err := NewEmbedder(SetProvider("nope"))
	assert.Error(t, err)
	_, err = NewEmbedder()
	assert.Error(t, err)
}
