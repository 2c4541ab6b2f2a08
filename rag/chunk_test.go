package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWindowChunkerValidation(t *testing.T) {
	tests := []struct {
		name          string
		size, overlap int
		wantErr       bool
	}{
		{"default geometry", 500, 50, false},
		{"no overlap", 10, 0, false},
		{"zero size", 0, 0, true},
		{"negative overlap", 10, -1, true},
		{"overlap equals size", 50, 50, true},
		{"overlap above size", 50, 60, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWindowChunker(tt.size, tt.overlap)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChunkConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestChunkWindows(t *testing.T) {
	c, err := NewWindowChunker(10, 3)
	require.NoError(t, err)

	text := "abcdefghijklmnopqrstuvwxy" // 25 runes
	chunks := c.Chunk(text)
	require.Len(t, chunks, 4)

	assert.Equal(t, "abcdefghij", chunks[0].Text)
	assert.Equal(t, "hijklmnopq", chunks[1].Text)
	assert.Equal(t, "opqrstuvwx", chunks[2].Text)
	assert.Equal(t, "vwxy", chunks[3].Text)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, 1, ch.Page)
		assert.Equal(t, i*7, ch.Start)
	}
	assert.Equal(t, 25, chunks[3].End)
}

func TestChunkCoversTail(t *testing.T) {
	c, err := NewWindowChunker(10, 3)
	require.NoError(t, err)

	chunks := c.Chunk("abcdefghijklmnopqrstuvwxyz") // 26 runes
	last := chunks[len(chunks)-1]
	assert.Equal(t, 26, last.End)
	assert.True(t, strings.HasSuffix(last.Text, "z"))
}

func TestChunkShortText(t *testing.T) {
	c, err := NewWindowChunker(500, 50)
	require.NoError(t, err)
	chunks := c.Chunk("short")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 5, chunks[0].End)
}

func TestChunkCountsRunes(t *testing.T) {
	c, err := NewWindowChunker(4, 1)
	require.NoError(t, err)
	chunks := c.Chunk("héllo wörld")
	require.NotEmpty(t, chunks)
	assert.Equal(t, "héll", chunks[0].Text)
	assert.Equal(t, "lo w", chunks[1].Text)
}

func TestChunkPagesSkipsBlankPagesAndKeepsNumbering(t *testing.T) {
	c, err := NewWindowChunker(8, 2)
	require.NoError(t, err)

	chunks := c.ChunkPages([]Page{
		{Number: 1, Text: "first page"},
		{Number: 2, Text: "  \n\t "},
		{Number: 3, Text: "third"},
	})
	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, 1, chunks[1].Page)
	assert.Equal(t, 3, chunks[2].Page)
	assert.Equal(t, 2, chunks[2].Index)
	assert.Equal(t, "third", chunks[2].Text)
	assert.Equal(t, 0, chunks[2].Start)
}

func TestChunkEmptyInput(t *testing.T) {
	c, err := NewWindowChunker(8, 2)
	require.NoError(t, err)
	assert.Empty(t, c.Chunk(""))
	assert.Empty(t, c.ChunkPages(nil))
}

func TestChunkTokenSize(t *testing.T) {
	c, err := NewWindowChunker(100, 10)
	require.NoError(t, err)
	chunks := c.Chunk("one two three four")
	require.Len(t, chunks, 1)
	assert.Equal(t, 4, chunks[0].TokenSize)
}

func TestChunkWithoutOverlapRebuildsPage(t *testing.T) {
	texts := []string{
		"Retrieval augmented generation grounds answers in documents.",
		"exactly twenty runes",
		"多字节文本不会在码点中间被切开。",
		"x",
	}
	for _, size := range []int{1, 7, 20, 64} {
		c, err := NewWindowChunker(size, 0)
		require.NoError(t, err)
		for _, text := range texts {
			var sb strings.Builder
			prevEnd := 0
			for _, ch := range c.Chunk(text) {
				assert.Equal(t, prevEnd, ch.Start, "size %d: %q", size, text)
				prevEnd = ch.End
				sb.WriteString(ch.Text)
			}
			assert.Equal(t, text, sb.String(), "size %d", size)
		}
	}
}

func TestChunkOverlapIsShared(t *testing.T) {
	c, err := NewWindowChunker(12, 4)
	require.NoError(t, err)
	text := []rune("Überblick über Chunking mit Überlappung, Seite für Seite.")

	chunks := c.Chunk(string(text))
	require.Greater(t, len(chunks), 2)
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Text)
		cur := []rune(chunks[i].Text)
		assert.LessOrEqual(t, len(cur), 12)
		assert.Equal(t, chunks[i-1].Start+c.Stride(), chunks[i].Start)
		if len(cur) >= 4 {
			assert.Equal(t, string(prev[len(prev)-4:]), string(cur[:4]), "chunk %d", i)
		}
	}
}

func TestTikTokenCounter(t *testing.T) {
	_, err := NewTikTokenCounter("no_such_encoding")
	assert.Error(t, err)

	counter, err := NewTikTokenCounter("cl100k_base")
	if err != nil {
		// the encoding file is downloaded on first use
		t.Skipf("cl100k_base unavailable: %v", err)
	}
	assert.Equal(t, 0, counter.Count(""))
	assert.Equal(t, 2, counter.Count("hello world"))

	c, err := NewWindowChunker(100, 10, WithTokenCounter(counter))
	require.NoError(t, err)
	chunks := c.Chunk("hello world")
	require.Len(t, chunks, 1)
	assert.Equal(t, 2, chunks[0].TokenSize)
}
