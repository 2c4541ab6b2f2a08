package rag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// ErrInvalidChunkConfig is returned when a chunker is configured with a
// window that cannot advance.
var ErrInvalidChunkConfig = errors.New("invalid chunk configuration")

// Page is the extracted text of one document page. Number starts at 1.
type Page struct {
	Number int
	Text   string
}

// Chunk is one window of page text.
type Chunk struct {
	// Text is the window content.
	Text string
	// Page is the 1-based page the window was cut from.
	Page int
	// Index is the 0-based position of the chunk in the whole document.
	Index int
	// Start and End are rune offsets of the window within its page.
	Start int
	End   int
	// TokenSize is the token count reported by the chunker's TokenCounter.
	TokenSize int
}

// TokenCounter counts tokens in a string.
type TokenCounter interface {
	Count(text string) int
}

// WindowChunker cuts page text into fixed-width overlapping windows.
// Widths are measured in runes; consecutive windows of a page share Overlap
// runes and each window starts ChunkSize-Overlap runes after the previous one.
type WindowChunker struct {
	ChunkSize    int
	Overlap      int
	TokenCounter TokenCounter
}

// WindowChunkerOption configures a WindowChunker.
type WindowChunkerOption func(*WindowChunker)

// WithTokenCounter replaces the default whitespace token counter.
func WithTokenCounter(counter TokenCounter) WindowChunkerOption {
	return func(c *WindowChunker) {
		c.TokenCounter = counter
	}
}

// NewWindowChunker validates the window geometry. size must be positive,
// overlap non-negative and strictly smaller than size.
func NewWindowChunker(size, overlap int, opts ...WindowChunkerOption) (*WindowChunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidChunkConfig, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidChunkConfig, overlap)
	}
	if size <= overlap {
		return nil, fmt.Errorf("%w: chunk size %d must be greater than overlap %d", ErrInvalidChunkConfig, size, overlap)
	}
	c := &WindowChunker{
		ChunkSize:    size,
		Overlap:      overlap,
		TokenCounter: &DefaultTokenCounter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Stride is the distance between the starts of two consecutive windows.
func (c *WindowChunker) Stride() int {
	return c.ChunkSize - c.Overlap
}

// Chunk splits a single text as if it were page 1.
func (c *WindowChunker) Chunk(text string) []Chunk {
	return c.ChunkPages([]Page{{Number: 1, Text: text}})
}

// ChunkPages windows every page independently; a window never spans two
// pages. Blank pages produce no chunks. Chunk.Index keeps counting across
// pages.
func (c *WindowChunker) ChunkPages(pages []Page) []Chunk {
	var chunks []Chunk
	stride := c.Stride()
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		runes := []rune(page.Text)
		for start := 0; start < len(runes); start += stride {
			end := start + c.ChunkSize
			if end > len(runes) {
				end = len(runes)
			}
			text := string(runes[start:end])
			chunks = append(chunks, Chunk{
				Text:      text,
				Page:      page.Number,
				Index:     len(chunks),
				Start:     start,
				End:       end,
				TokenSize: c.count(text),
			})
			if end == len(runes) {
				break
			}
		}
	}
	GlobalLogger.Debug("Chunked pages", "pages", len(pages), "chunks", len(chunks), "size", c.ChunkSize, "overlap", c.Overlap)
	return chunks
}

func (c *WindowChunker) count(text string) int {
	if c.TokenCounter == nil {
		return 0
	}
	return c.TokenCounter.Count(text)
}

// DefaultTokenCounter approximates tokens as whitespace separated words.
type DefaultTokenCounter struct{}

func (dtc *DefaultTokenCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// TikTokenCounter counts tokens with an OpenAI tiktoken encoding such as
// "cl100k_base".
type TikTokenCounter struct {
	tke *tiktoken.Tiktoken
}

// NewTikTokenCounter loads the named encoding.
func NewTikTokenCounter(encoding string) (*TikTokenCounter, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding: %w", err)
	}
	return &TikTokenCounter{tke: tke}, nil
}

func (ttc *TikTokenCounter) Count(text string) int {
	return len(ttc.tke.Encode(text, nil, nil))
}
