package rag

import (
	"context"
	"fmt"

	"github.com/teilomillet/docuwise/rag/providers"
)

// EmbedderConfig collects the provider name and its options before the
// provider factory is called.
type EmbedderConfig struct {
	Provider string
	Options  map[string]interface{}
}

// EmbedderOption configures an EmbedderConfig.
type EmbedderOption func(*EmbedderConfig)

// SetProvider selects a registered provider ("openai", "azure").
func SetProvider(provider string) EmbedderOption {
	return func(c *EmbedderConfig) {
		c.Provider = provider
	}
}

// SetModel sets the embedding model.
func SetModel(model string) EmbedderOption {
	return func(c *EmbedderConfig) {
		c.Options["model"] = model
	}
}

// SetAPIKey sets the provider API key.
func SetAPIKey(apiKey string) EmbedderOption {
	return func(c *EmbedderConfig) {
		c.Options["api_key"] = apiKey
	}
}

// SetOption sets any provider specific option.
func SetOption(key string, value interface{}) EmbedderOption {
	return func(c *EmbedderConfig) {
		c.Options[key] = value
	}
}

// NewEmbedder builds an embedder through the provider registry.
func NewEmbedder(opts ...EmbedderOption) (providers.Embedder, error) {
	config := &EmbedderConfig{
		Options: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(config)
	}
	if config.Provider == "" {
		return nil, fmt.Errorf("provider must be specified")
	}
	factory, err := providers.GetEmbedderFactory(config.Provider)
	if err != nil {
		return nil, err
	}
	return factory(config.Options)
}

// EmbeddingService embeds chunks in batches. A batch is closed when it is
// full or when the next text would push it over the token budget.
type EmbeddingService struct {
	embedder       providers.Embedder
	batchSize      int
	maxBatchTokens int
	counter        TokenCounter
	logger         Logger
}

// EmbeddingServiceOption configures an EmbeddingService.
type EmbeddingServiceOption func(*EmbeddingService)

// WithBatchSize caps the number of texts per request.
func WithBatchSize(n int) EmbeddingServiceOption {
	return func(s *EmbeddingService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBatchTokenBudget caps the summed token count per request. The
// counter defaults to DefaultTokenCounter.
func WithBatchTokenBudget(maxTokens int, counter TokenCounter) EmbeddingServiceOption {
	return func(s *EmbeddingService) {
		s.maxBatchTokens = maxTokens
		if counter != nil {
			s.counter = counter
		}
	}
}

// WithEmbeddingLogger sets the service logger.
func WithEmbeddingLogger(logger Logger) EmbeddingServiceOption {
	return func(s *EmbeddingService) {
		s.logger = logger
	}
}

// NewEmbeddingService wraps embedder. The default batch holds 16 texts and
// has no token budget.
func NewEmbeddingService(embedder providers.Embedder, opts ...EmbeddingServiceOption) *EmbeddingService {
	s := &EmbeddingService{
		embedder:  embedder,
		batchSize: 16,
		counter:   &DefaultTokenCounter{},
		logger:    GlobalLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Embedder returns the wrapped provider.
func (s *EmbeddingService) Embedder() providers.Embedder {
	return s.embedder
}

// EmbedQuery embeds a single query string.
func (s *EmbeddingService) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	return v, nil
}

// EmbedChunks returns exactly one vector per chunk, in chunk order.
func (s *EmbeddingService) EmbedChunks(ctx context.Context, chunks []Chunk) ([][]float64, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return s.EmbedTexts(ctx, texts)
}

// EmbedTexts is EmbedChunks for plain strings.
func (s *EmbeddingService) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	batches := s.batches(texts)
	s.logger.Debug("Embedding texts", "texts", len(texts), "batches", len(batches))

	for i, b := range batches {
		out, err := s.embedder.EmbedBatch(ctx, texts[b.start:b.end])
		if err != nil {
			return nil, fmt.Errorf("embedding failed: batch %d/%d: %w", i+1, len(batches), err)
		}
		if len(out) != b.end-b.start {
			return nil, fmt.Errorf("embedding failed: batch %d/%d returned %d vectors for %d texts", i+1, len(batches), len(out), b.end-b.start)
		}
		vectors = append(vectors, out...)
	}
	return vectors, nil
}

type span struct{ start, end int }

func (s *EmbeddingService) batches(texts []string) []span {
	var out []span
	start, tokens := 0, 0
	for i, t := range texts {
		n := 0
		if s.maxBatchTokens > 0 {
			n = s.counter.Count(t)
		}
		full := i-start >= s.batchSize
		overBudget := s.maxBatchTokens > 0 && i > start && tokens+n > s.maxBatchTokens
		if full || overBudget {
			out = append(out, span{start, i})
			start, tokens = i, 0
		}
		tokens += n
	}
	if start < len(texts) {
		out = append(out, span{start, len(texts)})
	}
	return out
}
