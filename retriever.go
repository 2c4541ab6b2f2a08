package docuwise

import (
	"context"
	"errors"
	"fmt"

	"github.com/teilomillet/docuwise/rag"
)

// Retriever finds the stored chunks most similar to a query. With a keyword
// index attached and hybrid mode on, vector hits and keyword hits are fused
// with reciprocal rank fusion.
type Retriever struct {
	config     RetrieverConfig
	embeddings *rag.EmbeddingService
	db         rag.VectorDB
	keywords   *rag.KeywordIndex
	reranker   *rag.RRFReranker
	logger     Logger
}

// RetrieverConfig holds settings for the retrieval process.
type RetrieverConfig struct {
	Collection string
	TopK       int
	// MinScore drops vector hits scoring below it. It applies before fusion.
	MinScore  float64
	UseHybrid bool
	// DenseWeight and SparseWeight weigh the two lists in the fusion.
	DenseWeight  float64
	SparseWeight float64
}

// RetrieverResult is one retrieved chunk.
type RetrieverResult struct {
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Page     int     `json:"page"`
	ChunkID  int     `json:"chunk_id"`
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieveCollection sets the collection to search.
func WithRetrieveCollection(name string) RetrieverOption {
	return func(r *Retriever) {
		r.config.Collection = name
	}
}

// WithTopK sets the maximum number of results to return.
// The actual number of results may be less if MinScore filtering is applied.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		r.config.TopK = k
	}
}

// WithMinScore sets the minimum similarity score threshold.
func WithMinScore(score float64) RetrieverOption {
	return func(r *Retriever) {
		r.config.MinScore = score
	}
}

// WithHybrid enables fusion with keyword hits from k. A nil index leaves
// retrieval vector-only.
func WithHybrid(k *rag.KeywordIndex) RetrieverOption {
	return func(r *Retriever) {
		r.keywords = k
		r.config.UseHybrid = k != nil
	}
}

// WithFusionWeights sets the dense and sparse weights used by the fusion.
func WithFusionWeights(dense, sparse float64) RetrieverOption {
	return func(r *Retriever) {
		r.config.DenseWeight = dense
		r.config.SparseWeight = sparse
	}
}

// WithRetrieveLogger sets the Retriever logger.
func WithRetrieveLogger(l Logger) RetrieverOption {
	return func(r *Retriever) {
		r.logger = l
	}
}

// NewRetriever returns a Retriever over db. Defaults: collection
// "docuwise", top 5, no score threshold, equal fusion weights.
func NewRetriever(embeddings *rag.EmbeddingService, db rag.VectorDB, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		config: RetrieverConfig{
			Collection:   "docuwise",
			TopK:         5,
			DenseWeight:  0.5,
			SparseWeight: 0.5,
		},
		embeddings: embeddings,
		db:         db,
		reranker:   rag.NewRRFReranker(60),
		logger:     rag.GlobalLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the active configuration.
func (r *Retriever) Config() RetrieverConfig {
	return r.config
}

// Retrieve returns up to the configured TopK results for query.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]RetrieverResult, error) {
	return r.RetrieveK(ctx, query, r.config.TopK)
}

// RetrieveK is Retrieve with an explicit result count. An empty or missing
// collection yields no results rather than an error.
func (r *Retriever) RetrieveK(ctx context.Context, query string, topK int) ([]RetrieverResult, error) {
	if topK <= 0 {
		topK = r.config.TopK
	}

	exists, err := r.db.HasCollection(ctx, r.config.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		r.logger.Warn("Collection does not exist, returning no results", "collection", r.config.Collection)
		return []RetrieverResult{}, nil
	}

	queryEmbedding, err := r.embeddings.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	dense, err := r.db.Search(ctx, r.config.Collection, queryEmbedding, topK)
	if errors.Is(err, rag.ErrCollectionNotFound) {
		return []RetrieverResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	filtered := dense[:0]
	for _, d := range dense {
		if d.Score >= r.config.MinScore {
			filtered = append(filtered, d)
		}
	}
	dense = filtered

	hits := dense
	if r.config.UseHybrid && r.keywords != nil {
		sparse, err := r.keywords.Search(query, topK)
		if err != nil {
			r.logger.Warn("Keyword search failed, using vector hits only", "error", err)
		} else {
			hits = r.reranker.Rerank(dense, sparse, r.config.DenseWeight, r.config.SparseWeight)
			if len(hits) > topK {
				hits = hits[:topK]
			}
		}
	}

	results := make([]RetrieverResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, RetrieverResult{
			Content:  h.Meta.Text,
			Score:    h.Score,
			FileID:   h.Meta.FileID,
			Filename: h.Meta.Filename,
			Page:     h.Meta.Page,
			ChunkID:  h.Meta.ChunkID,
		})
	}
	r.logger.Debug("Retrieved results", "query", query, "results", len(results))
	return results, nil
}
