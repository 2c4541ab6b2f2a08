package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/teilomillet/docuwise"
	"github.com/teilomillet/docuwise/config"
	"github.com/teilomillet/docuwise/internal/store"
	"github.com/teilomillet/docuwise/rag"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger docuwise.Logger

	db        *store.DB
	files     *store.FileStore
	loader    *rag.Loader
	vectors   rag.VectorDB
	keywords  *rag.KeywordIndex
	ingestor  *docuwise.Ingestor
	retriever *docuwise.Retriever
	answerer  *docuwise.Answerer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	level, err := docuwise.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	docuwise.SetLogLevel(level)

	a := &app{cfg: cfg, logger: rag.GlobalLogger}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	a.db = db
	a.files = store.NewFileStore(db)
	a.loader = rag.NewLoader(cfg.Server.UploadDir,
		rag.WithMaxSize(cfg.MaxUploadBytes()),
		rag.WithTimeout(cfg.Embedding.Timeout),
		rag.WithLogger(a.logger),
	)

	var counter rag.TokenCounter = &rag.DefaultTokenCounter{}
	if enc := cfg.Chunking.Tokenizer; enc != "" && enc != "words" {
		tc, err := rag.NewTikTokenCounter(enc)
		if err != nil {
			return err
		}
		counter = tc
	}
	chunker, err := rag.NewWindowChunker(cfg.Chunking.Size, cfg.Chunking.Overlap, rag.WithTokenCounter(counter))
	if err != nil {
		return err
	}

	embedder, err := rag.NewEmbedder(
		rag.SetProvider(cfg.Embedding.Provider),
		rag.SetModel(cfg.Embedding.Model),
		rag.SetAPIKey(cfg.Embedding.APIKey),
		rag.SetOption("base_url", cfg.Embedding.BaseURL),
		rag.SetOption("endpoint", cfg.Embedding.Endpoint),
		rag.SetOption("deployment", cfg.Embedding.Deployment),
		rag.SetOption("api_version", cfg.Embedding.APIVersion),
		rag.SetOption("max_retries", cfg.Embedding.MaxRetries),
		rag.SetOption("requests_per_minute", cfg.Embedding.RequestsPerMinute),
		rag.SetOption("timeout", cfg.Embedding.Timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	embOpts := []rag.EmbeddingServiceOption{
		rag.WithBatchSize(cfg.Embedding.BatchSize),
		rag.WithEmbeddingLogger(a.logger),
	}
	if cfg.Embedding.MaxBatchTokens > 0 {
		embOpts = append(embOpts, rag.WithBatchTokenBudget(cfg.Embedding.MaxBatchTokens, counter))
	}
	embeddings := rag.NewEmbeddingService(embedder, embOpts...)

	vcfg := &rag.Config{
		Type:    cfg.VectorDB.Type,
		Address: cfg.VectorDB.Address,
		APIKey:  cfg.VectorDB.APIKey,
		Timeout: cfg.VectorDB.Timeout,
	}
	if cfg.VectorDB.Metric != "" {
		vcfg.Parameters = map[string]interface{}{"metric": cfg.VectorDB.Metric}
	}
	vectors, err := rag.NewVectorDB(vcfg)
	if err != nil {
		return err
	}
	if err := vectors.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.VectorDB.Type, err)
	}
	a.vectors = vectors

	ingestOpts := []docuwise.IngestorOption{
		docuwise.WithChunker(chunker),
		docuwise.WithCollection(cfg.VectorDB.Collection),
		docuwise.WithMetric(cfg.VectorDB.Metric),
		docuwise.WithIngestLogger(a.logger),
	}
	retrieveOpts := []docuwise.RetrieverOption{
		docuwise.WithRetrieveCollection(cfg.VectorDB.Collection),
		docuwise.WithTopK(cfg.Search.TopK),
		docuwise.WithMinScore(cfg.Search.MinScore),
		docuwise.WithFusionWeights(cfg.Search.DenseWeight, cfg.Search.SparseWeight),
		docuwise.WithRetrieveLogger(a.logger),
	}
	if cfg.Search.Hybrid {
		dir := cfg.Search.KeywordIndexDir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(cfg.Database.Path), "keywords.bleve")
		}
		keywords, err := rag.OpenKeywordIndex(dir)
		if err != nil {
			return err
		}
		a.keywords = keywords
		ingestOpts = append(ingestOpts, docuwise.WithKeywordIndex(keywords))
		retrieveOpts = append(retrieveOpts, docuwise.WithHybrid(keywords))
	}

	a.ingestor, err = docuwise.NewIngestor(embeddings, vectors, ingestOpts...)
	if err != nil {
		return err
	}
	a.retriever = docuwise.NewRetriever(embeddings, vectors, retrieveOpts...)

	var gen docuwise.Generator
	if cfg.LLM.APIKey != "" {
		llm, err := docuwise.NewLLMGenerator(cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.APIKey, cfg.LLM.MaxTokens)
		if err != nil {
			return err
		}
		gen = llm
	} else {
		a.logger.Warn("No LLM API key configured, answers will only list sources")
	}
	a.answerer = docuwise.NewAnswerer(a.retriever, gen)
	return nil
}

func (a *app) Close() {
	if a.keywords != nil {
		a.keywords.Close()
	}
	if a.vectors != nil {
		a.vectors.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
