// Package docuwise turns uploaded documents into searchable chunk vectors
// and answers questions over them. An Ingestor runs the parse, chunk, embed
// and index stages for one file; a Retriever and an Answerer read back from
// the same collection.
package docuwise

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/teilomillet/docuwise/rag"
)

// ErrNoText is returned when a document has no extractable text.
var ErrNoText = errors.New("no extractable text")

// Pipeline stages reported by StageError.
const (
	StageLoad  = "load"
	StageChunk = "chunk"
	StageEmbed = "embed"
	StageIndex = "index"
)

var stageMessages = map[string]string{
	StageLoad:  "Error loading PDF",
	StageChunk: "Error chunking text",
	StageEmbed: "Error generating embeddings",
	StageIndex: "Error indexing embeddings",
}

// StageError is a pipeline failure tagged with the stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	msg, ok := stageMessages[e.Stage]
	if !ok {
		msg = "Error in " + e.Stage
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IngestRequest names the file to ingest. FileID ties every stored chunk to
// the file so it can be replaced or deleted later.
type IngestRequest struct {
	FileID   string
	Filename string
	Path     string
}

// IngestResult summarises one ingestion.
type IngestResult struct {
	FileID         string     `json:"file_id"`
	Filename       string     `json:"filename"`
	Pages          int        `json:"pages"`
	ChunksIngested int        `json:"chunks_ingested"`
	Embeddings     int        `json:"embeddings"`
	Neighbors      []Neighbor `json:"neighbors"`
}

// Neighbor is a stored chunk close to a freshly ingested vector.
type Neighbor struct {
	FileID   string  `json:"file_id"`
	ChunkID  int     `json:"chunk_id"`
	Page     int     `json:"page"`
	Score    float64 `json:"score"`
	Distance float64 `json:"distance"`
	Text     string  `json:"text"`
}

// Ingestor sequences parse, chunk, embed and index for single files.
// It is safe for concurrent use; the target collection is created on the
// first ingestion, sized to the embedding dimension.
type Ingestor struct {
	parser     *rag.ParserManager
	chunker    *rag.WindowChunker
	embeddings *rag.EmbeddingService
	db         rag.VectorDB
	keywords   *rag.KeywordIndex
	collection string
	metric     string
	neighborK     int
	logger     Logger

	mu      sync.Mutex
	ensured bool
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithParser replaces the default PDF and text parsers.
func WithParser(pm *rag.ParserManager) IngestorOption {
	return func(in *Ingestor) {
		in.parser = pm
	}
}

// WithChunker replaces the default 500/50 window chunker.
func WithChunker(c *rag.WindowChunker) IngestorOption {
	return func(in *Ingestor) {
		in.chunker = c
	}
}

// WithKeywordIndex mirrors every stored chunk into a keyword index.
func WithKeywordIndex(k *rag.KeywordIndex) IngestorOption {
	return func(in *Ingestor) {
		in.keywords = k
	}
}

// WithCollection sets the target collection.
func WithCollection(name string) IngestorOption {
	return func(in *Ingestor) {
		in.collection = name
	}
}

// WithMetric sets the metric used when the collection is created.
func WithMetric(metric string) IngestorOption {
	return func(in *Ingestor) {
		in.metric = metric
	}
}

// WithNeighborCount sets how many neighbours of the first chunk are
// reported after ingestion. Zero disables the lookup.
func WithNeighborCount(k int) IngestorOption {
	return func(in *Ingestor) {
		in.neighborK = k
	}
}

// WithIngestLogger sets the Ingestor logger.
func WithIngestLogger(l Logger) IngestorOption {
	return func(in *Ingestor) {
		in.logger = l
	}
}

// NewIngestor returns an Ingestor writing to db. db must already be
// connected.
func NewIngestor(embeddings *rag.EmbeddingService, db rag.VectorDB, opts ...IngestorOption) (*Ingestor, error) {
	if embeddings == nil || db == nil {
		return nil, fmt.Errorf("embedding service and vector database are required")
	}
	in := &Ingestor{
		embeddings: embeddings,
		db:         db,
		collection: "docuwise",
		neighborK:     3,
		logger:     rag.GlobalLogger,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.parser == nil {
		in.parser = rag.NewParserManager()
	}
	if in.chunker == nil {
		c, err := rag.NewWindowChunker(500, 50)
		if err != nil {
			return nil, err
		}
		in.chunker = c
	}
	return in, nil
}

// Collection returns the target collection name.
func (in *Ingestor) Collection() string {
	return in.collection
}

// Ingest parses req.Path and stores its chunks. A previous ingestion of the
// same FileID is replaced. Failures are *StageError values; a document
// without text fails the chunk stage with ErrNoText.
func (in *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if req.FileID == "" {
		return nil, fmt.Errorf("file id is required")
	}
	if req.Filename == "" {
		req.Filename = req.FileID
	}
	in.logger.Info("Ingesting file", "file_id", req.FileID, "filename", req.Filename)

	doc, err := in.parser.Parse(req.Path)
	if err != nil {
		return nil, &StageError{Stage: StageLoad, Err: err}
	}

	chunks := in.chunker.ChunkPages(doc.Pages)
	if len(chunks) == 0 {
		return nil, &StageError{Stage: StageChunk, Err: ErrNoText}
	}
	in.logger.Debug("Chunked document", "pages", len(doc.Pages), "chunks", len(chunks))

	vectors, err := in.embeddings.EmbedChunks(ctx, chunks)
	if err != nil {
		return nil, &StageError{Stage: StageEmbed, Err: err}
	}
	if len(vectors) != len(chunks) {
		return nil, &StageError{Stage: StageEmbed, Err: fmt.Errorf("%w: %d embeddings for %d chunks", rag.ErrLengthMismatch, len(vectors), len(chunks))}
	}

	metas := make([]rag.ChunkMeta, len(chunks))
	for i, c := range chunks {
		metas[i] = rag.ChunkMeta{
			FileID:    req.FileID,
			Filename:  req.Filename,
			ChunkID:   c.Index,
			Page:      c.Page,
			Start:     c.Start,
			End:       c.End,
			TokenSize: c.TokenSize,
			Text:      c.Text,
		}
	}
	records, err := rag.BuildRecords(vectors, metas)
	if err != nil {
		return nil, &StageError{Stage: StageIndex, Err: err}
	}
	if err := in.store(ctx, req.FileID, records); err != nil {
		return nil, &StageError{Stage: StageIndex, Err: err}
	}

	result := &IngestResult{
		FileID:         req.FileID,
		Filename:       req.Filename,
		Pages:          len(doc.Pages),
		ChunksIngested: len(chunks),
		Embeddings:     len(vectors),
		Neighbors:      []Neighbor{},
	}
	if in.neighborK > 0 {
		hits, err := in.db.Search(ctx, in.collection, records[0].Vector, in.neighborK)
		if err != nil {
			in.logger.Warn("Neighbour lookup failed", "file_id", req.FileID, "error", err)
		}
		for _, h := range hits {
			result.Neighbors = append(result.Neighbors, Neighbor{
				FileID:   h.Meta.FileID,
				ChunkID:  h.Meta.ChunkID,
				Page:     h.Meta.Page,
				Score:    h.Score,
				Distance: h.Distance,
				Text:     h.Meta.Text,
			})
		}
	}
	in.logger.Info("Ingestion successful", "file_id", req.FileID, "chunks", len(chunks))
	return result, nil
}

func (in *Ingestor) store(ctx context.Context, fileID string, records []rag.Record) error {
	if err := in.ensureCollection(ctx, len(records[0].Vector)); err != nil {
		return err
	}
	if err := in.db.DeleteByFile(ctx, in.collection, fileID); err != nil {
		return fmt.Errorf("failed to remove previous chunks: %w", err)
	}
	if err := in.db.Insert(ctx, in.collection, records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}
	if in.keywords != nil {
		if err := in.keywords.DeleteByFile(fileID); err != nil {
			return fmt.Errorf("failed to remove previous keyword entries: %w", err)
		}
		if err := in.keywords.Index(records); err != nil {
			return fmt.Errorf("failed to index keywords: %w", err)
		}
	}
	return nil
}

func (in *Ingestor) ensureCollection(ctx context.Context, dim int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ensured {
		return nil
	}
	if err := rag.EnsureCollection(ctx, in.db, in.collection, rag.Schema{Dimension: dim, Metric: in.metric}); err != nil {
		return err
	}
	in.ensured = true
	return nil
}

// Delete removes every chunk of fileID from the vector and keyword indexes.
func (in *Ingestor) Delete(ctx context.Context, fileID string) error {
	if err := in.db.DeleteByFile(ctx, in.collection, fileID); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if in.keywords != nil {
		if err := in.keywords.DeleteByFile(fileID); err != nil {
			return fmt.Errorf("failed to delete keyword entries: %w", err)
		}
	}
	return nil
}

// Count returns the number of stored chunks.
func (in *Ingestor) Count(ctx context.Context) (int, error) {
	return in.db.Count(ctx, in.collection)
}
