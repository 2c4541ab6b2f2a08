package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrCollectionNotFound is returned by backends asked to use a collection
// that was never created.
var ErrCollectionNotFound = errors.New("collection not found")

// VectorDB is a store of chunk vectors grouped in collections.
type VectorDB interface {
	Connect(ctx context.Context) error
	Close() error
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string, schema Schema) error
	DropCollection(ctx context.Context, name string) error
	Insert(ctx context.Context, collection string, records []Record) error
	// Search returns up to topK records, best first. SearchResult.Score is
	// always "higher is better" regardless of the backend metric.
	Search(ctx context.Context, collection string, vector Vector, topK int) ([]SearchResult, error)
	DeleteByFile(ctx context.Context, collection, fileID string) error
	Count(ctx context.Context, collection string) (int, error)
}

// Vector is an embedding as returned by the providers.
type Vector []float64

// Float32 converts v for backends that store single precision.
func (v Vector) Float32() []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Schema describes a collection.
type Schema struct {
	Name      string
	Dimension int
	// Metric is "L2", "IP" or "COSINE". Backends fall back to their default
	// when empty.
	Metric string
}

// Record is one chunk vector with its metadata.
type Record struct {
	ID     string
	Vector Vector
	Meta   ChunkMeta
}

// SearchResult is one hit of VectorDB.Search.
type SearchResult struct {
	ID       string
	Score    float64
	Distance float64
	Meta     ChunkMeta
}

// Config selects and configures a VectorDB backend.
type Config struct {
	Type       string
	Address    string
	APIKey     string
	Timeout    time.Duration
	Parameters map[string]interface{}
}

// NewVectorDB returns the backend named by cfg.Type. Connect must be called
// before use.
func NewVectorDB(cfg *Config) (VectorDB, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.Type {
	case "memory", "":
		return newMemoryDB(cfg)
	case "qdrant":
		return newQdrantDB(cfg)
	case "milvus":
		return newMilvusDB(cfg)
	case "chromem":
		return newChromemDB(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// RecordID derives a stable UUID for a chunk so re-ingesting a file
// produces the same ids.
func RecordID(fileID string, chunkID int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fileID+":"+strconv.Itoa(chunkID))).String()
}

// BuildRecords pairs vectors with their metadata. It fails when either side
// is empty or when the two differ in length.
func BuildRecords(vectors [][]float64, metas []ChunkMeta) ([]Record, error) {
	if len(vectors) == 0 || len(metas) == 0 {
		return nil, ErrEmptyInput
	}
	if len(vectors) != len(metas) {
		return nil, fmt.Errorf("%w: %d vectors, %d metadata entries", ErrLengthMismatch, len(vectors), len(metas))
	}
	dim := len(vectors[0])
	records := make([]Record, len(vectors))
	for i := range vectors {
		if len(vectors[i]) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(vectors[i]), dim)
		}
		records[i] = Record{
			ID:     RecordID(metas[i].FileID, metas[i].ChunkID),
			Vector: vectors[i],
			Meta:   metas[i],
		}
	}
	return records, nil
}

// EnsureCollection creates the collection when it does not exist yet.
func EnsureCollection(ctx context.Context, db VectorDB, name string, schema Schema) error {
	exists, err := db.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	schema.Name = name
	if err := db.CreateCollection(ctx, name, schema); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}
