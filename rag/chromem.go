package rag

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
)

// ChromemDB keeps collections in an embedded chromem-go database. When
// Config.Address is set it names the directory the database persists to.
// Embeddings are always supplied by the caller, so collections carry no
// embedding function of their own.
type ChromemDB struct {
	db   *chromem.DB
	path string
}

func newChromemDB(cfg *Config) (*ChromemDB, error) {
	return &ChromemDB{path: cfg.Address}, nil
}

func (c *ChromemDB) Connect(ctx context.Context) error {
	if c.path == "" {
		c.db = chromem.NewDB()
		return nil
	}
	if err := os.MkdirAll(c.path, 0755); err != nil {
		return fmt.Errorf("failed to create chromem directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(c.path, false)
	if err != nil {
		return fmt.Errorf("failed to open chromem database at %s: %w", c.path, err)
	}
	c.db = db
	return nil
}

func (c *ChromemDB) Close() error {
	return nil
}

func (c *ChromemDB) HasCollection(ctx context.Context, name string) (bool, error) {
	return c.db.GetCollection(name, nil) != nil, nil
}

func (c *ChromemDB) CreateCollection(ctx context.Context, name string, schema Schema) error {
	meta := map[string]string{"dimension": strconv.Itoa(schema.Dimension)}
	_, err := c.db.GetOrCreateCollection(name, meta, nil)
	return err
}

func (c *ChromemDB) DropCollection(ctx context.Context, name string) error {
	return c.db.DeleteCollection(name)
}

func (c *ChromemDB) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	col := c.db.GetCollection(collection, nil)
	if col == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Meta.Text,
			Metadata:  chromemMetadata(r.Meta),
			Embedding: r.Vector.Float32(),
		}
	}
	return col.AddDocuments(ctx, docs, runtime.NumCPU())
}

func (c *ChromemDB) Search(ctx context.Context, collection string, vector Vector, topK int) ([]SearchResult, error) {
	col := c.db.GetCollection(collection, nil)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	// chromem rejects nResults larger than the collection.
	n := min(topK, col.Count())
	if n <= 0 {
		return []SearchResult{}, nil
	}
	res, err := col.QueryEmbedding(ctx, vector.Float32(), n, nil, nil)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(res))
	for i, r := range res {
		meta := chunkMetaFromChromem(r.Metadata)
		meta.Text = r.Content
		results[i] = SearchResult{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Distance: 1 - float64(r.Similarity),
			Meta:     meta,
		}
	}
	return results, nil
}

func (c *ChromemDB) DeleteByFile(ctx context.Context, collection, fileID string) error {
	col := c.db.GetCollection(collection, nil)
	if col == nil {
		return nil
	}
	return col.Delete(ctx, map[string]string{"file_id": fileID}, nil)
}

func (c *ChromemDB) Count(ctx context.Context, collection string) (int, error) {
	col := c.db.GetCollection(collection, nil)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// chromem metadata is string-only.
func chromemMetadata(m ChunkMeta) map[string]string {
	return map[string]string{
		"file_id":    m.FileID,
		"filename":   m.Filename,
		"page":       strconv.Itoa(m.Page),
		"chunk_id":   strconv.Itoa(m.ChunkID),
		"start":      strconv.Itoa(m.Start),
		"end":        strconv.Itoa(m.End),
		"token_size": strconv.Itoa(m.TokenSize),
	}
}

func chunkMetaFromChromem(md map[string]string) ChunkMeta {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(md[k])
		return n
	}
	return ChunkMeta{
		FileID:    md["file_id"],
		Filename:  md["filename"],
		Page:      atoi("page"),
		ChunkID:   atoi("chunk_id"),
		Start:     atoi("start"),
		End:       atoi("end"),
		TokenSize: atoi("token_size"),
	}
}
