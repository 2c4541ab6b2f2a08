package rag

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryDB keeps each collection in a FlatIndex. When Config.Address names
// a file, the collections are loaded from it on Connect and written back
// after every change.
type MemoryDB struct {
	mu          sync.RWMutex
	path        string
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	schema Schema
	index  *FlatIndex
	ids    []string
}

// memorySnapshot is the gob layout of one collection.
type memorySnapshot struct {
	Dimension int
	IDs       []string
	Vectors   [][]float32
	Metas     []ChunkMeta
}

func newMemoryDB(cfg *Config) (*MemoryDB, error) {
	return &MemoryDB{
		path:        cfg.Address,
		collections: make(map[string]*memoryCollection),
	}, nil
}

func (m *MemoryDB) Connect(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var snap map[string]memorySnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %w", m.path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range snap {
		col, err := newMemoryCollection(Schema{Name: name, Dimension: s.Dimension, Metric: "L2"})
		if err != nil {
			return err
		}
		if len(s.Vectors) > 0 {
			if _, _, err := col.index.Add(s.Vectors, s.Metas); err != nil {
				return fmt.Errorf("snapshot collection %s: %w", name, err)
			}
		}
		col.ids = s.IDs
		m.collections[name] = col
	}
	GlobalLogger.Debug("Loaded memory snapshot", "path", m.path, "collections", len(snap))
	return nil
}

func (m *MemoryDB) Close() error {
	return nil
}

func newMemoryCollection(schema Schema) (*memoryCollection, error) {
	index, err := NewFlatIndex(schema.Dimension)
	if err != nil {
		return nil, err
	}
	return &memoryCollection{schema: schema, index: index}, nil
}

func (m *MemoryDB) HasCollection(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryDB) CreateCollection(ctx context.Context, name string, schema Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return fmt.Errorf("collection %s already exists", name)
	}
	schema.Metric = "L2"
	col, err := newMemoryCollection(schema)
	if err != nil {
		return err
	}
	m.collections[name] = col
	return m.persistLocked()
}

func (m *MemoryDB) DropCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return m.persistLocked()
}

// Insert appends records. Records whose id is already stored replace the
// stored entry.
func (m *MemoryDB) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	incoming := make(map[string]bool, len(records))
	for _, r := range records {
		incoming[r.ID] = true
	}
	replacing := false
	for _, id := range col.ids {
		if incoming[id] {
			replacing = true
			break
		}
	}
	if replacing {
		rebuilt, err := col.without(func(id string, _ ChunkMeta) bool { return incoming[id] })
		if err != nil {
			return err
		}
		col = rebuilt
	}

	vectors := make([][]float32, len(records))
	metas := make([]ChunkMeta, len(records))
	ids := make([]string, len(records))
	for i, r := range records {
		vectors[i] = r.Vector.Float32()
		metas[i] = r.Meta
		ids[i] = r.ID
	}
	if _, _, err := col.index.Add(vectors, metas); err != nil {
		return err
	}
	col.ids = append(col.ids, ids...)
	m.collections[collection] = col
	return m.persistLocked()
}

func (m *MemoryDB) Search(ctx context.Context, collection string, vector Vector, topK int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if col.index.Len() == 0 {
		return []SearchResult{}, nil
	}

	neighbors, err := col.index.Search(vector.Float32(), topK)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(neighbors))
	for i, n := range neighbors {
		results[i] = SearchResult{
			ID:       col.ids[n.Position],
			Distance: float64(n.Distance),
			Score:    1 / (1 + float64(n.Distance)),
			Meta:     n.Meta,
		}
	}
	return results, nil
}

// DeleteByFile rebuilds the collection index without the file's vectors;
// the FlatIndex itself never shrinks.
func (m *MemoryDB) DeleteByFile(ctx context.Context, collection, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		return nil
	}
	rebuilt, err := col.without(func(_ string, meta ChunkMeta) bool { return meta.FileID == fileID })
	if err != nil {
		return err
	}
	m.collections[collection] = rebuilt
	return m.persistLocked()
}

func (m *MemoryDB) Count(ctx context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[collection]
	if !ok {
		return 0, nil
	}
	return col.index.Len(), nil
}

func (c *memoryCollection) without(drop func(id string, meta ChunkMeta) bool) (*memoryCollection, error) {
	vectors, metas := c.index.Snapshot()
	next, err := newMemoryCollection(c.schema)
	if err != nil {
		return nil, err
	}
	var keepVectors [][]float32
	var keepMetas []ChunkMeta
	for i := range vectors {
		if drop(c.ids[i], metas[i]) {
			continue
		}
		keepVectors = append(keepVectors, vectors[i])
		keepMetas = append(keepMetas, metas[i])
		next.ids = append(next.ids, c.ids[i])
	}
	if len(keepVectors) > 0 {
		if _, _, err := next.index.Add(keepVectors, keepMetas); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// persistLocked replaces the snapshot file atomically. Callers hold m.mu.
func (m *MemoryDB) persistLocked() error {
	if m.path == "" {
		return nil
	}
	snap := make(map[string]memorySnapshot, len(m.collections))
	for name, col := range m.collections {
		vectors, metas := col.index.Snapshot()
		snap[name] = memorySnapshot{
			Dimension: col.schema.Dimension,
			IDs:       col.ids,
			Vectors:   vectors,
			Metas:     metas,
		}
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}
