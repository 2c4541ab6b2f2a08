package rag

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEmptyInput is returned when Add receives no vectors or no metadata.
	ErrEmptyInput = errors.New("vectors and metadata must not be empty")
	// ErrLengthMismatch is returned when vectors and metadata differ in length.
	ErrLengthMismatch = errors.New("vectors and metadata must be of same length")
	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// ChunkMeta describes where a stored vector came from.
type ChunkMeta struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	ChunkID   int    `json:"chunk_id"`
	Page      int    `json:"page"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	TokenSize int    `json:"token_size"`
	Text      string `json:"text"`
}

// Neighbor is one FlatIndex search hit. Distance is the squared L2 distance.
type Neighbor struct {
	Position int
	Distance float32
	Meta     ChunkMeta
}

// FlatIndex is an append-only exact nearest-neighbour index. Vectors and
// their metadata live in parallel slices, so position i of one always
// describes position i of the other.
type FlatIndex struct {
	mu      sync.RWMutex
	dim     int
	vectors [][]float32
	metas   []ChunkMeta
}

// NewFlatIndex creates an empty index for vectors of the given dimension.
func NewFlatIndex(dim int) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dim)
	}
	return &FlatIndex{dim: dim}, nil
}

// Dimension returns the vector length accepted by the index.
func (f *FlatIndex) Dimension() int {
	return f.dim
}

// Add appends vectors with their metadata and reports how many of each were
// stored. Either every pair is appended or none is.
func (f *FlatIndex) Add(vectors [][]float32, metas []ChunkMeta) (int, int, error) {
	if len(vectors) == 0 || len(metas) == 0 {
		return 0, 0, ErrEmptyInput
	}
	if len(vectors) != len(metas) {
		return 0, 0, fmt.Errorf("%w: %d vectors, %d metadata entries", ErrLengthMismatch, len(vectors), len(metas))
	}
	for i, v := range vectors {
		if len(v) != f.dim {
			return 0, 0, fmt.Errorf("%w: vector %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(v), f.dim)
		}
	}

	copied := make([][]float32, len(vectors))
	for i, v := range vectors {
		copied[i] = append([]float32(nil), v...)
	}

	f.mu.Lock()
	f.vectors = append(f.vectors, copied...)
	f.metas = append(f.metas, metas...)
	f.mu.Unlock()

	return len(vectors), len(metas), nil
}

// Len returns the number of stored vectors, which is also the number of
// metadata entries.
func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Meta returns the metadata stored at position i.
func (f *FlatIndex) Meta(i int) (ChunkMeta, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i < 0 || i >= len(f.metas) {
		return ChunkMeta{}, false
	}
	return f.metas[i], true
}

// Vector returns a copy of the vector stored at position i.
func (f *FlatIndex) Vector(i int) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i < 0 || i >= len(f.vectors) {
		return nil, false
	}
	return append([]float32(nil), f.vectors[i]...), true
}

// Snapshot copies out the parallel slices, e.g. for persistence or rebuilds.
func (f *FlatIndex) Snapshot() ([][]float32, []ChunkMeta) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	vectors := make([][]float32, len(f.vectors))
	for i, v := range f.vectors {
		vectors[i] = append([]float32(nil), v...)
	}
	return vectors, append([]ChunkMeta(nil), f.metas...)
}

// Search returns the k nearest vectors to query ordered by ascending squared
// L2 distance; equal distances keep insertion order. Fewer than k results
// are returned when the index holds fewer vectors.
func (f *FlatIndex) Search(query []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), f.dim)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	h := &neighborHeap{}
	for pos, v := range f.vectors {
		n := Neighbor{Position: pos, Distance: squaredL2(query, v)}
		if h.Len() < k {
			heap.Push(h, n)
		} else if n.Distance < (*h)[0].Distance {
			heap.Pop(h)
			heap.Push(h, n)
		}
	}

	results := make([]Neighbor, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Neighbor)
		results[i].Meta = f.metas[results[i].Position]
	}
	return results, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// neighborHeap keeps the worst retained neighbour on top.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int { return len(h) }

func (h neighborHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].Position > h[j].Position
}

func (h neighborHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *neighborHeap) Push(x interface{}) { *h = append(*h, x.(Neighbor)) }

func (h *neighborHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
