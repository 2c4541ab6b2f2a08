package rag

import (
	"sort"
)

// RRFReranker fuses ranked lists with weighted reciprocal rank fusion.
type RRFReranker struct {
	k float64
}

// NewRRFReranker returns a reranker with constant k; k <= 0 means 60.
func NewRRFReranker(k float64) *RRFReranker {
	if k <= 0 {
		k = 60
	}
	return &RRFReranker{k: k}
}

// Rerank merges dense and sparse results by record ID. Each list
// contributes weight/(k+rank) per hit, with weights normalized to sum to one.
// The returned Score is the fused score; ties keep the dense order first.
func (r *RRFReranker) Rerank(dense, sparse []SearchResult, denseWeight, sparseWeight float64) []SearchResult {
	total := denseWeight + sparseWeight
	if total > 0 {
		denseWeight /= total
		sparseWeight /= total
	} else {
		denseWeight, sparseWeight = 0.5, 0.5
	}

	scores := make(map[string]float64)
	docs := make(map[string]SearchResult)
	var order []string

	add := func(results []SearchResult, weight float64) {
		for rank, res := range results {
			if _, seen := docs[res.ID]; !seen {
				docs[res.ID] = res
				order = append(order, res.ID)
			}
			scores[res.ID] += weight / (float64(rank+1) + r.k)
		}
	}
	add(dense, denseWeight)
	add(sparse, sparseWeight)

	fused := make([]SearchResult, len(order))
	for i, id := range order {
		res := docs[id]
		res.Score = scores[id]
		fused[i] = res
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})
	return fused
}
