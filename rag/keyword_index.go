package rag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// KeywordIndex is a full-text index over chunk text, used next to a VectorDB
// for hybrid retrieval. Documents are keyed by the same record ids.
type KeywordIndex struct {
	mu    sync.Mutex
	index bleve.Index
}

type keywordDoc struct {
	FileID    string  `json:"file_id"`
	Filename  string  `json:"filename"`
	Page      float64 `json:"page"`
	ChunkID   float64 `json:"chunk_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	TokenSize float64 `json:"token_size"`
	Text      string  `json:"text"`
}

var keywordFields = []string{"file_id", "filename", "page", "chunk_id", "start", "end", "token_size", "text"}

// OpenKeywordIndex opens the index stored in dir, creating it when needed.
// An empty dir gives an in-memory index.
func OpenKeywordIndex(dir string) (*KeywordIndex, error) {
	if dir == "" {
		index, err := bleve.NewMemOnly(buildKeywordMapping())
		if err != nil {
			return nil, fmt.Errorf("create bleve index: %w", err)
		}
		return &KeywordIndex{index: index}, nil
	}

	index, err := bleve.Open(dir)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		// bleve.New creates dir itself and fails when it already exists.
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("create keyword index parent dir: %w", err)
		}
		index, err = bleve.New(dir, buildKeywordMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}
	return &KeywordIndex{index: index}, nil
}

func buildKeywordMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = "en"
	indexMapping.DefaultField = "text"

	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Store = true
	textField.Index = true
	docMapping.AddFieldMappingsAt("text", textField)

	fileIDField := bleve.NewTextFieldMapping()
	fileIDField.Store = true
	fileIDField.Index = true
	fileIDField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("file_id", fileIDField)

	filenameField := bleve.NewTextFieldMapping()
	filenameField.Store = true
	filenameField.Index = false
	docMapping.AddFieldMappingsAt("filename", filenameField)

	numField := bleve.NewNumericFieldMapping()
	numField.Store = true
	numField.Index = false
	for _, name := range []string{"page", "chunk_id", "start", "end", "token_size"} {
		docMapping.AddFieldMappingsAt(name, numField)
	}

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Index adds or replaces records in one batch.
func (k *KeywordIndex) Index(records []Record) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	batch := k.index.NewBatch()
	for _, r := range records {
		doc := keywordDoc{
			FileID:    r.Meta.FileID,
			Filename:  r.Meta.Filename,
			Page:      float64(r.Meta.Page),
			ChunkID:   float64(r.Meta.ChunkID),
			Start:     float64(r.Meta.Start),
			End:       float64(r.Meta.End),
			TokenSize: float64(r.Meta.TokenSize),
			Text:      r.Meta.Text,
		}
		if err := batch.Index(r.ID, doc); err != nil {
			return fmt.Errorf("index record %s: %w", r.ID, err)
		}
	}
	return k.index.Batch(batch)
}

// Search runs a match query on chunk text. Scores are bleve relevance
// scores, comparable only within one result list.
func (k *KeywordIndex) Search(query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req := bleve.NewSearchRequestOptions(q, topK, 0, false)
	req.Fields = keywordFields

	res, err := k.index.Search(req)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, SearchResult{
			ID:    hit.ID,
			Score: hit.Score,
			Meta:  chunkMetaFromFields(hit.Fields),
		})
	}
	return results, nil
}

// DeleteByFile removes every document of fileID.
func (k *KeywordIndex) DeleteByFile(fileID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for {
		q := bleve.NewTermQuery(fileID)
		q.SetField("file_id")
		req := bleve.NewSearchRequestOptions(q, 500, 0, false)
		res, err := k.index.Search(req)
		if err != nil {
			return err
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := k.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := k.index.Batch(batch); err != nil {
			return err
		}
	}
}

// Count returns the number of indexed documents.
func (k *KeywordIndex) Count() (uint64, error) {
	return k.index.DocCount()
}

func (k *KeywordIndex) Close() error {
	return k.index.Close()
}

func chunkMetaFromFields(fields map[string]interface{}) ChunkMeta {
	str := func(name string) string {
		s, _ := fields[name].(string)
		return s
	}
	num := func(name string) int {
		f, _ := fields[name].(float64)
		return int(f)
	}
	return ChunkMeta{
		FileID:    str("file_id"),
		Filename:  str("filename"),
		Page:      num("page"),
		ChunkID:   num("chunk_id"),
		Start:     num("start"),
		End:       num("end"),
		TokenSize: num("token_size"),
		Text:      str("text"),
	}
}
