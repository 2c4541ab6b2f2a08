package rag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	milvusVectorField = "embedding"
	milvusMaxText     = 65535
)

var milvusOutputFields = []string{"record_id", "file_id", "filename", "page", "chunk_id", "start_offset", "end_offset", "token_size", "text"}

// MilvusDB stores collections in Milvus. Every collection gets an HNSW
// index on its embedding field and is loaded right after creation.
type MilvusDB struct {
	client client.Client
	config *Config
	metric string
}

func newMilvusDB(cfg *Config) (*MilvusDB, error) {
	metric, _ := cfg.Parameters["metric"].(string)
	if metric == "" {
		metric = "L2"
	}
	return &MilvusDB{config: cfg, metric: metric}, nil
}

func (m *MilvusDB) Connect(ctx context.Context) error {
	c, err := client.NewClient(ctx, client.Config{
		Address: m.config.Address,
		APIKey:  m.config.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to milvus at %s: %w", m.config.Address, err)
	}
	m.client = c
	return nil
}

func (m *MilvusDB) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *MilvusDB) HasCollection(ctx context.Context, name string) (bool, error) {
	return m.client.HasCollection(ctx, name)
}

func (m *MilvusDB) CreateCollection(ctx context.Context, name string, schema Schema) error {
	if schema.Metric != "" {
		m.metric = schema.Metric
	}
	milvusSchema := entity.NewSchema().WithName(name).WithDescription("docuwise chunks").
		WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true).WithIsAutoID(true)).
		WithField(entity.NewField().WithName("record_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName("file_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName("filename").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024)).
		WithField(entity.NewField().WithName("page").WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName("chunk_id").WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName("start_offset").WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName("end_offset").WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName("token_size").WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusMaxText)).
		WithField(entity.NewField().WithName(milvusVectorField).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(schema.Dimension)))

	if err := m.client.CreateCollection(ctx, milvusSchema, entity.DefaultShardNumber); err != nil {
		return err
	}

	idx, err := entity.NewIndexHNSW(m.convertMetricType(), 16, 256)
	if err != nil {
		return err
	}
	if err := m.client.CreateIndex(ctx, name, milvusVectorField, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return m.client.LoadCollection(ctx, name, false)
}

func (m *MilvusDB) DropCollection(ctx context.Context, name string) error {
	return m.client.DropCollection(ctx, name)
}

func (m *MilvusDB) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	n := len(records)
	recordIDs := make([]string, n)
	fileIDs := make([]string, n)
	filenames := make([]string, n)
	pages := make([]int64, n)
	chunkIDs := make([]int64, n)
	starts := make([]int64, n)
	ends := make([]int64, n)
	tokens := make([]int64, n)
	texts := make([]string, n)
	vectors := make([][]float32, n)
	for i, r := range records {
		recordIDs[i] = r.ID
		fileIDs[i] = r.Meta.FileID
		filenames[i] = r.Meta.Filename
		pages[i] = int64(r.Meta.Page)
		chunkIDs[i] = int64(r.Meta.ChunkID)
		starts[i] = int64(r.Meta.Start)
		ends[i] = int64(r.Meta.End)
		tokens[i] = int64(r.Meta.TokenSize)
		texts[i] = truncateBytes(r.Meta.Text, milvusMaxText)
		vectors[i] = r.Vector.Float32()
	}

	_, err := m.client.Insert(ctx, collection, "",
		entity.NewColumnVarChar("record_id", recordIDs),
		entity.NewColumnVarChar("file_id", fileIDs),
		entity.NewColumnVarChar("filename", filenames),
		entity.NewColumnInt64("page", pages),
		entity.NewColumnInt64("chunk_id", chunkIDs),
		entity.NewColumnInt64("start_offset", starts),
		entity.NewColumnInt64("end_offset", ends),
		entity.NewColumnInt64("token_size", tokens),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector(milvusVectorField, len(vectors[0]), vectors),
	)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return m.client.Flush(ctx, collection, false)
}

func (m *MilvusDB) Search(ctx context.Context, collection string, vector Vector, topK int) ([]SearchResult, error) {
	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, err
	}
	result, err := m.client.Search(ctx, collection, nil, "", milvusOutputFields,
		[]entity.Vector{entity.FloatVector(vector.Float32())},
		milvusVectorField, m.convertMetricType(), topK, sp)
	if err != nil {
		return nil, err
	}
	return m.wrapSearchResults(result), nil
}

func (m *MilvusDB) DeleteByFile(ctx context.Context, collection, fileID string) error {
	exists, err := m.client.HasCollection(ctx, collection)
	if err != nil || !exists {
		return err
	}
	return m.client.Delete(ctx, collection, "", "file_id == "+strconv.Quote(fileID))
}

func (m *MilvusDB) Count(ctx context.Context, collection string) (int, error) {
	exists, err := m.client.HasCollection(ctx, collection)
	if err != nil || !exists {
		return 0, err
	}
	stats, err := m.client.GetCollectionStatistics(ctx, collection)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(stats["row_count"])
	if err != nil {
		return 0, fmt.Errorf("unexpected row_count %q: %w", stats["row_count"], err)
	}
	return n, nil
}

func (m *MilvusDB) convertMetricType() entity.MetricType {
	switch m.metric {
	case "IP":
		return entity.IP
	case "COSINE":
		return entity.COSINE
	default:
		return entity.L2
	}
}

// score turns a raw Milvus score into "higher is better".
func (m *MilvusDB) score(raw float64) (score, distance float64) {
	if m.convertMetricType() == entity.L2 {
		return 1 / (1 + raw), raw
	}
	return raw, 1 - raw
}

func (m *MilvusDB) wrapSearchResults(result []client.SearchResult) []SearchResult {
	var out []SearchResult
	for _, rs := range result {
		for i := 0; i < rs.ResultCount; i++ {
			meta := ChunkMeta{
				FileID:    columnString(rs, "file_id", i),
				Filename:  columnString(rs, "filename", i),
				Page:      int(columnInt(rs, "page", i)),
				ChunkID:   int(columnInt(rs, "chunk_id", i)),
				Start:     int(columnInt(rs, "start_offset", i)),
				End:       int(columnInt(rs, "end_offset", i)),
				TokenSize: int(columnInt(rs, "token_size", i)),
				Text:      columnString(rs, "text", i),
			}
			score, distance := m.score(float64(rs.Scores[i]))
			out = append(out, SearchResult{
				ID:       columnString(rs, "record_id", i),
				Score:    score,
				Distance: distance,
				Meta:     meta,
			})
		}
	}
	return out
}

func columnString(rs client.SearchResult, name string, i int) string {
	col := rs.Fields.GetColumn(name)
	if col == nil {
		return ""
	}
	s, _ := col.GetAsString(i)
	return s
}

func columnInt(rs client.SearchResult, name string, i int) int64 {
	col := rs.Fields.GetColumn(name)
	if col == nil {
		return 0
	}
	v, _ := col.GetAsInt64(i)
	return v
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
