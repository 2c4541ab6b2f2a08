package rag

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultQdrantPort = 6334

// qdrantClient is the part of *qdrant.Client that QdrantDB uses.
type qdrantClient interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, collectionName string) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Close() error
}

// QdrantDB stores collections in a Qdrant server over gRPC.
// Collections always use cosine distance, so scores are similarities.
type QdrantDB struct {
	config *qdrant.Config
	client qdrantClient
}

func newQdrantDB(cfg *Config) (*QdrantDB, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	qcfg, err := qdrantConfig(cfg.Address, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	db := &QdrantDB{config: qcfg}
	if c, ok := cfg.Parameters["client"].(qdrantClient); ok {
		db.client = c
	}
	return db, nil
}

// qdrantConfig accepts "host", "host:port" or a URL. An https scheme turns
// on TLS. The port defaults to the gRPC port.
func qdrantConfig(address, apiKey string) (*qdrant.Config, error) {
	hostport := address
	useTLS := false
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant address %q: %w", address, err)
		}
		hostport = u.Host
		useTLS = u.Scheme == "https"
	}
	hostport = strings.TrimRight(hostport, "/")

	host, port := hostport, defaultQdrantPort
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port %q", p)
		}
		host, port = h, n
	}
	if host == "" {
		return nil, fmt.Errorf("invalid qdrant address %q", address)
	}
	return &qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	}, nil
}

// Connect dials the server unless a client was injected, then runs a health check.
func (q *QdrantDB) Connect(ctx context.Context) error {
	if q.client == nil {
		client, err := qdrant.NewClient(q.config)
		if err != nil {
			return fmt.Errorf("failed to create qdrant client: %w", err)
		}
		q.client = client
	}
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("failed to reach qdrant at %s:%d: %w", q.config.Host, q.config.Port, err)
	}
	return nil
}

func (q *QdrantDB) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}

func (q *QdrantDB) HasCollection(ctx context.Context, name string) (bool, error) {
	return q.client.CollectionExists(ctx, name)
}

func (q *QdrantDB) CreateCollection(ctx context.Context, name string, schema Schema) error {
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(schema.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func (q *QdrantDB) DropCollection(ctx context.Context, name string) error {
	err := q.client.DeleteCollection(ctx, name)
	if isQdrantNotFound(err) {
		return nil
	}
	return err
}

func (q *QdrantDB) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(r.ID),
			Vectors: qdrant.NewVectorsDense(r.Vector.Float32()),
			Payload: qdrant.NewValueMap(metaPayload(r.Meta)),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if isQdrantNotFound(err) {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return err
}

func (q *QdrantDB) Search(ctx context.Context, collection string, vector Vector, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vector.Float32()),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if isQdrantNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		score := float64(hit.GetScore())
		results = append(results, SearchResult{
			ID:       pointID(hit.GetId()),
			Score:    score,
			Distance: 1 - score,
			Meta:     payloadMeta(hit.GetPayload()),
		})
	}
	return results, nil
}

func (q *QdrantDB) DeleteByFile(ctx context.Context, collection, fileID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("file_id", fileID)},
		}),
	})
	if isQdrantNotFound(err) {
		return nil
	}
	return err
}

func (q *QdrantDB) Count(ctx context.Context, collection string) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		if isQdrantNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return int(n), nil
}

func isQdrantNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

func metaPayload(m ChunkMeta) map[string]any {
	return map[string]any{
		"file_id":    m.FileID,
		"filename":   m.Filename,
		"chunk_id":   m.ChunkID,
		"page":       m.Page,
		"start":      m.Start,
		"end":        m.End,
		"token_size": m.TokenSize,
		"text":       m.Text,
	}
}

func payloadMeta(p map[string]*qdrant.Value) ChunkMeta {
	num := func(key string) int {
		v := p[key]
		if v == nil {
			return 0
		}
		if _, ok := v.GetKind().(*qdrant.Value_DoubleValue); ok {
			return int(v.GetDoubleValue())
		}
		return int(v.GetIntegerValue())
	}
	return ChunkMeta{
		FileID:    p["file_id"].GetStringValue(),
		Filename:  p["filename"].GetStringValue(),
		ChunkID:   num("chunk_id"),
		Page:      num("page"),
		Start:     num("start"),
		End:       num("end"),
		TokenSize: num("token_size"),
		Text:      p["text"].GetStringValue(),
	}
}

func pointID(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}
