package vector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/satchel-app/satchel/core/errors"
)

// QdrantBackend stores vectors in a qdrant collection over gRPC. Used in
// place of the bleve mirror when the vector_backend setting is "qdrant";
// text search stays with bleve either way.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

type QdrantConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	UseTLS     bool   `json:"use_tls,omitempty" yaml:"use_tls,omitempty"`
	Collection string `json:"collection" yaml:"collection"`
	Dimension  int    `json:"dimension" yaml:"dimension"`
}

func NewQdrantBackend(ctx context.Context, config QdrantConfig) (*QdrantBackend, error) {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 6334
	}
	if config.Collection == "" {
		return nil, errors.Configuration("qdrant collection name is not set")
	}
	if config.Dimension <= 0 {
		return nil, errors.Configuration("qdrant vector dimension is not set")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, "create qdrant client", err)
	}

	backend := &QdrantBackend{
		client:     client,
		collection: config.Collection,
		dimension:  config.Dimension,
	}
	if err := backend.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return backend, nil
}

func (q *QdrantBackend) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return errors.Network("check qdrant collection", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return errors.Network("create qdrant collection", err)
	}
	return nil
}

func (q *QdrantBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := map[string]any{
			"resource_id": rec.ResourceID,
			"chunk_index": int64(rec.ChunkIndex),
			"page_index":  int64(rec.PageIndex),
			"source_type": rec.SourceType,
			"folder_id":   rec.FolderID,
			"text":        rec.Text,
			"created_at":  rec.CreatedAt,
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.ID())).String()),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return errors.Network("qdrant upsert", err)
	}
	return nil
}

func (q *QdrantBackend) DeleteByResource(ctx context.Context, resourceID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("resource_id", resourceID)},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return errors.Network("qdrant delete", err)
	}
	return nil
}

func (q *QdrantBackend) VectorSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(queryVec) == 0 {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var filter *qdrant.Filter
	var must []*qdrant.Condition
	if len(opts.FolderIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("folder_id", opts.FolderIDs...))
	}
	if len(opts.SourceTypes) > 0 {
		must = append(must, qdrant.NewMatchKeywords("source_type", opts.SourceTypes...))
	}
	if len(must) > 0 {
		filter = &qdrant.Filter{Must: must}
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(queryVec...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit * 2)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errors.Network("qdrant query", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, point := range points {
		payload := point.Payload
		results = append(results, SearchResult{
			ResourceID:  payload["resource_id"].GetStringValue(),
			ChunkIndex:  int(payload["chunk_index"].GetIntegerValue()),
			PageIndex:   int(payload["page_index"].GetIntegerValue()),
			SourceType:  payload["source_type"].GetStringValue(),
			FolderID:    payload["folder_id"].GetStringValue(),
			Text:        payload["text"].GetStringValue(),
			VectorScore: float64(point.Score),
		})
	}
	return results, nil
}

func (q *QdrantBackend) Close() error {
	return q.client.Close()
}
