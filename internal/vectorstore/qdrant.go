// Package vectorstore wraps the Qdrant gRPC API as the memory store's
// similarity index.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/courier/internal/memory"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// Index implements memory.VectorIndex over a single Qdrant collection.
// Record metadata needed for filtering (partition, category, importance)
// is mirrored into the point payload; everything else stays in the
// relational store.
type Index struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
}

// NewIndex dials the Qdrant gRPC endpoint and returns a ready Index.
func NewIndex(cfg Config) (*Index, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "memories"
	}
	return &Index{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  collection,
	}, nil
}

// EnsureCollection creates the collection if it does not already exist.
func (ix *Index) EnsureCollection(ctx context.Context, dimension uint64) error {
	_, err := ix.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: ix.collection})
	if err == nil {
		return nil
	}
	_, err = ix.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: ix.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", ix.collection, err)
	}
	return nil
}

// Upsert inserts or updates the point for a memory record.
func (ix *Index) Upsert(ctx context.Context, id string, vector []float32, m *memory.Memory) error {
	payload := map[string]*pb.Value{
		"partition":  {Kind: &pb.Value_StringValue{StringValue: m.Partition}},
		"category":   {Kind: &pb.Value_StringValue{StringValue: string(m.Category)}},
		"importance": {Kind: &pb.Value_DoubleValue{DoubleValue: m.Importance}},
	}
	_, err := ix.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: ix.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert point %s: %w", id, err)
	}
	return nil
}

// Search performs a filtered nearest-neighbor search.
func (ix *Index) Search(ctx context.Context, vector []float32, filter memory.VectorFilter, limit int) ([]memory.VectorHit, error) {
	resp, err := ix.points.Search(ctx, &pb.SearchPoints{
		CollectionName: ix.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ix.collection, err)
	}
	hits := make([]memory.VectorHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, memory.VectorHit{
			ID:    r.Id.GetUuid(),
			Score: float64(r.Score),
		})
	}
	return hits, nil
}

// DeletePartition removes every point whose payload partition matches.
func (ix *Index) DeletePartition(ctx context.Context, partition string) error {
	_, err := ix.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: ix.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{matchString("partition", partition)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete partition %s: %w", partition, err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (ix *Index) Close() error {
	return ix.conn.Close()
}

func buildFilter(f memory.VectorFilter) *pb.Filter {
	var must []*pb.Condition
	if len(f.Partitions) > 0 {
		var should []*pb.Condition
		for _, p := range f.Partitions {
			should = append(should, matchString("partition", p))
		}
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Filter{Filter: &pb.Filter{Should: should}},
		})
	}
	if f.Category != "" {
		must = append(must, matchString("category", string(f.Category)))
	}
	if f.MinImportance > 0 {
		gte := f.MinImportance
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   "importance",
					Range: &pb.Range{Gte: &gte},
				},
			},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func matchString(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
