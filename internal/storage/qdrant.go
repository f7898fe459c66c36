/**
 * Qdrant Vector Database Client for the check extraction worker
 *
 * Stores one fingerprint vector per extracted check so a newly fused check
 * can be compared against everything seen before. Uses Qdrant's native gRPC
 * API.
 */

package storage

import (
	"context"
	"fmt"

	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantClient handles vector database operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// VectorPoint represents a vector with metadata
type VectorPoint struct {
	ID       string
	Vector   []float32
	Metadata map[string]interface{}
	Score    float32
}

// NewQdrantClient creates a new Qdrant client
func NewQdrantClient(address string, collectionName string) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := qc.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     FingerprintDims,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// UpsertVector stores or updates a fingerprint point.
func (q *QdrantClient) UpsertVector(ctx context.Context, point *VectorPoint) error {
	if point == nil || point.ID == "" {
		return fmt.Errorf("point with ID is required")
	}
	if len(point.Vector) != FingerprintDims {
		return fmt.Errorf("invalid vector dimensions: expected %d, got %d", FingerprintDims, len(point.Vector))
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points: []*qdrant.PointStruct{{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: point.ID},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: point.Vector},
				},
			},
			Payload: toPayload(point.Metadata),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}

	return nil
}

// SearchVectors returns up to limit points scoring at least minScore.
func (q *QdrantClient) SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32) ([]*VectorPoint, error) {
	if len(queryVector) != FingerprintDims {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", FingerprintDims, len(queryVector))
	}

	if limit <= 0 {
		limit = 10
	}

	results, err := q.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         queryVector,
		Limit:          uint64(limit),
		ScoreThreshold: &minScore,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	points := make([]*VectorPoint, 0, len(results.Result))
	for _, result := range results.Result {
		point := &VectorPoint{
			ID:       result.Id.GetUuid(),
			Metadata: fromPayload(result.Payload),
			Score:    result.Score,
		}
		points = append(points, point)
	}

	return points, nil
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"points_count":    info.Result.GetPointsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func toPayload(metadata map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		default:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	metadata := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			metadata[k] = val.BoolValue
		}
	}
	return metadata
}
