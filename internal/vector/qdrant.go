// Package vector stores KB chunk embeddings in Qdrant.
package vector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

// Point is one embedded chunk. ID must be a UUID; it doubles as the chunk row id.
type Point struct {
	ID          string
	Vector      []float32
	WorkspaceID string
	AgentID     string
	SourceID    string
	ChunkIndex  int
	Title       string
	Content     string
}

type Match struct {
	ChunkID    string
	SourceID   string
	ChunkIndex int
	Title      string
	Content    string
	Score      float32
}

type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimensions uint64
	log        *zap.SugaredLogger
}

// NewQdrant dials addr ("host:port" of the gRPC API).
func NewQdrant(addr, apiKey, collection string, dimensions int, log *zap.SugaredLogger) (*Qdrant, error) {
	host, port := parseHostPort(addr, "localhost", 6334)
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port, APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	return &Qdrant{client: client, collection: collection, dimensions: uint64(dimensions), log: log}, nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

func (q *Qdrant) Dimensions() int {
	return int(q.dimensions)
}

// EnsureCollection creates the cosine collection and the payload indexes used
// for filtering when the collection does not exist yet.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range collections {
		if name == q.collection {
			return nil
		}
	}

	if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dimensions,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}

	for _, field := range []string{"agent_id", "source_id", "workspace_id"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		}); err != nil {
			return fmt.Errorf("index payload field %s: %w", field, err)
		}
	}
	q.log.Infow("created qdrant collection", "collection", q.collection, "dimensions", q.dimensions)
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if uint64(len(p.Vector)) != q.dimensions {
			return fmt.Errorf("point %s has %d dimensions, collection expects %d", p.ID, len(p.Vector), q.dimensions)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"workspace_id": p.WorkspaceID,
				"agent_id":     p.AgentID,
				"source_id":    p.SourceID,
				"chunk_index":  int64(p.ChunkIndex),
				"title":        p.Title,
				"content":      p.Content,
			}),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(structs), err)
	}
	return nil
}

// Search returns the agent's closest chunks by cosine similarity, best first.
// Points scoring below threshold are dropped by Qdrant.
func (q *Qdrant) Search(ctx context.Context, agentID string, vector []float32, topK int, threshold float32) ([]Match, error) {
	if topK <= 0 {
		return nil, errors.New("topK must be positive")
	}
	limit := uint64(topK)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("agent_id", agentID)},
		},
		Limit:          &limit,
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	matches := make([]Match, 0, len(points))
	for _, point := range points {
		m := Match{
			ChunkID: point.GetId().GetUuid(),
			Score:   point.GetScore(),
		}
		if v, ok := point.Payload["source_id"]; ok {
			m.SourceID = v.GetStringValue()
		}
		if v, ok := point.Payload["chunk_index"]; ok {
			m.ChunkIndex = int(v.GetIntegerValue())
		}
		if v, ok := point.Payload["title"]; ok {
			m.Title = v.GetStringValue()
		}
		if v, ok := point.Payload["content"]; ok {
			m.Content = v.GetStringValue()
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (q *Qdrant) DeleteBySource(ctx context.Context, sourceID string) error {
	return q.deleteWhere(ctx, "source_id", sourceID)
}

func (q *Qdrant) DeleteByAgent(ctx context.Context, agentID string) error {
	return q.deleteWhere(ctx, "agent_id", agentID)
}

func (q *Qdrant) deleteWhere(ctx context.Context, field, value string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(field, value)},
		}),
	})
	if err != nil {
		return fmt.Errorf("delete points where %s=%s: %w", field, value, err)
	}
	return nil
}

func parseHostPort(addr, defaultHost string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		if addr != "" {
			return addr, defaultPort
		}
		return defaultHost, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
