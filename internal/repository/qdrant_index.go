package repository

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/emosense/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	payloadSessionID = "session_id"
	payloadUserName  = "user_name"
	payloadCreatedAt = "created_at"
	payloadIndexedAt = "indexed_at"

	// queryOverfetch widens the Qdrant result window so equal scores at the
	// top_k boundary can be reordered by recency.
	queryOverfetch = 8
)

// sessionNamespace derives point ids for session ids that are not UUIDs.
var sessionNamespace = uuid.MustParse("6f1f4a5e-3c1b-4f57-9d0e-7a1c2b7e5d10")

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API Key
	VectorDimension int
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantIndex is the face embedding index backed by a Qdrant collection.
// One point per session; the point id is derived from the session id.
type QdrantIndex struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
	now             func() time.Time
}

// NewQdrantIndex creates a new QdrantIndex.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key)
func NewQdrantIndex(cfg *QdrantConnectionConfig) (*QdrantIndex, error) {
	if cfg.VectorDimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", cfg.VectorDimension)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption

	// TLS is enabled if: APIKey is set OR UseTLS is explicitly true
	useTLS := cfg.UseTLS || cfg.APIKey != ""

	if useTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))

		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		// Local mode: no TLS, no authentication
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantIndex{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: cfg.VectorDimension,
		now:             time.Now,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantIndex) Close() error {
	return r.conn.Close()
}

// Dimension returns the configured embedding length.
func (r *QdrantIndex) Dimension() int {
	return r.vectorDimension
}

// EnsureCollection creates the collection if it doesn't exist
func (r *QdrantIndex) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("%w: collection %s has vector size %d, expected %d",
				domain.ErrDimensionMismatch, r.collectionName, size, r.vectorDimension)
		}
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return indexErr("get collection", err)
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return indexErr("create collection", err)
	}

	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	params := info.GetConfig().GetParams()
	if params == nil {
		return 0, false
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}
	for _, vectorParams := range vectors.GetParamsMap().GetMap() {
		if size := vectorParams.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

// indexErr marks transient gRPC failures with domain.ErrIndexUnavailable.
func indexErr(action string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: failed to %s: %w", domain.ErrIndexUnavailable, action, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: failed to %s: %w", domain.ErrIndexUnavailable, action, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func (r *QdrantIndex) checkDimension(embedding domain.Embedding) error {
	if len(embedding) != r.vectorDimension {
		return fmt.Errorf("%w: index expects %d dimensions, got %d",
			domain.ErrDimensionMismatch, r.vectorDimension, len(embedding))
	}
	return nil
}

// pointID maps a session id onto a Qdrant point id.
func pointID(sessionID string) *pb.PointId {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		uid = uuid.NewSHA1(sessionNamespace, []byte(sessionID))
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func integerValue(v int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: v}}
}

// Upsert inserts or replaces the entry of a session.
func (r *QdrantIndex) Upsert(ctx context.Context, sessionID string, embedding domain.Embedding, meta domain.VectorMetadata) error {
	if err := r.checkDimension(embedding); err != nil {
		return err
	}

	wait := true
	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id: pointID(sessionID),
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: embedding},
					},
				},
				Payload: map[string]*pb.Value{
					payloadSessionID: stringValue(sessionID),
					payloadUserName:  stringValue(meta.UserName),
					payloadCreatedAt: integerValue(meta.CreatedAt.UnixMilli()),
					payloadIndexedAt: integerValue(r.now().UnixNano()),
				},
			},
		},
	})
	if err != nil {
		return indexErr("upsert point", err)
	}
	return nil
}

// Query returns the entries with cosine similarity >= minSimilarity, most
// similar first, equal scores most recently indexed first.
func (r *QdrantIndex) Query(ctx context.Context, embedding domain.Embedding, topK int, minSimilarity float32) ([]domain.IndexMatch, error) {
	if err := r.checkDimension(embedding); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	threshold := minSimilarity
	resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         embedding,
		Limit:          uint64(topK + queryOverfetch),
		ScoreThreshold: &threshold,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, indexErr("search points", err)
	}

	type hit struct {
		match     domain.IndexMatch
		indexedAt int64
	}
	hits := make([]hit, 0, len(resp.GetResult()))
	for _, scored := range resp.GetResult() {
		// Qdrant already applies the threshold; float rounding is re-checked here.
		if scored.GetScore() < minSimilarity {
			continue
		}
		meta, indexedAt := parsePayload(scored.GetPayload())
		hits = append(hits, hit{
			match: domain.IndexMatch{
				SessionID:  meta.SessionID,
				Similarity: scored.GetScore(),
				Metadata:   meta,
			},
			indexedAt: indexedAt,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].match.Similarity != hits[j].match.Similarity {
			return hits[i].match.Similarity > hits[j].match.Similarity
		}
		return hits[i].indexedAt > hits[j].indexedAt
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	matches := make([]domain.IndexMatch, len(hits))
	for i, h := range hits {
		matches[i] = h.match
	}
	return matches, nil
}

func parsePayload(payload map[string]*pb.Value) (domain.VectorMetadata, int64) {
	var meta domain.VectorMetadata
	meta.SessionID = payload[payloadSessionID].GetStringValue()
	meta.UserName = payload[payloadUserName].GetStringValue()
	if ms := payload[payloadCreatedAt].GetIntegerValue(); ms > 0 {
		meta.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return meta, payload[payloadIndexedAt].GetIntegerValue()
}

// Delete removes the entry of a session. Unknown sessions are a no-op.
func (r *QdrantIndex) Delete(ctx context.Context, sessionID string) error {
	wait := true
	_, err := r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{pointID(sessionID)},
				},
			},
		},
	})
	if err != nil {
		return indexErr("delete point", err)
	}
	return nil
}
