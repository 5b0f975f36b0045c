// Package storage implements C2, the Vector Store Gateway: similarity
// search and staged-collection VKP installs against Qdrant, with a
// single-writer discipline and atomic pointer swap on activation (§4.2).
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/logging"
)

const connectionStatusError = "error"

// Gateway is the C2 surface the RAG Orchestrator (C6) and VKP Lifecycle
// Manager (C8) depend on, satisfied by VectorGateway directly or wrapped
// in CircuitBreakerGateway/RetryableGateway for resilience.
type Gateway interface {
	Initialize(ctx context.Context) error
	InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error
	Activate(ctx context.Context, subject string, grade int, version string) error
	Prune(ctx context.Context, subject string, grade int, version string) error
	Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]SearchResult, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// GatewayMetrics tracks per-operation counts, error counts, and connection
// status. Latency is not recorded, and nothing outside the gateway reads
// these fields.
type GatewayMetrics struct {
	OperationCounts  map[string]int64
	ErrorCounts      map[string]int64
	ConnectionStatus string
}

// VectorGateway implements C2 against a Qdrant cluster. Writes (install,
// activate, prune) are serialized per (subject, grade) by the caller
// (C8's VKP Lifecycle Manager); the gateway itself does not lock.
type VectorGateway struct {
	client  *qdrant.Client
	cfg     *config.VectorConfig
	metrics *GatewayMetrics
}

func NewVectorGateway(cfg *config.VectorConfig) *VectorGateway {
	return &VectorGateway{
		cfg: cfg,
		metrics: &GatewayMetrics{
			OperationCounts:  make(map[string]int64),
			ErrorCounts:      make(map[string]int64),
			ConnectionStatus: "unknown",
		},
	}
}

func (g *VectorGateway) Initialize(ctx context.Context) error {
	start := time.Now()
	defer g.updateMetrics("initialize", start)

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   g.cfg.Host,
		Port:                   g.cfg.Port,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		g.metrics.ConnectionStatus = connectionStatusError
		return errs.Wrap(errs.KindResourceUnavailable, "failed to create qdrant client", err)
	}
	g.client = client
	g.metrics.ConnectionStatus = "connected"
	return nil
}

func (g *VectorGateway) HealthCheck(ctx context.Context) error {
	if g.client == nil {
		return errs.New(errs.KindResourceUnavailable, "vector gateway not initialized")
	}
	if _, err := g.client.ListCollections(ctx); err != nil {
		g.metrics.ConnectionStatus = connectionStatusError
		return errs.Wrap(errs.KindResourceUnavailable, "vector store unreachable", err)
	}
	return nil
}

func (g *VectorGateway) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// activeAlias is the stable name queries search against; it always points
// at the currently-activated collection for (subject, grade).
func activeAlias(subject string, grade int) string {
	return fmt.Sprintf("active_%s_g%d", subject, grade)
}

// stagedCollection is the versioned collection an install writes into
// before activation; never queried directly.
func stagedCollection(subject string, grade int, version string) string {
	return fmt.Sprintf("vkp_%s_g%d_%s", subject, grade, version)
}

// InstallStaged creates a fresh collection for (subject, grade, version)
// and upserts every chunk into it. The collection is not visible to
// Search until Activate swaps the alias onto it (§4.2 staged install).
func (g *VectorGateway) InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error {
	start := time.Now()
	defer g.updateMetrics("install_staged", start)

	name := stagedCollection(subject, grade, version)
	if len(chunks) == 0 {
		return errs.New(errs.KindIntegrityFailure, "vkp install contains zero chunks")
	}

	dim := uint64(len(chunks[0].Embedding))
	err := g.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		g.metrics.ErrorCounts["install_staged"]++
		return errs.Wrap(errs.KindIntegrityFailure, fmt.Sprintf("failed to create staged collection %s", name), err)
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i := range chunks {
		points = append(points, chunkToPoint(&chunks[i]))
	}

	const batchSize = 200
	for i := 0; i < len(points); i += batchSize {
		end := i + batchSize
		if end > len(points) {
			end = len(points)
		}
		_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         points[i:end],
		})
		if err != nil {
			g.metrics.ErrorCounts["install_staged"]++
			return errs.Wrap(errs.KindIntegrityFailure, "failed to upsert staged chunks", err)
		}
	}

	logging.VectorLogger.Info("staged vkp collection installed",
		"collection", name, "chunk_count", len(chunks))
	return nil
}

// Activate atomically repoints the (subject, grade) alias at the staged
// collection for version. The prior collection is left intact for the
// grace period rather than deleted here (§4.2 rollback).
func (g *VectorGateway) Activate(ctx context.Context, subject string, grade int, version string) error {
	start := time.Now()
	defer g.updateMetrics("activate", start)

	alias := activeAlias(subject, grade)
	target := stagedCollection(subject, grade, version)

	_, err := g.client.UpdateCollectionAliases(ctx, &qdrant.ChangeAliases{
		Actions: []*qdrant.AliasOperations{
			{
				Action: &qdrant.AliasOperations_DeleteAlias{
					DeleteAlias: &qdrant.DeleteAlias{AliasName: alias},
				},
			},
			{
				Action: &qdrant.AliasOperations_CreateAlias{
					CreateAlias: &qdrant.CreateAlias{
						CollectionName: target,
						AliasName:      alias,
					},
				},
			},
		},
	})
	if err != nil {
		g.metrics.ErrorCounts["activate"]++
		return errs.Wrap(errs.KindIntegrityFailure, fmt.Sprintf("failed to activate %s", target), err)
	}

	logging.VectorLogger.Info("vkp activated", "subject", subject, "grade", grade, "version", version)
	return nil
}

// Prune deletes the staged/inactive collection for (subject, grade,
// version) once its grace period has elapsed (§4.2, §4.8).
func (g *VectorGateway) Prune(ctx context.Context, subject string, grade int, version string) error {
	start := time.Now()
	defer g.updateMetrics("prune", start)

	name := stagedCollection(subject, grade, version)
	if err := g.client.DeleteCollection(ctx, name); err != nil {
		g.metrics.ErrorCounts["prune"]++
		return errs.Wrap(errs.KindIntegrityFailure, fmt.Sprintf("failed to prune collection %s", name), err)
	}
	return nil
}

// SearchResult pairs a retrieved Chunk with its similarity score.
type SearchResult struct {
	Chunk domain.Chunk
	Score float32
}

// Search runs a top-K similarity search against the active collection for
// (subject, grade). If no VKP is active, it returns a QueueFull-adjacent
// ResourceUnavailable so C6 can fall back cleanly (§4.2, §4.6).
func (g *VectorGateway) Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]SearchResult, error) {
	start := time.Now()
	defer g.updateMetrics("search", start)

	alias := activeAlias(subject, grade)
	limit := uint64(topK)

	resp, err := g.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: alias,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		g.metrics.ErrorCounts["search"]++
		return nil, errs.Wrap(errs.KindResourceUnavailable, "no active vkp for subject/grade or search failed", err)
	}

	out := make([]SearchResult, 0, len(resp))
	for _, point := range resp {
		chunk, err := scoredPointToChunk(point)
		if err != nil {
			continue
		}
		out = append(out, SearchResult{Chunk: *chunk, Score: point.GetScore()})
	}
	return out, nil
}

func (g *VectorGateway) updateMetrics(operation string, start time.Time) {
	g.metrics.OperationCounts[operation]++
	_ = time.Since(start)
}

func chunkToPoint(c *domain.Chunk) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:     qdrant.NewID(c.ID),
		Vectors: qdrant.NewVectors(c.Embedding...),
		Payload: qdrant.NewValueMap(map[string]any{
			"vkp_id":      c.VKPID,
			"book_id":     c.BookID,
			"ordinal":     c.Ordinal,
			"text":        c.Text,
			"token_count": c.TokenCount,
		}),
	}
}

func scoredPointToChunk(point *qdrant.ScoredPoint) (*domain.Chunk, error) {
	payload := point.GetPayload()
	c := &domain.Chunk{
		ID:     pointIDToString(point.GetId()),
		VKPID:  getStringFromPayload(payload, "vkp_id"),
		BookID: getStringFromPayload(payload, "book_id"),
		Text:   getStringFromPayload(payload, "text"),
	}
	if v, ok := payload["ordinal"]; ok {
		c.Ordinal = int(v.GetIntegerValue())
	}
	if v, ok := payload["token_count"]; ok {
		c.TokenCount = int(v.GetIntegerValue())
	}
	return c, nil
}

func pointIDToString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func getStringFromPayload(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
