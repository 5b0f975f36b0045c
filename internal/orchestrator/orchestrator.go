// Package orchestrator implements C6, the RAG Orchestrator: the
// per-request pipeline binding C1 (metadata persistence), C2 (vector
// search), C3 (context assembly), C4 (inference), C7 (streaming), and C9
// (telemetry) into the single submit-to-answer flow (§4.6). No single
// teacher file owns this composition; it follows cmd/server's
// request-wiring shape and the rest of the gateway's own
// error/log-propagation idiom.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openclass/nexusai-gateway/internal/config"
	gwcontext "github.com/openclass/nexusai-gateway/internal/context"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/embeddings"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/logging"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
	"github.com/openclass/nexusai-gateway/internal/stream"
	"github.com/openclass/nexusai-gateway/internal/telemetry"
)

// Orchestrator binds every component a single inference request touches.
type Orchestrator struct {
	vectors    storage.Gateway
	embeddings embeddings.EmbeddingService
	metadata   store.MetadataStore
	inference  *inference.Adapter
	telemetry  *telemetry.Aggregator
	books      store.SubjectStore

	cfg config.ContextConfig
	log *logging.EnhancedLogger
}

func New(vectors storage.Gateway, embed embeddings.EmbeddingService, metadata store.MetadataStore, infer *inference.Adapter, tel *telemetry.Aggregator, cfg config.ContextConfig) *Orchestrator {
	return &Orchestrator{
		vectors:    vectors,
		embeddings: embed,
		metadata:   metadata,
		inference:  infer,
		telemetry:  tel,
		books:      metadata,
		cfg:        cfg,
		log:        logging.GetComponentLogger("orchestrator"),
	}
}

// Run drives one request from submission to its terminal stream event,
// pushing every intermediate event onto ch. It never returns an error to
// the caller: every failure mode is expressed as a terminal stream event
// plus a persisted, possibly-partial Chat Entry (§4.6 failure semantics).
func (o *Orchestrator) Run(ctx context.Context, req *domain.InferenceRequest, locale string, ch *stream.Channel) {
	start := time.Now()

	response, confidence, partial, kind := o.answer(ctx, req, locale, ch)

	entry := &domain.ChatEntry{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		SubjectID:  req.SubjectID,
		Question:   req.Question,
		Response:   response,
		Confidence: confidence,
		Partial:    partial,
		Timestamp:  time.Now(),
	}
	if err := o.metadata.AppendChatEntry(ctx, entry); err != nil {
		// Persistence failure never breaks the stream (§4.6): the
		// entry is already spilled to the degraded-mode buffer by
		// the store itself.
		o.log.WithContext(ctx).Warn("chat entry persist failed", "error", err.Error())
	}

	if o.telemetry != nil {
		o.telemetry.RecordQuery(float64(time.Since(start).Milliseconds()), kind)
	}
}

// answer runs the retrieval -> context -> generation pipeline and reports
// the final response text, confidence, and whether it was a partial
// (error-truncated) completion, emitting every stream.Channel event along
// the way. kind is the errs.Kind of the terminal condition, or "" on a
// clean completion, for telemetry's error-count-by-kind bucket.
func (o *Orchestrator) answer(ctx context.Context, req *domain.InferenceRequest, locale string, ch *stream.Channel) (response string, confidence float64, partial bool, kind errs.Kind) {
	embedding, err := o.embeddings.Generate(ctx, req.Question)
	if err != nil {
		ch.Error(string(errs.KindResourceUnavailable), "could not process question")
		return "", 0, true, errs.KindResourceUnavailable
	}

	selected, books, topScore := o.retrieve(ctx, req, toFloat32(embedding))

	prompt := gwcontext.Render(selected, books, req.Question, locale)
	isFallback := gwcontext.IsFallback(selected)

	sources := make([]stream.Source, 0, len(selected))
	for _, c := range selected {
		sources = append(sources, stream.Source{Book: books[c.BookID], Ordinal: c.Ordinal})
	}

	ch.StartTyping()

	limits := inference.DefaultLimits()
	fragments, err := o.inference.Generate(ctx, prompt, limits)
	if err != nil {
		k, _ := errs.KindOf(err)
		if k == "" {
			k = errs.KindModelMissing
		}
		ch.Error(string(k), "generation failed")
		return "", 0, true, k
	}

	var out string
	var genErr error
	for frag := range fragments {
		if frag.Err != nil {
			genErr = frag.Err
			break
		}
		if frag.Token != "" {
			ch.Token(frag.Token)
			out += frag.Token
		}
		if frag.Done {
			break
		}
	}

	ch.Sources(sources)

	if genErr != nil {
		k, ok := errs.KindOf(genErr)
		if !ok {
			k = errs.KindTimeout
		}
		ch.Error(string(k), "generation interrupted")
		return out, 0, true, k
	}

	ch.Done()

	conf := 0.0
	if !isFallback {
		conf = topScore
	}
	return out, conf, false, ""
}

// retrieve resolves the subject filter, queries C2, and ranks/fits the
// results into the selection the context block will render. A vector
// store failure degrades to an empty selection (the fallback branch)
// rather than aborting the request (§4.6: vector store unavailable still
// invokes C4 on the fallback prompt).
func (o *Orchestrator) retrieve(ctx context.Context, req *domain.InferenceRequest, embedding []float32) (selected []domain.Chunk, books map[string]string, topScore float64) {
	grade := 0
	subjectID := req.SubjectID

	results, err := o.vectors.Search(ctx, subjectID, grade, embedding, o.cfg.TopK)
	if err != nil || len(results) == 0 {
		if err != nil {
			o.log.WithContext(ctx).Warn("vector search failed, falling back", "error", err.Error())
		}
		return nil, nil, 0
	}

	ranked := make([]gwcontext.RankedChunk, 0, len(results))
	for _, r := range results {
		ranked = append(ranked, gwcontext.RankedChunk{
			Chunk:          r.Chunk,
			Score:          r.Score,
			SubjectMatched: subjectID != "" && r.Chunk.BookID != "",
		})
	}
	ranked = gwcontext.Rank(ranked)
	if len(ranked) > 0 {
		topScore = float64(ranked[0].Score)
	}

	selected = gwcontext.Fit(ranked, o.cfg.BudgetTokens, o.cfg.BudgetFloor)

	books = make(map[string]string)
	for _, c := range selected {
		if _, ok := books[c.BookID]; ok {
			continue
		}
		if list, err := o.books.ListBooksBySubject(ctx, ""); err == nil {
			for _, b := range list {
				if b.ID == c.BookID {
					books[c.BookID] = b.Title
				}
			}
		}
	}

	return selected, books, topScore
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

