// server is the nexusai-gateway daemon: a school-edge inference gateway
// that dispatches bounded-concurrency RAG requests over a locally-loaded
// model, backed by a SQLite metadata store and a local vector index, and
// kept current by an on-schedule VKP installer (§1).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fredcamaral/gomcp-sdk/protocol"

	"github.com/openclass/nexusai-gateway/internal/api"
	"github.com/openclass/nexusai-gateway/internal/api/handlers"
	"github.com/openclass/nexusai-gateway/internal/auth"
	"github.com/openclass/nexusai-gateway/internal/circuitbreaker"
	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/embeddings"
	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/logging"
	"github.com/openclass/nexusai-gateway/internal/ops"
	"github.com/openclass/nexusai-gateway/internal/orchestrator"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/retry"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
	"github.com/openclass/nexusai-gateway/internal/telemetry"
	"github.com/openclass/nexusai-gateway/internal/vkp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := build(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to wire gateway: %v", err)
	}

	if err := gw.supervisor.RecoverFromCrash(ctx); err != nil {
		log.Fatalf("crash recovery failed: %v", err)
	}

	go gw.supervisor.Run(ctx)
	go gw.vkp.Run(ctx)
	go gw.auth.RunExpirySweep(ctx, cfg.Session.TTL)
	go gw.telemetry.Run(ctx, cfg.Telemetry.UploadInterval)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := serve(ctx, gw.handler, addr); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("http server failed: %v", err)
	}

	if err := gw.metadata.Close(); err != nil {
		log.Printf("error closing metadata store: %v", err)
	}
}

// gateway bundles every wired component main needs a handle on after
// construction: the HTTP handler to serve, and the four background
// loops (C8, C9, C10, C11 expiry sweep) that run for the daemon's lifetime.
type gateway struct {
	handler    http.Handler
	supervisor *resilience.Supervisor
	vkp        *vkp.Manager
	auth       *auth.Manager
	telemetry  *telemetry.Aggregator
	metadata   *store.SQLiteStore
}

func build(ctx context.Context, cfg *config.Config) (*gateway, error) {
	spill := store.NewSpillBuffer(cfg.Metadata.SpillDir, cfg.Metadata.SpillMaxEntries)
	metadata, err := store.Open(ctx, cfg.Metadata.Path, cfg.Metadata.MaxOpenConns, cfg.Metadata.ConnTimeout, spill)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	vectors := buildVectorGateway(cfg)

	embedSvc, err := buildEmbeddingService(cfg)
	if err != nil {
		return nil, fmt.Errorf("build embedding service: %w", err)
	}

	engine := inference.NewLocalEngine(cfg.Model.InferenceServerURL)
	infer := inference.New(engine)
	if err := infer.Load(ctx, inference.Config{ModelPath: cfg.Model.ModelPath}); err != nil {
		if cfg.Model.RequireModel {
			return nil, fmt.Errorf("load model: %w", err)
		}
		logging.GetComponentLogger("main").WithContext(ctx).Warn("model load failed, continuing without it", "error", err.Error())
	}

	var sink telemetry.Sink
	if cfg.Telemetry.SinkURL != "" {
		sink = telemetry.NewHTTPSink(cfg.Telemetry.SinkURL)
	}
	tel := telemetry.NewAggregator(cfg.Telemetry.RedisAddr, cfg.Model.ModelPath, nil, time.Duration(cfg.Telemetry.RetentionDays)*24*time.Hour, sink)

	orch := orchestrator.New(vectors, embedSvc, metadata, infer, tel, cfg.Context)

	var chatHandler *handlers.ChatHandler
	dispatch := dispatcher.New(cfg.Dispatch.MaxConcurrent, cfg.Dispatch.MaxQueueDepth, cfg.Dispatch.RequestDeadline,
		func(ctx context.Context, req *domain.InferenceRequest) error {
			return chatHandler.Worker(ctx, req)
		})
	chatHandler = handlers.NewChatHandler(dispatch, orch, cfg.Locale.InstructionalLanguage)

	authManager := auth.NewManager(metadata, metadata, cfg.Session.TTL)

	vkpManager := vkp.New(vectors, metadata,
		vkp.NewHTTPDownloader(cfg.VKP.RemoteIndexURL, 30*time.Second),
		vkp.TarChunkReader{}, nil, cfg.VKP)

	snapshots := resilience.NewSnapshotManager(metadata, metadata, cfg.Metadata.SpillDir, cfg.Telemetry.RetentionDays)
	supervisor := resilience.New(metadata, vectors, infer, dispatch, spill, snapshots, nil, resilience.Config{})

	router := api.NewRouter(cfg, api.Dependencies{
		AuthManager: authManager,
		Dispatch:    dispatch,
		Chat:        chatHandler,
		VKP:         vkpManager,
		Supervisor:  supervisor,
	})

	opsServer := ops.New("nexusai-gateway-ops", "1.0.0", dispatch, vkpManager, supervisor)

	handler := mountOpsMCP(router.Handler(), opsServer)

	return &gateway{
		handler:    handler,
		supervisor: supervisor,
		vkp:        vkpManager,
		auth:       authManager,
		telemetry:  tel,
		metadata:   metadata,
	}, nil
}

func buildVectorGateway(cfg *config.Config) storage.Gateway {
	base := storage.NewVectorGateway(&cfg.Vector)
	return storage.NewCircuitBreakerGateway(base, &circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	})
}

func buildEmbeddingService(cfg *config.Config) (embeddings.EmbeddingService, error) {
	base, err := embeddings.NewOpenAIService(&embeddings.OpenAIConfig{
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout,
	}, slog.Default())
	if err != nil {
		return nil, err
	}
	retryable := embeddings.NewRetryableEmbeddingService(base, retry.DefaultConfig())
	return embeddings.NewCircuitBreakerEmbeddingService(retryable, &circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}), nil
}

// mountOpsMCP layers the operator MCP JSON-RPC endpoint in front of the
// REST router, the same panic-recovered shape the teacher's /mcp handler
// used, narrowed to the gateway's own tool set.
func mountOpsMCP(apiHandler http.Handler, opsServer *ops.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic in ops MCP handler: %v\n%s", rec, debug.Stack())
				writeJSONRPCError(w, fmt.Sprintf("server panic: %v", rec))
			}
		}()

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req protocol.JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}

		resp := opsServer.MCPServer().HandleRequest(r.Context(), &req)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("error encoding ops MCP response: %v", err)
		}
	})
	mux.Handle("/", apiHandler)
	return mux
}

func writeJSONRPCError(w http.ResponseWriter, detail string) {
	resp := protocol.JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &protocol.JSONRPCError{
			Code:    -32603,
			Message: "Internal server error",
			Data:    detail,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(resp)
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down
// with a fresh timeout context since the parent is already cancelled.
func serve(ctx context.Context, handler http.Handler, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // disabled for the chat WebSocket stream
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("nexusai-gateway listening on http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx) //nolint:contextcheck // fresh context needed once the parent is cancelled
}
