package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openclass/nexusai-gateway/internal/api/response"
	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/orchestrator"
	"github.com/openclass/nexusai-gateway/internal/stream"
)

// ChatHandler submits questions to C5 and streams C6's answer back over a
// per-request WebSocket (§4.5, §4.7). Each submitted request is bound to
// its stream.Channel by request pointer rather than queue ID, since the
// dispatcher's Worker closure is fixed at construction time and the queue
// ID doesn't exist until Submit returns.
type ChatHandler struct {
	dispatch     *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	locale       string
	upgrader     websocket.Upgrader

	mu        sync.Mutex
	channels  map[*domain.InferenceRequest]*stream.Channel
	byQueueID map[string]*domain.InferenceRequest
}

func NewChatHandler(dispatch *dispatcher.Dispatcher, orch *orchestrator.Orchestrator, locale string) *ChatHandler {
	return &ChatHandler{
		dispatch:     dispatch,
		orchestrator: orch,
		locale:       locale,
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		channels:     make(map[*domain.InferenceRequest]*stream.Channel),
		byQueueID:    make(map[string]*domain.InferenceRequest),
	}
}

// Worker is bound into the Dispatcher at construction time (§4.5 Worker
// contract): it looks up the stream.Channel the Submit call registered for
// req and hands both to the RAG Orchestrator.
func (h *ChatHandler) Worker(ctx context.Context, req *domain.InferenceRequest) error {
	h.mu.Lock()
	ch := h.channels[req]
	h.mu.Unlock()
	if ch == nil {
		return errs.New(errs.KindResourceUnavailable, "no stream bound to request")
	}
	// The binding stays until Run returns so Stream can still find it.
	defer h.takeChannel(req)
	h.orchestrator.Run(ctx, req, h.locale, ch)
	return nil
}

func (h *ChatHandler) bindChannel(req *domain.InferenceRequest, ch *stream.Channel) {
	h.mu.Lock()
	h.channels[req] = ch
	h.mu.Unlock()
}

func (h *ChatHandler) takeChannel(req *domain.InferenceRequest) *stream.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[req]
	delete(h.channels, req)
	return ch
}

type submitRequest struct {
	UserID    string `json:"user_id"`
	Question  string `json:"question"`
	SubjectID string `json:"subject_id"`
}

type submitResponse struct {
	QueueID string `json:"queue_id"`
}

// Submit admits a question onto the dispatcher queue and streams the
// answer back over a WebSocket the client opens at /api/v1/chat/stream
// using the returned queue_id.
func (h *ChatHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrorCodeBadRequest, "invalid request body")
		return
	}
	if body.Question == "" {
		response.WriteError(w, http.StatusBadRequest, response.ErrorCodeBadRequest, "question is required")
		return
	}

	req := &domain.InferenceRequest{
		UserID:    body.UserID,
		Question:  body.Question,
		SubjectID: body.SubjectID,
	}
	ch := stream.NewChannel()
	h.bindChannel(req, ch)

	queueID, err := h.dispatch.Submit(r.Context(), req)
	if err != nil {
		h.takeChannel(req)
		writeDispatchError(w, err)
		return
	}

	h.mu.Lock()
	h.byQueueID[queueID] = req
	h.mu.Unlock()

	response.WriteSuccess(w, submitResponse{QueueID: queueID})
}

// Stream upgrades the connection and pumps the stream.Channel bound to
// queue_id until the orchestrator emits its terminal event.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	queueID := r.URL.Query().Get("queue_id")

	h.mu.Lock()
	req, ok := h.byQueueID[queueID]
	if ok {
		delete(h.byQueueID, queueID)
	}
	var ch *stream.Channel
	if req != nil {
		ch = h.channels[req]
	}
	h.mu.Unlock()

	if !ok || ch == nil {
		response.WriteError(w, http.StatusNotFound, response.ErrorCodeNotFound, "unknown or already-streamed queue id")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	stream.Pump(r.Context(), conn, ch)
}

// Position reports a queued request's position in the FIFO (§4.5).
func (h *ChatHandler) Position(w http.ResponseWriter, r *http.Request) {
	queueID := r.URL.Query().Get("queue_id")
	pos := h.dispatch.Position(queueID)
	response.WriteSuccess(w, map[string]int{"position": pos})
}

// Cancel best-effort cancels a queued or active request (§4.5).
func (h *ChatHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	queueID := r.URL.Query().Get("queue_id")
	if err := h.dispatch.Cancel(queueID); err != nil {
		response.WriteError(w, http.StatusNotFound, response.ErrorCodeNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeDispatchError(w http.ResponseWriter, err error) {
	if errs.Is(err, errs.KindQueueFull) {
		response.WriteError(w, http.StatusServiceUnavailable, response.ErrorCodeServiceUnavailable, err.Error())
		return
	}
	response.WriteError(w, http.StatusInternalServerError, response.ErrorCodeInternalError, err.Error())
}
