package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/openclass/nexusai-gateway/internal/api/response"
	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/vkp"
)

// AdminHandler exposes operator-only endpoints over C5 stats, C8 rollback,
// and C10 on-demand snapshots. Authorization (teacher/admin role) is
// enforced by RequireRole in the router, not here.
type AdminHandler struct {
	dispatch   *dispatcher.Dispatcher
	vkp        *vkp.Manager
	supervisor *resilience.Supervisor
}

func NewAdminHandler(dispatch *dispatcher.Dispatcher, vkpMgr *vkp.Manager, supervisor *resilience.Supervisor) *AdminHandler {
	return &AdminHandler{dispatch: dispatch, vkp: vkpMgr, supervisor: supervisor}
}

// QueueStats reports C5's current Stats() (§4.5).
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, h.dispatch.Stats())
}

type rollbackRequest struct {
	Subject string `json:"subject"`
	Grade   int    `json:"grade"`
	Version string `json:"version"`
}

// Rollback activates a previously-installed, still-in-grace VKP version
// over the current one (§4.8).
func (h *AdminHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var body rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrorCodeBadRequest, "invalid request body")
		return
	}
	if err := h.vkp.Rollback(r.Context(), body.Subject, body.Grade, body.Version); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrorCodeBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Snapshot triggers an out-of-band full snapshot, for operators about to
// perform maintenance rather than waiting for the weekly schedule.
func (h *AdminHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	meta, err := h.supervisor.TriggerFullSnapshot(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, response.ErrorCodeInternalError, err.Error())
		return
	}
	response.WriteSuccess(w, meta)
}
