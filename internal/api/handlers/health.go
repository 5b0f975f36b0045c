// Package handlers provides HTTP request handlers for the gateway's API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openclass/nexusai-gateway/internal/resilience"
)

// HealthHandler exposes C10's probe over HTTP for load balancers and
// operator tooling.
type HealthHandler struct {
	supervisor *resilience.Supervisor
	startedAt  time.Time
}

func NewHealthHandler(supervisor *resilience.Supervisor) *HealthHandler {
	return &HealthHandler{supervisor: supervisor, startedAt: time.Now()}
}

type healthResponse struct {
	Status string                  `json:"status"`
	Uptime string                  `json:"uptime"`
	Checks resilience.HealthStatus `json:"checks"`
}

// Handle runs a full probe cycle and reports pass/fail per dependency.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	status := h.supervisor.Probe(r.Context())
	resp := healthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startedAt).String(),
		Checks: status,
	}
	if !status.Healthy() {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleLiveness is a cheap process-is-up check with no dependency probes,
// for the load balancer's fast path.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

// HandleReadiness is HandleLiveness plus the full dependency probe,
// reporting whether the gateway should receive traffic.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	h.Handle(w, r)
}
