package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/openclass/nexusai-gateway/internal/api/response"
	"github.com/openclass/nexusai-gateway/internal/auth"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
)

// AuthHandler exposes C11 registration, login, and logout over HTTP.
type AuthHandler struct {
	manager *auth.Manager
}

func NewAuthHandler(manager *auth.Manager) *AuthHandler {
	return &AuthHandler{manager: manager}
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrorCodeBadRequest, "invalid request body")
		return
	}

	user, err := h.manager.Register(r.Context(), req.Username, req.Password, req.DisplayName, domain.Role(req.Role))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	response.WriteSuccess(w, map[string]string{"user_id": user.ID}, "user registered")
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrorCodeBadRequest, "invalid request body")
		return
	}

	session, err := h.manager.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	response.WriteSuccess(w, loginResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.Format(timeFormat),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		response.WriteError(w, http.StatusUnauthorized, response.ErrorCodeUnauthorized, "missing session token")
		return
	}
	if err := h.manager.Logout(r.Context(), token); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, err error) {
	if errs.Is(err, errs.KindUnauthorized) {
		response.WriteError(w, http.StatusUnauthorized, response.ErrorCodeUnauthorized, err.Error())
		return
	}
	response.WriteError(w, http.StatusBadRequest, response.ErrorCodeBadRequest, err.Error())
}
