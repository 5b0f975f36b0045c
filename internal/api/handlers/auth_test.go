package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/auth"
	"github.com/openclass/nexusai-gateway/internal/domain"
)

type memUserStore struct {
	byUsername map[string]*domain.User
	byID       map[string]*domain.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{byUsername: map[string]*domain.User{}, byID: map[string]*domain.User{}}
}

func (s *memUserStore) CreateUser(ctx context.Context, u *domain.User) error {
	s.byUsername[u.Username] = u
	s.byID[u.ID] = u
	return nil
}
func (s *memUserStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, ok := s.byUsername[username]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}
func (s *memUserStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	u, ok := s.byID[id]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}
func (s *memUserStore) DeleteUser(ctx context.Context, id string) error {
	delete(s.byID, id)
	return nil
}

type memSessionStore struct {
	byToken map[string]*domain.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{byToken: map[string]*domain.Session{}}
}

func (s *memSessionStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	s.byToken[sess.Token] = sess
	return nil
}
func (s *memSessionStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	sess, ok := s.byToken[token]
	if !ok {
		return nil, assert.AnError
	}
	return sess, nil
}
func (s *memSessionStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	for token, sess := range s.byToken {
		if sess.UserID == userID {
			delete(s.byToken, token)
		}
	}
	return nil
}
func (s *memSessionStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func newTestAuthHandler() *AuthHandler {
	manager := auth.NewManager(newMemUserStore(), newMemSessionStore(), time.Hour)
	return NewAuthHandler(manager)
}

func TestAuthHandlerRegisterAndLogin(t *testing.T) {
	h := newTestAuthHandler()

	body, err := json.Marshal(registerRequest{Username: "ada", Password: "s3cret!", DisplayName: "Ada", Role: string(domain.RoleStudent)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Register(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	loginBody, err := json.Marshal(loginRequest{Username: "ada", Password: "s3cret!"})
	require.NoError(t, err)

	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	h.Login(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	var decoded struct {
		Data loginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &decoded))
	assert.NotEmpty(t, decoded.Data.Token)
}

func TestAuthHandlerLoginRejectsBadPassword(t *testing.T) {
	h := newTestAuthHandler()

	registerBody, _ := json.Marshal(registerRequest{Username: "ada", Password: "s3cret!", Role: string(domain.RoleStudent)})
	h.Register(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(registerBody)))

	loginBody, _ := json.Marshal(loginRequest{Username: "ada", Password: "wrong"})
	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(loginBody)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandlerLogoutRequiresBearerToken(t *testing.T) {
	h := newTestAuthHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	h.Logout(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
