package api

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

	"github.com/openclass/nexusai-gateway/internal/api/handlers"
	"github.com/openclass/nexusai-gateway/internal/auth"
	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/embeddings"
	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/orchestrator"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
	"github.com/openclass/nexusai-gateway/internal/vkp"
)

type routerUserStore struct{ users map[string]*domain.User }

func (s *routerUserStore) CreateUser(ctx context.Context, u *domain.User) error {
	s.users[u.Username] = u
	return nil
}
func (s *routerUserStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}
func (s *routerUserStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, assert.AnError
}
func (s *routerUserStore) DeleteUser(ctx context.Context, id string) error { return nil }

type routerSessionStore struct{ sessions map[string]*domain.Session }

func (s *routerSessionStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	s.sessions[sess.Token] = sess
	return nil
}
func (s *routerSessionStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return nil, assert.AnError
	}
	return sess, nil
}
func (s *routerSessionStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	return nil
}
func (s *routerSessionStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type routerMetadata struct{ store.MetadataStore }

func (routerMetadata) Degraded() bool { return false }
func (routerMetadata) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type routerGateway struct{ storage.Gateway }

func (routerGateway) HealthCheck(ctx context.Context) error { return nil }

type routerEmbeddings struct{}

func (routerEmbeddings) Generate(ctx context.Context, text string) ([]float64, error) {
	return []float64{0.1}, nil
}
func (routerEmbeddings) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, nil
}
func (routerEmbeddings) GetDimensions() int                    { return 1 }
func (routerEmbeddings) HealthCheck(ctx context.Context) error { return nil }

type routerEngine struct{}

func (routerEngine) Load(ctx context.Context, cfg inference.Config) error { return nil }
func (routerEngine) Unload(ctx context.Context) error                     { return nil }
func (routerEngine) Generate(ctx context.Context, prompt string, limits inference.Limits, out chan<- inference.Fragment) {
	out <- inference.Fragment{Token: "ok"}
	out <- inference.Fragment{Done: true}
}

// newTestRouter builds a full Router wired against in-memory fakes, the
// same lifecycle cmd/server assembles against real stores.
func newTestRouter(t *testing.T) (*Router, *auth.Manager) {
	t.Helper()

	users := &routerUserStore{users: map[string]*domain.User{}}
	sessions := &routerSessionStore{sessions: map[string]*domain.Session{}}
	authManager := auth.NewManager(users, sessions, time.Hour)

	adapter := inference.New(routerEngine{})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))

	var chat *handlers.ChatHandler
	dispatch := dispatcher.New(2, 10, 5*time.Second, func(ctx context.Context, req *domain.InferenceRequest) error {
		return chat.Worker(ctx, req)
	})

	var embedSvc embeddings.EmbeddingService = routerEmbeddings{}
	orch := orchestrator.New(routerGateway{}, embedSvc, routerMetadata{}, adapter, nil, config.ContextConfig{BudgetTokens: 2000, TopK: 5})
	chat = handlers.NewChatHandler(dispatch, orch, "en")

	vkpMgr := vkp.New(routerGateway{}, routerMetadata{}, nil, nil, nil, config.VKPConfig{GraceDays: 7})
	supervisor := resilience.New(routerMetadata{}, routerGateway{}, adapter, dispatch, nil, nil, nil, resilience.Config{})

	cfg := &config.Config{Server: config.ServerConfig{Host: "localhost", Port: 8080}}
	router := NewRouter(cfg, Dependencies{
		AuthManager: authManager,
		Dispatch:    dispatch,
		Chat:        chat,
		VKP:         vkpMgr,
		Supervisor:  supervisor,
	})
	return router, authManager
}

func TestRouterHealthIsPublic(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterChatRequiresSession(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{"user_id": "u1", "question": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterAdminRejectsStudentRole(t *testing.T) {
	router, authManager := newTestRouter(t)

	_, err := authManager.Register(context.Background(), "student1", "password1", "Student One", domain.RoleStudent)
	require.NoError(t, err)
	session, err := authManager.Login(context.Background(), "student1", "password1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterAdminAllowsTeacherRole(t *testing.T) {
	router, authManager := newTestRouter(t)

	_, err := authManager.Register(context.Background(), "teach1", "password1", "Teacher One", domain.RoleTeacher)
	require.NoError(t, err)
	session, err := authManager.Login(context.Background(), "teach1", "password1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/queue", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
