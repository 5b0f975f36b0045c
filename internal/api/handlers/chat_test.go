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

	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/orchestrator"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
)

// storeStub satisfies store.MetadataStore with no-op behavior; chat tests
// override only the methods the orchestrator's answer path touches.
type storeStub struct{}

func (storeStub) CreateUser(ctx context.Context, u *domain.User) error { return nil }
func (storeStub) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return nil, nil
}
func (storeStub) GetUserByID(ctx context.Context, id string) (*domain.User, error) { return nil, nil }
func (storeStub) DeleteUser(ctx context.Context, id string) error                  { return nil }
func (storeStub) CreateSession(ctx context.Context, s *domain.Session) error        { return nil }
func (storeStub) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	return nil, nil
}
func (storeStub) DeleteSessionsForUser(ctx context.Context, userID string) error { return nil }
func (storeStub) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
func (storeStub) UpsertSubject(ctx context.Context, s *domain.Subject) error { return nil }
func (storeStub) GetSubjectByCode(ctx context.Context, code string, grade int) (*domain.Subject, error) {
	return nil, nil
}
func (storeStub) UpsertBook(ctx context.Context, b *domain.Book) error { return nil }
func (storeStub) ListBooksBySubject(ctx context.Context, subjectID string) ([]domain.Book, error) {
	return []domain.Book{{ID: "book-1", Title: "Biology Grade 5"}}, nil
}
func (storeStub) RecordInstall(ctx context.Context, rec *domain.VKPInstallation) error { return nil }
func (storeStub) ActiveInstallation(ctx context.Context, subject string, grade int) (*domain.VKPInstallation, error) {
	return nil, nil
}
func (storeStub) InstallationsInGrace(ctx context.Context, cutoff time.Time) ([]domain.VKPInstallation, error) {
	return nil, nil
}
func (storeStub) DeactivatePrior(ctx context.Context, subject string, grade int, exceptVersion string) error {
	return nil
}
func (storeStub) ListChatEntriesForUser(ctx context.Context, userID string, limit int) ([]domain.ChatEntry, error) {
	return nil, nil
}
func (storeStub) ListChatEntriesSince(ctx context.Context, since time.Time) ([]domain.ChatEntry, error) {
	return nil, nil
}
func (storeStub) WithTransaction(ctx context.Context, fn func(tx store.MetadataStore) error) error {
	return nil
}
func (storeStub) Migrate(ctx context.Context) error { return nil }
func (storeStub) Close() error                      { return nil }
func (storeStub) Degraded() bool                    { return false }

type chatTestEmbeddings struct{}

func (chatTestEmbeddings) Generate(ctx context.Context, text string) ([]float64, error) {
	return []float64{0.1, 0.2}, nil
}
func (chatTestEmbeddings) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, nil
}
func (chatTestEmbeddings) GetDimensions() int                       { return 2 }
func (chatTestEmbeddings) HealthCheck(ctx context.Context) error    { return nil }

type chatTestGateway struct{}

func (chatTestGateway) Initialize(ctx context.Context) error { return nil }
func (chatTestGateway) InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error {
	return nil
}
func (chatTestGateway) Activate(ctx context.Context, subject string, grade int, version string) error {
	return nil
}
func (chatTestGateway) Prune(ctx context.Context, subject string, grade int, version string) error {
	return nil
}
func (chatTestGateway) Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]storage.SearchResult, error) {
	return nil, nil
}
func (chatTestGateway) HealthCheck(ctx context.Context) error { return nil }
func (chatTestGateway) Close() error                          { return nil }

type chatTestEngine struct{}

func (chatTestEngine) Load(ctx context.Context, cfg inference.Config) error { return nil }
func (chatTestEngine) Unload(ctx context.Context) error                     { return nil }
func (chatTestEngine) Generate(ctx context.Context, prompt string, limits inference.Limits, out chan<- inference.Fragment) {
	out <- inference.Fragment{Token: "hi"}
	out <- inference.Fragment{Done: true}
}

type chatTestMetadata struct{ storeStub }

func (f *chatTestMetadata) AppendChatEntry(ctx context.Context, e *domain.ChatEntry) error { return nil }

func newTestChatHandler(t *testing.T) *ChatHandler {
	t.Helper()
	adapter := inference.New(chatTestEngine{})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))

	cfg := config.ContextConfig{BudgetTokens: 2000, TopK: 5}
	orch := orchestrator.New(chatTestGateway{}, chatTestEmbeddings{}, &chatTestMetadata{}, adapter, nil, cfg)

	var h *ChatHandler
	dispatch := dispatcher.New(2, 10, 5*time.Second, func(ctx context.Context, req *domain.InferenceRequest) error {
		return h.Worker(ctx, req)
	})
	h = NewChatHandler(dispatch, orch, "en")
	return h
}

func TestChatHandlerSubmitReturnsQueueID(t *testing.T) {
	h := newTestChatHandler(t)

	body, err := json.Marshal(submitRequest{UserID: "u1", Question: "What is photosynthesis?", SubjectID: "bio"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Submit(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded struct {
		Data submitResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.NotEmpty(t, decoded.Data.QueueID)
}

func TestChatHandlerSubmitRejectsEmptyQuestion(t *testing.T) {
	h := newTestChatHandler(t)

	body, _ := json.Marshal(submitRequest{UserID: "u1", Question: ""})
	rec := httptest.NewRecorder()
	h.Submit(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandlerPositionUnknownQueueID(t *testing.T) {
	h := newTestChatHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/chat/position?queue_id=nonexistent", nil)
	rec := httptest.NewRecorder()
	h.Position(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded struct {
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, dispatcher.PositionUnknown, decoded.Data["position"])
}
