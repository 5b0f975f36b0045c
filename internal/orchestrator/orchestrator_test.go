package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
	"github.com/openclass/nexusai-gateway/internal/stream"
)

type fakeEmbeddings struct {
	vec []float64
	err error
}

func (f *fakeEmbeddings) Generate(ctx context.Context, text string) ([]float64, error) {
	return f.vec, f.err
}
func (f *fakeEmbeddings) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, nil
}
func (f *fakeEmbeddings) GetDimensions() int          { return len(f.vec) }
func (f *fakeEmbeddings) HealthCheck(ctx context.Context) error { return nil }

type fakeGateway struct {
	results []storage.SearchResult
	err     error
}

func (f *fakeGateway) Initialize(ctx context.Context) error { return nil }
func (f *fakeGateway) InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error {
	return nil
}
func (f *fakeGateway) Activate(ctx context.Context, subject string, grade int, version string) error {
	return nil
}
func (f *fakeGateway) Prune(ctx context.Context, subject string, grade int, version string) error {
	return nil
}
func (f *fakeGateway) Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]storage.SearchResult, error) {
	return f.results, f.err
}
func (f *fakeGateway) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeGateway) Close() error                          { return nil }

type fakeEngine struct{ tokens []string }

func (e *fakeEngine) Load(ctx context.Context, cfg inference.Config) error { return nil }
func (e *fakeEngine) Unload(ctx context.Context) error                     { return nil }
func (e *fakeEngine) Generate(ctx context.Context, prompt string, limits inference.Limits, out chan<- inference.Fragment) {
	for _, tok := range e.tokens {
		out <- inference.Fragment{Token: tok}
	}
	out <- inference.Fragment{Done: true}
}

type fakeMetadata struct {
	storeStub
	entries []domain.ChatEntry
}

func (f *fakeMetadata) AppendChatEntry(ctx context.Context, e *domain.ChatEntry) error {
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeMetadata) ListBooksBySubject(ctx context.Context, subjectID string) ([]domain.Book, error) {
	return []domain.Book{{ID: "book-1", Title: "Biology Grade 5"}}, nil
}

func newOrchestrator(t *testing.T, gw storage.Gateway, emb *fakeEmbeddings, tokens []string) (*Orchestrator, *fakeMetadata) {
	t.Helper()
	meta := &fakeMetadata{}
	adapter := inference.New(&fakeEngine{tokens: tokens})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))

	cfg := config.ContextConfig{BudgetTokens: 2000, TopK: 5, BudgetFloor: 0}
	o := New(gw, emb, meta, adapter, nil, cfg)
	return o, meta
}

func drainEvents(ch *stream.Channel) []stream.Event {
	var events []stream.Event
	for e := range ch.Send {
		events = append(events, e)
	}
	return events
}

func TestRunHappyPathEmitsTokensThenDoneAndPersistsEntry(t *testing.T) {
	gw := &fakeGateway{results: []storage.SearchResult{
		{Chunk: domain.Chunk{BookID: "book-1", Ordinal: 1, Text: "photosynthesis uses light", TokenCount: 10}, Score: 0.9},
	}}
	emb := &fakeEmbeddings{vec: []float64{0.1, 0.2}}
	o, meta := newOrchestrator(t, gw, emb, []string{"answer"})

	req := &domain.InferenceRequest{UserID: "u1", Question: "how do plants make food?"}
	ch := stream.NewChannel()
	go o.Run(context.Background(), req, "en", ch)

	events := drainEvents(ch)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindDone, events[len(events)-1].Kind)

	require.Len(t, meta.entries, 1)
	assert.False(t, meta.entries[0].Partial)
	assert.Greater(t, meta.entries[0].Confidence, 0.0)
}

func TestRunFallsBackWhenVectorSearchFails(t *testing.T) {
	gw := &fakeGateway{err: assertErr("qdrant down")}
	emb := &fakeEmbeddings{vec: []float64{0.1}}
	o, meta := newOrchestrator(t, gw, emb, []string{"fallback answer"})

	req := &domain.InferenceRequest{UserID: "u1", Question: "what is gravity?"}
	ch := stream.NewChannel()
	go o.Run(context.Background(), req, "en", ch)

	drainEvents(ch)
	require.Len(t, meta.entries, 1)
	assert.Equal(t, 0.0, meta.entries[0].Confidence)
	assert.False(t, meta.entries[0].Partial)
}

func TestRunMarksPartialWhenEmbeddingFails(t *testing.T) {
	gw := &fakeGateway{}
	emb := &fakeEmbeddings{err: assertErr("embedding provider down")}
	o, meta := newOrchestrator(t, gw, emb, nil)

	req := &domain.InferenceRequest{UserID: "u1", Question: "what is gravity?"}
	ch := stream.NewChannel()
	go o.Run(context.Background(), req, "en", ch)

	events := drainEvents(ch)
	assert.Equal(t, stream.KindError, events[len(events)-1].Kind)
	require.Len(t, meta.entries, 1)
	assert.True(t, meta.entries[0].Partial)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

// storeStub embeds the remaining MetadataStore methods with unused
// no-op implementations so fakeMetadata only needs to override the ones
// each test exercises.
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
	return nil, nil
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
