package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/vkp"
)

// adminTestMetadata wraps storeStub, adding the installation bookkeeping
// Rollback and TriggerFullSnapshot actually touch.
type adminTestMetadata struct {
	storeStub
	inGrace []domain.VKPInstallation
}

func (m *adminTestMetadata) InstallationsInGrace(ctx context.Context, cutoff time.Time) ([]domain.VKPInstallation, error) {
	return m.inGrace, nil
}

type adminTestGateway struct{ activated bool }

func (g *adminTestGateway) Initialize(ctx context.Context) error { return nil }
func (g *adminTestGateway) InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error {
	return nil
}
func (g *adminTestGateway) Activate(ctx context.Context, subject string, grade int, version string) error {
	g.activated = true
	return nil
}
func (g *adminTestGateway) Prune(ctx context.Context, subject string, grade int, version string) error {
	return nil
}
func (g *adminTestGateway) Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]storage.SearchResult, error) {
	return nil, nil
}
func (g *adminTestGateway) HealthCheck(ctx context.Context) error { return nil }
func (g *adminTestGateway) Close() error                          { return nil }

type adminTestDownloader struct{}

func (adminTestDownloader) FetchIndex(ctx context.Context) (*vkp.RemoteIndex, error) { return &vkp.RemoteIndex{}, nil }
func (adminTestDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

type adminTestReader struct{}

func (adminTestReader) ReadChunks(r io.Reader) ([]domain.Chunk, error) { return nil, nil }

type adminTestDBPath struct{ path string }

func (d adminTestDBPath) DBPath() string { return d.path }

func newTestAdminHandler(t *testing.T) (*AdminHandler, *adminTestGateway) {
	t.Helper()

	dispatch := dispatcher.New(2, 10, 5*time.Second, func(ctx context.Context, req *domain.InferenceRequest) error { return nil })

	gw := &adminTestGateway{}
	metadata := &adminTestMetadata{inGrace: []domain.VKPInstallation{
		{Subject: "biology", Grade: 5, Version: "v1"},
	}}
	vkpMgr := vkp.New(gw, metadata, adminTestDownloader{}, adminTestReader{}, nil, config.VKPConfig{GraceDays: 7})

	dbFile := filepath.Join(t.TempDir(), "metadata.db")
	require.NoError(t, os.WriteFile(dbFile, []byte("fake-sqlite-contents"), 0o600))
	snapshots := resilience.NewSnapshotManager(metadata, adminTestDBPath{path: dbFile}, t.TempDir(), 30)

	adapter := inference.New(chatTestEngine{})
	require.NoError(t, adapter.Load(context.Background(), inference.Config{}))
	supervisor := resilience.New(metadata, gw, adapter, dispatch, nil, snapshots, nil, resilience.Config{})

	return NewAdminHandler(dispatch, vkpMgr, supervisor), gw
}

func TestAdminHandlerQueueStats(t *testing.T) {
	h, _ := newTestAdminHandler(t)

	rec := httptest.NewRecorder()
	h.QueueStats(rec, httptest.NewRequest(http.MethodGet, "/admin/queue", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminHandlerRollbackActivatesInGraceVersion(t *testing.T) {
	h, gw := newTestAdminHandler(t)

	body, err := json.Marshal(rollbackRequest{Subject: "biology", Grade: 5, Version: "v1"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Rollback(rec, httptest.NewRequest(http.MethodPost, "/admin/rollback", bytes.NewReader(body)))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, gw.activated)
}

func TestAdminHandlerRollbackRejectsUnknownVersion(t *testing.T) {
	h, _ := newTestAdminHandler(t)

	body, _ := json.Marshal(rollbackRequest{Subject: "biology", Grade: 5, Version: "not-in-grace"})
	rec := httptest.NewRecorder()
	h.Rollback(rec, httptest.NewRequest(http.MethodPost, "/admin/rollback", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminHandlerSnapshotWritesArchive(t *testing.T) {
	h, _ := newTestAdminHandler(t)

	rec := httptest.NewRecorder()
	h.Snapshot(rec, httptest.NewRequest(http.MethodPost, "/admin/snapshot", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var decoded struct {
		Data resilience.SnapshotMetadata `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, "full", decoded.Data.Kind)
	assert.FileExists(t, decoded.Data.Path)
}
