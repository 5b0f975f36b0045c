package vkp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
)

type fakeDownloader struct {
	index   *RemoteIndex
	indexErr error
	bodies  map[string]string
	downloadErr error
}

func (f *fakeDownloader) FetchIndex(ctx context.Context) (*RemoteIndex, error) {
	return f.index, f.indexErr
}

func (f *fakeDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return io.NopCloser(bytes.NewBufferString(f.bodies[url])), nil
}

type fakeReader struct {
	chunks []domain.Chunk
	err    error
}

func (f *fakeReader) ReadChunks(r io.Reader) ([]domain.Chunk, error) {
	return f.chunks, f.err
}

type fakeGateway struct {
	installed  []string
	activated  []string
	pruned     []string
	installErr error
	activateErr error
}

func (f *fakeGateway) Initialize(ctx context.Context) error { return nil }
func (f *fakeGateway) InstallStaged(ctx context.Context, subject string, grade int, version string, chunks []domain.Chunk) error {
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = append(f.installed, version)
	return nil
}
func (f *fakeGateway) Activate(ctx context.Context, subject string, grade int, version string) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = append(f.activated, version)
	return nil
}
func (f *fakeGateway) Prune(ctx context.Context, subject string, grade int, version string) error {
	f.pruned = append(f.pruned, version)
	return nil
}
func (f *fakeGateway) Search(ctx context.Context, subject string, grade int, embedding []float32, topK int) ([]storage.SearchResult, error) {
	return nil, nil
}
func (f *fakeGateway) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeGateway) Close() error                          { return nil }

type fakeMetadata struct {
	store.MetadataStore
	active    *domain.VKPInstallation
	inGrace   []domain.VKPInstallation
	recorded  []domain.VKPInstallation
	deactivated []string
}

func (f *fakeMetadata) ActiveInstallation(ctx context.Context, subject string, grade int) (*domain.VKPInstallation, error) {
	return f.active, nil
}

func (f *fakeMetadata) InstallationsInGrace(ctx context.Context, cutoff time.Time) ([]domain.VKPInstallation, error) {
	return f.inGrace, nil
}

func (f *fakeMetadata) RecordInstall(ctx context.Context, rec *domain.VKPInstallation) error {
	f.recorded = append(f.recorded, *rec)
	return nil
}

func (f *fakeMetadata) DeactivatePrior(ctx context.Context, subject string, grade int, exceptVersion string) error {
	f.deactivated = append(f.deactivated, exceptVersion)
	return nil
}

func (f *fakeMetadata) WithTransaction(ctx context.Context, fn func(tx store.MetadataStore) error) error {
	return fn(f)
}

func cfg() config.VKPConfig {
	return config.VKPConfig{
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
		GraceDays:      7,
	}
}

func TestInstallSubjectSkipsAlreadyInstalledVersions(t *testing.T) {
	gw := &fakeGateway{}
	meta := &fakeMetadata{active: &domain.VKPInstallation{Subject: "bio", Grade: 5, Version: "1.0.0"}}
	dl := &fakeDownloader{index: &RemoteIndex{Packages: []PackageManifest{
		{Subject: "bio", Grade: 5, Version: "1.0.0", URL: "http://x/1.0.0", IntegrityHash: "irrelevant"},
	}}}
	reader := &fakeReader{}

	m := New(gw, meta, dl, reader, []Subscription{{Subject: "bio", Grade: 5}}, cfg())
	require.NoError(t, m.installSubject(context.Background(), Subscription{Subject: "bio", Grade: 5}))

	assert.Empty(t, gw.installed)
}

func TestInstallSubjectInstallsNewVersionInOrder(t *testing.T) {
	gw := &fakeGateway{}
	meta := &fakeMetadata{}
	body := "irrelevant body"
	hash := sha256Hex(body)

	dl := &fakeDownloader{
		index: &RemoteIndex{Packages: []PackageManifest{
			{Subject: "bio", Grade: 5, Version: "1.1.0", URL: "http://x/1.1.0", IntegrityHash: hash},
			{Subject: "bio", Grade: 5, Version: "1.0.0", URL: "http://x/1.0.0", IntegrityHash: hash},
		}},
		bodies: map[string]string{"http://x/1.1.0": body, "http://x/1.0.0": body},
	}
	reader := &fakeReader{chunks: []domain.Chunk{{ID: "c1", BookID: "book-1"}}}

	m := New(gw, meta, dl, reader, []Subscription{{Subject: "bio", Grade: 5}}, cfg())
	require.NoError(t, m.installSubject(context.Background(), Subscription{Subject: "bio", Grade: 5}))

	require.Len(t, gw.installed, 2)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, gw.installed, "oldest version installs first")
	assert.Equal(t, gw.installed, gw.activated)
	require.Len(t, meta.recorded, 2)
}

func TestInstallOneRejectsIntegrityMismatch(t *testing.T) {
	gw := &fakeGateway{}
	meta := &fakeMetadata{}
	dl := &fakeDownloader{bodies: map[string]string{"http://x/1.0.0": "actual body"}}
	reader := &fakeReader{}

	m := New(gw, meta, dl, reader, nil, cfg())
	err := m.installOne(context.Background(), PackageManifest{
		Subject: "bio", Grade: 5, Version: "1.0.0", URL: "http://x/1.0.0", IntegrityHash: "deadbeef",
	})

	require.Error(t, err)
	assert.Empty(t, gw.installed)
}

func TestInstallOneDiscardsStagedCollectionOnActivationFailure(t *testing.T) {
	gw := &fakeGateway{activateErr: assertErr("alias swap failed")}
	meta := &fakeMetadata{}
	body := "irrelevant body"
	hash := sha256Hex(body)
	dl := &fakeDownloader{bodies: map[string]string{"http://x/1.0.0": body}}
	reader := &fakeReader{chunks: []domain.Chunk{{ID: "c1"}}}

	m := New(gw, meta, dl, reader, nil, cfg())
	err := m.installOne(context.Background(), PackageManifest{
		Subject: "bio", Grade: 5, Version: "1.0.0", URL: "http://x/1.0.0", IntegrityHash: hash,
	})

	require.Error(t, err)
	assert.Contains(t, gw.pruned, "1.0.0")
	assert.Empty(t, meta.recorded)
}

func TestRollbackRejectsVersionOutsideGrace(t *testing.T) {
	gw := &fakeGateway{}
	meta := &fakeMetadata{inGrace: nil}
	m := New(gw, meta, &fakeDownloader{}, &fakeReader{}, nil, cfg())

	err := m.Rollback(context.Background(), "bio", 5, "0.9.0")
	require.Error(t, err)
	assert.Empty(t, gw.activated)
}

func TestRollbackActivatesVersionWithinGrace(t *testing.T) {
	gw := &fakeGateway{}
	meta := &fakeMetadata{inGrace: []domain.VKPInstallation{
		{Subject: "bio", Grade: 5, Version: "0.9.0"},
	}}
	m := New(gw, meta, &fakeDownloader{}, &fakeReader{}, nil, cfg())

	require.NoError(t, m.Rollback(context.Background(), "bio", 5, "0.9.0"))
	assert.Equal(t, []string{"0.9.0"}, gw.activated)
	assert.Equal(t, []string{"0.9.0"}, meta.deactivated)
}

func TestPruneExpiredSkipsActiveInstallations(t *testing.T) {
	gw := &fakeGateway{}
	meta := &fakeMetadata{inGrace: []domain.VKPInstallation{
		{Subject: "bio", Grade: 5, Version: "1.0.0", Active: true},
		{Subject: "bio", Grade: 5, Version: "0.9.0", Active: false},
	}}
	m := New(gw, meta, &fakeDownloader{}, &fakeReader{}, nil, cfg())

	m.PruneExpired(context.Background())
	assert.Equal(t, []string{"0.9.0"}, gw.pruned)
}

func TestCompareVersionsOrdersNumerically(t *testing.T) {
	assert.True(t, compareVersions("1.2.9", "1.2.10") < 0)
	assert.True(t, compareVersions("2.0.0", "1.9.9") > 0)
	assert.Equal(t, 0, compareVersions("1.0.0", "1.0.0"))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
