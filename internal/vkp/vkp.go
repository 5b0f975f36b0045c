// Package vkp implements C8, the VKP Lifecycle Manager: a scheduled puller
// that discovers, downloads, integrity-checks, and atomically installs
// Versioned Knowledge Packages into C2 (vector store) and C1 (metadata
// store), serialized per (subject, grade), with rollback to a prior
// in-grace version (§4.8).
package vkp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/logging"
	"github.com/openclass/nexusai-gateway/internal/retry"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
)

// PackageManifest describes one installable (subject, grade, version)
// package as listed by the remote package index.
type PackageManifest struct {
	Subject          string `yaml:"subject"`
	Grade            int    `yaml:"grade"`
	Version          string `yaml:"version"`
	URL              string `yaml:"url"`
	IntegrityHash    string `yaml:"integrity_hash"`
	DeltaFromVersion string `yaml:"delta_from_version,omitempty"`
	DeltaURL         string `yaml:"delta_url,omitempty"`
}

// RemoteIndex is the decoded shape of the remote package index document.
type RemoteIndex struct {
	Packages []PackageManifest `yaml:"packages"`
}

// Downloader is the external collaborator C8 pulls from: the cloud control
// plane's package index and package bytes. Out of scope per spec.md §1
// ("cloud-side PDF ingestion"); this package only consumes the contract.
type Downloader interface {
	FetchIndex(ctx context.Context) (*RemoteIndex, error)
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// PackageReader turns the raw bytes behind a manifest's URL into the
// chunks C2 will index. Isolated from Downloader so tests can fake
// transport and decoding independently.
type PackageReader interface {
	ReadChunks(r io.Reader) ([]domain.Chunk, error)
}

// Subscription names one (subject, grade) pair the edge pulls updates for.
type Subscription struct {
	Subject string
	Grade   int
}

// Manager runs the C8 discover/filter/download/integrity-check/install/
// activate cycle on a schedule and exposes an operator-triggered Rollback.
type Manager struct {
	gateway    storage.Gateway
	metadata   store.MetadataStore
	downloader Downloader
	reader     PackageReader
	subs       []Subscription
	cfg        config.VKPConfig
	log        *logging.EnhancedLogger

	locks sync.Map // (subject,grade) key -> *sync.Mutex, serializes installs per pair
}

func New(gateway storage.Gateway, metadata store.MetadataStore, downloader Downloader, reader PackageReader, subs []Subscription, cfg config.VKPConfig) *Manager {
	return &Manager{
		gateway:    gateway,
		metadata:   metadata,
		downloader: downloader,
		reader:     reader,
		subs:       subs,
		cfg:        cfg,
		log:        logging.GetComponentLogger("vkp"),
	}
}

// Run ticks at cfg.PollInterval (default hourly, §4.8) until ctx is
// cancelled, running one full cycle per tick plus a grace-expiry prune.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
			m.PruneExpired(ctx)
		}
	}
}

// RunOnce drives a single discover-through-activate cycle across every
// subscribed (subject, grade), each pair installing independently and
// concurrently (§4.8 concurrency: per-pair serialization, cross-pair
// parallelism).
func (m *Manager) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sub := range m.subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			if err := m.installSubject(ctx, sub); err != nil {
				m.log.WithContext(ctx).Error("vkp install cycle failed",
					"subject", sub.Subject, "grade", sub.Grade, "error", err.Error())
			}
		}(sub)
	}
	wg.Wait()
}

func lockKey(subject string, grade int) string {
	return subject + "/" + strconv.Itoa(grade)
}

func (m *Manager) lockFor(subject string, grade int) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(lockKey(subject, grade), &sync.Mutex{})
	return v.(*sync.Mutex)
}

// installSubject discovers, filters, and installs every not-yet-installed
// candidate version for one (subject, grade), oldest-first (§4.8 step 3).
func (m *Manager) installSubject(ctx context.Context, sub Subscription) error {
	lock := m.lockFor(sub.Subject, sub.Grade)
	lock.Lock()
	defer lock.Unlock()

	index, err := m.downloader.FetchIndex(ctx)
	if err != nil {
		return errs.Wrap(errs.KindResourceUnavailable, "fetch package index failed", err)
	}

	installed, err := m.installedVersions(ctx, sub)
	if err != nil {
		return err
	}

	candidates := make([]PackageManifest, 0)
	for _, pkg := range index.Packages {
		if pkg.Subject != sub.Subject || pkg.Grade != sub.Grade {
			continue
		}
		if installed[pkg.Version] {
			continue
		}
		candidates = append(candidates, pkg)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return compareVersions(candidates[i].Version, candidates[j].Version) < 0
	})

	for _, pkg := range candidates {
		if err := m.installOne(ctx, pkg); err != nil {
			m.log.WithContext(ctx).Error("vkp candidate install failed",
				"subject", pkg.Subject, "grade", pkg.Grade, "version", pkg.Version, "error", err.Error())
			continue
		}
	}
	return nil
}

// installedVersions reports every version already recorded for (subject,
// grade), active or retained within grace, so the discover step can skip
// what's already present (§4.8 step 2).
func (m *Manager) installedVersions(ctx context.Context, sub Subscription) (map[string]bool, error) {
	seen := make(map[string]bool)

	active, err := m.metadata.ActiveInstallation(ctx, sub.Subject, sub.Grade)
	if err != nil {
		return nil, errs.Wrap(errs.KindResourceUnavailable, "read active installation failed", err)
	}
	if active != nil {
		seen[active.Version] = true
	}

	inGrace, err := m.metadata.InstallationsInGrace(ctx, time.Now().AddDate(0, 0, -m.graceDays()))
	if err != nil {
		return nil, errs.Wrap(errs.KindResourceUnavailable, "read grace-period installations failed", err)
	}
	for _, rec := range inGrace {
		if rec.Subject == sub.Subject && rec.Grade == sub.Grade {
			seen[rec.Version] = true
		}
	}
	return seen, nil
}

// installOne downloads, integrity-checks, and installs a single candidate
// (§4.8 step 3a-3e). An integrity failure is terminal for this candidate
// only, never the whole cycle.
func (m *Manager) installOne(ctx context.Context, pkg PackageManifest) error {
	body, err := m.downloadWithRetry(ctx, pkg.URL)
	if err != nil {
		return errs.Wrap(errs.KindResourceUnavailable, "download failed after retries", err)
	}
	defer body.Close()

	raw, hash, err := hashWhileReading(body)
	if err != nil {
		return errs.Wrap(errs.KindResourceUnavailable, "read package body failed", err)
	}
	if !strings.EqualFold(hash, pkg.IntegrityHash) {
		return errs.New(errs.KindIntegrityFailure, fmt.Sprintf("integrity mismatch for %s/%d %s", pkg.Subject, pkg.Grade, pkg.Version))
	}

	chunks, err := m.reader.ReadChunks(strings.NewReader(string(raw)))
	if err != nil {
		return errs.Wrap(errs.KindIntegrityFailure, "decode package chunks failed", err)
	}

	if err := m.gateway.InstallStaged(ctx, pkg.Subject, pkg.Grade, pkg.Version, chunks); err != nil {
		return err
	}

	if err := m.gateway.Activate(ctx, pkg.Subject, pkg.Grade, pkg.Version); err != nil {
		// Activation failed: discard the staged collection rather than
		// leave an orphaned, never-queried collection behind (§4.8 step 3d).
		if pruneErr := m.gateway.Prune(ctx, pkg.Subject, pkg.Grade, pkg.Version); pruneErr != nil {
			m.log.WithContext(ctx).Warn("discard of failed staged install also failed",
				"subject", pkg.Subject, "grade", pkg.Grade, "version", pkg.Version, "error", pruneErr.Error())
		}
		return errs.Wrap(errs.KindIntegrityFailure, "activation failed, staged collection discarded", err)
	}

	rec := &domain.VKPInstallation{
		ID:            uuid.New().String(),
		Subject:       pkg.Subject,
		Grade:         pkg.Grade,
		Version:       pkg.Version,
		IntegrityHash: pkg.IntegrityHash,
		InstalledAt:   time.Now(),
		ChunkCount:    len(chunks),
		Active:        true,
	}
	return m.metadata.WithTransaction(ctx, func(tx store.MetadataStore) error {
		if err := tx.RecordInstall(ctx, rec); err != nil {
			return err
		}
		return tx.DeactivatePrior(ctx, pkg.Subject, pkg.Grade, pkg.Version)
	})
}

func (m *Manager) downloadWithRetry(ctx context.Context, url string) (io.ReadCloser, error) {
	cfg := &retry.Config{
		MaxAttempts:     m.maxRetries(),
		InitialDelay:    m.retryBaseDelay(),
		MaxDelay:        m.retryMaxDelay(),
		Multiplier:      2.0,
		RandomizeFactor: 0.3,
		RetryIf:         retry.DefaultRetryIf,
	}
	r := retry.New(cfg)

	var body io.ReadCloser
	result := r.Do(ctx, func(ctx context.Context) error {
		b, err := m.downloader.Download(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return body, nil
}

func (m *Manager) maxRetries() int {
	if m.cfg.MaxRetries > 0 {
		return m.cfg.MaxRetries
	}
	return 5
}

func (m *Manager) retryBaseDelay() time.Duration {
	if m.cfg.RetryBaseDelay > 0 {
		return m.cfg.RetryBaseDelay
	}
	return time.Second
}

func (m *Manager) retryMaxDelay() time.Duration {
	if m.cfg.RetryMaxDelay > 0 {
		return m.cfg.RetryMaxDelay
	}
	return 60 * time.Second
}

func (m *Manager) graceDays() int {
	if m.cfg.GraceDays > 0 {
		return m.cfg.GraceDays
	}
	return 7
}

// Rollback reverts (subject, grade) to a prior version, provided it is
// still within grace (§4.8 Rollback).
func (m *Manager) Rollback(ctx context.Context, subject string, grade int, version string) error {
	lock := m.lockFor(subject, grade)
	lock.Lock()
	defer lock.Unlock()

	inGrace, err := m.metadata.InstallationsInGrace(ctx, time.Now().AddDate(0, 0, -m.graceDays()))
	if err != nil {
		return errs.Wrap(errs.KindResourceUnavailable, "read grace-period installations failed", err)
	}
	found := false
	for _, rec := range inGrace {
		if rec.Subject == subject && rec.Grade == grade && rec.Version == version {
			found = true
			break
		}
	}
	if !found {
		return errs.New(errs.KindIntegrityFailure, "version is not within grace, cannot roll back")
	}

	if err := m.gateway.Activate(ctx, subject, grade, version); err != nil {
		return errs.Wrap(errs.KindIntegrityFailure, "rollback activation failed", err)
	}
	return m.metadata.WithTransaction(ctx, func(tx store.MetadataStore) error {
		return tx.DeactivatePrior(ctx, subject, grade, version)
	})
}

// PruneExpired discards the staged vector collections for every installed
// version whose grace period has elapsed (§4.8 step 4). Installation
// records themselves are retained as an audit trail; only the vector
// store collection is deleted.
func (m *Manager) PruneExpired(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -m.graceDays())
	// With the zero time, InstallationsInGrace returns every inactive
	// installation; those installed at or after cutoff are still in grace.
	installs, err := m.metadata.InstallationsInGrace(ctx, time.Time{})
	if err != nil {
		m.log.WithContext(ctx).Warn("prune: read installations failed", "error", err.Error())
		return
	}
	for _, rec := range installs {
		if rec.Active || !rec.InstalledAt.Before(cutoff) {
			continue
		}
		if err := m.gateway.Prune(ctx, rec.Subject, rec.Grade, rec.Version); err != nil {
			m.log.WithContext(ctx).Warn("prune failed",
				"subject", rec.Subject, "grade", rec.Grade, "version", rec.Version, "error", err.Error())
		}
	}
}

func hashWhileReading(r io.Reader) ([]byte, string, error) {
	h := sha256.New()
	raw, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return nil, "", err
	}
	return raw, hex.EncodeToString(h.Sum(nil)), nil
}

// compareVersions orders dotted numeric versions ("1.2.10" > "1.2.9")
// without pulling in a semver dependency the pack doesn't carry.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}
