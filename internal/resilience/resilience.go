// Package resilience implements C10, the Resilience Supervisor: periodic
// full/incremental snapshots, a 30s health probe across C1/C2/C4/C5, and
// crash-restart recovery that idempotently replays the degraded-mode
// spill buffer before the daemon accepts traffic (§4.10).
package resilience

import (
	"context"
	"time"

	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/inference"
	"github.com/openclass/nexusai-gateway/internal/logging"
	"github.com/openclass/nexusai-gateway/internal/storage"
	"github.com/openclass/nexusai-gateway/internal/store"
)

// HealthStatus is the outcome of one probe cycle across every dependency
// C10 watches.
type HealthStatus struct {
	MetadataOK    bool
	VectorOK      bool
	InferenceOK   bool
	QueueDepthOK  bool
	Errors        []string
}

// Healthy reports whether every probed dependency passed.
func (h HealthStatus) Healthy() bool {
	return h.MetadataOK && h.VectorOK && h.InferenceOK && h.QueueDepthOK
}

// AlertSink receives a HealthStatus whenever a probe fails, the hook
// point for whatever paging/notification channel an operator wires up;
// left nil-safe so tests and small deployments can skip it.
type AlertSink interface {
	Alert(status HealthStatus)
}

// Supervisor runs C10's background jobs: the 30s health probe, the
// weekly/daily snapshot schedule, and the spill-buffer replay that gates
// startup after a crash restart.
type Supervisor struct {
	metadata         store.MetadataStore
	vectors          storage.Gateway
	inference        *inference.Adapter
	dispatch         *dispatcher.Dispatcher
	spill            *store.SpillBuffer
	snapshots        *SnapshotManager
	alerts           AlertSink

	queueDepthWarning int
	probeInterval     time.Duration
	snapshotInterval  time.Duration
	incrementalEvery  time.Duration

	log *logging.EnhancedLogger
}

type Config struct {
	ProbeInterval     time.Duration // default 30s
	SnapshotInterval  time.Duration // default weekly
	IncrementalEvery  time.Duration // default daily
	QueueDepthWarning int
}

func New(metadata store.MetadataStore, vectors storage.Gateway, infer *inference.Adapter, dispatch *dispatcher.Dispatcher, spill *store.SpillBuffer, snapshots *SnapshotManager, alerts AlertSink, cfg Config) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 7 * 24 * time.Hour
	}
	if cfg.IncrementalEvery <= 0 {
		cfg.IncrementalEvery = 24 * time.Hour
	}
	if cfg.QueueDepthWarning <= 0 {
		cfg.QueueDepthWarning = 100
	}
	return &Supervisor{
		metadata:          metadata,
		vectors:           vectors,
		inference:         infer,
		dispatch:          dispatch,
		spill:             spill,
		snapshots:         snapshots,
		alerts:            alerts,
		queueDepthWarning: cfg.QueueDepthWarning,
		probeInterval:     cfg.ProbeInterval,
		snapshotInterval:  cfg.SnapshotInterval,
		incrementalEvery:  cfg.IncrementalEvery,
		log:               logging.GetComponentLogger("resilience"),
	}
}

// RecoverFromCrash replays the spill buffer into the metadata store. The
// daemon must call this, and wait for it to return, before accepting
// traffic on restart (§4.10 auto-restart). Replay is idempotent: entries
// that fail to write are retried on the next call rather than lost.
func (s *Supervisor) RecoverFromCrash(ctx context.Context) error {
	if s.spill == nil {
		return nil
	}
	n, err := s.spill.Drain(ctx, s.metadata)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.WithContext(ctx).Info("replayed spilled chat entries", "count", n)
	}
	return nil
}

// Run starts the health-probe loop and the snapshot schedule, blocking
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	go s.runProbeLoop(ctx)
	go s.runSnapshotLoop(ctx)
	<-ctx.Done()
}

func (s *Supervisor) runProbeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.Probe(ctx)
			if !status.Healthy() && s.alerts != nil {
				s.alerts.Alert(status)
			}
		}
	}
}

// Probe runs one health-check cycle: C1 round-trip, C2 round-trip, C4
// loaded, and Dispatcher depth under the warning threshold (§4.10).
func (s *Supervisor) Probe(ctx context.Context) HealthStatus {
	var status HealthStatus

	if err := s.probeMetadata(ctx); err != nil {
		status.Errors = append(status.Errors, "metadata: "+err.Error())
	} else {
		status.MetadataOK = true
	}

	if err := s.vectors.HealthCheck(ctx); err != nil {
		status.Errors = append(status.Errors, "vectors: "+err.Error())
	} else {
		status.VectorOK = true
	}

	if s.inference == nil || s.inference.Loaded() {
		status.InferenceOK = true
	} else {
		status.Errors = append(status.Errors, "inference: model not loaded")
	}

	if s.dispatch == nil || s.dispatch.Stats().Depth < s.queueDepthWarning {
		status.QueueDepthOK = true
	} else {
		status.Errors = append(status.Errors, "dispatcher: queue depth at or above warning threshold")
	}

	return status
}

// probeMetadata round-trips the metadata store with a cheap read rather
// than a dedicated ping, and treats Degraded mode as a probe failure
// (§7 ResourceUnavailable/Degraded feeding the alert path).
func (s *Supervisor) probeMetadata(ctx context.Context) error {
	if s.metadata.Degraded() {
		return errs.New(errs.KindDegraded, "metadata store is in degraded mode")
	}
	_, err := s.metadata.SweepExpiredSessions(ctx, time.Now())
	return err
}

// TriggerFullSnapshot runs an out-of-band full snapshot on operator
// request, outside the weekly schedule.
func (s *Supervisor) TriggerFullSnapshot(ctx context.Context) (*SnapshotMetadata, error) {
	if s.snapshots == nil {
		return nil, errs.New(errs.KindResourceUnavailable, "snapshot manager not configured")
	}
	return s.snapshots.CreateFullSnapshot(ctx)
}

func (s *Supervisor) runSnapshotLoop(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	snapshotTicker := time.NewTicker(s.snapshotInterval)
	incrementalTicker := time.NewTicker(s.incrementalEvery)
	defer snapshotTicker.Stop()
	defer incrementalTicker.Stop()

	lastFull := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshotTicker.C:
			if _, err := s.snapshots.CreateFullSnapshot(ctx); err != nil {
				s.log.WithContext(ctx).Error("full snapshot failed", "error", err.Error())
				continue
			}
			lastFull = time.Now()
			if err := s.snapshots.CleanupOldSnapshots(); err != nil {
				s.log.WithContext(ctx).Warn("snapshot cleanup failed", "error", err.Error())
			}
		case <-incrementalTicker.C:
			if _, err := s.snapshots.CreateIncrementalSnapshot(ctx, lastFull); err != nil {
				s.log.WithContext(ctx).Error("incremental snapshot failed", "error", err.Error())
			}
		}
	}
}
