// Package dispatcher implements C5: a bounded-parallelism FIFO gateway for
// inference requests. Admission order equals service order; no priority
// reordering (the Priority field on domain.InferenceRequest is reserved
// and ignored, §4.5).
package dispatcher

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/logging"
)

// PositionUnknown and PositionDone are the position() sentinels (§4.5).
const (
	PositionActive  = 0
	PositionDone    = -1
	PositionUnknown = -2
)

// Stats mirrors the §4.5 stats() contract.
type Stats struct {
	Depth          int
	Active         int
	AdmittedTotal  int64
	RejectedTotal  int64
	CompletedTotal int64
}

// Worker runs one admitted request to completion. Implementations bind
// C6 (the RAG Orchestrator) in production and a fake in tests.
type Worker func(ctx context.Context, req *domain.InferenceRequest) error

type ticket struct {
	req       *domain.InferenceRequest
	elem      *list.Element
	cancel    context.CancelFunc
	state     domain.RequestState
	mu        sync.Mutex
}

// Dispatcher is the C5 implementation.
type Dispatcher struct {
	maxConcurrent int
	maxQueueDepth int
	deadline      time.Duration
	worker        Worker

	mu       sync.Mutex
	queue    *list.List // of *ticket, FIFO
	tickets  map[string]*ticket
	active   int

	meanServiceTime time.Duration
	stats           Stats

	sem chan struct{}
}

func New(maxConcurrent, maxQueueDepth int, deadline time.Duration, worker Worker) *Dispatcher {
	return &Dispatcher{
		maxConcurrent:   maxConcurrent,
		maxQueueDepth:   maxQueueDepth,
		deadline:        deadline,
		worker:          worker,
		queue:           list.New(),
		tickets:         make(map[string]*ticket),
		meanServiceTime: 5 * time.Second,
		sem:             make(chan struct{}, maxConcurrent),
	}
}

// Submit admits req at the tail of the FIFO queue, or rejects it with
// QueueFull if the queue is already at max_queue_depth (§4.5).
func (d *Dispatcher) Submit(ctx context.Context, req *domain.InferenceRequest) (string, error) {
	d.mu.Lock()
	if d.queue.Len() >= d.maxQueueDepth {
		depth := d.queue.Len()
		d.stats.RejectedTotal++
		d.mu.Unlock()
		estWait := time.Duration(depth) * d.meanServiceTimeLocked()
		return "", errs.NewWithDetail(errs.KindQueueFull, "dispatcher queue is full", &errs.QueueFullDetail{
			Depth:         depth,
			EstimatedWait: estWait.Seconds(),
		})
	}

	req.QueueID = uuid.New().String()
	req.EnqueuedAt = time.Now()
	req.State = domain.StateQueued

	t := &ticket{req: req, state: domain.StateQueued}
	t.elem = d.queue.PushBack(t)
	d.tickets[req.QueueID] = t
	d.stats.AdmittedTotal++
	d.mu.Unlock()

	go d.runWhenReady(t)

	return req.QueueID, nil
}

func (d *Dispatcher) meanServiceTimeLocked() time.Duration {
	return d.meanServiceTime
}

func (d *Dispatcher) runWhenReady(t *ticket) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	d.mu.Lock()
	t.mu.Lock()
	if t.state == domain.StateCancelled {
		t.mu.Unlock()
		d.removeFromQueue(t)
		d.mu.Unlock()
		return
	}
	t.state = domain.StateActive
	t.mu.Unlock()
	d.removeFromQueue(t)
	d.active++
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.deadline)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	start := time.Now()
	err := d.worker(ctx, t.req)
	elapsed := time.Since(start)

	d.mu.Lock()
	d.active--
	d.meanServiceTime = (d.meanServiceTime + elapsed) / 2
	t.mu.Lock()
	switch {
	case t.state == domain.StateCancelled:
		// already set by Cancel
	case err != nil:
		t.state = domain.StateFailed
	default:
		t.state = domain.StateDone
		d.stats.CompletedTotal++
	}
	t.mu.Unlock()
	d.mu.Unlock()

	if err != nil {
		logging.DispatcherLogger.Warn("inference request finished with error",
			"queue_id", t.req.QueueID, "error", err.Error())
	}
}

// removeFromQueue must be called with d.mu held.
func (d *Dispatcher) removeFromQueue(t *ticket) {
	if t.elem != nil {
		d.queue.Remove(t.elem)
		t.elem = nil
	}
}

// Position returns the §4.5 sentinel/position for queueID.
func (d *Dispatcher) Position(queueID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[queueID]
	if !ok {
		return PositionUnknown
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case domain.StateActive, domain.StateStreaming:
		return PositionActive
	case domain.StateDone, domain.StateFailed, domain.StateCancelled, domain.StateRejected:
		return PositionDone
	}

	pos := 1
	for e := d.queue.Front(); e != nil; e = e.Next() {
		if e == t.elem {
			return pos
		}
		pos++
	}
	return PositionUnknown
}

// Cancel transitions a queued request directly to cancelled, or signals
// an active request's context for best-effort cancellation (§4.5).
func (d *Dispatcher) Cancel(queueID string) error {
	d.mu.Lock()
	t, ok := d.tickets[queueID]
	if !ok {
		d.mu.Unlock()
		return errs.New(errs.KindResourceUnavailable, "unknown queue id")
	}
	d.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case domain.StateQueued:
		t.state = domain.StateCancelled
		d.mu.Lock()
		d.removeFromQueue(t)
		d.mu.Unlock()
	case domain.StateActive, domain.StateStreaming:
		t.state = domain.StateCancelled
		if t.cancel != nil {
			t.cancel()
		}
	}
	return nil
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Depth = d.queue.Len()
	s.Active = d.active
	return s
}
