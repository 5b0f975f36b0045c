// Package inference implements C4, the Inference Adapter: idempotent
// model load/unload and a lazy, non-restartable token stream. This
// component has no direct teacher analogue — local-model loading isn't a
// concern the teacher repo (a remote-embedding-backed memory server)
// ever had — so its shape is built fresh from the spec contract, using
// the same lazy-channel-plus-sentinel idiom the stream/websocket code
// elsewhere in the repo already uses for one-way event delivery.
package inference

import (
	"context"
	"sync"
	"time"

	"github.com/openclass/nexusai-gateway/internal/errs"
)

// Limits bounds one generate() call (§4.4).
type Limits struct {
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
	PerCallTimeout  time.Duration
}

func DefaultLimits() Limits {
	return Limits{MaxOutputTokens: 512, Temperature: 0.7, TopP: 0.9, PerCallTimeout: 30 * time.Second}
}

// Config names the model artifact to load.
type Config struct {
	ModelPath string
}

// Fragment is one element of a generate() stream: either a token, a
// normal-completion signal, or a terminal error.
type Fragment struct {
	Token string
	Done  bool
	Err   error
}

// Engine is the pluggable decode backend a concrete Adapter wraps (a
// local llama.cpp binding, an ONNX runtime, etc.) — substitutable per
// §10's capability-contract note.
type Engine interface {
	Load(ctx context.Context, cfg Config) error
	Unload(ctx context.Context) error
	Generate(ctx context.Context, prompt string, limits Limits, out chan<- Fragment)
}

// Adapter enforces the single-instance and idempotent-load rules on top
// of an Engine.
type Adapter struct {
	engine Engine

	mu     sync.Mutex
	loaded bool
	cfg    Config

	decodeMu sync.Mutex // serializes Generate when the engine needs it
}

func New(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

// Load is idempotent: a second call with no intervening Unload is a
// no-op (§4.4).
func (a *Adapter) Load(ctx context.Context, cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loaded {
		return nil
	}
	if err := a.engine.Load(ctx, cfg); err != nil {
		return err
	}
	a.loaded = true
	a.cfg = cfg
	return nil
}

func (a *Adapter) Unload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loaded {
		return nil
	}
	if err := a.engine.Unload(ctx); err != nil {
		return err
	}
	a.loaded = false
	return nil
}

func (a *Adapter) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

// Generate returns a receive-only, single-consumption channel of
// Fragments. The channel is closed after the terminal Fragment (Done or
// Err set); it must not be read from again after that (§4.4
// non-restartable).
func (a *Adapter) Generate(ctx context.Context, prompt string, limits Limits) (<-chan Fragment, error) {
	a.mu.Lock()
	loaded := a.loaded
	a.mu.Unlock()
	if !loaded {
		return nil, errs.New(errs.KindModelMissing, "no model loaded")
	}

	cancel := func() {}
	if limits.PerCallTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, limits.PerCallTimeout)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer cancel()
		a.decodeMu.Lock()
		defer a.decodeMu.Unlock()
		a.engine.Generate(ctx, prompt, limits, out)
	}()
	return out, nil
}
