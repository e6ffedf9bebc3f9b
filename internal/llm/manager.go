// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
	"github.com/jarvislabs/jarvis-core/internal/logbuf"
	"github.com/jarvislabs/jarvis-core/internal/registry"
)

const metricsInterval = 5 * time.Second

// RuntimeInfo describes the currently loaded model.
type RuntimeInfo struct {
	ModelID   string `json:"model_id"`
	ModelType string `json:"model_type"`
	Path      string `json:"path"`
}

// Request is one generation request.
type Request struct {
	Prompt       string    `json:"prompt"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	History      []Message `json:"history,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
}

// Result is a finished completion: the display message plus any actions
// extracted from it.
type Result struct {
	Message string   `json:"message"`
	Actions []Action `json:"actions,omitempty"`
}

// StreamEvent is one event of a streaming generation: zero or more "chunk"
// events followed by exactly one "result" or "error".
type StreamEvent struct {
	Type    string   `json:"type"`
	Delta   string   `json:"delta,omitempty"`
	Message string   `json:"message,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Manager owns at most one loaded model. Two mutexes: mu guards
// load/unload and the metrics sample, genMu serialises generation so
// concurrent requests queue rather than interleave on one runtime.
type Manager struct {
	loader       Loader
	maxNewTokens int
	log          *logbuf.Logger

	mu      sync.Mutex
	backend Backend
	info    *RuntimeInfo
	memory  Memory
	stop    chan struct{}

	genMu sync.Mutex
}

// NewManager creates a Manager that loads backends through loader.
func NewManager(loader Loader, maxNewTokens int, log *logbuf.Logger) *Manager {
	if log == nil {
		log = logbuf.Default()
	}
	if maxNewTokens <= 0 {
		maxNewTokens = 512
	}
	return &Manager{loader: loader, maxNewTokens: maxNewTokens, log: log}
}

// Start launches the periodic memory sampler.
func (g *Manager) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.memory = sampleMemory()
	go g.sampleLoop(g.stop)
}

func (g *Manager) sampleLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m := sampleMemory()
			g.mu.Lock()
			g.memory = m
			g.mu.Unlock()
		}
	}
}

// Shutdown stops the sampler and unloads the model.
func (g *Manager) Shutdown() {
	g.mu.Lock()
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
	g.mu.Unlock()
	g.Unload()
}

// LoadFromMetadata loads the model behind m, replacing any previous one.
func (g *Manager) LoadFromMetadata(m *registry.Metadata) (*RuntimeInfo, error) {
	kind := KindFor(m)
	backend, err := g.loader(kind, m.LocalPath, g.maxNewTokens)
	if err != nil {
		return nil, httperror.New(500, "failed to load model %s: %v", m.ModelID, err)
	}

	g.mu.Lock()
	prev := g.backend
	g.backend = backend
	g.info = &RuntimeInfo{ModelID: m.ModelID, ModelType: string(kind), Path: m.LocalPath}
	info := *g.info
	g.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	g.log.Info("model loaded: %s (%s)", m.ModelID, kind)
	return &info, nil
}

// Unload drops the loaded model. Idempotent.
func (g *Manager) Unload() {
	g.mu.Lock()
	backend := g.backend
	info := g.info
	g.backend = nil
	g.info = nil
	g.mu.Unlock()

	if backend != nil {
		backend.Close()
		if info != nil {
			g.log.Info("model unloaded: %s", info.ModelID)
		}
	}
}

// Runtime returns the loaded model's info, or nil when nothing is loaded.
func (g *Manager) Runtime() *RuntimeInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.info == nil {
		return nil
	}
	info := *g.info
	return &info
}

// Memory returns the latest metrics sample.
func (g *Manager) Memory() Memory {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memory
}

func (g *Manager) current() (Backend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backend == nil {
		return nil, httperror.NotLoaded("No model is currently loaded")
	}
	return g.backend, nil
}

// Generate runs a blocking completion and extracts actions from the output.
func (g *Manager) Generate(ctx context.Context, req Request) (*Result, error) {
	backend, err := g.current()
	if err != nil {
		return nil, err
	}
	prompt := BuildPrompt(req.Prompt, req.SystemPrompt, req.History)

	g.genMu.Lock()
	raw, err := backend.Complete(ctx, prompt)
	g.genMu.Unlock()
	if err != nil {
		return nil, httperror.New(500, "generation failed: %v", err)
	}

	message, actions := ExtractActions(raw)
	return &Result{Message: message, Actions: actions}, nil
}

// GenerateStream starts a streaming completion. The not-loaded check is
// synchronous so callers can still fail with 503 before sending headers;
// later failures arrive as an in-band "error" event.
func (g *Manager) GenerateStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	backend, err := g.current()
	if err != nil {
		return nil, err
	}
	prompt := BuildPrompt(req.Prompt, req.SystemPrompt, req.History)

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		g.genMu.Lock()
		defer g.genMu.Unlock()

		chunks, err := backend.Stream(ctx, prompt)
		if err != nil {
			select {
			case out <- StreamEvent{Type: "error", Message: err.Error()}:
			case <-ctx.Done():
			}
			return
		}
		var buf []byte
		for chunk := range chunks {
			if chunk.Err != nil {
				g.log.Error("streaming generation failed: %v", chunk.Err)
				select {
				case out <- StreamEvent{Type: "error", Message: chunk.Err.Error()}:
				case <-ctx.Done():
				}
				return
			}
			buf = append(buf, chunk.Delta...)
			select {
			case out <- StreamEvent{Type: "chunk", Delta: chunk.Delta}:
			case <-ctx.Done():
				return
			}
		}
		message, actions := ExtractActions(string(buf))
		select {
		case out <- StreamEvent{Type: "result", Message: message, Actions: actions}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
