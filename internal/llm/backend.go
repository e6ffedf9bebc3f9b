// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/jarvislabs/jarvis-core/internal/registry"
)

// Kind is the family of inference runtime backing a loaded model.
type Kind string

const (
	KindGGUF         Kind = "gguf"
	KindTransformers Kind = "transformers"
)

// KindFor selects the backend kind: a .gguf artifact or a "gguf" tag picks
// the GGUF runtime, everything else the transformers runtime.
func KindFor(m *registry.Metadata) Kind {
	if strings.EqualFold(filepath.Ext(m.LocalPath), ".gguf") || m.HasTag("gguf") {
		return KindGGUF
	}
	return KindTransformers
}

// StreamChunk is one increment of streaming output. A non-nil Err is
// terminal; the channel closes after it.
type StreamChunk struct {
	Delta string
	Err   error
}

// Backend is one loaded inference runtime.
type Backend interface {
	// Complete runs a blocking completion for prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream starts a completion and returns a forward-only sequence of
	// output chunks. The channel is closed after the final chunk.
	Stream(ctx context.Context, prompt string) (<-chan StreamChunk, error)
	// Close releases the runtime. Must be safe to call once per load.
	Close() error
}

// Loader instantiates a Backend for a model artifact. Swappable so tests
// can substitute a stub runtime.
type Loader func(kind Kind, modelPath string, maxNewTokens int) (Backend, error)
