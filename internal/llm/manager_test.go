// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
	"github.com/jarvislabs/jarvis-core/internal/logbuf"
	"github.com/jarvislabs/jarvis-core/internal/registry"
)

// stubBackend replays a canned completion, optionally split into chunks.
type stubBackend struct {
	output string
	chunks []string
	err    error
	closed bool
}

func (s *stubBackend) Complete(ctx context.Context, prompt string) (string, error) {
	return s.output, s.err
}

func (s *stubBackend) Stream(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range s.chunks {
			ch <- StreamChunk{Delta: c}
		}
		if s.err != nil {
			ch <- StreamChunk{Err: s.err}
		}
	}()
	return ch, nil
}

func (s *stubBackend) Close() error {
	s.closed = true
	return nil
}

func stubLoader(b Backend) Loader {
	return func(Kind, string, int) (Backend, error) { return b, nil }
}

func testMetadata() *registry.Metadata {
	return &registry.Metadata{ModelID: "tiny", LocalPath: "/models/tiny/m.gguf", State: registry.StateActive}
}

func TestGenerateNotLoaded(t *testing.T) {
	g := NewManager(stubLoader(&stubBackend{}), 64, logbuf.New(nil, 10))
	_, err := g.Generate(context.Background(), Request{Prompt: "hi"})
	if httperror.StatusOf(err) != http.StatusServiceUnavailable {
		t.Fatalf("got %v, want 503", err)
	}
	if err.Error() != "No model is currently loaded" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestGenerateWithActions(t *testing.T) {
	out := "Hi!\n```actions\n[{\"type\":\"open\",\"payload\":{\"path\":\".\"}}]\n```\nBye."
	g := NewManager(stubLoader(&stubBackend{output: out}), 64, logbuf.New(nil, 10))
	if _, err := g.LoadFromMetadata(testMetadata()); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer g.Unload()

	res, err := g.Generate(context.Background(), Request{Prompt: "hey"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Message != "Hi!\n\nBye." {
		t.Errorf("message = %q", res.Message)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != "open" {
		t.Errorf("actions = %+v", res.Actions)
	}
	if res.Actions[0].Payload["path"] != "." {
		t.Errorf("payload = %+v", res.Actions[0].Payload)
	}
}

func TestGenerateStream(t *testing.T) {
	g := NewManager(stubLoader(&stubBackend{chunks: []string{"Hel", "lo ", "there"}}), 64, logbuf.New(nil, 10))
	if _, err := g.LoadFromMetadata(testMetadata()); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer g.Unload()

	events, err := g.GenerateStream(context.Background(), Request{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var deltas []string
	var last StreamEvent
	for ev := range events {
		last = ev
		if ev.Type == "chunk" {
			deltas = append(deltas, ev.Delta)
		}
	}
	if strings.Join(deltas, "") != "Hello there" {
		t.Errorf("chunks = %q", deltas)
	}
	if last.Type != "result" || last.Message != "Hello there" {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestGenerateStreamError(t *testing.T) {
	g := NewManager(stubLoader(&stubBackend{chunks: []string{"par"}, err: errors.New("backend crashed")}), 64, logbuf.New(nil, 10))
	if _, err := g.LoadFromMetadata(testMetadata()); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer g.Unload()

	events, err := g.GenerateStream(context.Background(), Request{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	var last StreamEvent
	for ev := range events {
		last = ev
	}
	if last.Type != "error" || !strings.Contains(last.Message, "backend crashed") {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestLoadReplacesPrevious(t *testing.T) {
	first := &stubBackend{}
	second := &stubBackend{}
	backends := []Backend{first, second}
	loader := func(Kind, string, int) (Backend, error) {
		b := backends[0]
		backends = backends[1:]
		return b, nil
	}
	g := NewManager(loader, 64, logbuf.New(nil, 10))
	if _, err := g.LoadFromMetadata(testMetadata()); err != nil {
		t.Fatal(err)
	}
	if _, err := g.LoadFromMetadata(testMetadata()); err != nil {
		t.Fatal(err)
	}
	if !first.closed {
		t.Error("previous backend not closed on replacement load")
	}
	g.Unload()
	if !second.closed {
		t.Error("backend not closed on unload")
	}
	g.Unload() // idempotent
}

func TestKindFor(t *testing.T) {
	cases := []struct {
		path string
		tags []string
		want Kind
	}{
		{"/m/a.gguf", nil, KindGGUF},
		{"/m/a.GGUF", nil, KindGGUF},
		{"/m/a.bin", []string{"GGUF"}, KindGGUF},
		{"/m/a.bin", []string{"chat"}, KindTransformers},
		{"/m/a.safetensors", nil, KindTransformers},
	}
	for _, c := range cases {
		m := &registry.Metadata{LocalPath: c.path, Tags: c.tags}
		if got := KindFor(m); got != c.want {
			t.Errorf("KindFor(%s, %v) = %s, want %s", c.path, c.tags, got, c.want)
		}
	}
}
