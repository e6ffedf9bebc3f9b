// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jarvislabs/jarvis-core/internal/llm"
)

const keepAliveInterval = 15 * time.Second

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) event(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) keepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleModelsStream serves the live progress feed: one snapshot event on
// open, then bus events as they arrive, with keep-alive comments and
// disconnect detection on each idle tick.
func (s *Server) handleModelsStream(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}

	events, progress := s.registry.Subscribe()
	defer s.registry.Unsubscribe(events)

	snapshot := map[string]any{
		"type":     "snapshot",
		"models":   s.registry.List(),
		"progress": progress,
	}
	if err := sse.event(snapshot); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sse.event(ev); err != nil {
				return
			}
			ticker.Reset(keepAliveInterval)
		case <-ticker.C:
			if err := sse.keepAlive(); err != nil {
				return
			}
		}
	}
}

// streamChat relays a streaming generation as SSE. Errors after the
// headers are sent arrive as in-band "error" events.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req llm.Request) {
	events, err := s.manager.GenerateStream(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	for ev := range events {
		if err := sse.event(ev); err != nil {
			return
		}
	}
}
