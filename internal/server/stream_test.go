// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jarvislabs/jarvis-core/internal/llm"
	"github.com/jarvislabs/jarvis-core/internal/registry"
)

// readSSE collects up to n data events from an SSE body, skipping comment
// lines, with a deadline enforced by the caller's client timeout.
func readSSE(t *testing.T, scanner *bufio.Scanner, n int) []string {
	t.Helper()
	var events []string
	for len(events) < n && scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(events) < n {
		t.Fatalf("stream ended after %d events, want %d (err: %v)", len(events), n, scanner.Err())
	}
	return events
}

func TestModelsStreamSnapshotAndDeltas(t *testing.T) {
	remote := stubHub(t, "hello, world!!!!")
	cfg := DefaultConfig()
	cfg.HubEndpoint = remote.URL
	s, h := newTestServer(t, cfg, &stubBackend{})

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/models/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)

	first := readSSE(t, scanner, 1)[0]
	var snapshot struct {
		Type     string                       `json:"type"`
		Models   []registry.Metadata          `json:"models"`
		Progress map[string]registry.Progress `json:"progress"`
	}
	if err := json.Unmarshal([]byte(first), &snapshot); err != nil {
		t.Fatalf("snapshot parse: %v", err)
	}
	if snapshot.Type != "snapshot" || len(snapshot.Models) != 0 || len(snapshot.Progress) != 0 {
		t.Fatalf("snapshot = %s", first)
	}

	if _, err := s.registry.StartDownload(context.Background(), registry.DownloadSpec{
		ModelID: "beta", RepoID: "o/r", Filename: "m.bin",
	}); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	// The metadata flip arrives first, then queued and downloading deltas.
	sawQueued, sawDownloading := false, false
	deadline := time.Now().Add(5 * time.Second)
	for !(sawQueued && sawDownloading) {
		if time.Now().After(deadline) {
			t.Fatal("missing queued/downloading deltas")
		}
		raw := readSSE(t, scanner, 1)[0]
		var ev registry.BusEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatalf("event parse: %v (%s)", err, raw)
		}
		if ev.Type != "progress" || ev.ModelID != "beta" {
			continue
		}
		switch ev.Progress.Status {
		case registry.ProgressQueued:
			sawQueued = true
		case registry.ProgressDownloading:
			if !sawQueued {
				t.Error("downloading observed before queued")
			}
			sawDownloading = true
		}
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	backend := &stubBackend{chunks: []string{"Hel", "lo ", "there"}}
	remote := stubHub(t, "hello, world!!!!")
	cfg := DefaultConfig()
	cfg.HubEndpoint = remote.URL
	s, h := newTestServer(t, cfg, backend)

	// Activate directly through the components; the wire flow is covered
	// elsewhere.
	if _, err := s.registry.StartDownload(context.Background(), registry.DownloadSpec{
		ModelID: "alpha", RepoID: "o/r", Filename: "m.bin",
	}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if p, err := s.registry.Progress("alpha"); err == nil && p.Status == registry.ProgressCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("download stuck")
		}
		time.Sleep(10 * time.Millisecond)
	}
	m, err := s.registry.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.manager.LoadFromMetadata(m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.registry.Activate("alpha"); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat/completions", "application/json",
		strings.NewReader(`{"prompt":"hi","stream":true}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	raws := readSSE(t, scanner, 4)

	var deltas []string
	var last llm.StreamEvent
	for _, raw := range raws {
		var ev llm.StreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		last = ev
		if ev.Type == "chunk" {
			deltas = append(deltas, ev.Delta)
		}
	}
	if strings.Join(deltas, "") != "Hello there" {
		t.Errorf("deltas = %q", deltas)
	}
	if last.Type != "result" || last.Message != "Hello there" {
		t.Errorf("terminal event = %+v", last)
	}
}
