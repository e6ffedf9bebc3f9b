// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jarvislabs/jarvis-core/internal/logbuf"
	"github.com/jarvislabs/jarvis-core/internal/registry"
)

func TestWSHubBroadcastNoClients(t *testing.T) {
	hub := NewWSHub(logbuf.New(nil, 10))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// Broadcasting with no clients must not panic or block.
	hub.Broadcast(map[string]string{"type": "progress"})
}

func TestWSHubShutdown(t *testing.T) {
	hub := NewWSHub(logbuf.New(nil, 10))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	attached := &WSClient{send: make(chan []byte, 1), hub: hub}
	if !hub.add(attached) {
		t.Fatal("client rejected before shutdown")
	}

	cancel()
	<-hub.quit

	// The attached client's channel must be closed so its write pump exits.
	select {
	case _, open := <-attached.send:
		if open {
			t.Error("send channel delivered a message instead of closing")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed after shutdown")
	}

	// Late arrivals are refused instead of blocking forever.
	late := &WSClient{send: make(chan []byte, 1), hub: hub}
	if hub.add(late) {
		t.Error("client accepted after shutdown")
	}
	done := make(chan struct{})
	go func() {
		hub.remove(late)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("remove blocked after shutdown")
	}
}

func TestWebSocketFeed(t *testing.T) {
	remote := stubHub(t, "hello, world!!!!")
	cfg := DefaultConfig()
	cfg.HubEndpoint = remote.URL
	s, h := newTestServer(t, cfg, &stubBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.wsHub.Run(ctx)
	go s.forwardToWS(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/models/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("snapshot parse: %v", err)
	}
	if snapshot["type"] != "snapshot" {
		t.Fatalf("first message = %s", data)
	}

	if _, err := s.registry.StartDownload(context.Background(), registry.DownloadSpec{
		ModelID: "beta", RepoID: "o/r", Filename: "m.bin",
	}); err != nil {
		t.Fatal(err)
	}

	sawBeta := false
	deadline := time.Now().Add(5 * time.Second)
	for !sawBeta && time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		var ev registry.BusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("event parse: %v (%s)", err, data)
		}
		if ev.ModelID == "beta" {
			sawBeta = true
		}
	}
	if !sawBeta {
		t.Error("no event for beta arrived over the websocket")
	}
}
