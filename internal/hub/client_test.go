// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
)

func TestFileURL(t *testing.T) {
	c := NewClient("https://hub.example")
	got := c.FileURL("owner/repo", "sub dir/model.gguf")
	want := "https://hub.example/owner/repo/resolve/main/sub%20dir/model.gguf"
	if got != want {
		t.Errorf("FileURL = %q, want %q", got, want)
	}
}

func TestProbeSizeHeaders(t *testing.T) {
	t.Run("linked size wins", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodHead {
				t.Errorf("method = %s", r.Method)
			}
			w.Header().Set("X-Linked-Size", "1234")
			w.Header().Set("Content-Length", "99")
		}))
		defer srv.Close()

		size, err := NewClient(srv.URL).Probe(context.Background(), "o/r", "m.bin", "")
		if err != nil {
			t.Fatalf("Probe: %v", err)
		}
		if size != 1234 {
			t.Errorf("size = %d, want 1234", size)
		}
	})

	t.Run("no size reported", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		size, err := NewClient(srv.URL).Probe(context.Background(), "o/r", "m.bin", "")
		if err != nil {
			t.Fatalf("Probe: %v", err)
		}
		if size != SizeUnknown {
			t.Errorf("size = %d, want SizeUnknown", size)
		}
	})
}

func TestProbeErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		wantCode int
	}{
		{"gated repo", http.StatusUnauthorized, http.StatusForbidden},
		{"forbidden", http.StatusForbidden, http.StatusForbidden},
		{"missing file", http.StatusNotFound, http.StatusNotFound},
		{"hub failure", http.StatusInternalServerError, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Probe(context.Background(), "o/r", "m.bin", "")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := httperror.StatusOf(err); got != tc.wantCode {
				t.Errorf("status = %d, want %d", got, tc.wantCode)
			}
		})
	}
}

func TestFetchSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, "payload")
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Fetch(context.Background(), "o/r", "m.bin", "tok123")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}
}

func TestFetchStalledBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	// Unblock the handler before srv.Close waits on outstanding requests.
	defer close(release)

	c := NewClient(srv.URL)
	c.idleTimeout = 50 * time.Millisecond
	resp, err := c.Fetch(context.Background(), "o/r", "m.bin", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 16)
	n, err := resp.Body.Read(buf)
	if err != nil || string(buf[:n]) != "partial" {
		t.Fatalf("first read = %q, %v", buf[:n], err)
	}

	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected error after the hub stalled")
	}
	if httperror.StatusOf(err) != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", httperror.StatusOf(err))
	}
}

func TestFetchClosesBodyOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Fetch(context.Background(), "o/r", "m.bin", "")
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error")
	}
	if httperror.StatusOf(err) != http.StatusNotFound {
		t.Errorf("status = %d", httperror.StatusOf(err))
	}
}
