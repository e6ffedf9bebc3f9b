// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
	"github.com/jarvislabs/jarvis-core/internal/llm"
	"github.com/jarvislabs/jarvis-core/internal/registry"
	"github.com/jarvislabs/jarvis-core/internal/sandbox"
)

// Version is the reported service version. Overridable at link time.
var Version = "0.4.0"

// DownloadRequest is the request body for starting a model download.
type DownloadRequest struct {
	RepoID   string   `json:"repo_id"`
	Filename string   `json:"filename"`
	HFToken  string   `json:"hf_token,omitempty"`
	Checksum string   `json:"checksum,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// ActivateResponse pairs the updated catalogue entry with the loaded
// runtime description.
type ActivateResponse struct {
	Metadata *registry.Metadata `json:"metadata"`
	Runtime  *llm.RuntimeInfo   `json:"runtime"`
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	ActiveModel *llm.RuntimeInfo `json:"active_model"`
	Memory      llm.Memory       `json:"memory"`
	ActionRoots []string         `json:"action_roots"`
	UptimeSec   float64          `json:"uptime_sec"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleConfig returns the resolved configuration with the token masked.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.config
	if cfg.Token != "" {
		cfg.Token = "***"
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.log.Records())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		ActiveModel: s.manager.Runtime(),
		Memory:      s.manager.Memory(),
		ActionRoots: s.sandbox.Roots(),
		UptimeSec:   time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleStartDownload accepts a download and returns 202 immediately;
// the outcome is observable through progress polling or the event feed.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := s.registry.StartDownload(r.Context(), registry.DownloadSpec{
		ModelID:  id,
		RepoID:   req.RepoID,
		Filename: req.Filename,
		Checksum: req.Checksum,
		Tags:     req.Tags,
		Token:    req.HFToken,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

// handleActivateModel loads the model first and flips the registry after;
// a registry rejection unloads again so the manager never holds a model
// the catalogue does not mark active.
func (s *Server) handleActivateModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.registry.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	runtime, err := s.manager.LoadFromMetadata(m)
	if err != nil {
		writeErr(w, err)
		return
	}
	activated, err := s.registry.Activate(id)
	if err != nil {
		s.manager.Unload()
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActivateResponse{Metadata: activated, Runtime: runtime})
}

func (s *Server) handleRemoveModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.registry.Remove(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if removed.State == registry.StateActive {
		s.manager.Unload()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Progress(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req llm.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if req.Stream {
		s.streamChat(w, r, req)
		return
	}
	res, err := s.manager.Generate(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActionOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.sandbox.Open(req.Path)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActionRead(w http.ResponseWriter, r *http.Request) {
	var req sandbox.ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.sandbox.Read(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActionRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command json.RawMessage `json:"command"`
		Cwd     string          `json:"cwd,omitempty"`
		Timeout float64         `json:"timeout,omitempty"`
		Shell   bool            `json:"shell,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run := sandbox.RunRequest{
		Cwd:     req.Cwd,
		Timeout: time.Duration(req.Timeout * float64(time.Second)),
		Shell:   req.Shell,
	}
	// The command is either an argv list or a shell string.
	var argv []string
	var line string
	switch {
	case json.Unmarshal(req.Command, &argv) == nil:
		run.Argv = argv
	case json.Unmarshal(req.Command, &line) == nil:
		run.Line = line
	default:
		writeError(w, http.StatusBadRequest, "command must be a string or a list of strings")
		return
	}

	res, err := s.sandbox.Run(r.Context(), run)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError emits the {"detail": message} error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, httperror.StatusOf(err), err.Error())
}
